// Package mock provides an in-memory mock of [transcriber.Transcriber].
package mock

import (
	"context"
	"sync"

	"github.com/bbureau12/echonet/internal/transcriber"
)

// Call captures the arguments to one Transcribe invocation.
type Call struct {
	PCM        []byte
	SampleRate int
	Language   string
}

// Transcriber is a mock implementation of [transcriber.Transcriber].
type Transcriber struct {
	mu sync.Mutex

	// Results is consumed in order across Transcribe calls; once exhausted,
	// DefaultResult is returned.
	Results       []transcriber.Result
	DefaultResult transcriber.Result
	Err           error

	Calls []Call
}

var _ transcriber.Transcriber = (*Transcriber)(nil)

// Transcribe records the call and returns the next queued result, or
// DefaultResult/Err.
func (m *Transcriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (transcriber.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, Call{PCM: pcm, SampleRate: sampleRate, Language: language})
	if m.Err != nil {
		return transcriber.Result{}, m.Err
	}
	if len(m.Results) > 0 {
		next := m.Results[0]
		m.Results = m.Results[1:]
		return next, nil
	}
	return m.DefaultResult, nil
}

// Reset clears recorded calls without touching configured results.
func (m *Transcriber) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}
