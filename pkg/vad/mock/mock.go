// Package mock provides an in-memory mock of [vad.SpeechClassifier] for
// tests that need to control the ML stage's verdicts without loading a real
// model.
package mock

import (
	"sync"

	"github.com/bbureau12/echonet/pkg/vad"
)

// Classifier is a mock implementation of [vad.SpeechClassifier].
type Classifier struct {
	mu sync.Mutex

	// Verdicts is consumed in order across Classify calls; once exhausted,
	// DefaultVerdict is returned.
	Verdicts       []bool
	DefaultVerdict bool
	ClassifyError  error

	// Calls records every pcm chunk passed to Classify, in order.
	Calls [][]byte
}

var _ vad.SpeechClassifier = (*Classifier)(nil)

// Classify records the call and returns the next queued verdict, or
// DefaultVerdict/ClassifyError.
func (c *Classifier) Classify(pcm []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = append(c.Calls, pcm)
	if c.ClassifyError != nil {
		return false, c.ClassifyError
	}
	if len(c.Verdicts) > 0 {
		next := c.Verdicts[0]
		c.Verdicts = c.Verdicts[1:]
		return next, nil
	}
	return c.DefaultVerdict, nil
}

// Reset clears recorded calls without touching configured verdicts.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = nil
}
