// Package whisper implements transcriber.Transcriber using the whisper.cpp
// CGO bindings. The model is loaded once at startup and shared across every
// Transcribe call; each call opens its own whisper.cpp context since a
// context is not itself safe for concurrent use.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bbureau12/echonet/internal/transcriber"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// clipWarnRatio is the fraction of clipped samples in a segment above which
// Transcribe logs a warning: the capture device's gain is likely too hot for
// a clean result, and a persistently clipped source is worth flagging to an
// operator rather than silently degrading transcription quality.
const clipWarnRatio = 0.01

var _ transcriber.Transcriber = (*Provider)(nil)

// Provider loads a whisper.cpp GGML model from disk and transcribes PCM
// segments against it (spec.md §4.F).
type Provider struct {
	model          whisperlib.Model
	defaultLang    string
	defaultSampleRate int
}

// New loads the whisper.cpp model at modelPath. defaultLang is used whenever
// Transcribe is called with an empty language. defaultSampleRate is stored
// but not consulted, since Transcribe treats the sample rate as
// informational.
func New(modelPath, defaultLang string, defaultSampleRate int) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}
	if defaultLang == "" {
		defaultLang = "en"
	}
	if defaultSampleRate <= 0 {
		defaultSampleRate = 16000
	}
	return &Provider{model: model, defaultLang: defaultLang, defaultSampleRate: defaultSampleRate}, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Transcribe runs whisper.cpp inference over one PCM segment. pcm is
// expected to be mono 16-bit little-endian; sampleRate is informational only
// (whisper.cpp always expects 16kHz mono float32, which the caller's VAD
// pipeline already produces per spec.md §4.D/§4.E).
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (transcriber.Result, error) {
	if err := ctx.Err(); err != nil {
		return transcriber.Result{}, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	if language == "" {
		language = p.defaultLang
	}

	start := time.Now()
	samples, clipped := pcmToFloat32(pcm)
	if len(samples) > 0 && float64(clipped)/float64(len(samples)) > clipWarnRatio {
		slog.WarnContext(ctx, "transcribe: input audio appears clipped",
			"clipped_samples", clipped, "total_samples", len(samples))
	}

	wctx, err := p.model.NewContext()
	if err != nil {
		return transcriber.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if err := wctx.SetLanguage(language); err != nil {
		return transcriber.Result{}, fmt.Errorf("whisper: set language %q: %w", language, err)
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return transcriber.Result{}, fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return transcriber.Result{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		text := strings.TrimSpace(segment.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}

	return transcriber.Result{
		Text:      strings.Join(parts, " "),
		DurationS: time.Since(start).Seconds(),
	}, nil
}
