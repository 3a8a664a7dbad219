// Package transcriber defines the speech-to-text boundary used by the ASR
// Worker (spec.md §4.F): a single opaque Transcribe call over one segment of
// already-endpointed PCM, rather than a streaming session. Concrete
// implementations live in subpackages (whisper, mock).
package transcriber

import "context"

// Result is the outcome of transcribing one audio segment.
type Result struct {
	Text       string
	Confidence float64
	DurationS  float64
}

// Transcriber converts one segment of 16-bit little-endian PCM audio to
// text. Implementations must be safe for concurrent use; the ASR Worker
// calls Transcribe from its single worker loop, but other callers (the
// /test/transcribe HTTP endpoint) may call it concurrently.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int, language string) (Result, error)
}
