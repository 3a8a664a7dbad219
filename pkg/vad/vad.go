// Package vad implements the two-stage voice-activity endpointer described
// in spec.md §4.E: a cheap RMS energy pre-filter that's always on, plus an
// optional ML speech classifier consulted on ~0.5s chunk boundaries to
// reject non-speech energy (music, HVAC). [Endpointer] implements
// pkg/audio.SpeechDetector so it can be handed directly to
// Capturer.RecordUntilSilence.
package vad

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/bbureau12/echonet/pkg/audio"
)

// Config tunes the endpointer. Fields map directly onto the
// ECHONET_AUDIO_* environment variables in spec.md §6.
type Config struct {
	SampleRate      int
	FrameDurationMS int     // default 30ms, within spec.md §4.E's 20-100ms window
	EnergyThreshold float64 // RMS threshold in [0,1] normalized amplitude
	SilenceDuration float64 // seconds
	MinDuration     float64 // seconds
	UseMLVAD        bool
}

// mlChunkDuration is the accumulation window for the ML classifier stage,
// per spec.md §4.E ("applied ... each ~0.5 s chunk boundary").
const mlChunkDuration = 500 * time.Millisecond

// SpeechClassifier is the ML speech-detector stage (spec.md §4.E stage 2).
// Implementations receive an accumulated ~0.5s PCM chunk and report whether
// it contains speech, rejecting non-speech energy that passed the cheap RMS
// filter.
type SpeechClassifier interface {
	Classify(pcm []byte) (isSpeech bool, err error)
}

// Endpointer implements the hybrid energy+ML endpointing rule: a segment
// ends when a contiguous span of at least SilenceDuration seconds contains
// no speech frames AND the recording has lasted at least MinDuration
// seconds (spec.md §4.E "Endpointing rule"). It satisfies
// pkg/audio.SpeechDetector.
type Endpointer struct {
	cfg        Config
	classifier SpeechClassifier

	mu          sync.Mutex
	elapsed     time.Duration
	silenceRun  time.Duration
	speechSeen  bool
	mlBuf       []byte
	lastSpeech  bool // latest ML-confirmed speech verdict, held between chunk boundaries
	haveVerdict bool // whether the ML stage has produced at least one verdict this recording
}

// NewEndpointer constructs an Endpointer. classifier may be nil; if
// cfg.UseMLVAD is true and classifier is nil, the ML stage is a no-op that
// trusts the energy filter's verdict (see pkg/vad's untagged stub file for
// the default classifier wired by the application).
func NewEndpointer(cfg Config, classifier SpeechClassifier) *Endpointer {
	if cfg.FrameDurationMS <= 0 {
		cfg.FrameDurationMS = 30
	}
	return &Endpointer{cfg: cfg, classifier: classifier}
}

// Reset clears all per-recording state, called at the start of each
// RecordUntilSilence call (spec.md §9's "Cooperative suspension" note — a
// fresh recording must not inherit stale silence/elapsed counters).
func (e *Endpointer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.elapsed = 0
	e.silenceRun = 0
	e.speechSeen = false
	e.mlBuf = e.mlBuf[:0]
	e.lastSpeech = false
	e.haveVerdict = false
}

// ProcessFrame implements pkg/audio.SpeechDetector.
func (e *Endpointer) ProcessFrame(frame []byte) (audio.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	frameDur := time.Duration(e.cfg.FrameDurationMS) * time.Millisecond
	e.elapsed += frameDur

	energySpeech := rms(frame) >= e.cfg.EnergyThreshold
	isSpeech := energySpeech

	if e.cfg.UseMLVAD && e.classifier != nil {
		e.mlBuf = append(e.mlBuf, frame...)
		chunkBytes := mlChunkBytes(e.cfg.SampleRate)
		if chunkBytes > 0 && len(e.mlBuf) >= chunkBytes {
			verdict, err := e.classifier.Classify(e.mlBuf)
			e.mlBuf = e.mlBuf[:0]
			if err != nil {
				return audio.DecisionSilence, err
			}
			e.lastSpeech = verdict
			e.haveVerdict = true
		}
		// The ML stage can only reject energy the cheap filter already
		// flagged as speech-like; it never invents speech the energy
		// filter missed. Until the first chunk boundary is reached, trust
		// the energy filter alone so speech at the start of a recording
		// isn't lost waiting for 0.5s of buffer to accumulate.
		if energySpeech && e.haveVerdict {
			isSpeech = e.lastSpeech
		}
	}

	if isSpeech {
		e.speechSeen = true
		e.silenceRun = 0
		return audio.DecisionSpeech, nil
	}

	e.silenceRun += frameDur
	if e.speechSeen && e.silenceRun >= durationSeconds(e.cfg.SilenceDuration) && e.elapsed >= durationSeconds(e.cfg.MinDuration) {
		return audio.DecisionSegmentEnd, nil
	}
	return audio.DecisionSilence, nil
}

func durationSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func mlChunkBytes(sampleRate int) int {
	// 16-bit mono PCM: 2 bytes/sample.
	return int(mlChunkDuration.Seconds() * float64(sampleRate) * 2)
}

// rms computes the root-mean-square amplitude of a 16-bit little-endian
// mono PCM frame, normalized to [0,1].
func rms(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sumSquares float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(frame[i*2 : i*2+2]))
		norm := float64(s) / 32768.0
		sumSquares += norm * norm
	}
	return math.Sqrt(sumSquares / float64(n))
}
