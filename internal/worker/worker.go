// Package worker implements the ASR Worker (spec.md §4.H): the single
// long-running loop that ties audio capture, VAD, transcription, and
// routing together, dispatching on the current listen mode.
package worker

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bbureau12/echonet/internal/observe"
	"github.com/bbureau12/echonet/internal/router"
	"github.com/bbureau12/echonet/internal/statemgr"
	"github.com/bbureau12/echonet/internal/transcriber"
	"github.com/bbureau12/echonet/pkg/audio"
)

const (
	inactiveSleep       = 500 * time.Millisecond
	triggerMaxDurationS = 10
	activeMaxDurationS  = 30

	initialBackoff = 250 * time.Millisecond
	maxBackoff     = 1 * time.Second
)

// Capturer is the subset of pkg/audio.Capturer's API the worker depends on,
// satisfied by both the real Capturer and pkg/audio/mock.Capturer.
type Capturer interface {
	RecordUntilSilence(ctx context.Context, deviceIndex int, cfg audio.RecordConfig, detector audio.SpeechDetector, preroll []byte) ([]byte, error)
}

// Config configures a Worker.
type Config struct {
	SourceID       string
	Language       string
	SampleRate     int
	PrerollSeconds float64 // 0 disables the pre-roll ring buffer

	// Metrics records per-stage latency and error counts. Nil disables
	// recording entirely.
	Metrics *observe.Metrics
}

// Worker drives the capture -> VAD -> transcribe -> route pipeline
// (spec.md §4.H, §5 "single long-running worker task"). Only one goroutine
// should call Run at a time; HTTP handlers interact with the same State
// Manager/Registry/Router concurrently but never call into Worker directly.
type Worker struct {
	state       *statemgr.StateManager
	capture     Capturer
	detector    audio.SpeechDetector
	transcriber transcriber.Transcriber
	router      *router.Router
	metrics     *observe.Metrics

	sourceID   string
	language   string
	sampleRate int

	ring           *audio.RingBuffer
	prerollEnabled bool

	lastIteration atomic.Int64 // unix nanoseconds, read by readiness checks

	stop    chan struct{}
	stopped chan struct{}
}

// New constructs a Worker. All dependencies must be non-nil.
func New(state *statemgr.StateManager, capture Capturer, detector audio.SpeechDetector, tr transcriber.Transcriber, rt *router.Router, cfg Config) *Worker {
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = 16000
	}
	w := &Worker{
		state:       state,
		capture:     capture,
		detector:    detector,
		transcriber: tr,
		router:      rt,
		metrics:     cfg.Metrics,
		sourceID:    cfg.SourceID,
		language:    cfg.Language,
		sampleRate:  sr,
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	if cfg.PrerollSeconds > 0 {
		w.ring = audio.NewRingBuffer(cfg.PrerollSeconds, sr)
		w.prerollEnabled = true
	}
	return w
}

// Run executes the main loop (spec.md §4.H "Main loop (per iteration)")
// until ctx is cancelled or Stop is called. It honors the stop signal
// cooperatively: an in-flight capture is allowed to finish before Run
// returns.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.stopped)

	backoff := initialBackoff
	deviceIndex := w.state.GetAudioDeviceIndex()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		w.lastIteration.Store(time.Now().UnixNano())

		if idx := w.state.GetAudioDeviceIndex(); idx != deviceIndex {
			slog.Info("worker: audio device changed", "old_index", deviceIndex, "new_index", idx)
			deviceIndex = idx
		}

		mode := w.state.GetListenMode()

		var err error
		switch mode {
		case statemgr.ModeInactive:
			if w.ring != nil {
				w.ring.Clear()
			}
			err = w.sleep(ctx, inactiveSleep)
		case statemgr.ModeTrigger:
			err = w.runIteration(ctx, deviceIndex, triggerMaxDurationS, false)
		case statemgr.ModeActive:
			err = w.runIteration(ctx, deviceIndex, activeMaxDurationS, true)
		default:
			err = w.sleep(ctx, inactiveSleep)
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("worker: iteration failed, backing off", "mode", mode, "error", err, "backoff", backoff)
			if w.metrics != nil {
				w.metrics.RecordWorkerError(ctx, string(mode))
			}
			if sleepErr := w.sleep(ctx, backoff); sleepErr != nil {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff
	}
}

// Stop signals Run to finish its in-flight iteration and return. Safe to
// call more than once.
func (w *Worker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
}

// Stopped returns a channel that is closed once Run has returned.
func (w *Worker) Stopped() <-chan struct{} { return w.stopped }

// LastIterationAge returns how long ago Run last started a loop iteration.
// Used by readiness checks to detect a wedged worker; returns 0 if Run has
// never executed an iteration.
func (w *Worker) LastIterationAge() time.Duration {
	last := w.lastIteration.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.stop:
		return context.Canceled
	case <-time.After(d):
		return nil
	}
}

// runIteration performs one capture->transcribe->route cycle. In active
// mode the auto-reset to trigger always fires afterward, regardless of
// outcome (spec.md §4.H).
func (w *Worker) runIteration(ctx context.Context, deviceIndex int, maxDurationS float64, active bool) error {
	cycleStart := time.Now()
	if w.metrics != nil {
		defer func() {
			w.metrics.WorkerCycleDuration.Record(ctx, time.Since(cycleStart).Seconds())
		}()
	}

	var preroll []byte
	if w.prerollEnabled {
		preroll = w.ring.Snapshot()
	}

	cfg := audio.RecordConfig{SampleRate: w.sampleRate, MaxDurationS: maxDurationS}
	captureStart := time.Now()
	pcm, err := w.capture.RecordUntilSilence(ctx, deviceIndex, cfg, w.detector, preroll)
	if w.metrics != nil {
		w.metrics.CaptureDuration.Record(ctx, time.Since(captureStart).Seconds())
	}
	if err != nil {
		if active {
			w.autoReset(ctx, "active_mode_error")
		}
		return err
	}
	if pcm == nil {
		// Absent: no speech observed within the startup gate.
		if active {
			w.autoReset(ctx, "active_mode_timeout")
		}
		return nil
	}

	if w.prerollEnabled {
		w.ring.Append(pcm)
	}

	transcribeStart := time.Now()
	result, err := w.transcriber.Transcribe(ctx, pcm, w.sampleRate, w.language)
	if w.metrics != nil {
		w.metrics.TranscribeDuration.Record(ctx, time.Since(transcribeStart).Seconds())
	}
	if err != nil {
		if active {
			w.autoReset(ctx, "active_mode_error")
		}
		return err
	}
	if strings.TrimSpace(result.Text) == "" {
		if active {
			w.autoReset(ctx, "active_mode_empty")
		}
		return nil
	}

	if _, routeErr := w.router.Route(ctx, router.TextEvent{
		SourceID:   w.sourceID,
		Ts:         time.Now(),
		Text:       result.Text,
		Confidence: result.Confidence,
	}); routeErr != nil {
		slog.Warn("worker: route failed", "error", routeErr)
	}

	if active {
		w.autoReset(ctx, "active_mode_routed")
	}
	return nil
}

// autoReset writes listen_mode back to trigger after an active-mode cycle
// completes (spec.md §4.H "Auto-reset").
func (w *Worker) autoReset(ctx context.Context, reason string) {
	if err := w.state.SetListenMode(ctx, statemgr.ModeTrigger, "asr_worker", reason); err != nil {
		slog.Warn("worker: auto-reset failed", "reason", reason, "error", err)
	}
}
