package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/gen2brain/malgo"
)

// Device describes an enumerated capture input (spec.md §4.D
// "AudioDevice{index, name, channels, sample_rate, is_default}").
type Device struct {
	Index      int
	Name       string
	Channels   int
	SampleRate int
	IsDefault  bool
}

// Decision is returned per-frame by a [SpeechDetector] during a recording.
type Decision int

const (
	// DecisionSilence marks a frame as containing no speech.
	DecisionSilence Decision = iota
	// DecisionSpeech marks a frame as containing speech.
	DecisionSpeech
	// DecisionSegmentEnd tells the capture loop the detector has observed
	// enough trailing silence after speech to end the recording.
	DecisionSegmentEnd
)

// SpeechDetector decides, frame by frame, whether captured PCM contains
// speech and when a segment has ended. It owns the endpointing rule (energy
// threshold, silence/min duration bookkeeping, optional ML stage) described
// in spec.md §4.E; pkg/vad.Endpointer implements this interface. Defining it
// here (rather than importing pkg/vad) keeps Capture decoupled from the VAD
// implementation, matching the Capture → VAD data-flow direction in
// spec.md §2.
type SpeechDetector interface {
	ProcessFrame(frame []byte) (Decision, error)
	Reset()
}

// RecordConfig configures one RecordUntilSilence call. SilenceDurationS and
// MinDurationS are not here: they're owned by the SpeechDetector the caller
// constructs. MaxDurationS and the startup gate are Capture's own
// responsibilities per spec.md §4.D.
type RecordConfig struct {
	SampleRate      int
	MaxDurationS    float64
	FrameDurationMS int // default 30ms
}

// ErrNoDevices is returned when no capture devices are present.
var ErrNoDevices = errors.New("audio: no capture devices available")

// startupGateSeconds bounds how long RecordUntilSilence waits for the first
// speech frame before giving up (spec.md §4.E "Startup gate").
const startupGateSeconds = 2.0

// maxConsecutiveFailures is the number of consecutive capture failures
// after which Capturer falls back to the default device (spec.md §7,
// "fall back to default device after 3 consecutive failures").
const maxConsecutiveFailures = 3

// Capturer enumerates capture devices and records PCM until a
// [SpeechDetector] signals end-of-speech, implementing spec.md §4.D.
// Safe for concurrent use; RecordUntilSilence calls are serialized
// internally since a process owns at most one open capture device at a
// time (spec.md §9 "scoped acquisition of the audio device").
type Capturer struct {
	mu  sync.Mutex
	ctx *malgo.AllocatedContext

	failMu           sync.Mutex
	consecutiveFails int
}

// NewCapturer initializes the underlying miniaudio context.
func NewCapturer() (*Capturer, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		slog.Debug("audio: malgo log", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("audio: init context: %w", err)
	}
	return &Capturer{ctx: mctx}, nil
}

// Close releases the miniaudio context.
func (c *Capturer) Close() error {
	if c.ctx == nil {
		return nil
	}
	if err := c.ctx.Uninit(); err != nil {
		slog.Warn("audio: context uninit failed", "error", err)
	}
	c.ctx.Free()
	return nil
}

// ListDevices enumerates available capture devices (spec.md §4.D
// "list_devices").
func (c *Capturer) ListDevices() ([]Device, error) {
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("audio: list devices: %w", err)
	}
	out := make([]Device, 0, len(infos))
	for i, info := range infos {
		out = append(out, Device{
			Index:      i,
			Name:       info.Name(),
			Channels:   1,
			SampleRate: 16000,
			IsDefault:  info.IsDefault != 0,
		})
	}
	return out, nil
}

// DefaultDevice returns the system default capture device, or the first
// enumerated device if none is marked default (spec.md §4.D
// "default_device").
func (c *Capturer) DefaultDevice() (Device, bool, error) {
	devices, err := c.ListDevices()
	if err != nil {
		return Device{}, false, err
	}
	for _, d := range devices {
		if d.IsDefault {
			return d, true, nil
		}
	}
	if len(devices) > 0 {
		return devices[0], true, nil
	}
	return Device{}, false, nil
}

// RecordUntilSilence opens deviceIndex, streams frames through detector, and
// returns the accumulated PCM once detector reports [DecisionSegmentEnd], the
// hard cap MaxDurationS elapses, or the startup gate expires with no speech
// observed (returns nil, nil in that last case — "absent" per spec.md §4.D).
// If preroll is non-empty its contents are prepended to the result. After
// [maxConsecutiveFailures] consecutive open/stream failures, the caller's
// requested index is abandoned in favor of the default device on the next
// call (tracked internally; see recordFailure).
func (c *Capturer) RecordUntilSilence(ctx context.Context, deviceIndex int, cfg RecordConfig, detector SpeechDetector, preroll []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg.FrameDurationMS <= 0 {
		cfg.FrameDurationMS = 30
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}

	deviceIndex = c.resolveDeviceIndex(deviceIndex)

	handle, err := c.openDevice(deviceIndex, cfg.SampleRate)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("audio: open device %d: %w", deviceIndex, err)
	}
	defer handle.close()

	detector.Reset()

	recorded := make([]byte, 0, cfg.SampleRate*2)
	frameDur := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	startupDeadline := time.Duration(startupGateSeconds * float64(time.Second))
	maxDur := time.Duration(cfg.MaxDurationS * float64(time.Second))

	var elapsed time.Duration
	var speechSeen bool

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case frame, ok := <-handle.frames:
			if !ok {
				c.recordFailure()
				return nil, fmt.Errorf("audio: capture stream for device %d closed unexpectedly", deviceIndex)
			}
			recorded = append(recorded, frame...)
			elapsed += frameDur

			decision, derr := detector.ProcessFrame(frame)
			if derr != nil {
				slog.Warn("audio: vad error, treating frame as silence", "error", derr)
				decision = DecisionSilence
			}
			if decision == DecisionSpeech {
				speechSeen = true
			}
			if decision == DecisionSegmentEnd {
				c.recordSuccess()
				return joinPCM(preroll, recorded), nil
			}
			if !speechSeen && elapsed >= startupDeadline {
				c.recordSuccess()
				return nil, nil
			}
			if elapsed >= maxDur {
				c.recordSuccess()
				return joinPCM(preroll, recorded), nil
			}
		}
	}
}

func joinPCM(preroll, recorded []byte) []byte {
	if len(preroll) == 0 {
		return recorded
	}
	out := make([]byte, 0, len(preroll)+len(recorded))
	out = append(out, preroll...)
	out = append(out, recorded...)
	return out
}

func (c *Capturer) resolveDeviceIndex(requested int) int {
	c.failMu.Lock()
	fallback := c.consecutiveFails >= maxConsecutiveFailures
	c.failMu.Unlock()
	if !fallback {
		return requested
	}
	d, ok, err := c.DefaultDevice()
	if err != nil || !ok {
		return requested
	}
	slog.Warn("audio: falling back to default device after consecutive failures",
		"requested_index", requested, "default_index", d.Index, "default_name", d.Name)
	return d.Index
}

func (c *Capturer) recordFailure() {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	c.consecutiveFails++
}

func (c *Capturer) recordSuccess() {
	c.failMu.Lock()
	defer c.failMu.Unlock()
	c.consecutiveFails = 0
}

// deviceHandle wraps an open malgo capture device and the channel its
// callback feeds.
type deviceHandle struct {
	dev    *malgo.Device
	frames chan []byte
}

func (h *deviceHandle) close() {
	h.dev.Stop()
	h.dev.Uninit()
}

func (c *Capturer) openDevice(index int, sampleRate int) (*deviceHandle, error) {
	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	if len(infos) == 0 {
		return nil, ErrNoDevices
	}
	if index < 0 || index >= len(infos) {
		index = 0
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatS16
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(sampleRate)

	deviceID := infos[index].ID
	var pinner runtime.Pinner
	pinner.Pin(&deviceID)
	defer pinner.Unpin()
	devCfg.Capture.DeviceID = unsafe.Pointer(&deviceID)

	frames := make(chan []byte, 256)
	callbacks := malgo.DeviceCallbacks{
		Data: func(_ []byte, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			frame := make([]byte, len(input))
			copy(frame, input)
			select {
			case frames <- frame:
			default:
				slog.Warn("audio: capture buffer full, dropping frame")
			}
		},
	}

	dev, err := malgo.InitDevice(c.ctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("start device: %w", err)
	}

	return &deviceHandle{dev: dev, frames: frames}, nil
}
