// Package mock provides an in-memory mock of the capture-side interfaces
// used by the ASR Worker ([audio.Capturer]'s behavior), for use in unit
// tests without a real microphone or miniaudio context.
//
// The mock is safe for concurrent use. It records every call so tests can
// assert on arguments, and exposes exported fields the test sets to control
// return values.
package mock

import (
	"context"
	"sync"

	"github.com/bbureau12/echonet/pkg/audio"
)

// RecordCall captures the arguments to one RecordUntilSilence invocation.
type RecordCall struct {
	DeviceIndex int
	Config      audio.RecordConfig
	Preroll     []byte
}

// Capturer is a mock implementation of the capture interface consumed by
// internal/worker. Set *Result/*Error fields before use; inspect *Calls
// after.
type Capturer struct {
	mu sync.Mutex

	// ListDevicesResult/Error are returned by ListDevices.
	ListDevicesResult []audio.Device
	ListDevicesError  error

	// DefaultDeviceResult/Found/Error are returned by DefaultDevice.
	DefaultDeviceResult audio.Device
	DefaultDeviceFound  bool
	DefaultDeviceError  error

	// RecordResult/Error are returned by every RecordUntilSilence call.
	// Set RecordResults for a sequence of different results across calls.
	RecordResult  []byte
	RecordResults [][]byte
	RecordError   error

	// RecordCalls records every RecordUntilSilence invocation, in order.
	RecordCalls []RecordCall

	callIndex int
}

var _ interface {
	ListDevices() ([]audio.Device, error)
	DefaultDevice() (audio.Device, bool, error)
	RecordUntilSilence(ctx context.Context, deviceIndex int, cfg audio.RecordConfig, detector audio.SpeechDetector, preroll []byte) ([]byte, error)
} = (*Capturer)(nil)

// ListDevices returns ListDevicesResult/Error.
func (c *Capturer) ListDevices() ([]audio.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ListDevicesResult, c.ListDevicesError
}

// DefaultDevice returns DefaultDeviceResult/Found/Error.
func (c *Capturer) DefaultDevice() (audio.Device, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.DefaultDeviceResult, c.DefaultDeviceFound, c.DefaultDeviceError
}

// RecordUntilSilence records the call and returns RecordError if set,
// otherwise the next entry of RecordResults (falling back to RecordResult
// once RecordResults is exhausted). A non-nil detector is Reset once per
// call; its ProcessFrame is never invoked.
func (c *Capturer) RecordUntilSilence(ctx context.Context, deviceIndex int, cfg audio.RecordConfig, detector audio.SpeechDetector, preroll []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.RecordCalls = append(c.RecordCalls, RecordCall{DeviceIndex: deviceIndex, Config: cfg, Preroll: preroll})

	if detector != nil {
		detector.Reset()
	}

	if c.RecordError != nil {
		return nil, c.RecordError
	}
	if c.callIndex < len(c.RecordResults) {
		r := c.RecordResults[c.callIndex]
		c.callIndex++
		return r, nil
	}
	return c.RecordResult, nil
}

// Reset clears recorded calls without touching configured results.
func (c *Capturer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.RecordCalls = nil
	c.callIndex = 0
}

// SpeechDetector is a mock implementation of [audio.SpeechDetector].
type SpeechDetector struct {
	mu sync.Mutex

	// Decisions is consumed in order across ProcessFrame calls; once
	// exhausted, DefaultDecision is returned.
	Decisions      []audio.Decision
	DefaultDecision audio.Decision
	ProcessError   error

	ProcessFrameCalls int
	ResetCalls        int
}

var _ audio.SpeechDetector = (*SpeechDetector)(nil)

// ProcessFrame returns the next queued decision, or DefaultDecision.
func (d *SpeechDetector) ProcessFrame(frame []byte) (audio.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ProcessFrameCalls++
	if d.ProcessError != nil {
		return audio.DecisionSilence, d.ProcessError
	}
	if len(d.Decisions) > 0 {
		next := d.Decisions[0]
		d.Decisions = d.Decisions[1:]
		return next, nil
	}
	return d.DefaultDecision, nil
}

// Reset records the call.
func (d *SpeechDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ResetCalls++
}
