// Package statemgr provides a typed facade over [store.Store] for the
// settings the ASR Worker and HTTP surface care about — listen mode and
// audio device selection — plus a change-notification broadcast, per
// spec.md §4.C.
package statemgr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/bbureau12/echonet/internal/store"
)

// Mode is the listen-mode enum (spec.md §4.H).
type Mode string

const (
	ModeInactive Mode = "inactive"
	ModeTrigger  Mode = "trigger"
	ModeActive   Mode = "active"
)

// IsValid reports whether m is one of the three defined modes.
func (m Mode) IsValid() bool {
	switch m {
	case ModeInactive, ModeTrigger, ModeActive:
		return true
	}
	return false
}

// ErrInvalidMode is returned by SetListenMode for anything outside the enum.
var ErrInvalidMode = errors.New("statemgr: invalid listen mode")

const (
	keyListenMode  = "listen_mode"
	keyDeviceIndex = "audio_device_index"
)

// Change describes a single successful settings write, broadcast to
// subscribers after the write commits.
type Change struct {
	Name     string
	OldValue string
	NewValue string
	Source   string
	Reason   string
}

// StateManager is a typed facade over the settings that drive worker
// behavior. Settings locking is delegated to Store; its own mutex guards only
// the subscriber list. It is safe for concurrent use.
type StateManager struct {
	st *store.Store

	mu   sync.Mutex
	subs []chan Change
}

// New constructs a StateManager over st, seeding listen_mode and
// audio_device_index if they have never been set.
func New(ctx context.Context, st *store.Store, defaultMode Mode, defaultDeviceIndex int) (*StateManager, error) {
	sm := &StateManager{st: st}

	if _, ok := st.Get(keyListenMode); !ok {
		if err := st.Set(ctx, keyListenMode, string(defaultMode), "statemgr", "initial_seed"); err != nil {
			return nil, fmt.Errorf("statemgr: seed listen_mode: %w", err)
		}
	}
	if _, ok := st.Get(keyDeviceIndex); !ok {
		if err := st.Set(ctx, keyDeviceIndex, strconv.Itoa(defaultDeviceIndex), "statemgr", "initial_seed"); err != nil {
			return nil, fmt.Errorf("statemgr: seed audio_device_index: %w", err)
		}
	}
	return sm, nil
}

// Subscribe registers a channel that receives every successful [Change].
// The channel is buffered by the caller; a slow subscriber may miss updates
// if its channel fills (non-blocking send), matching spec.md §4.C's
// "subscription is optional since polling the cache is cheap".
func (sm *StateManager) Subscribe(ch chan Change) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.subs = append(sm.subs, ch)
}

func (sm *StateManager) publish(c Change) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, ch := range sm.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// GetListenMode returns the current listen mode from the cache (O(1), no I/O).
func (sm *StateManager) GetListenMode() Mode {
	v, ok := sm.st.Get(keyListenMode)
	if !ok {
		return ModeTrigger
	}
	return Mode(v)
}

// SetListenMode validates mode against the enum and writes it through the
// Store. After this returns, GetListenMode observes the new value
// (linearizable per spec.md §5/§8).
func (sm *StateManager) SetListenMode(ctx context.Context, mode Mode, source, reason string) error {
	if !mode.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	old := sm.GetListenMode()
	if err := sm.st.Set(ctx, keyListenMode, string(mode), source, reason); err != nil {
		return fmt.Errorf("statemgr: set listen_mode: %w", err)
	}
	sm.publish(Change{Name: keyListenMode, OldValue: string(old), NewValue: string(mode), Source: source, Reason: reason})
	return nil
}

// IsInactive reports whether the current mode is inactive.
func (sm *StateManager) IsInactive() bool { return sm.GetListenMode() == ModeInactive }

// IsTrigger reports whether the current mode is trigger.
func (sm *StateManager) IsTrigger() bool { return sm.GetListenMode() == ModeTrigger }

// IsActive reports whether the current mode is active.
func (sm *StateManager) IsActive() bool { return sm.GetListenMode() == ModeActive }

// GetAudioDeviceIndex returns the currently configured capture device index.
func (sm *StateManager) GetAudioDeviceIndex() int {
	v, ok := sm.st.Get(keyDeviceIndex)
	if !ok {
		return -1
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return i
}

// SetAudioDeviceIndex writes a new capture device index through the Store.
func (sm *StateManager) SetAudioDeviceIndex(ctx context.Context, index int, source, reason string) error {
	old := sm.GetAudioDeviceIndex()
	if err := sm.st.Set(ctx, keyDeviceIndex, strconv.Itoa(index), source, reason); err != nil {
		return fmt.Errorf("statemgr: set audio_device_index: %w", err)
	}
	sm.publish(Change{Name: keyDeviceIndex, OldValue: strconv.Itoa(old), NewValue: strconv.Itoa(index), Source: source, Reason: reason})
	return nil
}
