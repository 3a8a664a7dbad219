package audio

import "sync"

// RingBuffer is a fixed-capacity rolling buffer of the most recent PCM
// samples, used as the capture-side pre-roll window so speech uttered just
// before a wake event is not lost (spec.md §3 "RingBuffer", §4.D
// "RingBuffer semantics"). Capacity is expressed in 16-bit samples (2 bytes
// each); overflow drops the oldest samples at sample granularity. Safe for
// concurrent producer/consumer use.
type RingBuffer struct {
	mu       sync.Mutex
	capacity int // in samples
	samples  []int16
	start    int // index of the oldest sample in samples
	count    int
}

// NewRingBuffer creates a RingBuffer sized to hold durationSeconds of audio
// at sampleRate (spec.md §4.D: "capacity in samples = duration_seconds ×
// sample_rate").
func NewRingBuffer(durationSeconds float64, sampleRate int) *RingBuffer {
	capacity := int(durationSeconds * float64(sampleRate))
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer{
		capacity: capacity,
		samples:  make([]int16, capacity),
	}
}

// Append adds 16-bit little-endian PCM samples to the buffer, evicting the
// oldest samples on overflow.
func (r *RingBuffer) Append(pcm []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		pos := (r.start + r.count) % r.capacity
		r.samples[pos] = sample
		if r.count < r.capacity {
			r.count++
		} else {
			// Buffer full: advance start to evict the oldest sample.
			r.start = (r.start + 1) % r.capacity
		}
	}
}

// Snapshot returns a copy of the buffer's current contents as little-endian
// 16-bit PCM, oldest sample first. Thread-safe (spec.md §4.D).
func (r *RingBuffer) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]byte, r.count*2)
	for i := 0; i < r.count; i++ {
		pos := (r.start + i) % r.capacity
		s := r.samples[pos]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// Clear discards all buffered samples, used on transitions to inactive mode
// (spec.md §4.D).
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = 0
	r.count = 0
}

// Len returns the number of samples currently buffered.
func (r *RingBuffer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
