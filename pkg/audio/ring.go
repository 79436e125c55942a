package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Ring is a fixed-capacity circular buffer of PCM samples shared between one
// producer (the decode stage) and one consumer (the playback callback).
//
// Neither side ever blocks waiting for the other. When the producer outruns
// the consumer the oldest unread samples are overwritten; when the consumer
// outruns the producer the missing samples are rendered as silence. The
// internal mutex only guards a bounded copy and the cursor update, so the
// consumer's critical section is O(len(dst)).
type Ring struct {
	mu    sync.Mutex
	buf   []int16
	head  int // index of the oldest unread sample
	count int // unread samples; disambiguates empty from full

	overrun   atomic.Uint64
	underruns atomic.Uint64
}

// NewRing returns a Ring that holds up to capacity samples.
func NewRing(capacity int) (*Ring, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("audio: ring: capacity must be positive, got %d", capacity)
	}
	return &Ring{buf: make([]int16, capacity)}, nil
}

// Capacity returns the maximum number of samples the ring can hold.
func (r *Ring) Capacity() int { return len(r.buf) }

// Available returns the number of unread samples.
func (r *Ring) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Write appends samples, overwriting the oldest unread samples when there is
// not enough room. It returns the number of samples dropped. If samples is
// longer than the capacity only its newest Capacity() samples are kept.
func (r *Ring) Write(samples []int16) (dropped int) {
	capacity := len(r.buf)
	if len(samples) > capacity {
		dropped = len(samples) - capacity
		samples = samples[dropped:]
	}

	r.mu.Lock()
	if over := r.count + len(samples) - capacity; over > 0 {
		r.head = (r.head + over) % capacity
		r.count -= over
		dropped += over
	}

	tail := (r.head + r.count) % capacity
	c := copy(r.buf[tail:], samples)
	copy(r.buf, samples[c:])
	r.count += len(samples)
	r.mu.Unlock()

	if dropped > 0 {
		r.overrun.Add(uint64(dropped))
	}
	return dropped
}

// Read fills dst with up to len(dst) unread samples in FIFO order and pads the
// remainder of dst with zeros. It returns the number of real samples copied.
// Read never blocks on data and never allocates.
func (r *Ring) Read(dst []int16) int {
	r.mu.Lock()
	n := min(len(dst), r.count)
	if n > 0 {
		c := copy(dst[:n], r.buf[r.head:])
		copy(dst[c:n], r.buf)
		r.head = (r.head + n) % len(r.buf)
		r.count -= n
	}
	r.mu.Unlock()

	if n < len(dst) {
		clear(dst[n:])
		r.underruns.Add(1)
	}
	return n
}

// Reset discards all unread samples. Counters are preserved.
func (r *Ring) Reset() {
	r.mu.Lock()
	r.head = 0
	r.count = 0
	r.mu.Unlock()
}

// OverrunSamples returns the total number of samples dropped by Write.
func (r *Ring) OverrunSamples() uint64 { return r.overrun.Load() }

// Underruns returns the number of Read calls that had to pad with silence.
func (r *Ring) Underruns() uint64 { return r.underruns.Load() }
