package audio

import "fmt"

// Framer slices a continuous stream of samples into fixed-size frames.
//
// Samples that do not fill a whole frame are kept until the next [Framer.Push]
// so no sample is dropped or duplicated across calls. The retained remainder
// is always shorter than one frame, which bounds memory to a single frame
// allocated at construction.
//
// A Framer is not safe for concurrent use. Callers that push from a hardware
// callback and flush from another goroutine must serialise access themselves.
type Framer struct {
	frameSize int
	buf       []int16
	n         int
}

// NewFramer returns a Framer emitting frames of frameSize samples.
func NewFramer(frameSize int) (*Framer, error) {
	if frameSize <= 0 {
		return nil, fmt.Errorf("audio: framer: frame size must be positive, got %d", frameSize)
	}
	return &Framer{
		frameSize: frameSize,
		buf:       make([]int16, frameSize),
	}, nil
}

// FrameSize returns the configured frame length in samples.
func (f *Framer) FrameSize() int { return f.frameSize }

// Pending returns the number of samples held back for the next frame.
func (f *Framer) Pending() int { return f.n }

// Push appends samples and calls emit once per complete frame, in order.
//
// The slice handed to emit is only valid for the duration of the call; emit
// must copy it to retain the data. Push itself never allocates.
func (f *Framer) Push(samples []int16, emit func([]int16)) {
	// Complete a previously started frame first.
	if f.n > 0 {
		c := copy(f.buf[f.n:], samples)
		f.n += c
		samples = samples[c:]
		if f.n < f.frameSize {
			return
		}
		emit(f.buf)
		f.n = 0
	}

	// Whole frames straight from the input.
	for len(samples) >= f.frameSize {
		emit(samples[:f.frameSize])
		samples = samples[f.frameSize:]
	}

	f.n = copy(f.buf, samples)
}

// Flush emits the pending remainder as a final frame zero-padded to the frame
// size. It reports whether a frame was emitted; nothing is emitted when no
// samples are pending.
func (f *Framer) Flush(emit func([]int16)) bool {
	if f.n == 0 {
		return false
	}
	clear(f.buf[f.n:])
	emit(f.buf)
	f.n = 0
	return true
}

// Reset discards pending samples.
func (f *Framer) Reset() {
	f.n = 0
}
