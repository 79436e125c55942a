// Package mock provides a deterministic in-memory [codec.Engine] for tests.
//
// The mock "compresses" a frame to four bytes: the little-endian first sample
// and a little-endian frame counter. Decoding yields a frame filled with the
// first sample, so tests that send constant-valued frames can verify ordering
// end to end. Instance creation and release are counted so tests can assert
// that every instance is released exactly once.
//
// Example:
//
//	eng := &mock.Engine{Rate: 16000, Frame: 960}
//	a, _ := codec.NewAdapter(eng)
//	pkt, _ := a.Encode(frame)
package mock

import (
	"errors"
	"sync"

	"github.com/MrWong99/voxlink/pkg/codec"
)

// Compile-time interface assertions.
var (
	_ codec.Engine  = (*Engine)(nil)
	_ codec.Encoder = (*Encoder)(nil)
	_ codec.Decoder = (*Decoder)(nil)
)

// ErrInjected is the default error returned by the failure knobs.
var ErrInjected = errors.New("mock: injected failure")

// Engine is a mock implementation of [codec.Engine]. Zero Rate and Frame
// default to 16000 Hz and 960 samples. It is safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	// Rate is the reported sample rate.
	Rate int
	// Frame is the reported frame size.
	Frame int
	// ChannelCount is the reported channel count; zero means mono.
	ChannelCount int

	// NewEncoderError is returned by [Engine.NewEncoder] when non-nil.
	NewEncoderError error
	// NewDecoderError is returned by [Engine.NewDecoder] when non-nil.
	NewDecoderError error
	// EncodeError, when non-nil, is called with the 0-based encode index and
	// its result returned as the encode error.
	EncodeError func(n int) error
	// DecodeError works like EncodeError for decodes.
	DecodeError func(n int) error

	encodersCreated, encodersClosed int
	decodersCreated, decodersClosed int
	doubleClose                     int
	encodes, decodes                int
}

// Name implements [codec.Engine].
func (e *Engine) Name() string { return "mock" }

// SampleRate implements [codec.Engine].
func (e *Engine) SampleRate() int {
	if e.Rate == 0 {
		return 16000
	}
	return e.Rate
}

// Channels implements [codec.Engine].
func (e *Engine) Channels() int {
	if e.ChannelCount == 0 {
		return 1
	}
	return e.ChannelCount
}

// FrameSize implements [codec.Engine].
func (e *Engine) FrameSize() int {
	if e.Frame == 0 {
		return 960
	}
	return e.Frame
}

// NewEncoder implements [codec.Engine].
func (e *Engine) NewEncoder() (codec.Encoder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.NewEncoderError != nil {
		return nil, e.NewEncoderError
	}
	e.encodersCreated++
	return &Encoder{engine: e}, nil
}

// NewDecoder implements [codec.Engine].
func (e *Engine) NewDecoder() (codec.Decoder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.NewDecoderError != nil {
		return nil, e.NewDecoderError
	}
	e.decodersCreated++
	return &Decoder{engine: e}, nil
}

// Counts is a snapshot of the engine's call counters.
type Counts struct {
	EncodersCreated, EncodersClosed int
	DecodersCreated, DecodersClosed int
	// DoubleCloses counts Close calls on an already closed instance.
	DoubleCloses int
	Encodes      int
	Decodes      int
}

// Counts returns a snapshot of the call counters.
func (e *Engine) Counts() Counts {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Counts{
		EncodersCreated: e.encodersCreated,
		EncodersClosed:  e.encodersClosed,
		DecodersCreated: e.decodersCreated,
		DecodersClosed:  e.decodersClosed,
		DoubleCloses:    e.doubleClose,
		Encodes:         e.encodes,
		Decodes:         e.decodes,
	}
}

// Encoder is the mock encoder instance.
type Encoder struct {
	engine *Engine
	closed bool
	seq    uint16
}

// Encode implements [codec.Encoder].
func (enc *Encoder) Encode(pcm []int16, maxBytes int) ([]byte, error) {
	e := enc.engine
	e.mu.Lock()
	n := e.encodes
	e.encodes++
	hook := e.EncodeError
	e.mu.Unlock()

	if hook != nil {
		if err := hook(n); err != nil {
			return nil, err
		}
	}
	if len(pcm) == 0 || maxBytes < 4 {
		return nil, ErrInjected
	}
	s := uint16(pcm[0])
	out := []byte{byte(s), byte(s >> 8), byte(enc.seq), byte(enc.seq >> 8)}
	enc.seq++
	return out, nil
}

// Close implements [codec.Encoder].
func (enc *Encoder) Close() error {
	e := enc.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if enc.closed {
		e.doubleClose++
		return nil
	}
	enc.closed = true
	e.encodersClosed++
	return nil
}

// Decoder is the mock decoder instance.
type Decoder struct {
	engine *Engine
	closed bool
}

// Decode implements [codec.Decoder].
func (dec *Decoder) Decode(packet []byte) ([]int16, error) {
	e := dec.engine
	e.mu.Lock()
	n := e.decodes
	e.decodes++
	hook := e.DecodeError
	e.mu.Unlock()

	if hook != nil {
		if err := hook(n); err != nil {
			return nil, err
		}
	}
	if len(packet) < 2 {
		return nil, ErrInjected
	}
	v := int16(packet[0]) | int16(packet[1])<<8
	pcm := make([]int16, e.FrameSize())
	for i := range pcm {
		pcm[i] = v
	}
	return pcm, nil
}

// Close implements [codec.Decoder].
func (dec *Decoder) Close() error {
	e := dec.engine
	e.mu.Lock()
	defer e.mu.Unlock()
	if dec.closed {
		e.doubleClose++
		return nil
	}
	dec.closed = true
	e.decodersClosed++
	return nil
}
