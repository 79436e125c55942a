// Package opus provides a [codec.Engine] backed by libopus through gopus.
//
// Only mono speech configurations are supported. Frame sizes must be one of
// the Opus frame durations (2.5, 5, 10, 20, 40 or 60 ms) at one of the Opus
// sample rates.
package opus

import (
	"fmt"
	"slices"

	"layeh.com/gopus"

	"github.com/MrWong99/voxlink/pkg/codec"
)

const (
	// DefaultSampleRate is the wideband speech rate used by the pipeline.
	DefaultSampleRate = 16000
	// DefaultFrameSize is 60 ms at 16 kHz.
	DefaultFrameSize = 960
	// DefaultBitrate targets clear wideband speech.
	DefaultBitrate = 24000
)

var validRates = []int{8000, 12000, 16000, 24000, 48000}

// Compile-time interface assertions.
var (
	_ codec.Engine  = (*Engine)(nil)
	_ codec.Encoder = (*encoder)(nil)
	_ codec.Decoder = (*decoder)(nil)
)

// Engine creates gopus encoder/decoder pairs for a fixed configuration.
type Engine struct {
	sampleRate int
	frameSize  int
	bitrate    int
	app        gopus.Application
}

// Option configures an [Engine].
type Option func(*Engine)

// WithSampleRate sets the PCM sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(e *Engine) { e.sampleRate = rate }
}

// WithFrameSize sets the frame length in samples.
func WithFrameSize(n int) Option {
	return func(e *Engine) { e.frameSize = n }
}

// WithBitrate sets the target encoder bitrate in bits per second. Zero keeps
// the libopus default.
func WithBitrate(bps int) Option {
	return func(e *Engine) { e.bitrate = bps }
}

// WithMusic tunes the encoder for general audio instead of speech.
func WithMusic() Option {
	return func(e *Engine) { e.app = gopus.Audio }
}

// New validates the configuration and returns an Engine.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		sampleRate: DefaultSampleRate,
		frameSize:  DefaultFrameSize,
		bitrate:    DefaultBitrate,
		app:        gopus.Voip,
	}
	for _, o := range opts {
		o(e)
	}
	if !slices.Contains(validRates, e.sampleRate) {
		return nil, fmt.Errorf("opus: unsupported sample rate %d: %w", e.sampleRate, codec.ErrInitialization)
	}
	if !validFrameSize(e.sampleRate, e.frameSize) {
		return nil, fmt.Errorf("opus: frame size %d is not a valid Opus duration at %d Hz: %w",
			e.frameSize, e.sampleRate, codec.ErrInitialization)
	}
	if e.bitrate < 0 {
		return nil, fmt.Errorf("opus: negative bitrate %d: %w", e.bitrate, codec.ErrInitialization)
	}
	return e, nil
}

// validFrameSize reports whether n samples at rate is 2.5, 5, 10, 20, 40 or 60 ms.
func validFrameSize(rate, n int) bool {
	// Compare in units of 0.5 ms to keep 2.5 ms integral.
	for _, halfMs := range []int{5, 10, 20, 40, 80, 120} {
		if n*2000 == rate*halfMs {
			return true
		}
	}
	return false
}

// Name implements [codec.Engine].
func (e *Engine) Name() string { return "opus" }

// SampleRate implements [codec.Engine].
func (e *Engine) SampleRate() int { return e.sampleRate }

// Channels implements [codec.Engine]. Always mono.
func (e *Engine) Channels() int { return 1 }

// FrameSize implements [codec.Engine].
func (e *Engine) FrameSize() int { return e.frameSize }

// Music reports whether the encoder is tuned for general audio.
func (e *Engine) Music() bool { return e.app == gopus.Audio }

// NewEncoder implements [codec.Engine].
func (e *Engine) NewEncoder() (codec.Encoder, error) {
	enc, err := gopus.NewEncoder(e.sampleRate, 1, e.app)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	if e.bitrate > 0 {
		enc.SetBitrate(e.bitrate)
	}
	return &encoder{enc: enc, frameSize: e.frameSize}, nil
}

// NewDecoder implements [codec.Engine].
func (e *Engine) NewDecoder() (codec.Decoder, error) {
	dec, err := gopus.NewDecoder(e.sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &decoder{dec: dec, frameSize: e.frameSize}, nil
}

type encoder struct {
	enc       *gopus.Encoder
	frameSize int
}

func (e *encoder) Encode(pcm []int16, maxBytes int) ([]byte, error) {
	if e.enc == nil {
		return nil, fmt.Errorf("opus: encode: encoder closed")
	}
	out, err := e.enc.Encode(pcm, e.frameSize, maxBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return out, nil
}

// Close drops the reference; gopus state is Go-managed memory.
func (e *encoder) Close() error {
	e.enc = nil
	return nil
}

type decoder struct {
	dec       *gopus.Decoder
	frameSize int
}

func (d *decoder) Decode(packet []byte) ([]int16, error) {
	if d.dec == nil {
		return nil, fmt.Errorf("opus: decode: decoder closed")
	}
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return pcm, nil
}

func (d *decoder) Close() error {
	d.dec = nil
	return nil
}
