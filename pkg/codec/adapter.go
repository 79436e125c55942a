package codec

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultMaxPacketBytes is the largest compressed frame accepted by default.
// It matches the maximum size of a single Opus packet.
const DefaultMaxPacketBytes = 1276

// Stats reports instance lifecycle counters of an [Adapter].
type Stats struct {
	EncodersCreated  int64
	EncodersReleased int64
	DecodersCreated  int64
	DecodersReleased int64
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithMaxPacketBytes bounds the size of compressed frames. Non-positive values
// are ignored.
func WithMaxPacketBytes(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.maxPacket = n
		}
	}
}

// WithLogger sets the logger used for instance lifecycle messages.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// Adapter owns the encoder and decoder of one session.
//
// Instances are created lazily on first use (or eagerly by [Adapter.Warm]) and
// released exactly once by [Adapter.Close]. Encode and Decode may run
// concurrently with each other; each direction is serialised by its own mutex
// so a slow decode never delays the capture path.
type Adapter struct {
	engine    Engine
	maxPacket int
	log       *slog.Logger

	encMu sync.Mutex
	enc   Encoder

	decMu sync.Mutex
	dec   Decoder

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	encCreated, encReleased atomic.Int64
	decCreated, decReleased atomic.Int64
}

// NewAdapter validates the engine capability and returns an Adapter that will
// create instances from it. It fails with [ErrInitialization] when the engine
// describes an unusable configuration.
func NewAdapter(engine Engine, opts ...Option) (*Adapter, error) {
	if engine == nil {
		return nil, fmt.Errorf("codec: new adapter: nil engine: %w", ErrInitialization)
	}
	if engine.SampleRate() <= 0 || engine.FrameSize() <= 0 {
		return nil, fmt.Errorf("codec: new adapter: %s: sample rate %d, frame size %d: %w",
			engine.Name(), engine.SampleRate(), engine.FrameSize(), ErrInitialization)
	}
	if engine.Channels() != 1 {
		return nil, fmt.Errorf("codec: new adapter: %s: %d channels, want mono: %w",
			engine.Name(), engine.Channels(), ErrInitialization)
	}
	a := &Adapter{
		engine:    engine,
		maxPacket: DefaultMaxPacketBytes,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// FrameSize returns the number of samples in one PCM frame.
func (a *Adapter) FrameSize() int { return a.engine.FrameSize() }

// SampleRate returns the PCM sample rate in Hz.
func (a *Adapter) SampleRate() int { return a.engine.SampleRate() }

// MaxPacketBytes returns the upper bound on compressed frame size.
func (a *Adapter) MaxPacketBytes() int { return a.maxPacket }

// Warm creates both instances now instead of on first use so that
// initialization failures surface before any audio flows.
func (a *Adapter) Warm() error {
	a.encMu.Lock()
	_, err := a.encoderLocked()
	a.encMu.Unlock()
	if err != nil {
		return err
	}
	a.decMu.Lock()
	_, err = a.decoderLocked()
	a.decMu.Unlock()
	return err
}

// Encode compresses exactly one PCM frame. A wrong-length frame, an encoder
// failure or an oversized packet yields an error wrapping [ErrCodec]; a failed
// lazy creation yields [ErrInitialization].
func (a *Adapter) Encode(pcm []int16) ([]byte, error) {
	if len(pcm) != a.engine.FrameSize() {
		return nil, fmt.Errorf("codec: encode: got %d samples, want %d: %w",
			len(pcm), a.engine.FrameSize(), ErrCodec)
	}

	a.encMu.Lock()
	defer a.encMu.Unlock()
	enc, err := a.encoderLocked()
	if err != nil {
		return nil, err
	}
	out, err := enc.Encode(pcm, a.maxPacket)
	if err != nil {
		return nil, fmt.Errorf("codec: encode: %w", errors.Join(ErrCodec, err))
	}
	if len(out) == 0 || len(out) > a.maxPacket {
		return nil, fmt.Errorf("codec: encode: packet of %d bytes outside (0, %d]: %w",
			len(out), a.maxPacket, ErrCodec)
	}
	return out, nil
}

// Decode expands one non-empty compressed frame into exactly one PCM frame.
// Failures wrap [ErrCodec]; callers substitute silence.
func (a *Adapter) Decode(packet []byte) ([]int16, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("codec: decode: empty packet: %w", ErrCodec)
	}

	a.decMu.Lock()
	defer a.decMu.Unlock()
	dec, err := a.decoderLocked()
	if err != nil {
		return nil, err
	}
	pcm, err := dec.Decode(packet)
	if err != nil {
		return nil, fmt.Errorf("codec: decode: %w", errors.Join(ErrCodec, err))
	}
	if len(pcm) != a.engine.FrameSize() {
		return nil, fmt.Errorf("codec: decode: got %d samples, want %d: %w",
			len(pcm), a.engine.FrameSize(), ErrCodec)
	}
	return pcm, nil
}

// Close releases whichever instances were created. It is idempotent; only the
// first call releases anything and later calls return the first result.
func (a *Adapter) Close() error {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		var errs []error

		a.encMu.Lock()
		if a.enc != nil {
			if err := a.enc.Close(); err != nil {
				errs = append(errs, fmt.Errorf("codec: close encoder: %w", err))
			}
			a.enc = nil
			a.encReleased.Add(1)
		}
		a.encMu.Unlock()

		a.decMu.Lock()
		if a.dec != nil {
			if err := a.dec.Close(); err != nil {
				errs = append(errs, fmt.Errorf("codec: close decoder: %w", err))
			}
			a.dec = nil
			a.decReleased.Add(1)
		}
		a.decMu.Unlock()

		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

// Stats returns a snapshot of instance lifecycle counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		EncodersCreated:  a.encCreated.Load(),
		EncodersReleased: a.encReleased.Load(),
		DecodersCreated:  a.decCreated.Load(),
		DecodersReleased: a.decReleased.Load(),
	}
}

// encoderLocked returns the encoder, creating it if needed. a.encMu must be held.
func (a *Adapter) encoderLocked() (Encoder, error) {
	if a.closed.Load() {
		return nil, ErrCodecClosed
	}
	if a.enc != nil {
		return a.enc, nil
	}
	enc, err := a.engine.NewEncoder()
	if err != nil {
		return nil, fmt.Errorf("codec: create %s encoder: %w", a.engine.Name(), errors.Join(ErrInitialization, err))
	}
	a.enc = enc
	a.encCreated.Add(1)
	a.log.Debug("codec: encoder created", "engine", a.engine.Name())
	return enc, nil
}

// decoderLocked returns the decoder, creating it if needed. a.decMu must be held.
func (a *Adapter) decoderLocked() (Decoder, error) {
	if a.closed.Load() {
		return nil, ErrCodecClosed
	}
	if a.dec != nil {
		return a.dec, nil
	}
	dec, err := a.engine.NewDecoder()
	if err != nil {
		return nil, fmt.Errorf("codec: create %s decoder: %w", a.engine.Name(), errors.Join(ErrInitialization, err))
	}
	a.dec = dec
	a.decCreated.Add(1)
	a.log.Debug("codec: decoder created", "engine", a.engine.Name())
	return dec, nil
}
