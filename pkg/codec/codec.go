// Package codec defines the narrow compression capability used by the
// streaming pipeline and the per-session [Adapter] that owns codec instances.
//
// An [Engine] describes a codec configuration (sample rate, frame size) and
// creates stateful [Encoder] and [Decoder] instances. The pipeline never talks
// to an engine directly; it goes through an Adapter, which creates exactly one
// encoder and one decoder per session on first use and releases each of them
// exactly once when the session ends.
//
// Concrete engines live in sub-packages (codec/opus, codec/mock).
package codec

import "errors"

var (
	// ErrCodec is returned when a single frame fails to encode or decode.
	// The session survives: encode failures drop the frame, decode failures
	// are replaced by silence.
	ErrCodec = errors.New("codec: frame error")

	// ErrInitialization is returned when an encoder or decoder cannot be
	// created or the engine capability is unusable.
	ErrInitialization = errors.New("codec: initialization failed")

	// ErrCodecClosed is returned when an Adapter is used after Close.
	ErrCodecClosed = errors.Join(ErrCodec, errors.New("codec: adapter closed"))
)

// Engine creates codec instances for one fixed audio configuration.
//
// Implementations must be safe for concurrent use; the instances they return
// need not be.
type Engine interface {
	// Name identifies the engine in logs and configuration (e.g. "opus").
	Name() string

	// SampleRate returns the PCM sample rate in Hz.
	SampleRate() int

	// Channels returns the number of interleaved PCM channels.
	Channels() int

	// FrameSize returns the number of samples per channel in one frame.
	FrameSize() int

	// NewEncoder creates a stateful encoder instance.
	NewEncoder() (Encoder, error)

	// NewDecoder creates a stateful decoder instance.
	NewDecoder() (Decoder, error)
}

// Encoder compresses one PCM frame at a time. Not safe for concurrent use.
type Encoder interface {
	// Encode compresses pcm, which holds exactly one frame, into a packet of
	// at most maxBytes bytes.
	Encode(pcm []int16, maxBytes int) ([]byte, error)

	// Close releases the instance. It is called exactly once.
	Close() error
}

// Decoder expands one compressed packet at a time. Not safe for concurrent use.
type Decoder interface {
	// Decode expands a non-empty packet into one PCM frame.
	Decode(packet []byte) ([]int16, error)

	// Close releases the instance. It is called exactly once.
	Close() error
}
