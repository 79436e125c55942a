// Package config provides the configuration schema, loader, hot-reload watcher
// and factory registry for voxlink.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// TransportKind selects the wire transport used to reach the peer.
type TransportKind string

const (
	TransportWebsocket TransportKind = "websocket"
	TransportQUIC      TransportKind = "quic"
)

// IsValid reports whether k is a recognised transport kind.
func (k TransportKind) IsValid() bool {
	return k == TransportWebsocket || k == TransportQUIC
}

// Encoder applications for [AudioConfig.Application].
const (
	ApplicationVoIP  = "voip"
	ApplicationAudio = "audio"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultCodec           = "opus"
	DefaultSampleRate      = 16000
	DefaultFrameSize       = 960
	DefaultBitrate         = 24000
	DefaultMaxPacketBytes  = 1276
	DefaultQueueFrames     = 32
	DefaultStartFrames     = 3
	DefaultStartTimeout    = 300 * time.Millisecond
	DefaultDrainTimeout    = 30 * time.Second
	DefaultMaxMessageBytes = 4096
	DefaultBreakerFailures = 3
	DefaultBreakerReset    = 10 * time.Second
	DefaultPeriodFrames    = 320
	DefaultLoopbackAddr    = ":8765"
)

// Config is the root configuration structure for voxlink.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Capture   CaptureConfig   `yaml:"capture"`
	Jitter    JitterConfig    `yaml:"jitter"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Device    DeviceConfig    `yaml:"device"`
	Loopback  LoopbackConfig  `yaml:"loopback"`
}

// ServerConfig holds process-wide logging and observability settings.
type ServerConfig struct {
	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr is the TCP address serving /metrics and /healthz
	// (e.g., ":9090"). Empty disables the HTTP endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// AudioConfig fixes the PCM format and codec for every session.
type AudioConfig struct {
	// Codec names a codec engine registered in the [Registry].
	Codec string `yaml:"codec"`

	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per codec frame.
	FrameSize int `yaml:"frame_size"`

	// MaxPacketBytes bounds one encoded frame.
	MaxPacketBytes int `yaml:"max_packet_bytes"`

	// Bitrate is the target encoder bitrate in bits per second.
	Bitrate int `yaml:"bitrate"`

	// Application tunes the encoder for speech ("voip") or general audio
	// ("audio").
	Application string `yaml:"application"`
}

// FrameDuration returns the wall-clock length of one frame.
func (a AudioConfig) FrameDuration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(a.FrameSize) * time.Second / time.Duration(a.SampleRate)
}

// CaptureConfig tunes the capture side of a session.
type CaptureConfig struct {
	// QueueFrames is the number of frames buffered between the hardware
	// callback and the encoder. Frames beyond it are dropped.
	QueueFrames int `yaml:"queue_frames"`
}

// JitterConfig tunes the playback start gate.
type JitterConfig struct {
	// StartFrames is the number of frames to buffer before playback starts.
	StartFrames int `yaml:"start_frames"`

	// StartTimeout starts playback after this long even below StartFrames.
	StartTimeout time.Duration `yaml:"start_timeout"`
}

// PlaybackConfig tunes the playback ring.
type PlaybackConfig struct {
	// RingCapacity is the ring size in samples. Zero means two seconds.
	RingCapacity int `yaml:"ring_capacity"`
}

// SessionConfig tunes session teardown.
type SessionConfig struct {
	// DrainTimeout bounds how long a stopped session waits for the peer's
	// end-of-stream before finishing anyway.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// TransportConfig selects and configures the client transport.
type TransportConfig struct {
	Kind TransportKind `yaml:"kind"`

	// URL is the websocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// Addr is the QUIC host:port.
	Addr string `yaml:"addr"`

	// InsecureSkipVerify disables QUIC server certificate verification.
	// Only meant for the self-signed loopback peer.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// MaxMessageBytes bounds inbound messages.
	MaxMessageBytes int `yaml:"max_message_bytes"`

	// Fallback dials the other transport when the preferred one fails.
	// Requires both url and addr.
	Fallback bool `yaml:"fallback"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the circuit breaker in front of each dial target.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive dial failures that make
	// voxlink stop trying a target.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long a failing target is skipped before it is
	// probed again.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// DeviceConfig tunes the duplex audio device.
type DeviceConfig struct {
	// PeriodFrames is the hardware callback period in samples.
	PeriodFrames int `yaml:"period_frames"`
}

// LoopbackConfig configures the voxlink-loopback peer.
type LoopbackConfig struct {
	// ListenAddr serves the websocket endpoint, /status and /metrics.
	ListenAddr string `yaml:"listen_addr"`

	// QUICAddr additionally accepts QUIC peers when non-empty.
	QUICAddr string `yaml:"quic_addr"`

	// Pace replays frames at real-time speed instead of as fast as possible.
	Pace bool `yaml:"pace"`
}
