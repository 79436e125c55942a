package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables consulted by [Load].
const (
	EnvServerURL = "VOXLINK_SERVER_URL"
	EnvLogLevel  = "VOXLINK_LOG_LEVEL"
	EnvTransport = "VOXLINK_TRANSPORT"
)

// KnownCodecs lists the codec names shipped with voxlink.
// Used by [Validate] to warn about unrecognised codec names.
var KnownCodecs = []string{"opus", "mock"}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := load(f, os.LookupEnv)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	return load(r, nil)
}

func load(r io.Reader, lookup func(string) (string, bool)) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with the VOXLINK_* variables found through lookup.
// A server URL selects the transport from its scheme: ws:// and wss:// set
// transport.url, anything else is taken as a QUIC host:port.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup(EnvTransport); ok && v != "" {
		cfg.Transport.Kind = TransportKind(strings.ToLower(v))
	}
	if v, ok := lookup(EnvServerURL); ok && v != "" {
		if strings.HasPrefix(v, "ws://") || strings.HasPrefix(v, "wss://") {
			cfg.Transport.URL = v
		} else {
			cfg.Transport.Addr = strings.TrimPrefix(v, "quic://")
		}
	}
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Codec == "" {
		cfg.Audio.Codec = DefaultCodec
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = DefaultSampleRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Audio.MaxPacketBytes == 0 {
		cfg.Audio.MaxPacketBytes = DefaultMaxPacketBytes
	}
	if cfg.Audio.Bitrate == 0 {
		cfg.Audio.Bitrate = DefaultBitrate
	}
	if cfg.Audio.Application == "" {
		cfg.Audio.Application = ApplicationVoIP
	}
	if cfg.Capture.QueueFrames == 0 {
		cfg.Capture.QueueFrames = DefaultQueueFrames
	}
	if cfg.Jitter.StartFrames == 0 {
		cfg.Jitter.StartFrames = DefaultStartFrames
	}
	if cfg.Jitter.StartTimeout == 0 {
		cfg.Jitter.StartTimeout = DefaultStartTimeout
	}
	if cfg.Playback.RingCapacity == 0 {
		cfg.Playback.RingCapacity = 2 * cfg.Audio.SampleRate
	}
	if cfg.Session.DrainTimeout == 0 {
		cfg.Session.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.Transport.Kind == "" {
		if cfg.Transport.URL == "" && cfg.Transport.Addr != "" {
			cfg.Transport.Kind = TransportQUIC
		} else {
			cfg.Transport.Kind = TransportWebsocket
		}
	}
	if cfg.Transport.MaxMessageBytes == 0 {
		cfg.Transport.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Transport.Breaker.MaxFailures == 0 {
		cfg.Transport.Breaker.MaxFailures = DefaultBreakerFailures
	}
	if cfg.Transport.Breaker.ResetTimeout == 0 {
		cfg.Transport.Breaker.ResetTimeout = DefaultBreakerReset
	}
	if cfg.Device.PeriodFrames == 0 {
		cfg.Device.PeriodFrames = DefaultPeriodFrames
	}
	if cfg.Loopback.ListenAddr == "" {
		cfg.Loopback.ListenAddr = DefaultLoopbackAddr
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
// Zero values are accepted where [ApplyDefaults] would fill them.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	if cfg.Audio.Codec != "" && !slices.Contains(KnownCodecs, cfg.Audio.Codec) {
		slog.Warn("config: unknown codec name, may be a typo or a third-party engine",
			"codec", cfg.Audio.Codec,
			"known", KnownCodecs,
		)
	}
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}
	if cfg.Audio.MaxPacketBytes < 0 {
		errs = append(errs, fmt.Errorf("audio.max_packet_bytes %d must be positive", cfg.Audio.MaxPacketBytes))
	}
	if cfg.Audio.Bitrate < 0 {
		errs = append(errs, fmt.Errorf("audio.bitrate %d must not be negative", cfg.Audio.Bitrate))
	}
	switch cfg.Audio.Application {
	case "", ApplicationVoIP, ApplicationAudio:
	default:
		errs = append(errs, fmt.Errorf("audio.application %q is invalid; valid values: voip, audio", cfg.Audio.Application))
	}

	// Session tuning
	if cfg.Capture.QueueFrames < 0 {
		errs = append(errs, fmt.Errorf("capture.queue_frames %d must be positive", cfg.Capture.QueueFrames))
	}
	if cfg.Jitter.StartFrames < 0 {
		errs = append(errs, fmt.Errorf("jitter.start_frames %d must be positive", cfg.Jitter.StartFrames))
	}
	if cfg.Jitter.StartTimeout < 0 {
		errs = append(errs, fmt.Errorf("jitter.start_timeout %s must not be negative", cfg.Jitter.StartTimeout))
	}
	if cfg.Playback.RingCapacity < 0 {
		errs = append(errs, fmt.Errorf("playback.ring_capacity %d must be positive", cfg.Playback.RingCapacity))
	}
	if cfg.Playback.RingCapacity > 0 && cfg.Audio.FrameSize > 0 && cfg.Playback.RingCapacity < cfg.Audio.FrameSize {
		errs = append(errs, fmt.Errorf("playback.ring_capacity %d is smaller than one frame (%d samples)", cfg.Playback.RingCapacity, cfg.Audio.FrameSize))
	}
	if cfg.Session.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.drain_timeout %s must not be negative", cfg.Session.DrainTimeout))
	}

	// Transport
	if cfg.Transport.Kind != "" && !cfg.Transport.Kind.IsValid() {
		errs = append(errs, fmt.Errorf("transport.kind %q is invalid; valid values: websocket, quic", cfg.Transport.Kind))
	}
	if cfg.Transport.Kind == TransportWebsocket && cfg.Transport.URL != "" &&
		!strings.HasPrefix(cfg.Transport.URL, "ws://") && !strings.HasPrefix(cfg.Transport.URL, "wss://") {
		errs = append(errs, fmt.Errorf("transport.url %q must use the ws:// or wss:// scheme", cfg.Transport.URL))
	}
	if cfg.Transport.MaxMessageBytes < 0 {
		errs = append(errs, fmt.Errorf("transport.max_message_bytes %d must be positive", cfg.Transport.MaxMessageBytes))
	}
	if cfg.Transport.MaxMessageBytes > 0 && cfg.Transport.MaxMessageBytes < cfg.Audio.MaxPacketBytes {
		errs = append(errs, fmt.Errorf("transport.max_message_bytes %d is smaller than audio.max_packet_bytes %d", cfg.Transport.MaxMessageBytes, cfg.Audio.MaxPacketBytes))
	}
	if cfg.Transport.Fallback && (cfg.Transport.URL == "" || cfg.Transport.Addr == "") {
		errs = append(errs, errors.New("transport.fallback requires both transport.url and transport.addr"))
	}
	if cfg.Transport.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("transport.breaker.max_failures %d must not be negative", cfg.Transport.Breaker.MaxFailures))
	}
	if cfg.Transport.Breaker.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("transport.breaker.reset_timeout %v must not be negative", cfg.Transport.Breaker.ResetTimeout))
	}
	if cfg.Transport.InsecureSkipVerify && !cfg.Transport.Fallback && cfg.Transport.Kind != TransportQUIC {
		slog.Warn("config: transport.insecure_skip_verify only applies to quic", "kind", cfg.Transport.Kind)
	}

	// Device
	if cfg.Device.PeriodFrames < 0 {
		errs = append(errs, fmt.Errorf("device.period_frames %d must be positive", cfg.Device.PeriodFrames))
	}

	return errors.Join(errs...)
}

// RequireClient checks the fields only the voxlink client needs: a peer to
// dial for the selected transport.
func RequireClient(cfg *Config) error {
	switch cfg.Transport.Kind {
	case TransportQUIC:
		if cfg.Transport.Addr == "" {
			return fmt.Errorf("config: transport.addr is required for quic (or set %s)", EnvServerURL)
		}
	default:
		if cfg.Transport.URL == "" {
			return fmt.Errorf("config: transport.url is required for websocket (or set %s)", EnvServerURL)
		}
	}
	return nil
}
