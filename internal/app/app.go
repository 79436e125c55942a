// Package app wires the voxlink subsystems into a running client.
//
// The App owns the full lifecycle: New builds the codec engine, dialer,
// stream controller and audio device from the config, Run drives them until
// the context ends, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithRegistry,
// WithDeviceOpener, WithMetrics). When an option is not provided, New uses
// the built-in registry and the malgo device.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/device"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/resilience"
	"github.com/MrWong99/voxlink/internal/stream"
	"github.com/MrWong99/voxlink/pkg/codec"
	"github.com/MrWong99/voxlink/pkg/codec/mock"
	"github.com/MrWong99/voxlink/pkg/codec/opus"
	"github.com/MrWong99/voxlink/pkg/transport"
	voxquic "github.com/MrWong99/voxlink/pkg/transport/quic"
	"github.com/MrWong99/voxlink/pkg/transport/websocket"
)

// readHeaderTimeout bounds request headers on the observability endpoint.
const readHeaderTimeout = 5 * time.Second

// AudioDevice is the hardware side of the client. [device.Device] implements
// it.
type AudioDevice interface {
	Start() error
	Close() error
	Check(ctx context.Context) error
}

// DeviceOpener opens an [AudioDevice] that feeds sink.
type DeviceOpener func(cfg device.Config, sink device.Sink) (AudioDevice, error)

// App owns all subsystem lifetimes of the voxlink client.
type App struct {
	cfg      *config.Config
	reg      *config.Registry
	open     DeviceOpener
	metrics  *observe.Metrics
	level    *slog.LevelVar
	onEvent  func(stream.Event)
	listener net.Listener

	ctrl   *stream.Controller
	dev    AudioDevice
	health *health.Handler
	cmds   chan stream.Command
	srv    *http.Server

	mu      sync.Mutex
	current *config.Config

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces the built-in codec and dialer registry.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithDeviceOpener replaces the malgo device.
func WithDeviceOpener(fn DeviceOpener) Option {
	return func(a *App) { a.open = fn }
}

// WithMetrics sets the metrics sink instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets configuration reloads adjust the log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithEventHandler forwards controller events to fn in addition to logging
// them. fn must not block.
func WithEventHandler(fn func(stream.Event)) Option {
	return func(a *App) { a.onEvent = fn }
}

// WithHTTPListener serves the observability endpoint on ln instead of
// listening on server.metrics_addr.
func WithHTTPListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by building every subsystem from cfg. Nothing is
// started until [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		current: cfg,
		cmds:    make(chan stream.Command, 8),
	}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		a.reg = DefaultRegistry()
	}
	if a.open == nil {
		a.open = openMalgo
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Codec and transport ───────────────────────────────────────────
	engine, err := a.reg.CreateCodec(cfg.Audio)
	if err != nil {
		return nil, fmt.Errorf("app: codec %q: %w", cfg.Audio.Codec, err)
	}
	dialer, err := a.buildDialer(cfg.Transport)
	if err != nil {
		return nil, err
	}

	// ── 2. Stream controller ─────────────────────────────────────────────
	a.ctrl, err = stream.NewController(dialer, engine, StreamConfig(cfg),
		stream.WithControllerMetrics(a.metrics),
		stream.WithAdapterOptions(codec.WithMaxPacketBytes(cfg.Audio.MaxPacketBytes)),
		stream.WithEventHandler(a.handleEvent),
	)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	// ── 3. Audio device ──────────────────────────────────────────────────
	a.dev, err = a.open(device.Config{
		SampleRate:   engine.SampleRate(),
		PeriodFrames: cfg.Device.PeriodFrames,
	}, a.ctrl)
	if err != nil {
		return nil, fmt.Errorf("app: open audio device: %w", err)
	}
	a.closers = append(a.closers, a.dev.Close)

	// ── 4. Health ────────────────────────────────────────────────────────
	a.health = health.New(
		health.Checker{Name: "device", Check: a.dev.Check},
		health.Checker{Name: "transport", Check: dialer.Check},
	)

	slog.Info("app: initialised",
		"codec", engine.Name(),
		"sample_rate", engine.SampleRate(),
		"frame_size", engine.FrameSize(),
		"transport", cfg.Transport.Kind,
	)
	return a, nil
}

// buildDialer puts every configured transport behind its own circuit
// breaker. With transport.fallback the other kind is dialed when the
// preferred one fails.
func (a *App) buildDialer(tc config.TransportConfig) (*resilience.FallbackDialer, error) {
	kinds := []config.TransportKind{tc.Kind}
	if tc.Fallback {
		other := config.TransportQUIC
		if tc.Kind == config.TransportQUIC {
			other = config.TransportWebsocket
		}
		kinds = append(kinds, other)
	}

	targets := make([]resilience.Target, 0, len(kinds))
	for _, k := range kinds {
		c := tc
		c.Kind = k
		d, err := a.reg.CreateDialer(c)
		if err != nil {
			return nil, fmt.Errorf("app: transport %q: %w", k, err)
		}
		targets = append(targets, resilience.Target{Name: string(k), Dialer: d})
	}
	fd, err := resilience.NewFallbackDialer(resilience.BreakerConfig{
		MaxFailures:  tc.Breaker.MaxFailures,
		ResetTimeout: tc.Breaker.ResetTimeout,
	}, targets...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	return fd, nil
}

// StreamConfig maps the session-related config sections to a
// [stream.Config].
func StreamConfig(cfg *config.Config) stream.Config {
	return stream.Config{
		CaptureQueue: cfg.Capture.QueueFrames,
		Jitter: stream.JitterConfig{
			StartFrames:  cfg.Jitter.StartFrames,
			StartTimeout: cfg.Jitter.StartTimeout,
		},
		RingCapacity: cfg.Playback.RingCapacity,
		DrainTimeout: cfg.Session.DrainTimeout,
	}
}

// DefaultRegistry returns a registry holding the built-in codecs (opus, mock)
// and dialers (websocket, quic).
func DefaultRegistry() *config.Registry {
	reg := config.NewRegistry()
	reg.RegisterCodec("opus", func(c config.AudioConfig) (codec.Engine, error) {
		opts := []opus.Option{
			opus.WithSampleRate(c.SampleRate),
			opus.WithFrameSize(c.FrameSize),
			opus.WithBitrate(c.Bitrate),
		}
		if c.Application == config.ApplicationAudio {
			opts = append(opts, opus.WithMusic())
		}
		return opus.New(opts...)
	})
	reg.RegisterCodec("mock", func(c config.AudioConfig) (codec.Engine, error) {
		return &mock.Engine{Rate: c.SampleRate, Frame: c.FrameSize}, nil
	})
	reg.RegisterDialer(config.TransportWebsocket, func(c config.TransportConfig) (transport.Dialer, error) {
		if c.URL == "" {
			return nil, errors.New("websocket: url is required")
		}
		return &websocket.Dialer{URL: c.URL, MaxMessageBytes: c.MaxMessageBytes}, nil
	})
	reg.RegisterDialer(config.TransportQUIC, func(c config.TransportConfig) (transport.Dialer, error) {
		if c.Addr == "" {
			return nil, errors.New("quic: addr is required")
		}
		return &voxquic.Dialer{
			Addr:            c.Addr,
			TLSConfig:       &tls.Config{InsecureSkipVerify: c.InsecureSkipVerify},
			MaxMessageBytes: c.MaxMessageBytes,
		}, nil
	})
	return reg
}

func openMalgo(cfg device.Config, sink device.Sink) (AudioDevice, error) {
	d, err := device.Open(cfg, sink)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Commands returns the channel [App.Run] reads control commands from.
func (a *App) Commands() chan<- stream.Command { return a.cmds }

// Controller returns the stream controller.
func (a *App) Controller() *stream.Controller { return a.ctrl }

// Run starts the audio device and the observability endpoint and handles
// commands until ctx is done. The live session is aborted on return.
func (a *App) Run(ctx context.Context) error {
	// Bind first so a busy address fails before anything is running.
	ln := a.listener
	if ln == nil && a.cfg.Server.MetricsAddr != "" {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.MetricsAddr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.MetricsAddr, err)
		}
	}

	if err := a.dev.Start(); err != nil {
		if ln != nil {
			_ = ln.Close()
		}
		return fmt.Errorf("app: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.ctrl.Run(gctx, a.cmds) })

	if ln != nil {
		a.srv = &http.Server{Handler: a.Handler(), ReadHeaderTimeout: readHeaderTimeout}
		g.Go(func() error {
			slog.Info("app: observability endpoint listening", "addr", ln.Addr().String())
			if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve http: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), readHeaderTimeout)
			defer cancel()
			return a.srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info("app: running")
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// Handler returns the observability mux: /metrics, /healthz and /readyz.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mw := observe.Middleware(a.metrics)
	mux.Handle("GET /metrics", mw(promhttp.Handler()))
	mux.Handle("GET /healthz", mw(http.HandlerFunc(a.health.Healthz)))
	mux.Handle("GET /readyz", mw(http.HandlerFunc(a.health.Readyz)))
	return mux
}

// ApplyConfig applies the hot-reloadable part of a changed configuration.
// It is passed to [config.Watcher.Run].
func (a *App) ApplyConfig(r config.Reload) {
	d := r.Diff
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(ParseLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged {
		a.ctrl.SetConfig(StreamConfig(r.New))
		slog.Info("app: session settings reloaded; effective from the next session",
			"jitter", d.JitterChanged,
			"capture_queue", d.CaptureQueueChanged,
			"ring", d.RingChanged,
			"drain_timeout", d.DrainTimeoutChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes require a restart", "sections", d.RestartRequired)
	}
	a.mu.Lock()
	a.current = r.New
	a.mu.Unlock()
}

// Config returns the most recently applied configuration.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Shutdown aborts the live session and releases the device. It is safe to
// call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))
		a.ctrl.Close()

		var errs []error
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				shutdownErr = errors.Join(errs...)
				return
			default:
			}
			if err := closer(); err != nil {
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) handleEvent(e stream.Event) {
	switch e.Kind {
	case stream.EventSessionStarted:
		slog.Info("app: session started", "session_id", e.SessionID)
	case stream.EventStateChanged:
		slog.Debug("app: session state", "session_id", e.SessionID, "from", e.Change.From, "to", e.Change.To)
	case stream.EventSessionEnded:
		attrs := []any{
			"session_id", e.SessionID,
			"frames_sent", e.Stats.FramesSent,
			"frames_decoded", e.Stats.FramesDecoded,
			"capture_drops", e.Stats.CaptureDrops,
			"underruns", e.Stats.Underruns,
		}
		if e.Err != nil {
			slog.Warn("app: session ended", append(attrs, "err", e.Err)...)
		} else {
			slog.Info("app: session ended", attrs...)
		}
	}
	if a.onEvent != nil {
		a.onEvent(e)
	}
}

// ParseLevel maps a config log level to a [slog.Level]. Unknown levels map
// to info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
