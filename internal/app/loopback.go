package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/loopback"
	"github.com/MrWong99/voxlink/internal/observe"
	voxquic "github.com/MrWong99/voxlink/pkg/transport/quic"
	"github.com/MrWong99/voxlink/pkg/transport/websocket"
)

// WebsocketPath is where the loopback peer accepts websocket transports.
const WebsocketPath = "/ws"

// certValidity is the lifetime of the loopback peer's self-signed QUIC
// certificate.
const certValidity = 24 * time.Hour

// LoopbackOption configures a [Loopback].
type LoopbackOption func(*Loopback)

// WithLoopbackMetrics sets the metrics sink instead of
// [observe.DefaultMetrics].
func WithLoopbackMetrics(m *observe.Metrics) LoopbackOption {
	return func(l *Loopback) { l.metrics = m }
}

// WithLoopbackListener serves HTTP on ln instead of listening on
// loopback.listen_addr.
func WithLoopbackListener(ln net.Listener) LoopbackOption {
	return func(l *Loopback) { l.listener = ln }
}

// Loopback runs the voxlink-loopback peer: a websocket endpoint, an optional
// QUIC endpoint, /status, /metrics and health probes.
type Loopback struct {
	cfg      *config.Config
	metrics  *observe.Metrics
	listener net.Listener

	server *loopback.Server
	ws     *websocket.Listener
	health *health.Handler
}

// NewLoopback builds the loopback peer from cfg.
func NewLoopback(cfg *config.Config, opts ...LoopbackOption) *Loopback {
	l := &Loopback{cfg: cfg}
	for _, o := range opts {
		o(l)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	l.server = loopback.NewServer(loopback.Config{
		FrameDuration: cfg.Audio.FrameDuration(),
		Pace:          cfg.Loopback.Pace,
	}, loopback.WithMetrics(l.metrics))
	l.ws = websocket.NewListener(cfg.Loopback.ListenAddr+WebsocketPath,
		websocket.WithMaxMessageBytes(cfg.Transport.MaxMessageBytes))
	l.health = health.New()
	return l
}

// Server returns the echo server.
func (l *Loopback) Server() *loopback.Server { return l.server }

// Handler returns the HTTP mux. The websocket endpoint bypasses the request
// middleware because upgraded connections outlive the request.
func (l *Loopback) Handler() http.Handler {
	mux := http.NewServeMux()
	mw := observe.Middleware(l.metrics)
	mux.Handle(WebsocketPath, l.ws)
	mux.Handle("GET /status", mw(l.server.StatusHandler()))
	mux.Handle("GET /metrics", mw(promhttp.Handler()))
	mux.Handle("GET /healthz", mw(http.HandlerFunc(l.health.Healthz)))
	mux.Handle("GET /readyz", mw(http.HandlerFunc(l.health.Readyz)))
	return mux
}

// Run serves peers until ctx is done.
func (l *Loopback) Run(ctx context.Context) error {
	ln := l.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", l.cfg.Loopback.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: loopback listen %s: %w", l.cfg.Loopback.ListenAddr, err)
		}
	}
	var qln *voxquic.Listener
	if addr := l.cfg.Loopback.QUICAddr; addr != "" {
		tlsConf, err := voxquic.SelfSignedTLS(certValidity)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("app: loopback certificate: %w", err)
		}
		qln, err = voxquic.Listen(addr, tlsConf, l.cfg.Transport.MaxMessageBytes)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("app: loopback quic: %w", err)
		}
		slog.Info("app: loopback quic listening", "addr", qln.Addr())
	}
	srv := &http.Server{Handler: l.Handler(), ReadHeaderTimeout: readHeaderTimeout}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.server.Serve(gctx, l.ws, string(config.TransportWebsocket)) })
	g.Go(func() error {
		slog.Info("app: loopback http listening", "addr", ln.Addr().String(), "websocket_path", WebsocketPath)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: loopback serve http: %w", err)
		}
		return nil
	})

	if qln != nil {
		g.Go(func() error { return l.server.Serve(gctx, qln, string(config.TransportQUIC)) })
	}

	g.Go(func() error {
		<-gctx.Done()
		l.server.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), readHeaderTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}
