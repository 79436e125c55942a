// Package loopback implements the voxlink test peer: it accepts transports,
// collects each utterance until the end-of-stream sentinel and sends the same
// frames straight back followed by its own sentinel.
//
// The peer never decodes audio. It is a reference counterpart for the client
// pipeline and a fixture for end-to-end tests.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/transport"
)

// DefaultMaxUtteranceFrames bounds one buffered utterance.
const DefaultMaxUtteranceFrames = 4096

// goodbyeTimeout bounds the farewell control message on shutdown.
const goodbyeTimeout = 200 * time.Millisecond

// Config tunes the replay behaviour.
type Config struct {
	// FrameDuration paces replayed frames when Pace is set.
	FrameDuration time.Duration

	// Pace replays at real-time speed instead of as fast as possible.
	Pace bool

	// MaxUtteranceFrames caps the frames buffered per utterance. Frames past
	// the cap are dropped and counted.
	MaxUtteranceFrames int
}

// Option configures a [Server].
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server echoes utterances back to every connected peer.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	peers   *Manager
}

// NewServer returns a Server with the given replay configuration.
func NewServer(cfg Config, opts ...Option) *Server {
	if cfg.MaxUtteranceFrames <= 0 {
		cfg.MaxUtteranceFrames = DefaultMaxUtteranceFrames
	}
	s := &Server{cfg: cfg, log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	s.peers = NewManager(s.metrics)
	return s
}

// Peers returns the connection manager.
func (s *Server) Peers() *Manager { return s.peers }

// Serve accepts peers from ln until ctx is done or ln is closed, serving each
// on its own goroutine. kind labels the peers in status and metrics. Serve
// closes ln and waits for its peers before returning.
func (s *Server) Serve(ctx context.Context, ln transport.Listener, kind string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.log.Info("loopback: serving", "transport", kind, "addr", ln.Addr())

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	for {
		tr, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return fmt.Errorf("loopback: accept: %w", err)
		}
		wg.Go(func() {
			if err := s.Handle(ctx, tr, kind); err != nil {
				s.log.Debug("loopback: peer ended", "transport", kind, "err", err)
			}
		})
	}
}

// Handle serves one peer until it disconnects, aborts or ctx is done. The
// transport is closed on return. A nil error means the peer left cleanly.
func (s *Server) Handle(ctx context.Context, tr transport.Transport, kind string) error {
	ctx, cancel := context.WithCancel(ctx)
	p := s.peers.add(kind, cancel)
	log := s.log.With("peer_id", p.id, "transport", kind)
	log.Info("loopback: peer connected")

	stop := context.AfterFunc(ctx, func() {
		s.goodbye(tr, "server shutting down")
		_ = tr.Close()
	})
	defer func() {
		stop()
		cancel()
		_ = tr.Close()
		s.peers.remove(p)
		log.Info("loopback: peer disconnected",
			"frames_received", p.received.Load(),
			"frames_replayed", p.replayed.Load(),
			"utterances", p.utterances.Load(),
		)
	}()

	var utterance [][]byte
	for {
		msg, err := tr.Receive(ctx)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, transport.ErrRemoteAbort):
				log.Info("loopback: peer aborted")
				return nil
			case errors.Is(err, transport.ErrClosed):
				return nil
			}
			return fmt.Errorf("loopback: receive: %w", err)
		}
		p.touch()

		if !transport.IsEndOfStream(msg) {
			p.received.Add(1)
			s.metrics.FramesReceived.Add(ctx, 1, roleAttr)
			if len(utterance) >= s.cfg.MaxUtteranceFrames {
				p.dropped.Add(1)
				continue
			}
			if len(utterance) == 0 {
				p.setState(PeerReceiving)
			}
			utterance = append(utterance, msg)
			continue
		}

		p.setState(PeerReplaying)
		if err := s.replay(ctx, tr, p, utterance); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.utterances.Add(1)
		p.setState(PeerConnected)
		log.Debug("loopback: utterance replayed", "frames", len(utterance))
		utterance = utterance[:0]

		if err := tr.Send(ctx, nil); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("loopback: replay end of stream: %w", err)
		}
	}
}

// replay sends frames back in order. The caller sends the sentinel.
func (s *Server) replay(ctx context.Context, tr transport.Transport, p *peer, frames [][]byte) error {
	var tick *time.Ticker
	if s.cfg.Pace && s.cfg.FrameDuration > 0 {
		tick = time.NewTicker(s.cfg.FrameDuration)
		defer tick.Stop()
	}
	for i, f := range frames {
		if tick != nil && i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-tick.C:
			}
		}
		if err := tr.Send(ctx, f); err != nil {
			return fmt.Errorf("loopback: replay frame %d: %w", i, err)
		}
		p.replayed.Add(1)
		s.metrics.FramesSent.Add(ctx, 1, roleAttr)
	}
	return nil
}

func (s *Server) goodbye(tr transport.Transport, reason string) {
	cs, ok := tr.(transport.ControlSender)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), goodbyeTimeout)
	defer cancel()
	_ = cs.SendControl(ctx, transport.Control{Type: transport.ControlGoodbye, Reason: reason})
}

// Shutdown disconnects every peer.
func (s *Server) Shutdown() {
	s.peers.CloseAll()
}

// StatusHandler serves the connection manager snapshot as JSON.
func (s *Server) StatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		health.WriteJSON(w, http.StatusOK, s.peers.Status())
	}
}

var roleAttr = metric.WithAttributes(attribute.String("role", "loopback"))

func observeTransport(kind string) metric.AddOption {
	return metric.WithAttributes(attribute.String("transport", kind))
}
