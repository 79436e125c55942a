package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/pkg/transport"
)

var _ transport.Listener = (*Listener)(nil)

// Listener is an [http.Handler] that upgrades requests to WebSocket
// transports and hands them out through [Listener.Accept].
//
// Each upgrade request is held open until the accepted transport is closed,
// so the handler goroutine owns the connection for its whole life.
type Listener struct {
	addr     string
	maxBytes int
	log      *slog.Logger
	accepted chan *Conn
	done     chan struct{}

	closeOnce sync.Once
}

// ListenerOption configures a [Listener].
type ListenerOption func(*Listener)

// WithMaxMessageBytes bounds inbound messages on accepted transports.
func WithMaxMessageBytes(n int) ListenerOption {
	return func(l *Listener) { l.maxBytes = n }
}

// WithLogger sets the logger for accepted transports.
func WithLogger(log *slog.Logger) ListenerOption {
	return func(l *Listener) { l.log = logger(log) }
}

// NewListener returns a Listener. addr is informational and reported by Addr;
// the caller mounts the Listener on its own HTTP server.
func NewListener(addr string, opts ...ListenerOption) *Listener {
	l := &Listener{
		addr:     addr,
		log:      slog.Default(),
		accepted: make(chan *Conn),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// ServeHTTP implements [http.Handler].
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		l.log.Warn("websocket: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := newConn(ws, l.maxBytes, l.log.With("remote", r.RemoteAddr))

	select {
	case l.accepted <- c:
	case <-l.done:
		ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	case <-r.Context().Done():
		_ = c.Close()
		return
	}

	select {
	case <-c.Done():
	case <-r.Context().Done():
		_ = c.Close()
	}
}

// Accept implements [transport.Listener].
func (l *Listener) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case c := <-l.accepted:
		return c, nil
	case <-l.done:
		return nil, fmt.Errorf("websocket: accept: %w", transport.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr implements [transport.Listener].
func (l *Listener) Addr() string { return l.addr }

// Close implements [transport.Listener].
func (l *Listener) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
