// Package websocket implements [transport.Transport] on top of a WebSocket
// connection.
//
// Each compressed frame travels as one binary message and the end-of-stream
// sentinel as an empty binary message. Text messages carry JSON
// [transport.Control] objects; an "abort" control makes Receive fail with
// [transport.ErrRemoteAbort], while "hello" and "goodbye" are logged and
// skipped.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxlink/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Transport     = (*Conn)(nil)
	_ transport.ControlSender = (*Conn)(nil)
	_ transport.Dialer        = (*Dialer)(nil)
)

// Conn is a WebSocket-backed transport.
type Conn struct {
	ws   *websocket.Conn
	log  *slog.Logger
	done chan struct{}

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, maxBytes int, log *slog.Logger) *Conn {
	if maxBytes <= 0 {
		maxBytes = transport.DefaultMaxMessageBytes
	}
	ws.SetReadLimit(int64(maxBytes))
	return &Conn{ws: ws, log: log, done: make(chan struct{})}
}

// Send implements [transport.Transport].
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if err := c.ws.Write(ctx, websocket.MessageBinary, msg); err != nil {
		return c.wrap("send", err)
	}
	return nil
}

// SendControl implements [transport.ControlSender].
func (c *Conn) SendControl(ctx context.Context, ctl transport.Control) error {
	data, err := json.Marshal(ctl)
	if err != nil {
		return fmt.Errorf("websocket: marshal control: %w", err)
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return c.wrap("send control", err)
	}
	return nil
}

// Receive implements [transport.Transport].
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, c.wrap("receive", err)
		}
		if typ == websocket.MessageBinary {
			if data == nil {
				data = []byte{}
			}
			return data, nil
		}

		var ctl transport.Control
		if err := json.Unmarshal(data, &ctl); err != nil {
			c.log.Warn("websocket: malformed control message", "err", err)
			continue
		}
		switch ctl.Type {
		case transport.ControlAbort:
			return nil, fmt.Errorf("websocket: receive: %q: %w", ctl.Reason, transport.ErrRemoteAbort)
		case transport.ControlHello, transport.ControlGoodbye:
			c.log.Debug("websocket: control message", "type", ctl.Type, "reason", ctl.Reason)
		default:
			c.log.Warn("websocket: unknown control message", "type", ctl.Type)
		}
	}
}

// Close implements [transport.Transport].
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		// Skip the close handshake; the peer learns from the connection drop.
		_ = c.ws.CloseNow()
	})
	return nil
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) wrap(op string, err error) error {
	select {
	case <-c.done:
		return fmt.Errorf("websocket: %s: %w", op, transport.ErrClosed)
	default:
	}
	if s := websocket.CloseStatus(err); s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway {
		return fmt.Errorf("websocket: %s: peer closed: %w", op, transport.ErrClosed)
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.StatusMessageTooBig {
		return fmt.Errorf("websocket: %s: %w", op, transport.ErrMessageTooLarge)
	}
	return fmt.Errorf("websocket: %s: %w", op, errors.Join(transport.ErrTransport, err))
}

// Dialer connects to a WebSocket endpoint.
type Dialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Header is sent with the upgrade request.
	Header http.Header
	// HTTPClient overrides the client used for the handshake.
	HTTPClient *http.Client
	// MaxMessageBytes bounds inbound messages.
	MaxMessageBytes int
	// Logger receives control-message diagnostics; nil uses slog.Default().
	Logger *slog.Logger
}

// Dial implements [transport.Dialer]. It announces itself with a hello control
// message once connected.
func (d *Dialer) Dial(ctx context.Context) (transport.Transport, error) {
	ws, _, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("websocket: dial %s: %w", d.URL, errors.Join(transport.ErrTransport, err))
	}
	c := newConn(ws, d.MaxMessageBytes, logger(d.Logger))
	if err := c.SendControl(ctx, transport.Control{Type: transport.ControlHello}); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func logger(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
