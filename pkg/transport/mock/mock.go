// Package mock provides an in-memory [transport.Transport] pair for tests.
//
// [Pipe] returns two connected ends. Every message sent on one end is
// received on the other, in order. Exported fields inject failures; Sent and
// CloseCalls expose what happened for assertions. Closing either end closes
// the link for both.
//
// Example:
//
//	client, server := mock.Pipe(64)
//	_ = client.Send(ctx, []byte{1, 2})
//	msg, _ := server.Receive(ctx)
package mock

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxlink/pkg/transport"
)

// Compile-time interface assertions.
var (
	_ transport.Transport     = (*Transport)(nil)
	_ transport.ControlSender = (*Transport)(nil)
	_ transport.Listener      = (*Listener)(nil)
)

type item struct {
	msg []byte
	ctl *transport.Control
}

type link struct {
	once   sync.Once
	closed chan struct{}
}

// Transport is one end of an in-memory link. It is safe for concurrent use.
type Transport struct {
	mu sync.Mutex

	// SendError, when non-nil, is called with the 0-based send index; a
	// non-nil result fails that send without delivering it.
	SendError func(n int) error

	// ReceiveError, when non-nil, is returned by the next Receive instead of
	// a message.
	ReceiveError error

	in   chan item
	peer *Transport
	link *link

	sends      int
	sent       [][]byte
	controls   []transport.Control
	closeCalls int
}

// Pipe returns two connected ends, each buffering up to buffer inbound
// messages.
func Pipe(buffer int) (*Transport, *Transport) {
	l := &link{closed: make(chan struct{})}
	a := &Transport{in: make(chan item, buffer), link: l}
	b := &Transport{in: make(chan item, buffer), link: l}
	a.peer, b.peer = b, a
	return a, b
}

// Send implements [transport.Transport].
func (t *Transport) Send(ctx context.Context, msg []byte) error {
	t.mu.Lock()
	n := t.sends
	t.sends++
	hook := t.SendError
	t.mu.Unlock()

	if hook != nil {
		if err := hook(n); err != nil {
			return fmt.Errorf("mock: send: %w", err)
		}
	}

	cp := slices.Clone(msg)
	if cp == nil {
		cp = []byte{}
	}
	if err := t.deliver(ctx, item{msg: cp}); err != nil {
		return err
	}
	t.mu.Lock()
	t.sent = append(t.sent, cp)
	t.mu.Unlock()
	return nil
}

// SendControl implements [transport.ControlSender].
func (t *Transport) SendControl(ctx context.Context, c transport.Control) error {
	if err := t.deliver(ctx, item{ctl: &c}); err != nil {
		return err
	}
	t.mu.Lock()
	t.controls = append(t.controls, c)
	t.mu.Unlock()
	return nil
}

func (t *Transport) deliver(ctx context.Context, it item) error {
	select {
	case <-t.link.closed:
		return fmt.Errorf("mock: send: %w", transport.ErrClosed)
	default:
	}
	select {
	case t.peer.in <- it:
		return nil
	case <-t.link.closed:
		return fmt.Errorf("mock: send: %w", transport.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive implements [transport.Transport].
func (t *Transport) Receive(ctx context.Context) ([]byte, error) {
	for {
		t.mu.Lock()
		injected := t.ReceiveError
		t.ReceiveError = nil
		t.mu.Unlock()
		if injected != nil {
			return nil, fmt.Errorf("mock: receive: %w", injected)
		}

		select {
		case it := <-t.in:
			if it.ctl == nil {
				return it.msg, nil
			}
			if it.ctl.Type == transport.ControlAbort {
				return nil, fmt.Errorf("mock: receive: %w", transport.ErrRemoteAbort)
			}
		case <-t.link.closed:
			return nil, fmt.Errorf("mock: receive: %w", transport.ErrClosed)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close implements [transport.Transport]. It closes both ends.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closeCalls++
	t.mu.Unlock()
	t.link.once.Do(func() { close(t.link.closed) })
	return nil
}

// Closed reports whether the link has been closed.
func (t *Transport) Closed() bool {
	select {
	case <-t.link.closed:
		return true
	default:
		return false
	}
}

// Sent returns a copy of every message successfully sent from this end.
func (t *Transport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.sent)
}

// Controls returns every control message sent from this end.
func (t *Transport) Controls() []transport.Control {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.controls)
}

// CloseCalls returns how many times Close was called on this end.
func (t *Transport) CloseCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// Dialer hands out the given transports in order and then fails.
type Dialer struct {
	mu sync.Mutex

	// Transports are returned by successive Dial calls.
	Transports []transport.Transport
	// DialError, when non-nil, is returned instead of a transport.
	DialError error

	dials int
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(_ context.Context) (transport.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.DialError != nil {
		return nil, d.DialError
	}
	if d.dials >= len(d.Transports) {
		return nil, fmt.Errorf("mock: dial: no transport left: %w", transport.ErrTransport)
	}
	tr := d.Transports[d.dials]
	d.dials++
	return tr, nil
}

// Dials returns the number of successful Dial calls.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Listener accepts the server ends of pipes created by [Listener.Connect].
type Listener struct {
	conns  chan *Transport
	once   sync.Once
	closed chan struct{}
}

// NewListener returns a Listener with room for backlog unaccepted peers.
func NewListener(backlog int) *Listener {
	return &Listener{
		conns:  make(chan *Transport, backlog),
		closed: make(chan struct{}),
	}
}

// Connect creates a pipe, queues its server end for Accept and returns the
// client end.
func (l *Listener) Connect(ctx context.Context) (*Transport, error) {
	client, server := Pipe(64)
	select {
	case l.conns <- server:
		return client, nil
	case <-l.closed:
		return nil, fmt.Errorf("mock: connect: %w", transport.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Accept implements [transport.Listener].
func (l *Listener) Accept(ctx context.Context) (transport.Transport, error) {
	select {
	case tr := <-l.conns:
		return tr, nil
	case <-l.closed:
		return nil, fmt.Errorf("mock: accept: %w", transport.ErrClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr implements [transport.Listener].
func (l *Listener) Addr() string { return "mock" }

// Close implements [transport.Listener]. It is idempotent.
func (l *Listener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
