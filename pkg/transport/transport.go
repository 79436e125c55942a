// Package transport defines the message-oriented link between two voxlink
// peers.
//
// A [Transport] carries one compressed audio frame per message, in order, with
// no application header. A zero-length message is the end-of-stream sentinel:
// it tells the receiver that no further frames of the current utterance will
// follow. Implementations live in sub-packages (transport/websocket,
// transport/quic, transport/mock).
package transport

import (
	"context"
	"errors"
)

var (
	// ErrTransport wraps every failure of the underlying link. Such failures
	// are fatal to the session using the transport.
	ErrTransport = errors.New("transport: link failure")

	// ErrClosed is returned by operations on a transport that has been
	// closed locally or by the peer.
	ErrClosed = errors.Join(ErrTransport, errors.New("transport: closed"))

	// ErrRemoteAbort is returned by Receive when the peer asked to abort the
	// session through a control message.
	ErrRemoteAbort = errors.Join(ErrTransport, errors.New("transport: remote abort"))

	// ErrMessageTooLarge is returned when a message exceeds the configured
	// size limit.
	ErrMessageTooLarge = errors.Join(ErrTransport, errors.New("transport: message too large"))
)

// DefaultMaxMessageBytes bounds inbound messages when no limit is configured.
const DefaultMaxMessageBytes = 4096

// Transport is a bidirectional, ordered message link.
//
// Send may be called concurrently with Receive. Neither Send nor Receive is
// safe for concurrent use with itself.
type Transport interface {
	// Send transmits one message. An empty msg transmits the end-of-stream
	// sentinel.
	Send(ctx context.Context, msg []byte) error

	// Receive blocks until the next message arrives. The sentinel is returned
	// as a non-nil empty slice.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the link down. It is idempotent.
	Close() error
}

// Dialer opens client-side transports.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the [Dialer] interface.
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial implements [Dialer].
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

// Listener accepts server-side transports.
type Listener interface {
	// Accept blocks until a peer connects or ctx is done.
	Accept(ctx context.Context) (Transport, error)

	// Addr returns the address the listener serves on.
	Addr() string

	// Close stops accepting. Already accepted transports are not affected.
	Close() error
}

// Control message types exchanged out of band.
const (
	ControlHello   = "hello"
	ControlAbort   = "abort"
	ControlGoodbye = "goodbye"
)

// Control is an out-of-band control message.
type Control struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ControlSender is implemented by transports that can deliver [Control]
// messages next to the audio stream.
type ControlSender interface {
	SendControl(ctx context.Context, c Control) error
}

// IsEndOfStream reports whether msg is the end-of-stream sentinel.
func IsEndOfStream(msg []byte) bool { return len(msg) == 0 }
