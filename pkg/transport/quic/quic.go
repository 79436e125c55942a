// Package quic implements [transport.Transport] over a single bidirectional
// QUIC stream.
//
// The client opens the stream and writes a 4-byte preamble ("VXL1") so the
// server sees the stream before any audio flows. After that every message is a
// 4-byte big-endian length followed by the payload; a zero length is the
// end-of-stream sentinel.
package quic

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/MrWong99/voxlink/pkg/transport"
)

// ALPN is the application protocol negotiated on every connection.
const ALPN = "voxlink/1"

var preamble = [4]byte{'V', 'X', 'L', '1'}

// Application error codes sent with CONNECTION_CLOSE.
const (
	codeNormal   quic.ApplicationErrorCode = 0
	codeProtocol quic.ApplicationErrorCode = 1
)

// Compile-time interface assertions.
var (
	_ transport.Transport = (*Conn)(nil)
	_ transport.Dialer    = (*Dialer)(nil)
	_ transport.Listener  = (*Listener)(nil)
)

// Conn is a QUIC-backed transport.
type Conn struct {
	conn     quic.Connection
	stream   quic.Stream
	maxBytes int

	sendMu sync.Mutex
	hdr    [4]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(conn quic.Connection, stream quic.Stream, maxBytes int) *Conn {
	if maxBytes <= 0 {
		maxBytes = transport.DefaultMaxMessageBytes
	}
	return &Conn{conn: conn, stream: stream, maxBytes: maxBytes, closed: make(chan struct{})}
}

// Send implements [transport.Transport].
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	if len(msg) > c.maxBytes {
		return fmt.Errorf("quic: send %d bytes: %w", len(msg), transport.ErrMessageTooLarge)
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	_ = c.stream.SetWriteDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.stream.SetWriteDeadline(time.Now()) })
	defer stop()

	binary.BigEndian.PutUint32(c.hdr[:], uint32(len(msg)))
	if _, err := c.stream.Write(c.hdr[:]); err != nil {
		return c.wrap(ctx, "send", err)
	}
	if len(msg) > 0 {
		if _, err := c.stream.Write(msg); err != nil {
			return c.wrap(ctx, "send", err)
		}
	}
	return nil
}

// Receive implements [transport.Transport].
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	_ = c.stream.SetReadDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.stream.SetReadDeadline(time.Now()) })
	defer stop()

	var hdr [4]byte
	if _, err := io.ReadFull(c.stream, hdr[:]); err != nil {
		return nil, c.wrap(ctx, "receive", err)
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if n > c.maxBytes {
		c.conn.CloseWithError(codeProtocol, "message too large")
		return nil, fmt.Errorf("quic: receive %d bytes: %w", n, transport.ErrMessageTooLarge)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(c.stream, msg); err != nil {
		return nil, c.wrap(ctx, "receive", err)
	}
	return msg, nil
}

// Close implements [transport.Transport].
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.CloseWithError(codeNormal, "")
	})
	return err
}

func (c *Conn) wrap(ctx context.Context, op string, err error) error {
	select {
	case <-c.closed:
		return fmt.Errorf("quic: %s: %w", op, transport.ErrClosed)
	default:
	}
	if ctx.Err() != nil {
		return fmt.Errorf("quic: %s: %w", op, ctx.Err())
	}
	var appErr *quic.ApplicationError
	if errors.Is(err, io.EOF) || (errors.As(err, &appErr) && appErr.ErrorCode == codeNormal) {
		return fmt.Errorf("quic: %s: peer closed: %w", op, transport.ErrClosed)
	}
	return fmt.Errorf("quic: %s: %w", op, errors.Join(transport.ErrTransport, err))
}

// Dialer connects to a QUIC listener.
type Dialer struct {
	// Addr is the host:port of the peer.
	Addr string
	// TLSConfig is cloned and given the voxlink ALPN. Nil uses a default
	// config that verifies the server certificate.
	TLSConfig *tls.Config
	// MaxMessageBytes bounds inbound messages.
	MaxMessageBytes int
	// IdleTimeout closes silent connections; zero uses 30s.
	IdleTimeout time.Duration
}

// Dial implements [transport.Dialer].
func (d *Dialer) Dial(ctx context.Context) (transport.Transport, error) {
	tlsConf := &tls.Config{}
	if d.TLSConfig != nil {
		tlsConf = d.TLSConfig.Clone()
	}
	tlsConf.NextProtos = []string{ALPN}

	conn, err := quic.DialAddr(ctx, d.Addr, tlsConf, quicConfig(d.IdleTimeout))
	if err != nil {
		return nil, fmt.Errorf("quic: dial %s: %w", d.Addr, errors.Join(transport.ErrTransport, err))
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(codeProtocol, "open stream")
		return nil, fmt.Errorf("quic: open stream: %w", errors.Join(transport.ErrTransport, err))
	}
	if _, err := stream.Write(preamble[:]); err != nil {
		conn.CloseWithError(codeProtocol, "preamble")
		return nil, fmt.Errorf("quic: write preamble: %w", errors.Join(transport.ErrTransport, err))
	}
	return newConn(conn, stream, d.MaxMessageBytes), nil
}

// Listener accepts QUIC transports.
type Listener struct {
	ln       *quic.Listener
	maxBytes int
}

// Listen starts a QUIC listener on addr. tlsConf must carry a certificate; it
// is cloned and given the voxlink ALPN.
func Listen(addr string, tlsConf *tls.Config, maxMessageBytes int) (*Listener, error) {
	if tlsConf == nil || len(tlsConf.Certificates) == 0 {
		return nil, errors.New("quic: listen: tls config with a certificate is required")
	}
	conf := tlsConf.Clone()
	conf.NextProtos = []string{ALPN}

	ln, err := quic.ListenAddr(addr, conf, quicConfig(0))
	if err != nil {
		return nil, fmt.Errorf("quic: listen %s: %w", addr, err)
	}
	return &Listener{ln: ln, maxBytes: maxMessageBytes}, nil
}

// Accept implements [transport.Listener]. Connections that fail the preamble
// check are closed and skipped.
func (l *Listener) Accept(ctx context.Context) (transport.Transport, error) {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if errors.Is(err, quic.ErrServerClosed) {
				return nil, fmt.Errorf("quic: accept: %w", transport.ErrClosed)
			}
			return nil, fmt.Errorf("quic: accept: %w", err)
		}
		stream, err := l.handshake(ctx, conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		return newConn(conn, stream, l.maxBytes), nil
	}
}

func (l *Listener) handshake(ctx context.Context, conn quic.Connection) (quic.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(codeProtocol, "no stream")
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = stream.SetReadDeadline(time.Now()) })
	defer stop()

	var got [4]byte
	if _, err := io.ReadFull(stream, got[:]); err != nil || got != preamble {
		conn.CloseWithError(codeProtocol, "bad preamble")
		return nil, fmt.Errorf("quic: bad preamble")
	}
	_ = stream.SetReadDeadline(time.Time{})
	return stream, nil
}

// Addr implements [transport.Listener].
func (l *Listener) Addr() string { return l.ln.Addr().String() }

// Close implements [transport.Listener].
func (l *Listener) Close() error { return l.ln.Close() }

func quicConfig(idle time.Duration) *quic.Config {
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &quic.Config{
		MaxIdleTimeout:  idle,
		KeepAlivePeriod: idle / 3,
	}
}
