package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxlink/pkg/transport"
)

// Sender forwards compressed frames to a transport, one message per frame, and
// terminates the stream with exactly one end-of-stream sentinel.
//
// Send and SendEndOfStream are serialised so the sentinel always follows every
// frame that was sent before it. There are no retries: a transport failure is
// returned to the caller and is fatal to the session.
type Sender struct {
	tr transport.Transport

	mu     sync.Mutex
	eos    bool
	halted atomic.Bool
	frames atomic.Int64
}

// NewSender returns a Sender writing to tr.
func NewSender(tr transport.Transport) *Sender {
	return &Sender{tr: tr}
}

// Send transmits one non-empty compressed frame.
func (s *Sender) Send(ctx context.Context, frame []byte) error {
	if len(frame) == 0 {
		return errors.New("stream: send: empty frame is reserved for end of stream")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted.Load() {
		return ErrHalted
	}
	if s.eos {
		return fmt.Errorf("stream: send after sentinel: %w", ErrEndOfStream)
	}
	if err := s.tr.Send(ctx, frame); err != nil {
		return fmt.Errorf("stream: send frame: %w", err)
	}
	s.frames.Add(1)
	return nil
}

// SendEndOfStream transmits the sentinel. Only the first call sends anything;
// later calls return nil.
func (s *Sender) SendEndOfStream(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eos {
		return nil
	}
	if s.halted.Load() {
		return ErrHalted
	}
	s.eos = true
	if err := s.tr.Send(ctx, nil); err != nil {
		return fmt.Errorf("stream: send end of stream: %w", err)
	}
	return nil
}

// Halt makes every later Send and SendEndOfStream fail with [ErrHalted]. It
// does not wait for an in-flight send.
func (s *Sender) Halt() { s.halted.Store(true) }

// FramesSent returns the number of frames successfully sent.
func (s *Sender) FramesSent() int64 { return s.frames.Load() }

// EndOfStreamSent reports whether the sentinel has been attempted.
func (s *Sender) EndOfStreamSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eos
}
