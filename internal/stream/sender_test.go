package stream_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxlink/internal/stream"
	"github.com/MrWong99/voxlink/pkg/transport"
	"github.com/MrWong99/voxlink/pkg/transport/mock"
)

func TestSender_FramesThenSingleSentinel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client, _ := mock.Pipe(16)
	s := stream.NewSender(client)

	for i := range 3 {
		if err := s.Send(ctx, []byte{byte(i + 1)}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	for range 3 {
		if err := s.SendEndOfStream(ctx); err != nil {
			t.Fatalf("SendEndOfStream: %v", err)
		}
	}

	sent := client.Sent()
	if len(sent) != 4 {
		t.Fatalf("sent %d messages, want 4", len(sent))
	}
	for i := range 3 {
		if len(sent[i]) != 1 || sent[i][0] != byte(i+1) {
			t.Errorf("message %d = %v", i, sent[i])
		}
	}
	if !transport.IsEndOfStream(sent[3]) {
		t.Errorf("last message = %v, want sentinel", sent[3])
	}
	if s.FramesSent() != 3 {
		t.Errorf("FramesSent = %d, want 3", s.FramesSent())
	}
	if !s.EndOfStreamSent() {
		t.Error("EndOfStreamSent = false")
	}
}

func TestSender_RejectsEmptyAndLateFrames(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client, _ := mock.Pipe(16)
	s := stream.NewSender(client)

	if err := s.Send(ctx, nil); err == nil {
		t.Error("empty frame accepted")
	}
	_ = s.SendEndOfStream(ctx)
	if err := s.Send(ctx, []byte{1}); !errors.Is(err, stream.ErrEndOfStream) {
		t.Errorf("err = %v, want ErrEndOfStream", err)
	}
	if n := len(client.Sent()); n != 1 {
		t.Errorf("sent %d messages, want only the sentinel", n)
	}
}

func TestSender_Halt(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	client, _ := mock.Pipe(16)
	s := stream.NewSender(client)
	s.Halt()

	if err := s.Send(ctx, []byte{1}); !errors.Is(err, stream.ErrHalted) {
		t.Errorf("Send err = %v, want ErrHalted", err)
	}
	if err := s.SendEndOfStream(ctx); !errors.Is(err, stream.ErrHalted) {
		t.Errorf("SendEndOfStream err = %v, want ErrHalted", err)
	}
	if n := len(client.Sent()); n != 0 {
		t.Errorf("sent %d messages after halt", n)
	}
}

func TestSender_TransportFailure(t *testing.T) {
	t.Parallel()

	client, _ := mock.Pipe(16)
	client.SendError = func(int) error { return transport.ErrTransport }
	s := stream.NewSender(client)

	err := s.Send(context.Background(), []byte{1})
	if !errors.Is(err, transport.ErrTransport) {
		t.Errorf("err = %v, want ErrTransport", err)
	}
	if s.FramesSent() != 0 {
		t.Errorf("FramesSent = %d, want 0", s.FramesSent())
	}
}
