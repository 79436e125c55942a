package stream_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/stream"
)

func popWithin(t *testing.T, b *stream.JitterBuffer, d time.Duration) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return b.Pop(ctx)
}

func TestJitterBuffer_WaitsForThreshold(t *testing.T) {
	t.Parallel()

	var starts atomic.Int32
	b := stream.NewJitterBuffer(
		stream.JitterConfig{StartFrames: 3, StartTimeout: time.Hour},
		stream.WithStartHandler(func(r stream.StartReason, _ time.Duration) {
			if r != stream.StartThreshold {
				t.Errorf("reason = %q, want threshold", r)
			}
			starts.Add(1)
		}),
	)
	defer b.Close()

	b.Push([]byte{1})
	b.Push([]byte{2})
	if _, err := popWithin(t, b, 50*time.Millisecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop before threshold: err = %v, want DeadlineExceeded", err)
	}
	if b.Authorized() {
		t.Fatal("authorized below threshold")
	}

	b.Push([]byte{3})
	for want := byte(1); want <= 3; want++ {
		got, err := popWithin(t, b, time.Second)
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if got[0] != want {
			t.Errorf("Pop = %v, want [%d]", got, want)
		}
	}
	if starts.Load() != 1 {
		t.Errorf("start handler called %d times, want 1", starts.Load())
	}
	if st := b.Stats(); st.StartReason != stream.StartThreshold || st.Received != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestJitterBuffer_TimeoutOpensGate(t *testing.T) {
	t.Parallel()

	b := stream.NewJitterBuffer(stream.JitterConfig{StartFrames: 10, StartTimeout: 20 * time.Millisecond})
	defer b.Close()

	b.Push([]byte{7})
	got, err := popWithin(t, b, 2*time.Second)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	if got[0] != 7 {
		t.Errorf("Pop = %v, want [7]", got)
	}
	st := b.Stats()
	if st.StartReason != stream.StartTimeout {
		t.Errorf("StartReason = %q, want timeout", st.StartReason)
	}
	if st.StartDelay < 20*time.Millisecond {
		t.Errorf("StartDelay = %v, want >= 20ms", st.StartDelay)
	}
}

func TestJitterBuffer_EndOfStreamDrainsThenCompletes(t *testing.T) {
	t.Parallel()

	b := stream.NewJitterBuffer(stream.JitterConfig{StartFrames: 3, StartTimeout: time.Hour})
	defer b.Close()

	b.Push([]byte{1})
	b.Push([]byte{2})
	b.Push(nil)

	select {
	case <-b.Done():
		t.Fatal("completed before the queue was drained")
	default:
	}

	for want := byte(1); want <= 2; want++ {
		got, err := popWithin(t, b, time.Second)
		if err != nil || got[0] != want {
			t.Fatalf("Pop = %v, %v; want [%d]", got, err, want)
		}
	}
	if _, err := popWithin(t, b, time.Second); !errors.Is(err, stream.ErrEndOfStream) {
		t.Fatalf("err = %v, want ErrEndOfStream", err)
	}
	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after end of stream")
	}
	// Idempotent.
	if _, err := popWithin(t, b, time.Second); !errors.Is(err, stream.ErrEndOfStream) {
		t.Errorf("second Pop err = %v, want ErrEndOfStream", err)
	}
	if st := b.Stats(); st.StartReason != stream.StartEndOfStream {
		t.Errorf("StartReason = %q, want end_of_stream", st.StartReason)
	}
}

func TestJitterBuffer_EmptyStreamCompletesImmediately(t *testing.T) {
	t.Parallel()

	b := stream.NewJitterBuffer(stream.JitterConfig{})
	defer b.Close()

	b.Push([]byte{})
	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("empty stream did not complete")
	}
	if _, err := popWithin(t, b, time.Second); !errors.Is(err, stream.ErrEndOfStream) {
		t.Errorf("err = %v, want ErrEndOfStream", err)
	}
}

func TestJitterBuffer_LateFramesDiscarded(t *testing.T) {
	t.Parallel()

	b := stream.NewJitterBuffer(stream.JitterConfig{})
	defer b.Close()

	b.Push([]byte{1})
	b.Push(nil)
	b.Push([]byte{2})
	b.Push(nil)

	if got, _ := popWithin(t, b, time.Second); got[0] != 1 {
		t.Fatalf("Pop = %v, want [1]", got)
	}
	if _, err := popWithin(t, b, time.Second); !errors.Is(err, stream.ErrEndOfStream) {
		t.Errorf("err = %v, want ErrEndOfStream", err)
	}
	if st := b.Stats(); st.Late != 1 || st.Received != 1 {
		t.Errorf("stats = %+v, want 1 late, 1 received", st)
	}
}

func TestJitterBuffer_CloseWakesPop(t *testing.T) {
	t.Parallel()

	b := stream.NewJitterBuffer(stream.JitterConfig{})
	errCh := make(chan error, 1)
	go func() {
		_, err := b.Pop(context.Background())
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	b.Close()
	select {
	case err := <-errCh:
		if !errors.Is(err, stream.ErrJitterClosed) {
			t.Errorf("err = %v, want ErrJitterClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop not woken by Close")
	}
}
