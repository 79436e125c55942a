package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/pkg/transport"
	"github.com/MrWong99/voxlink/pkg/transport/mock"
)

// countingDialer counts attempts and fails while err is set.
type countingDialer struct {
	attempts atomic.Int32
	err      error
}

func (d *countingDialer) Dial(context.Context) (transport.Transport, error) {
	d.attempts.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	a, _ := mock.Pipe(1)
	return a, nil
}

func TestNewFallbackDialer_Validation(t *testing.T) {
	t.Parallel()
	if _, err := NewFallbackDialer(BreakerConfig{}); err == nil {
		t.Error("expected error without targets")
	}
	if _, err := NewFallbackDialer(BreakerConfig{}, Target{Name: "websocket"}); err == nil {
		t.Error("expected error for target without dialer")
	}
}

func TestFallbackDialer_PrefersPrimary(t *testing.T) {
	t.Parallel()
	primary, secondary := &countingDialer{}, &countingDialer{}
	d, err := NewFallbackDialer(BreakerConfig{},
		Target{Name: "websocket", Dialer: primary},
		Target{Name: "quic", Dialer: secondary},
	)
	if err != nil {
		t.Fatalf("NewFallbackDialer: %v", err)
	}

	tr, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close()
	if primary.attempts.Load() != 1 || secondary.attempts.Load() != 0 {
		t.Errorf("attempts = %d/%d, want 1/0", primary.attempts.Load(), secondary.attempts.Load())
	}
}

func TestFallbackDialer_FallsThrough(t *testing.T) {
	t.Parallel()
	primary := &countingDialer{err: errDial}
	secondary := &countingDialer{}
	d, err := NewFallbackDialer(BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		Target{Name: "websocket", Dialer: primary},
		Target{Name: "quic", Dialer: secondary},
	)
	if err != nil {
		t.Fatalf("NewFallbackDialer: %v", err)
	}

	for range 4 {
		tr, err := d.Dial(context.Background())
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		_ = tr.Close()
	}

	// The primary is skipped once its breaker opens.
	if got := primary.attempts.Load(); got != 2 {
		t.Errorf("primary attempts = %d, want 2", got)
	}
	if got := secondary.attempts.Load(); got != 4 {
		t.Errorf("secondary attempts = %d, want 4", got)
	}
	states := d.States()
	if states["websocket"] != StateOpen || states["quic"] != StateClosed {
		t.Errorf("states = %v, want websocket open and quic closed", states)
	}
}

func TestFallbackDialer_AllFail(t *testing.T) {
	t.Parallel()
	d, err := NewFallbackDialer(BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		Target{Name: "websocket", Dialer: &countingDialer{err: errDial}},
		Target{Name: "quic", Dialer: &countingDialer{err: transport.ErrTransport}},
	)
	if err != nil {
		t.Fatalf("NewFallbackDialer: %v", err)
	}
	if err := d.Check(context.Background()); err != nil {
		t.Fatalf("Check before any dial: %v", err)
	}

	_, err = d.Dial(context.Background())
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errDial) || !errors.Is(err, transport.ErrTransport) {
		t.Errorf("err = %v, want both target errors joined", err)
	}

	_, err = d.Dial(context.Background())
	if !errors.Is(err, ErrOpen) {
		t.Errorf("second dial err = %v, want ErrOpen", err)
	}
	if err := d.Check(context.Background()); err == nil {
		t.Error("Check should fail while every breaker is open")
	}
}

func TestFallbackDialer_CancelledContext(t *testing.T) {
	t.Parallel()
	primary := &countingDialer{}
	d, err := NewFallbackDialer(BreakerConfig{}, Target{Name: "websocket", Dialer: primary})
	if err != nil {
		t.Fatalf("NewFallbackDialer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Dial(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if primary.attempts.Load() != 0 {
		t.Errorf("attempts = %d, want 0", primary.attempts.Load())
	}
}
