package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Jitter buffer defaults.
const (
	DefaultStartFrames  = 3
	DefaultStartTimeout = 300 * time.Millisecond
)

// StartReason records why the jitter buffer authorised playback.
type StartReason string

const (
	StartNone        StartReason = ""
	StartThreshold   StartReason = "threshold"
	StartTimeout     StartReason = "timeout"
	StartEndOfStream StartReason = "end_of_stream"
)

// JitterConfig tunes the playback start gate.
type JitterConfig struct {
	// StartFrames is the number of queued frames that opens the gate.
	StartFrames int
	// StartTimeout opens the gate this long after the first frame arrived,
	// even when fewer than StartFrames are queued.
	StartTimeout time.Duration
}

func (c JitterConfig) withDefaults() JitterConfig {
	if c.StartFrames <= 0 {
		c.StartFrames = DefaultStartFrames
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = DefaultStartTimeout
	}
	return c
}

// JitterStats is a snapshot of [JitterBuffer] counters.
type JitterStats struct {
	Received    int
	Late        int
	Queued      int
	StartReason StartReason
	StartDelay  time.Duration
}

// JitterBuffer queues received compressed frames in arrival order and gates
// playback until enough audio is buffered to ride out network jitter.
//
// One goroutine pushes (the receive loop) and one pops (the decode loop). The
// gate opens when StartFrames frames are queued, when StartTimeout elapses
// after the first frame, or when the end-of-stream sentinel arrives, whichever
// comes first. Completion is signalled exactly once, when the sentinel has
// arrived and the consumer has drained the queue.
type JitterBuffer struct {
	cfg     JitterConfig
	onStart func(StartReason, time.Duration)
	log     *slog.Logger

	mu         sync.Mutex
	queue      [][]byte
	authorized bool
	eos        bool
	closed     bool
	firstAt    time.Time
	timer      *time.Timer
	received   int
	late       int
	reason     StartReason
	delay      time.Duration

	notify   chan struct{}
	done     chan struct{}
	doneOnce sync.Once
}

// JitterOption configures a [JitterBuffer].
type JitterOption func(*JitterBuffer)

// WithStartHandler registers fn to be called once when playback is
// authorised. It runs on the pushing goroutine or a timer goroutine and must
// not block.
func WithStartHandler(fn func(StartReason, time.Duration)) JitterOption {
	return func(b *JitterBuffer) { b.onStart = fn }
}

// WithJitterLogger sets the logger for late-frame warnings.
func WithJitterLogger(l *slog.Logger) JitterOption {
	return func(b *JitterBuffer) { b.log = l }
}

// NewJitterBuffer returns an empty buffer. Zero config fields take defaults.
func NewJitterBuffer(cfg JitterConfig, opts ...JitterOption) *JitterBuffer {
	b := &JitterBuffer{
		cfg:    cfg.withDefaults(),
		log:    slog.Default(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Push enqueues a received message. An empty message is the end-of-stream
// sentinel. Frames arriving after the sentinel are discarded.
func (b *JitterBuffer) Push(frame []byte) {
	var start StartReason
	var delay time.Duration

	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return

	case len(frame) == 0:
		if b.eos {
			b.mu.Unlock()
			return
		}
		b.eos = true
		b.stopTimerLocked()
		start, delay = b.authorizeLocked(StartEndOfStream)
		if b.received == 0 {
			// Nothing was ever sent: the stream is complete right away.
			b.complete()
		}

	case b.eos:
		b.late++
		late := b.late
		b.mu.Unlock()
		b.log.Warn("stream: frame after end of stream discarded", "late_frames", late)
		return

	default:
		b.queue = append(b.queue, frame)
		b.received++
		if b.received == 1 {
			b.firstAt = time.Now()
			b.timer = time.AfterFunc(b.cfg.StartTimeout, b.startTimeout)
		}
		if len(b.queue) >= b.cfg.StartFrames {
			start, delay = b.authorizeLocked(StartThreshold)
		}
	}
	b.mu.Unlock()

	b.signal()
	if start != StartNone && b.onStart != nil {
		b.onStart(start, delay)
	}
}

// Pop blocks until playback is authorised and a frame is available, then
// returns it. After the sentinel it returns the remaining frames and then
// [ErrEndOfStream]; the first ErrEndOfStream closes [JitterBuffer.Done].
func (b *JitterBuffer) Pop(ctx context.Context) ([]byte, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrJitterClosed
		}
		if b.authorized && len(b.queue) > 0 {
			frame := b.queue[0]
			b.queue[0] = nil
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return frame, nil
		}
		if b.eos && len(b.queue) == 0 {
			b.complete()
			b.mu.Unlock()
			return nil, ErrEndOfStream
		}
		b.mu.Unlock()

		select {
		case <-b.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done is closed once the stream has completed.
func (b *JitterBuffer) Done() <-chan struct{} { return b.done }

// Authorized reports whether playback has been allowed to start.
func (b *JitterBuffer) Authorized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.authorized
}

// Len returns the number of queued frames.
func (b *JitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Stats returns a snapshot of the buffer counters.
func (b *JitterBuffer) Stats() JitterStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return JitterStats{
		Received:    b.received,
		Late:        b.late,
		Queued:      len(b.queue),
		StartReason: b.reason,
		StartDelay:  b.delay,
	}
}

// Close discards queued frames and wakes a blocked Pop with
// [ErrJitterClosed]. It is idempotent.
func (b *JitterBuffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.queue = nil
	b.stopTimerLocked()
	b.mu.Unlock()
	b.signal()
}

func (b *JitterBuffer) startTimeout() {
	b.mu.Lock()
	if b.closed || b.authorized {
		b.mu.Unlock()
		return
	}
	start, delay := b.authorizeLocked(StartTimeout)
	b.mu.Unlock()

	b.signal()
	if b.onStart != nil {
		b.onStart(start, delay)
	}
}

// authorizeLocked opens the gate once and returns the reason, or StartNone if
// it was already open.
func (b *JitterBuffer) authorizeLocked(reason StartReason) (StartReason, time.Duration) {
	if b.authorized {
		return StartNone, 0
	}
	b.authorized = true
	b.reason = reason
	if !b.firstAt.IsZero() {
		b.delay = time.Since(b.firstAt)
	}
	return reason, b.delay
}

func (b *JitterBuffer) stopTimerLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
}

func (b *JitterBuffer) complete() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *JitterBuffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}
