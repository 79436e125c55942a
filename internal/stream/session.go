// Package stream implements the real-time half of voxlink: one [Session] per
// call that frames, encodes and sends captured audio while receiving,
// buffering, decoding and playing out the peer's audio, and the [Controller]
// that turns discrete start/stop/abort commands into sessions.
//
// Two execution contexts meet in a session. The audio device invokes
// [Session.Capture] and [Session.Playback] from its hardware callback; those
// never block and only touch the framer (under a short mutex), a buffered
// channel and the playback ring. Everything else runs on goroutines owned by
// the session.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/codec"
	"github.com/MrWong99/voxlink/pkg/transport"
)

// Session defaults.
const (
	DefaultCaptureQueue = 32
	DefaultDrainTimeout = 30 * time.Second
)

// Session outcomes reported to metrics.
const (
	OutcomeCompleted = "completed"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
)

// Config tunes one session.
type Config struct {
	// CaptureQueue is the number of captured frames buffered between the
	// hardware callback and the encoder.
	CaptureQueue int

	// Jitter configures the playback start gate.
	Jitter JitterConfig

	// RingCapacity is the playback ring size in samples. Zero means two
	// seconds of audio.
	RingCapacity int

	// DrainTimeout bounds the draining state.
	DrainTimeout time.Duration
}

func (c Config) withDefaults(sampleRate int) Config {
	if c.CaptureQueue <= 0 {
		c.CaptureQueue = DefaultCaptureQueue
	}
	if c.RingCapacity <= 0 {
		c.RingCapacity = 2 * sampleRate
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = DefaultDrainTimeout
	}
	c.Jitter = c.Jitter.withDefaults()
	return c
}

// Stats is a snapshot of session counters.
type Stats struct {
	ID             string
	State          State
	FramesCaptured int64
	CaptureDrops   int64
	FramesEncoded  int64
	EncodeErrors   int64
	FramesSent     int64
	EOSSent        bool
	FramesReceived int64
	FramesDecoded  int64
	DecodeErrors   int64
	OverrunSamples uint64
	Underruns      int64
	Jitter         JitterStats
	Codec          codec.Stats
}

// SessionOption configures a [Session].
type SessionOption func(*Session)

// WithSessionID overrides the generated session identifier.
func WithSessionID(id string) SessionOption {
	return func(s *Session) {
		if id != "" {
			s.id = id
		}
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithStateHandler registers fn to receive every state change, in order, on
// the goroutine that caused it. fn must not block and must not call back into
// the session.
func WithStateHandler(fn func(StateChange)) SessionOption {
	return func(s *Session) { s.onState = fn }
}

var sessionSeq atomic.Uint64

func newSessionID() string {
	return fmt.Sprintf("sess-%d-%d", time.Now().UnixNano(), sessionSeq.Add(1))
}

// Session is one bidirectional audio call.
//
// A Session owns its codec adapter and transport: both are released when the
// session returns to idle, whichever way it gets there. A Session is used
// once; start a new one for the next call.
type Session struct {
	id      string
	cfg     Config
	adapter *codec.Adapter
	tr      transport.Transport
	sender  *Sender
	jitter  *JitterBuffer
	ring    *audio.Ring
	metrics *observe.Metrics
	log     *slog.Logger
	onState func(StateChange)

	// Capture side, touched by the hardware callback.
	capMu     sync.Mutex
	capturing bool
	framer    *audio.Framer
	frames    chan *[]int16
	pool      sync.Pool
	stopOnce  sync.Once

	stateMu     sync.Mutex
	state       State
	drainTimer  *time.Timer
	stopPending bool

	playing atomic.Bool

	ctx       context.Context
	cancel    context.CancelCauseFunc
	span      trace.Span
	started   time.Time
	abortOnce sync.Once
	done      chan struct{}
	err       error

	framesCaptured atomic.Int64
	captureDrops   atomic.Int64
	framesEncoded  atomic.Int64
	encodeErrors   atomic.Int64
	framesReceived atomic.Int64
	framesDecoded  atomic.Int64
	decodeErrors   atomic.Int64
	underruns      atomic.Int64
}

// NewSession builds an idle session over tr using adapter for compression.
// The session takes ownership of both.
func NewSession(tr transport.Transport, adapter *codec.Adapter, cfg Config, opts ...SessionOption) (*Session, error) {
	if tr == nil || adapter == nil {
		return nil, errors.New("stream: new session: transport and adapter are required")
	}
	cfg = cfg.withDefaults(adapter.SampleRate())

	framer, err := audio.NewFramer(adapter.FrameSize())
	if err != nil {
		return nil, fmt.Errorf("stream: new session: %w", err)
	}
	ring, err := audio.NewRing(cfg.RingCapacity)
	if err != nil {
		return nil, fmt.Errorf("stream: new session: %w", err)
	}

	s := &Session{
		id:      newSessionID(),
		cfg:     cfg,
		adapter: adapter,
		tr:      tr,
		sender:  NewSender(tr),
		ring:    ring,
		framer:  framer,
		frames:  make(chan *[]int16, cfg.CaptureQueue),
		metrics: observe.DefaultMetrics(),
		done:    make(chan struct{}),
	}
	frameSize := adapter.FrameSize()
	s.pool.New = func() any {
		buf := make([]int16, frameSize)
		return &buf
	}
	for _, o := range opts {
		o(s)
	}
	s.log = slog.Default().With("session_id", s.id)
	s.jitter = NewJitterBuffer(cfg.Jitter,
		WithStartHandler(s.playbackStarted),
		WithJitterLogger(s.log),
	)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// Done is closed when the session has returned to idle and released all
// resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Start brings codec instances up and begins capturing. Initialization
// failures are returned before any audio is captured; the session then
// releases everything it owns and stays idle.
func (s *Session) Start(ctx context.Context) error {
	s.stateMu.Lock()
	if s.state != StateIdle || s.ctx != nil {
		s.stateMu.Unlock()
		return fmt.Errorf("stream: start session %s: already started", s.id)
	}
	spanCtx, span := observe.StartSession(ctx, s.id)
	s.span = span
	s.ctx, s.cancel = context.WithCancelCause(context.WithoutCancel(spanCtx))
	s.stateMu.Unlock()

	if err := s.adapter.Warm(); err != nil {
		s.log.Error("stream: codec initialization failed", "err", err)
		s.err = fmt.Errorf("stream: start session %s: %w", s.id, err)
		s.release()
		observe.EndSession(span, "initialization failed", err)
		s.cancel(s.err)
		close(s.done)
		return s.err
	}

	s.started = time.Now()
	s.capMu.Lock()
	s.capturing = true
	s.capMu.Unlock()
	s.stateMu.Lock()
	s.setStateLocked(StateCapturing)
	stopPending := s.stopPending
	s.stateMu.Unlock()
	s.metrics.ActiveSessions.Add(s.ctx, 1)
	observe.Logger(s.ctx).Info("stream: session started", "session_id", s.id)

	g, gctx := errgroup.WithContext(s.ctx)
	g.Go(func() error { return s.sendLoop(gctx) })
	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.decodeLoop(gctx) })
	go s.run(g)

	if stopPending {
		s.beginDrain("capture stopped before start")
	}
	return nil
}

// Capture feeds microphone samples into the session. It is called from the
// hardware callback: it never blocks and never allocates once the frame pool
// is warm. A full send queue drops the frame.
func (s *Session) Capture(samples []int16) {
	s.capMu.Lock()
	if s.capturing {
		s.framer.Push(samples, s.enqueue)
	}
	s.capMu.Unlock()
}

// enqueue copies one frame into a pooled buffer and hands it to the encoder
// without blocking. s.capMu must be held.
func (s *Session) enqueue(frame []int16) {
	buf := s.pool.Get().(*[]int16)
	copy(*buf, frame)
	s.framesCaptured.Add(1)
	select {
	case s.frames <- buf:
	default:
		s.pool.Put(buf)
		s.captureDrops.Add(1)
	}
}

// Playback fills out with decoded audio, padding with silence when nothing is
// buffered. It is called from the hardware callback and never blocks.
func (s *Session) Playback(out []int16) {
	if n := s.ring.Read(out); n < len(out) && s.playing.Load() {
		s.underruns.Add(1)
	}
}

// Stop ends capture. The partial frame is zero-padded and sent, followed by
// the end-of-stream sentinel, and the session drains: it returns to idle once
// the peer's stream has completed and played out, or when the drain timeout
// expires. Stop is idempotent. A Stop issued before the session is capturing
// takes effect as soon as [Session.Start] has brought capture up.
func (s *Session) Stop() {
	s.beginDrain("capture stopped")
}

// Abort force-terminates the session without draining. No further frames
// leave the process, codec instances are released and Abort returns once the
// session is idle. It is idempotent.
func (s *Session) Abort(reason string) {
	s.abortOnce.Do(func() {
		s.sender.Halt()
		s.capMu.Lock()
		s.capturing = false
		s.capMu.Unlock()

		s.stateMu.Lock()
		notStarted := s.ctx == nil
		if notStarted {
			// Poison Start and release what was handed to us.
			s.ctx, s.cancel = context.WithCancelCause(context.Background())
			s.cancel(ErrAborted)
		}
		s.stateMu.Unlock()
		if notStarted {
			s.err = ErrAborted
			s.release()
			close(s.done)
			return
		}

		s.log.Warn("stream: aborting session", "reason", reason)
		if cs, ok := s.tr.(transport.ControlSender); ok {
			ctx, cancel := context.WithTimeout(s.ctx, 200*time.Millisecond)
			_ = cs.SendControl(ctx, transport.Control{Type: transport.ControlAbort, Reason: reason})
			cancel()
		}
		s.cancel(fmt.Errorf("%w: %s", ErrAborted, reason))
		_ = s.tr.Close()
	})
	<-s.done
}

// Wait blocks until the session is idle and returns its terminal error: nil
// for a clean finish, [ErrAborted] for an abort, or the failure that forced
// the session down.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		ID:             s.id,
		State:          s.State(),
		FramesCaptured: s.framesCaptured.Load(),
		CaptureDrops:   s.captureDrops.Load(),
		FramesEncoded:  s.framesEncoded.Load(),
		EncodeErrors:   s.encodeErrors.Load(),
		FramesSent:     s.sender.FramesSent(),
		EOSSent:        s.sender.EndOfStreamSent(),
		FramesReceived: s.framesReceived.Load(),
		FramesDecoded:  s.framesDecoded.Load(),
		DecodeErrors:   s.decodeErrors.Load(),
		OverrunSamples: s.ring.OverrunSamples(),
		Underruns:      s.underruns.Load(),
		Jitter:         s.jitter.Stats(),
		Codec:          s.adapter.Stats(),
	}
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// setState performs a legal transition and reports it. Illegal transitions
// are ignored and reported as false.
func (s *Session) setState(to State) bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.setStateLocked(to)
}

func (s *Session) setStateLocked(to State) bool {
	from := s.state
	if !canTransition(from, to) {
		return false
	}
	s.state = to
	s.log.Debug("stream: state change", "from", from, "to", to)
	if s.onState != nil {
		s.onState(StateChange{SessionID: s.id, From: from, To: to, At: time.Now()})
	}
	return true
}

// markStreaming moves Capturing → Streaming on the first frame in either
// direction.
func (s *Session) markStreaming() {
	s.stateMu.Lock()
	if s.state == StateCapturing {
		s.setStateLocked(StateStreaming)
	}
	s.stateMu.Unlock()
}

// beginDrain enters the draining state once, arms the drain timeout and stops
// capture.
func (s *Session) beginDrain(reason string) {
	s.stateMu.Lock()
	if s.state == StateIdle {
		// Not capturing yet, or already finished. The capture queue must stay
		// open until Start has run.
		s.stopPending = true
		s.stateMu.Unlock()
		return
	}
	if s.state == StateCapturing || s.state == StateStreaming {
		s.setStateLocked(StateDraining)
		s.log.Info("stream: draining", "reason", reason)
		s.drainTimer = time.AfterFunc(s.cfg.DrainTimeout, func() {
			s.cancel(errDrainTimeout)
		})
	}
	s.stateMu.Unlock()
	s.stopCapture()
}

// stopCapture closes the capture side once: the framer's partial frame is
// flushed into the queue and the queue is closed so the send loop can finish
// with the sentinel.
func (s *Session) stopCapture() {
	s.stopOnce.Do(func() {
		s.capMu.Lock()
		wasCapturing := s.capturing
		s.capturing = false
		var tail *[]int16
		if wasCapturing {
			s.framer.Flush(func(f []int16) {
				tail = s.pool.Get().(*[]int16)
				copy(*tail, f)
			})
		}
		s.capMu.Unlock()

		if tail != nil {
			s.framesCaptured.Add(1)
			select {
			case s.frames <- tail:
			case <-s.ctx.Done():
			}
		}
		close(s.frames)
	})
}

// run waits for the session goroutines and brings the session back to idle.
func (s *Session) run(g *errgroup.Group) {
	err := g.Wait()

	cause := context.Cause(s.ctx)
	outcome := OutcomeCompleted
	switch {
	case errors.Is(cause, ErrAborted):
		err = cause
		outcome = OutcomeAborted
	case errors.Is(cause, errDrainTimeout) && err == nil:
		s.log.Warn("stream: drain timed out, discarding remaining audio",
			"timeout", s.cfg.DrainTimeout)
	case err != nil:
		outcome = OutcomeFailed
		s.log.Error("stream: session failed", "err", err)
	}

	s.finish(err, outcome)
}

// finish releases everything the session owns. It runs exactly once.
func (s *Session) finish(err error, outcome string) {
	s.sender.Halt()
	s.stateMu.Lock()
	if s.drainTimer != nil {
		s.drainTimer.Stop()
	}
	s.stateMu.Unlock()

	s.capMu.Lock()
	s.capturing = false
	s.framer.Reset()
	s.capMu.Unlock()

	s.release()
	s.playing.Store(false)
	s.ring.Reset()
	s.drainFrames()

	st := s.Stats()
	elapsed := time.Since(s.started)
	s.metrics.ActiveSessions.Add(s.ctx, -1)
	s.metrics.RecordSession(s.ctx, outcome, elapsed)
	if st.Underruns > 0 {
		s.metrics.Underruns.Add(s.ctx, st.Underruns)
	}
	if st.CaptureDrops > 0 {
		s.metrics.CaptureDrops.Add(s.ctx, st.CaptureDrops)
	}

	observe.EndSession(s.span, outcome, err,
		attribute.Int64("session.frames_sent", st.FramesSent),
		attribute.Int64("session.frames_decoded", st.FramesDecoded),
	)

	s.err = err
	s.setState(StateIdle)
	s.log.Info("stream: session finished",
		"outcome", outcome,
		"duration", elapsed,
		"frames_sent", st.FramesSent,
		"eos_sent", st.EOSSent,
		"frames_received", st.FramesReceived,
		"frames_decoded", st.FramesDecoded,
		"capture_drops", st.CaptureDrops,
		"underruns", st.Underruns,
		"overrun_samples", st.OverrunSamples,
	)
	s.cancel(nil)
	close(s.done)
}

// release closes the jitter buffer, codec instances and transport.
func (s *Session) release() {
	s.jitter.Close()
	if err := s.adapter.Close(); err != nil {
		s.log.Warn("stream: release codec", "err", err)
	}
	if err := s.tr.Close(); err != nil {
		s.log.Debug("stream: close transport", "err", err)
	}
}

// drainFrames returns queued capture buffers to the pool.
func (s *Session) drainFrames() {
	for {
		select {
		case buf, ok := <-s.frames:
			if !ok {
				return
			}
			s.pool.Put(buf)
		default:
			return
		}
	}
}

// ─── Goroutines ───────────────────────────────────────────────────────────────

// sendLoop encodes captured frames and sends them. When the capture queue is
// closed it sends the end-of-stream sentinel and returns.
func (s *Session) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case buf, ok := <-s.frames:
			if !ok {
				if err := s.sender.SendEndOfStream(ctx); err != nil {
					return s.sendFailure(ctx, err)
				}
				s.log.Debug("stream: end of stream sent", "frames", s.sender.FramesSent())
				return nil
			}
			if err := s.encodeAndSend(ctx, *buf); err != nil {
				s.pool.Put(buf)
				return err
			}
			s.pool.Put(buf)
		}
	}
}

func (s *Session) encodeAndSend(ctx context.Context, pcm []int16) error {
	start := time.Now()
	pkt, err := s.adapter.Encode(pcm)
	s.metrics.RecordCodec(ctx, observe.DirectionEncode, time.Since(start), err != nil)
	if err != nil {
		if errors.Is(err, codec.ErrInitialization) {
			return err
		}
		s.encodeErrors.Add(1)
		s.log.Warn("stream: dropping frame after encode failure", "err", err)
		return nil
	}
	s.framesEncoded.Add(1)
	s.metrics.FramesEncoded.Add(ctx, 1)

	if err := s.sender.Send(ctx, pkt); err != nil {
		return s.sendFailure(ctx, err)
	}
	s.metrics.FramesSent.Add(ctx, 1)
	s.markStreaming()
	return nil
}

// sendFailure maps a sender error to the loop result. Cancellation and a
// halted sender end the loop quietly; anything else is fatal.
func (s *Session) sendFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, ErrHalted) {
		return nil
	}
	return err
}

// receiveLoop moves transport messages into the jitter buffer until the
// peer's end-of-stream sentinel arrives.
func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		msg, err := s.tr.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream: receive: %w", err)
		}
		s.jitter.Push(msg)
		if transport.IsEndOfStream(msg) {
			s.log.Debug("stream: end of stream received", "frames", s.framesReceived.Load())
			s.beginDrain("peer finished")
			return nil
		}
		s.framesReceived.Add(1)
		s.metrics.FramesReceived.Add(ctx, 1)
		s.markStreaming()
	}
}

// decodeLoop decodes authorised frames into the playback ring. After the
// stream completes it waits for the ring to play out.
func (s *Session) decodeLoop(ctx context.Context) error {
	var lastOverrunWarn time.Time
	silence := audio.Silence(s.adapter.FrameSize())

	for {
		pkt, err := s.jitter.Pop(ctx)
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			return nil
		}

		start := time.Now()
		pcm, err := s.adapter.Decode(pkt)
		s.metrics.RecordCodec(ctx, observe.DirectionDecode, time.Since(start), err != nil)
		if err != nil {
			if errors.Is(err, codec.ErrInitialization) {
				return err
			}
			s.decodeErrors.Add(1)
			s.log.Warn("stream: substituting silence after decode failure", "err", err)
			pcm = silence
		} else {
			s.framesDecoded.Add(1)
			s.metrics.FramesDecoded.Add(ctx, 1)
		}

		if dropped := s.ring.Write(pcm); dropped > 0 {
			s.metrics.OverrunSamples.Add(ctx, int64(dropped))
			if time.Since(lastOverrunWarn) >= time.Second {
				lastOverrunWarn = time.Now()
				s.log.Warn("stream: playback overrun, dropped oldest samples",
					"dropped", dropped, "total", s.ring.OverrunSamples())
			}
		}
	}

	if late := s.jitter.Stats().Late; late > 0 {
		s.metrics.LateFrames.Add(ctx, int64(late))
	}
	return s.waitPlayout(ctx)
}

// waitPlayout polls until the playback ring is empty.
func (s *Session) waitPlayout(ctx context.Context) error {
	period := audio.Format{SampleRate: s.adapter.SampleRate(), FrameSize: s.adapter.FrameSize()}.FrameDuration() / 4
	if period <= 0 {
		period = 5 * time.Millisecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for s.ring.Available() > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	s.playing.Store(false)
	return nil
}

// playbackStarted is the jitter buffer's start handler.
func (s *Session) playbackStarted(reason StartReason, delay time.Duration) {
	s.playing.Store(true)
	s.metrics.RecordJitterStart(s.ctx, string(reason), delay)
	s.log.Debug("stream: playback authorised", "reason", reason, "delay", delay)
}
