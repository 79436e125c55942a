package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/codec"
	"github.com/MrWong99/voxlink/pkg/transport"
)

// CommandKind identifies a control signal from the orchestration layer.
type CommandKind int

const (
	// CommandStartCapture opens a session and starts capturing.
	CommandStartCapture CommandKind = iota

	// CommandStopCapture stops capturing and lets the session drain.
	CommandStopCapture

	// CommandAbort tears the live session down immediately.
	CommandAbort
)

// String returns the wire name of the command.
func (k CommandKind) String() string {
	switch k {
	case CommandStartCapture:
		return "start-capture"
	case CommandStopCapture:
		return "stop-capture"
	case CommandAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Command is one discrete control signal.
type Command struct {
	Kind CommandKind
	// Reason is logged and forwarded to the peer on abort.
	Reason string
}

// EventKind classifies controller events.
type EventKind int

const (
	// EventSessionStarted: a session was created and is capturing.
	EventSessionStarted EventKind = iota

	// EventStateChanged: the live session changed state.
	EventStateChanged

	// EventSessionEnded: the session is idle and released; Err and Stats are set.
	EventSessionEnded
)

// Event reports controller activity to the orchestration layer.
type Event struct {
	Kind      EventKind
	SessionID string
	Change    StateChange
	Err       error
	Stats     Stats
}

// ControllerOption configures a [Controller].
type ControllerOption func(*Controller)

// WithEventHandler registers fn to receive controller events. fn runs on
// session goroutines and must not block.
func WithEventHandler(fn func(Event)) ControllerOption {
	return func(c *Controller) { c.onEvent = fn }
}

// WithControllerMetrics sets the metrics sink passed to every session.
func WithControllerMetrics(m *observe.Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// WithAdapterOptions sets the options used for every session's codec adapter.
func WithAdapterOptions(opts ...codec.Option) ControllerOption {
	return func(c *Controller) { c.adapterOpts = opts }
}

// Controller owns at most one live [Session] and routes both control commands
// and hardware callbacks to it.
//
// Capture and Playback are safe to call from the hardware callback at any
// time; with no live session captured audio is discarded and playback renders
// silence.
type Controller struct {
	dialer      transport.Dialer
	engine      codec.Engine
	adapterOpts []codec.Option
	metrics     *observe.Metrics
	onEvent     func(Event)
	log         *slog.Logger

	cfg atomic.Pointer[Config]
	cur atomic.Pointer[Session]

	// mu serialises command handling.
	mu sync.Mutex
	wg sync.WaitGroup
}

// NewController returns a Controller that dials dialer and compresses with
// engine for each new session.
func NewController(dialer transport.Dialer, engine codec.Engine, cfg Config, opts ...ControllerOption) (*Controller, error) {
	if dialer == nil || engine == nil {
		return nil, errors.New("stream: new controller: dialer and engine are required")
	}
	c := &Controller{
		dialer: dialer,
		engine: engine,
		log:    slog.Default(),
	}
	c.cfg.Store(&cfg)
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// SetConfig replaces the configuration used for sessions started from now on.
// The live session, if any, keeps its configuration.
func (c *Controller) SetConfig(cfg Config) {
	c.cfg.Store(&cfg)
}

// Config returns the configuration for the next session.
func (c *Controller) Config() Config { return *c.cfg.Load() }

// Current returns the live session or nil.
func (c *Controller) Current() *Session {
	return c.cur.Load()
}

// Handle executes one command. Start fails with [ErrSessionActive] while a
// session is live and reports dial and codec initialization failures before
// anything is captured. Stop and abort fail with [ErrNoSession] when idle.
func (c *Controller) Handle(ctx context.Context, cmd Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cmd.Kind {
	case CommandStartCapture:
		return c.start(ctx)
	case CommandStopCapture:
		s := c.cur.Load()
		if s == nil {
			return fmt.Errorf("stream: %s: %w", cmd.Kind, ErrNoSession)
		}
		s.Stop()
		return nil
	case CommandAbort:
		s := c.cur.Load()
		if s == nil {
			return fmt.Errorf("stream: %s: %w", cmd.Kind, ErrNoSession)
		}
		reason := cmd.Reason
		if reason == "" {
			reason = "requested"
		}
		s.Abort(reason)
		return nil
	default:
		return fmt.Errorf("stream: unknown command %d", cmd.Kind)
	}
}

func (c *Controller) start(ctx context.Context) error {
	if s := c.cur.Load(); s != nil {
		select {
		case <-s.Done():
			// Finished; its watcher has not cleared it yet.
			c.cur.CompareAndSwap(s, nil)
		default:
			return fmt.Errorf("stream: start capture: session %s: %w", s.ID(), ErrSessionActive)
		}
	}

	adapter, err := codec.NewAdapter(c.engine, c.adapterOpts...)
	if err != nil {
		return fmt.Errorf("stream: start capture: %w", err)
	}
	tr, err := c.dialer.Dial(ctx)
	if err != nil {
		_ = adapter.Close()
		return fmt.Errorf("stream: start capture: %w", err)
	}

	opts := []SessionOption{WithStateHandler(c.stateChanged)}
	if c.metrics != nil {
		opts = append(opts, WithMetrics(c.metrics))
	}
	s, err := NewSession(tr, adapter, c.Config(), opts...)
	if err != nil {
		_ = adapter.Close()
		_ = tr.Close()
		return fmt.Errorf("stream: start capture: %w", err)
	}

	// Publish before Start so the first hardware callbacks already reach it.
	c.cur.Store(s)
	if err := s.Start(ctx); err != nil {
		c.cur.CompareAndSwap(s, nil)
		return err
	}
	c.emit(Event{Kind: EventSessionStarted, SessionID: s.ID()})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		<-s.Done()
		c.cur.CompareAndSwap(s, nil)
		err := s.Wait(context.Background())
		c.emit(Event{Kind: EventSessionEnded, SessionID: s.ID(), Err: err, Stats: s.Stats()})
	}()
	return nil
}

// Run handles commands until cmds is closed or ctx is done. Command failures
// are logged and do not stop the loop. The live session is aborted on return.
func (c *Controller) Run(ctx context.Context, cmds <-chan Command) error {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd, ok := <-cmds:
			if !ok {
				return nil
			}
			if err := c.Handle(ctx, cmd); err != nil {
				c.log.Warn("stream: command failed", "command", cmd.Kind, "err", err)
			}
		}
	}
}

// Capture routes microphone samples to the live session.
func (c *Controller) Capture(samples []int16) {
	if s := c.cur.Load(); s != nil {
		s.Capture(samples)
	}
}

// Playback fills out from the live session, or with silence when idle.
func (c *Controller) Playback(out []int16) {
	if s := c.cur.Load(); s != nil {
		s.Playback(out)
		return
	}
	clear(out)
}

// Close aborts the live session, if any, and waits for its teardown to be
// reported.
func (c *Controller) Close() {
	c.mu.Lock()
	if s := c.cur.Load(); s != nil {
		s.Abort("controller closed")
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Controller) stateChanged(ch StateChange) {
	c.emit(Event{Kind: EventStateChanged, SessionID: ch.SessionID, Change: ch})
}

func (c *Controller) emit(e Event) {
	if c.onEvent != nil {
		c.onEvent(e)
	}
}
