package stream

import "errors"

var (
	// ErrEndOfStream is returned by [JitterBuffer.Pop] once the sentinel has
	// been received and every queued frame has been handed out, and by
	// [Sender.Send] after the sentinel has been sent.
	ErrEndOfStream = errors.New("stream: end of stream")

	// ErrHalted is returned by [Sender] operations after Halt.
	ErrHalted = errors.New("stream: sender halted")

	// ErrAborted is the terminal error of a session that was aborted.
	ErrAborted = errors.New("stream: session aborted")

	// ErrSessionActive is returned when starting a session while another one
	// is still live.
	ErrSessionActive = errors.New("stream: session already active")

	// ErrNoSession is returned by stop and abort commands when no session is
	// live.
	ErrNoSession = errors.New("stream: no active session")

	// ErrJitterClosed is returned by [JitterBuffer.Pop] after Close.
	ErrJitterClosed = errors.New("stream: jitter buffer closed")

	// errDrainTimeout is the cancellation cause when draining takes too long.
	errDrainTimeout = errors.New("stream: drain timeout")
)
