// Package device connects a duplex sound card to the streaming pipeline
// through miniaudio (malgo).
//
// The device runs one hardware callback per period. Each callback converts
// the captured bytes to samples, hands them to [Sink.Capture], asks
// [Sink.Playback] for the same number of output samples and writes them back
// to the card. The callback reuses preallocated buffers and never blocks on
// the network.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrClosed is returned by operations on a closed [Device].
var ErrClosed = errors.New("device: closed")

// Sink receives the hardware callbacks. Both methods run on the audio thread
// and must return promptly.
type Sink interface {
	// Capture receives mono microphone samples. The slice is reused after
	// the call returns.
	Capture(samples []int16)

	// Playback fills out with mono samples to play.
	Playback(out []int16)
}

// Config selects the PCM format of the device.
type Config struct {
	SampleRate int

	// PeriodFrames is the requested callback period in samples. Backends may
	// deliver other sizes.
	PeriodFrames int
}

// Option configures a [Device].
type Option func(*Device)

// WithLogger sets the logger used for device and backend diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) { d.log = l }
}

// Device is an open duplex audio device.
type Device struct {
	cfg    Config
	log    *slog.Logger
	bridge *bridge

	mctx *malgo.AllocatedContext
	dev  *malgo.Device

	started   atomic.Bool
	closeOnce sync.Once
	closed    atomic.Bool
}

// Open initialises the default capture and playback devices as one mono
// signed 16-bit duplex device. The device is idle until [Device.Start].
func Open(cfg Config, sink Sink, opts ...Option) (*Device, error) {
	if sink == nil {
		return nil, errors.New("device: open: sink is required")
	}
	if cfg.SampleRate <= 0 || cfg.PeriodFrames <= 0 {
		return nil, fmt.Errorf("device: open: invalid format %d Hz / %d frames", cfg.SampleRate, cfg.PeriodFrames)
	}
	d := &Device{
		cfg:    cfg,
		log:    slog.Default(),
		bridge: newBridge(sink, cfg.PeriodFrames),
	}
	for _, o := range opts {
		o(d)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		d.log.Debug("device: backend", "msg", msg)
	})
	if err != nil {
		return nil, fmt.Errorf("device: init context: %w", err)
	}

	dc := malgo.DefaultDeviceConfig(malgo.Duplex)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = 1
	dc.Playback.Format = malgo.FormatS16
	dc.Playback.Channels = 1
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.PeriodSizeInFrames = uint32(cfg.PeriodFrames)
	dc.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mctx.Context, dc, malgo.DeviceCallbacks{
		Data: d.bridge.process,
		Stop: func() { d.started.Store(false) },
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("device: init duplex device: %w", err)
	}
	d.mctx = mctx
	d.dev = dev
	d.log.Info("device: opened", "sample_rate", cfg.SampleRate, "period_frames", cfg.PeriodFrames)
	return d, nil
}

// Start begins invoking the sink from the hardware callback.
func (d *Device) Start() error {
	if d.closed.Load() {
		return ErrClosed
	}
	if err := d.dev.Start(); err != nil {
		return fmt.Errorf("device: start: %w", err)
	}
	d.started.Store(true)
	return nil
}

// Stop pauses the hardware callback. It may be restarted with Start.
func (d *Device) Stop() error {
	if d.closed.Load() {
		return ErrClosed
	}
	d.started.Store(false)
	if err := d.dev.Stop(); err != nil {
		return fmt.Errorf("device: stop: %w", err)
	}
	return nil
}

// Close stops and releases the device and its backend context. It is safe to
// call more than once.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		d.started.Store(false)
		d.dev.Uninit()
		err = d.mctx.Uninit()
		d.mctx.Free()
		d.log.Info("device: closed", "callbacks", d.bridge.callbacks.Load())
	})
	if err != nil {
		return fmt.Errorf("device: close: %w", err)
	}
	return nil
}

// Check reports whether the device is running. It is meant as a readiness
// probe.
func (d *Device) Check(_ context.Context) error {
	switch {
	case d.closed.Load():
		return ErrClosed
	case !d.started.Load():
		return errors.New("device: not started")
	}
	return nil
}

// Callbacks returns the number of hardware callbacks served so far.
func (d *Device) Callbacks() uint64 { return d.bridge.callbacks.Load() }

// bridge adapts malgo's byte-oriented data callback to a [Sink].
type bridge struct {
	sink      Sink
	in        []int16
	out       []int16
	callbacks atomic.Uint64
}

func newBridge(sink Sink, period int) *bridge {
	return &bridge{
		sink: sink,
		in:   make([]int16, period),
		out:  make([]int16, period),
	}
}

// process is the malgo data callback. pOutput and pInput are mono S16LE.
func (b *bridge) process(pOutput, pInput []byte, frameCount uint32) {
	n := int(frameCount)
	if n > len(b.in) {
		// Backend chose a larger period than requested.
		b.in = make([]int16, n)
		b.out = make([]int16, n)
	}
	b.callbacks.Add(1)

	if pInput != nil {
		got := audio.ReadInt16s(b.in[:n], pInput)
		b.sink.Capture(b.in[:got])
	}
	if pOutput != nil {
		want := min(n, len(pOutput)/2)
		b.sink.Playback(b.out[:want])
		audio.PutInt16s(pOutput, b.out[:want])
		clear(pOutput[want*2:])
	}
}
