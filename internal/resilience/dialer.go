package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/voxlink/pkg/transport"
)

// ErrAllFailed is returned by [FallbackDialer.Dial] when no target could be
// dialed.
var ErrAllFailed = errors.New("resilience: all dial targets failed")

// Target is one named dialer in a [FallbackDialer].
type Target struct {
	Name   string
	Dialer transport.Dialer
}

type entry struct {
	name    string
	dialer  transport.Dialer
	breaker *Breaker
}

// FallbackDialer dials its targets in order and returns the first transport
// that connects. Each target sits behind its own [Breaker], so a target that
// keeps failing is skipped until its breaker probes again.
type FallbackDialer struct {
	entries []entry
	log     *slog.Logger
}

var _ transport.Dialer = (*FallbackDialer)(nil)

// NewFallbackDialer builds a dialer over targets, in preference order. cfg is
// copied into one breaker per target with Name set to the target name.
func NewFallbackDialer(cfg BreakerConfig, targets ...Target) (*FallbackDialer, error) {
	if len(targets) == 0 {
		return nil, errors.New("resilience: fallback dialer: at least one target is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &FallbackDialer{log: cfg.Logger}
	for _, t := range targets {
		if t.Dialer == nil {
			return nil, fmt.Errorf("resilience: fallback dialer: target %q has no dialer", t.Name)
		}
		bc := cfg
		bc.Name = t.Name
		d.entries = append(d.entries, entry{name: t.Name, dialer: t.Dialer, breaker: NewBreaker(bc)})
	}
	return d, nil
}

// Dial implements [transport.Dialer].
func (d *FallbackDialer) Dial(ctx context.Context) (transport.Transport, error) {
	var errs []error
	for i := range d.entries {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("resilience: dial: %w", err)
		}
		e := &d.entries[i]
		var tr transport.Transport
		err := e.breaker.Do(func() error {
			var err error
			tr, err = e.dialer.Dial(ctx)
			return err
		})
		if err == nil {
			if i > 0 {
				d.log.Info("resilience: dialed fallback transport", "target", e.name)
			}
			return tr, nil
		}
		if errors.Is(err, ErrOpen) {
			d.log.Debug("resilience: skipping target with open breaker", "target", e.name)
		} else {
			d.log.Warn("resilience: dial failed", "target", e.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
	}
	return nil, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// States returns the breaker state of every target keyed by name.
func (d *FallbackDialer) States() map[string]State {
	out := make(map[string]State, len(d.entries))
	for _, e := range d.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Check is a readiness probe: it fails while every target's breaker is open.
func (d *FallbackDialer) Check(context.Context) error {
	for _, e := range d.entries {
		if e.breaker.State() != StateOpen {
			return nil
		}
	}
	return errors.New("resilience: every dial target is failing")
}
