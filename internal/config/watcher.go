package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval used by [NewWatcher].
const DefaultWatchInterval = 5 * time.Second

// Reload is one accepted configuration change.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// NewReload computes the diff between old and new.
func NewReload(old, new *Config) Reload {
	return Reload{Old: old, New: new, Diff: Diff(old, new)}
}

// Watcher polls a config file and reports edits that produce another valid
// configuration. Invalid edits are rejected and the last valid config stays
// current, so a half-saved file never reaches a running session.
type Watcher struct {
	path     string
	interval time.Duration
	onReject func(error)

	mu      sync.Mutex
	current *Config
	mtime   time.Time
	sum     [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithRejectHandler is called with the error of every rejected edit in
// addition to the warning log.
func WithRejectHandler(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onReject = fn }
}

// NewWatcher loads path and returns a Watcher holding it as the current
// config. Polling starts with [Watcher.Run].
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: path, interval: DefaultWatchInterval}
	for _, o := range opts {
		o(w)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	cfg, sum, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.mtime, w.sum = cfg, info.ModTime(), sum
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done and calls apply for every accepted change.
// apply runs on the polling goroutine.
func (w *Watcher) Run(ctx context.Context, apply func(Reload)) {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		r, err := w.Poll()
		if err != nil {
			slog.Warn("config: rejected edit; keeping the previous config", "path", w.path, "err", err)
			if w.onReject != nil {
				w.onReject(err)
			}
			continue
		}
		if r != nil && apply != nil {
			apply(*r)
		}
	}
}

// Poll checks the file once. It returns nil and no error when the file is
// unchanged, its content is identical, or the edit changes nothing the
// diff tracks (comments, reordering, restating a default). An invalid edit
// is reported once per modification.
func (w *Watcher) Poll() (*Reload, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.mtime)
	w.mtime = info.ModTime()
	w.mu.Unlock()
	if unchanged {
		return nil, nil
	}

	cfg, sum, err := w.read()
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if sum == w.sum {
		return nil, nil
	}
	w.sum = sum
	r := NewReload(w.current, cfg)
	if !r.Diff.Changed() && len(r.Diff.RestartRequired) == 0 {
		return nil, nil
	}
	w.current = cfg
	slog.Info("config: reloaded", "path", w.path, "restart_required", r.Diff.RestartRequired)
	return &r, nil
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	cfg, err := load(bytes.NewReader(data), os.LookupEnv)
	if err != nil {
		return nil, [sha256.Size]byte{}, err
	}
	return cfg, sha256.Sum256(data), nil
}
