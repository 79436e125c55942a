package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no hot-reloadable change, got %+v", d)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("expected no restart sections, got %v", d.RestartRequired)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if d.SessionChanged {
		t.Error("expected SessionChanged=false")
	}
}

func TestDiff_SessionSettings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(config.ConfigDiff) bool
	}{
		{"jitter frames", func(c *config.Config) { c.Jitter.StartFrames = 8 }, func(d config.ConfigDiff) bool { return d.JitterChanged }},
		{"jitter timeout", func(c *config.Config) { c.Jitter.StartTimeout = time.Second }, func(d config.ConfigDiff) bool { return d.JitterChanged }},
		{"capture queue", func(c *config.Config) { c.Capture.QueueFrames = 4 }, func(d config.ConfigDiff) bool { return d.CaptureQueueChanged }},
		{"ring", func(c *config.Config) { c.Playback.RingCapacity = 4800 }, func(d config.ConfigDiff) bool { return d.RingChanged }},
		{"drain", func(c *config.Config) { c.Session.DrainTimeout = time.Second }, func(d config.ConfigDiff) bool { return d.DrainTimeoutChanged }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := baseConfig()
			new := baseConfig()
			tt.mutate(new)
			d := config.Diff(old, new)
			if !tt.check(d) || !d.SessionChanged || !d.Changed() {
				t.Errorf("unexpected diff %+v", d)
			}
			if len(d.RestartRequired) != 0 {
				t.Errorf("expected no restart sections, got %v", d.RestartRequired)
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := baseConfig()
	new := baseConfig()
	new.Audio.Bitrate = 64000
	new.Transport.URL = "ws://elsewhere/ws"
	new.Server.MetricsAddr = ":9191"

	d := config.Diff(old, new)
	if d.Changed() {
		t.Errorf("expected no hot-reloadable change, got %+v", d)
	}
	for _, want := range []string{"audio", "transport", "server.metrics_addr"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired %v missing %q", d.RestartRequired, want)
		}
	}
}
