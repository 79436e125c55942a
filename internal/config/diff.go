package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true when any setting applied per session changed.
	// The new values take effect from the next session on.
	SessionChanged      bool
	JitterChanged       bool
	CaptureQueueChanged bool
	RingChanged         bool
	DrainTimeoutChanged bool

	// RestartRequired lists top-level sections whose changes are ignored
	// until restart.
	RestartRequired []string
}

// Changed reports whether any hot-reloadable setting changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SessionChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.JitterChanged = old.Jitter != new.Jitter
	d.CaptureQueueChanged = old.Capture != new.Capture
	d.RingChanged = old.Playback != new.Playback
	d.DrainTimeoutChanged = old.Session != new.Session
	d.SessionChanged = d.JitterChanged || d.CaptureQueueChanged || d.RingChanged || d.DrainTimeoutChanged

	if old.Server.MetricsAddr != new.Server.MetricsAddr {
		d.RestartRequired = append(d.RestartRequired, "server.metrics_addr")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Transport != new.Transport {
		d.RestartRequired = append(d.RestartRequired, "transport")
	}
	if old.Device != new.Device {
		d.RestartRequired = append(d.RestartRequired, "device")
	}
	if old.Loopback != new.Loopback {
		d.RestartRequired = append(d.RestartRequired, "loopback")
	}

	return d
}
