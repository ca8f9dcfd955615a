package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be safely hot-reloaded are tracked individually; anything touching the
// provider or server blocks requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TranscriptionChanged is true when timeout, language, or prompt changed.
	// These apply to the next session without a restart.
	TranscriptionChanged bool

	// OutputModeChanged is true when transcript delivery changed.
	OutputModeChanged bool
	NewOutputMode     OutputMode

	// RestartRequired is true when provider selection, provider credentials,
	// history, telemetry, or the listen address changed.
	RestartRequired bool
}

// Empty reports whether the diff carries no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.TranscriptionChanged &&
		!d.OutputModeChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Transcription != new.Transcription {
		d.TranscriptionChanged = true
	}

	if old.Output.Mode != new.Output.Mode {
		d.OutputModeChanged = true
		d.NewOutputMode = new.Output.Mode
	}

	if old.Providers != new.Providers ||
		old.Server.ListenAddr != new.Server.ListenAddr ||
		old.History != new.History ||
		old.Telemetry != new.Telemetry {
		d.RestartRequired = true
	}

	return d
}
