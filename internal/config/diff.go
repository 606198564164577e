package config

// ConfigDiff describes what changed between two configs. Log level applies
// immediately; engine and audio changes only take effect for sessions started
// afterwards, since a running engine process cannot be reconfigured.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	EngineChanged bool
	AudioChanged  bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Engine.Command != new.Engine.Command ||
		!equalStrings(old.Engine.Args, new.Engine.Args) ||
		old.Engine.Name != new.Engine.Name ||
		old.Engine.Model != new.Engine.Model ||
		old.Engine.Device != new.Engine.Device ||
		old.Engine.Language != new.Engine.Language ||
		old.Engine.LatencyMode != new.Engine.LatencyMode {
		d.EngineChanged = true
	}

	if old.Audio != new.Audio {
		d.AudioChanged = true
	}

	return d
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
