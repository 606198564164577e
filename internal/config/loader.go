package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, overlays environment
// variables, and returns a validated [Config]. It is a convenience wrapper
// around [LoadFromReader], [ApplyEnv] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, overlays environment
// variables, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays TABSCRIBE_* environment variables onto cfg, so container
// deployments can override file values without editing the file.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("config: apply environment: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
		}
	}

	if cfg.Engine.Command == "" {
		errs = append(errs, errors.New("engine.command is required"))
	}
	if cfg.Engine.Name != "" && !cfg.Engine.Name.IsValid() {
		errs = append(errs, fmt.Errorf("engine.name %q is invalid; valid values: whisper, faster-whisper, parakeet", cfg.Engine.Name))
	}
	if cfg.Engine.LatencyMode != "" && !cfg.Engine.LatencyMode.IsValid() {
		errs = append(errs, fmt.Errorf("engine.latency_mode %q is invalid; valid values: low, medium, high", cfg.Engine.LatencyMode))
	}
	if cfg.Engine.ReadyTimeout < 0 {
		errs = append(errs, errors.New("engine.ready_timeout must not be negative"))
	}

	if cfg.Audio.CaptureRate < 0 || cfg.Audio.EngineRate < 0 {
		errs = append(errs, errors.New("audio rates must not be negative"))
	}
	if cfg.Audio.ChunkDuration < 0 || cfg.Audio.OverlapDuration < 0 || cfg.Audio.PatternWindow < 0 {
		errs = append(errs, errors.New("audio durations must not be negative"))
	}
	if cfg.Audio.ChunkDuration > 0 && cfg.Audio.OverlapDuration >= cfg.Audio.ChunkDuration {
		errs = append(errs, fmt.Errorf("audio.overlap_duration %v must be less than audio.chunk_duration %v",
			cfg.Audio.OverlapDuration, cfg.Audio.ChunkDuration))
	}
	if cfg.Audio.MaxInflight < 0 {
		errs = append(errs, errors.New("audio.max_inflight must not be negative"))
	}

	return errors.Join(errs...)
}
