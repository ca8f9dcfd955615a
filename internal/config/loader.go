package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// DefaultTimeoutSeconds bounds a provider attempt when
// transcription.timeout_seconds is unset.
const DefaultTimeoutSeconds = 120

// ValidProviderNames lists the provider names accepted for providers.primary.
var ValidProviderNames = []string{"openai", "whispercpp"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
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

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with their documented defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Transcription.TimeoutSeconds == 0 {
		cfg.Transcription.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.Output.Mode == "" {
		cfg.Output.Mode = OutputClipboard
	}
	if cfg.Providers.Primary == "" {
		cfg.Providers.Primary = "openai"
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Providers.Primary != "" && !slices.Contains(ValidProviderNames, cfg.Providers.Primary) {
		errs = append(errs, fmt.Errorf("providers.primary %q is invalid; valid values: %v", cfg.Providers.Primary, ValidProviderNames))
	}

	if cfg.Transcription.TimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("transcription.timeout_seconds %d must not be negative", cfg.Transcription.TimeoutSeconds))
	}

	if cfg.Output.Mode != "" && !cfg.Output.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("output.mode %q is invalid; valid values: clipboard, paste, stdout", cfg.Output.Mode))
	}

	// Provider availability cross-checks. A missing fallback is a warning,
	// not an error — the daemon degrades rather than refusing to start.
	openaiUsable := cfg.Providers.OpenAI.Model != ""
	whisperUsable := cfg.Providers.WhisperCpp.Model != "" &&
		(cfg.Providers.WhisperCpp.ServerExecutable != "" || cfg.Providers.WhisperCpp.CLIExecutable != "")

	switch cfg.Providers.Primary {
	case "openai":
		if !openaiUsable {
			errs = append(errs, errors.New("providers.primary is openai but providers.openai.model is not set"))
		}
		if !whisperUsable {
			slog.Warn("no usable whispercpp fallback configured; remote failures cannot fall back",
				"model", cfg.Providers.WhisperCpp.Model)
		}
	case "whispercpp":
		if !whisperUsable {
			errs = append(errs, errors.New("providers.primary is whispercpp but providers.whispercpp needs a model and at least one executable"))
		}
		if !openaiUsable {
			slog.Warn("no usable openai fallback configured; local failures cannot fall back")
		}
	}

	if cfg.Providers.OpenAI.Model != "" && cfg.Providers.OpenAI.APIKey == "" {
		slog.Warn("providers.openai.api_key is empty; remote attempts will fail with an authentication error")
	}

	if cfg.Providers.WhisperCpp.ServerExecutable != "" {
		if _, err := os.Stat(cfg.Providers.WhisperCpp.ServerExecutable); err != nil {
			slog.Warn("whispercpp server executable not found", "path", cfg.Providers.WhisperCpp.ServerExecutable)
		}
	}

	if cfg.Telemetry.UploadOptIn && cfg.Telemetry.UploadEndpoint == "" {
		errs = append(errs, errors.New("telemetry.upload_opt_in is set but telemetry.upload_endpoint is empty"))
	}

	return errors.Join(errs...)
}
