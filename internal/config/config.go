// Package config provides the configuration schema, loader, provider
// registry, and file watcher for the dictation daemon.
package config

// LogLevel controls log verbosity for the daemon.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// OutputMode selects where a finished transcript is delivered.
type OutputMode string

const (
	// OutputClipboard copies the transcript to the system clipboard.
	OutputClipboard OutputMode = "clipboard"

	// OutputPaste copies and then simulates a paste keystroke.
	OutputPaste OutputMode = "paste"

	// OutputStdout prints the transcript to standard output.
	OutputStdout OutputMode = "stdout"
)

// IsValid reports whether m is a recognised output mode.
func (m OutputMode) IsValid() bool {
	switch m {
	case OutputClipboard, OutputPaste, OutputStdout:
		return true
	}
	return false
}

// Config is the root configuration structure for the daemon.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Providers     ProvidersConfig     `yaml:"providers"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Output        OutputConfig        `yaml:"output"`
	History       HistoryConfig       `yaml:"history"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// ServerConfig holds network and logging settings for the daemon's local
// HTTP endpoint (health, status, metrics).
type ServerConfig struct {
	// ListenAddr is the TCP address the daemon listens on
	// (e.g., "127.0.0.1:8090"). Empty disables the HTTP endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares the transcription providers and their order.
type ProvidersConfig struct {
	// Primary selects the provider tried first (e.g., "openai", "whispercpp").
	// The other configured provider acts as the fallback.
	Primary string `yaml:"primary"`

	// OpenAI configures the remote transcription provider.
	OpenAI OpenAIConfig `yaml:"openai"`

	// WhisperCpp configures the local whisper.cpp provider.
	WhisperCpp WhisperCppConfig `yaml:"whispercpp"`
}

// OpenAIConfig holds credentials and model selection for the remote provider.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. When empty, remote transcription attempts
	// fail with an authentication error and the pipeline falls back.
	APIKey string `yaml:"api_key"`

	// Model is the transcription model (e.g., "whisper-1").
	Model string `yaml:"model"`

	// BaseURL overrides the default API endpoint. Leave empty for the
	// provider's built-in default.
	BaseURL string `yaml:"base_url"`
}

// WhisperCppConfig holds paths for the local whisper.cpp provider. At least
// one of ServerExecutable and CLIExecutable must be set for the provider to
// be usable.
type WhisperCppConfig struct {
	// ServerExecutable is the path to the whisper.cpp server binary. When
	// set, the supervisor keeps one warm server process per model.
	ServerExecutable string `yaml:"server_executable"`

	// CLIExecutable is the path to the whisper.cpp one-shot CLI binary. Used
	// when no server executable is configured.
	CLIExecutable string `yaml:"cli_executable"`

	// Model is the path to the GGML model file.
	Model string `yaml:"model"`
}

// TranscriptionConfig holds per-request transcription settings.
type TranscriptionConfig struct {
	// TimeoutSeconds bounds each provider attempt. 0 means the default
	// of 120 seconds.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Language is an optional ISO 639-1 language hint (e.g., "en").
	Language string `yaml:"language"`

	// Prompt is optional context text forwarded to the provider.
	Prompt string `yaml:"prompt"`
}

// OutputConfig controls transcript delivery.
type OutputConfig struct {
	// Mode selects the delivery mechanism. Defaults to clipboard.
	Mode OutputMode `yaml:"mode"`
}

// HistoryConfig holds settings for the session history store.
type HistoryConfig struct {
	// Path is the SQLite database file for archived sessions. Empty uses
	// an in-memory store that does not survive restarts.
	Path string `yaml:"path"`
}

// TelemetryConfig controls the anonymous usage rollup upload.
type TelemetryConfig struct {
	// UploadEndpoint is the URL rollup snapshots are POSTed to.
	UploadEndpoint string `yaml:"upload_endpoint"`

	// UploadOptIn enables the periodic upload. Off by default; counters are
	// still aggregated and logged locally.
	UploadOptIn bool `yaml:"upload_opt_in"`
}
