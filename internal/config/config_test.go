package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/okarlsen/dictare/pkg/provider/asr"
	"github.com/okarlsen/dictare/pkg/provider/asr/mock"
)

const validYAML = `
server:
  listen_addr: "127.0.0.1:8090"
  log_level: debug
providers:
  primary: openai
  openai:
    api_key: sk-test
    model: whisper-1
  whispercpp:
    server_executable: /usr/local/bin/whisper-server
    model: /models/ggml-base.en.bin
transcription:
  timeout_seconds: 60
  language: en
output:
  mode: paste
history:
  path: /tmp/dictare-history.db
`

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.ListenAddr != "127.0.0.1:8090" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log_level = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Providers.Primary != "openai" {
		t.Errorf("primary = %q, want openai", cfg.Providers.Primary)
	}
	if cfg.Providers.OpenAI.Model != "whisper-1" {
		t.Errorf("openai model = %q", cfg.Providers.OpenAI.Model)
	}
	if cfg.Providers.WhisperCpp.Model != "/models/ggml-base.en.bin" {
		t.Errorf("whispercpp model = %q", cfg.Providers.WhisperCpp.Model)
	}
	if cfg.Transcription.TimeoutSeconds != 60 {
		t.Errorf("timeout_seconds = %d, want 60", cfg.Transcription.TimeoutSeconds)
	}
	if cfg.Output.Mode != OutputPaste {
		t.Errorf("output mode = %q, want paste", cfg.Output.Mode)
	}
}

func TestLoadFromReader_AppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
providers:
  openai:
    api_key: sk-test
    model: whisper-1
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("default log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Transcription.TimeoutSeconds != DefaultTimeoutSeconds {
		t.Errorf("default timeout_seconds = %d, want %d", cfg.Transcription.TimeoutSeconds, DefaultTimeoutSeconds)
	}
	if cfg.Output.Mode != OutputClipboard {
		t.Errorf("default output mode = %q, want clipboard", cfg.Output.Mode)
	}
	if cfg.Providers.Primary != "openai" {
		t.Errorf("default primary = %q, want openai", cfg.Providers.Primary)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
server:
  listen_addr: ":8090"
  banana: true
`))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
server:
  log_level: verbose
providers:
  openai:
    model: whisper-1
`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "server.log_level") {
		t.Errorf("error %q does not mention server.log_level", err)
	}
}

func TestValidate_InvalidPrimary(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
providers:
  primary: deepgram
`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "providers.primary") {
		t.Errorf("error %q does not mention providers.primary", err)
	}
}

func TestValidate_PrimaryOpenAIWithoutModel(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
providers:
  primary: openai
`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "providers.openai.model") {
		t.Errorf("error %q does not mention providers.openai.model", err)
	}
}

func TestValidate_PrimaryWhisperWithoutExecutable(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
providers:
  primary: whispercpp
  whispercpp:
    model: /models/ggml-base.en.bin
`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "whispercpp") {
		t.Errorf("error %q does not mention whispercpp", err)
	}
}

func TestValidate_NegativeTimeout(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Providers.OpenAI.Model = "whisper-1"
	cfg.Transcription.TimeoutSeconds = -1

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "timeout_seconds") {
		t.Errorf("error %q does not mention timeout_seconds", err)
	}
}

func TestValidate_TelemetryOptInNeedsEndpoint(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
providers:
  openai:
    model: whisper-1
telemetry:
  upload_opt_in: true
`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "telemetry.upload_endpoint") {
		t.Errorf("error %q does not mention telemetry.upload_endpoint", err)
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader(`
server:
  log_level: loud
providers:
  primary: openai
output:
  mode: teleport
`))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{"server.log_level", "providers.openai.model", "output.mode"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dictare.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-test" {
		t.Errorf("api_key = %q", cfg.Providers.OpenAI.APIKey)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLogLevelIsValid(t *testing.T) {
	valid := []LogLevel{LogDebug, LogInfo, LogWarn, LogError}
	for _, l := range valid {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if LogLevel("trace").IsValid() {
		t.Error("trace should not be valid")
	}
}

func TestOutputModeIsValid(t *testing.T) {
	valid := []OutputMode{OutputClipboard, OutputPaste, OutputStdout}
	for _, m := range valid {
		if !m.IsValid() {
			t.Errorf("%q should be valid", m)
		}
	}
	if OutputMode("email").IsValid() {
		t.Error("email should not be valid")
	}
}

func TestRegistry_RegisterAndCreate(t *testing.T) {
	r := NewRegistry()
	r.Register("mock", func(cfg *Config) (asr.Provider, error) {
		return &mock.Provider{ProviderName: "mock"}, nil
	})

	p, err := r.Create("mock", &Config{})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Name() != "mock" {
		t.Errorf("provider name = %q, want mock", p.Name())
	}
}

func TestRegistry_UnknownProvider(t *testing.T) {
	r := NewRegistry()
	_, err := r.Create("deepgram", &Config{})
	if !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("err = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	r.Register("whispercpp", func(*Config) (asr.Provider, error) { return nil, nil })
	r.Register("openai", func(*Config) (asr.Provider, error) { return nil, nil })

	names := r.Names()
	if len(names) != 2 || names[0] != "openai" || names[1] != "whispercpp" {
		t.Errorf("Names() = %v, want [openai whispercpp]", names)
	}
}
