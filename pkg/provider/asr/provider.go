// Package asr defines the Provider interface for batch speech-to-text backends.
//
// An ASR provider wraps one transcription backend — a remote HTTP API or a
// local inference subprocess — and exposes a uniform one-shot interface: the
// caller hands over a finished audio artifact and receives the transcript for
// the whole recording. There is no streaming surface; the dictation flow
// records first and transcribes after the fact.
//
// Implementations must be safe for concurrent use. A provider holds no
// per-request mutable state; everything request-scoped travels in [Request].
package asr

import (
	"context"
	"time"
)

// Request describes one transcription attempt. The same Request is forwarded
// unchanged to every provider tried during fallback so that request identity
// (audio, language, prompt) is preserved across backends.
type Request struct {
	// AudioPath is the filesystem path of the captured audio artifact. The
	// provider only forwards the file; any codec conversion (e.g. FLAC for
	// upload-size limits) must have happened before the pipeline is invoked.
	AudioPath string

	// Language is the ISO 639-1 language hint (e.g. "en", "de"). Empty lets
	// the backend auto-detect, if supported.
	Language string

	// Prompt is optional context text that biases recognition towards
	// domain vocabulary. Providers that have no prompt surface ignore it.
	Prompt string

	// Model names the backend model ("whisper-1", a ggml file path, ...).
	// Interpretation is provider-specific.
	Model string
}

// Response is the successful result of a single transcription attempt.
type Response struct {
	// Text is the transcript of the entire audio artifact.
	Text string

	// Duration is how long the provider took to produce the transcript.
	Duration time.Duration
}

// Provider is the abstraction over any transcription backend.
//
// The closed variant set is {remote HTTP adapter, local subprocess adapter};
// dispatch is via this interface, never via embedding hierarchies.
type Provider interface {
	// Name returns the stable identifier used in configuration, logs and
	// archived session records (e.g. "openai", "whispercpp").
	Name() string

	// Transcribe performs one transcription attempt. Errors should be (or
	// wrap) a [*ProviderError] so the pipeline can classify the failure;
	// anything else is classified via [Classify] on a best-effort basis.
	Transcribe(ctx context.Context, req Request) (Response, error)

	// CheckHealth reports whether the backend is reachable right now. It
	// must complete within timeout, never provisions resources (no server
	// start, no billable call), and never mutates session state.
	CheckHealth(ctx context.Context, timeout time.Duration) bool

	// RequiresFLACUpload reports whether audio must be FLAC-encoded before
	// Transcribe is called. The conversion itself is the caller's job; the
	// pipeline is codec-agnostic.
	RequiresFLACUpload() bool
}
