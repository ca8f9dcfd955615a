package asr

import (
	"context"
	"time"
)

// disabled is the stand-in for a provider that was named in configuration
// but lacks the settings to attempt anything. It lets the daemon boot with a
// single usable backend: every call fails with a missing-credential
// classification, which the pipeline treats as non-retryable.
type disabled struct {
	name string
}

// Disabled returns a Provider that always fails as unconfigured.
func Disabled(name string) Provider {
	return disabled{name: name}
}

func (d disabled) Name() string { return d.name }

func (d disabled) Transcribe(_ context.Context, _ Request) (Response, error) {
	return Response{}, &ProviderError{
		Provider: d.name,
		Kind:     KindMissingAPIKey,
		Message:  "provider not configured",
	}
}

func (d disabled) CheckHealth(_ context.Context, _ time.Duration) bool { return false }

func (d disabled) RequiresFLACUpload() bool { return false }

var _ Provider = disabled{}
