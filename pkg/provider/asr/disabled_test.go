package asr

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDisabled_AlwaysFailsAsUnconfigured(t *testing.T) {
	p := Disabled("whispercpp")
	if p.Name() != "whispercpp" {
		t.Errorf("Name() = %q", p.Name())
	}
	if p.CheckHealth(context.Background(), time.Second) {
		t.Error("CheckHealth reported healthy")
	}

	_, err := p.Transcribe(context.Background(), Request{AudioPath: "take.wav"})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error is %T, want *ProviderError", err)
	}
	if pe.Kind != KindMissingAPIKey || !pe.Authentication() {
		t.Errorf("classification = %+v, want authentication failure", pe)
	}
}
