// Package mock provides test doubles for the asr package interfaces.
//
// Use Provider to script transcription outcomes and inspect the requests a
// caller issued. The zero value is usable: it reports healthy and returns an
// empty Response.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/okarlsen/dictare/pkg/provider/asr"
)

// Compile-time interface assertion.
var _ asr.Provider = (*Provider)(nil)

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Response is returned by Transcribe when Err and TranscribeFunc are unset.
	Response asr.Response

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, if non-nil, fully overrides Transcribe. The recorded
	// call list is still maintained.
	TranscribeFunc func(ctx context.Context, req asr.Request) (asr.Response, error)

	// Unhealthy makes CheckHealth return false.
	Unhealthy bool

	// HealthDelay makes CheckHealth block for the given duration (or until
	// ctx is cancelled) before answering, to exercise probe timeouts.
	HealthDelay time.Duration

	// FLAC is returned by RequiresFLACUpload.
	FLAC bool

	// calls records every Transcribe invocation in order.
	calls []asr.Request
}

// Name returns ProviderName, or "mock" when unset.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Transcribe records req and returns the scripted outcome.
func (p *Provider) Transcribe(ctx context.Context, req asr.Request) (asr.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	fn := p.TranscribeFunc
	resp, err := p.Response, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	if err != nil {
		return asr.Response{}, err
	}
	return resp, nil
}

// CheckHealth returns !Unhealthy, after waiting out HealthDelay if set.
func (p *Provider) CheckHealth(ctx context.Context, timeout time.Duration) bool {
	if p.HealthDelay > 0 {
		select {
		case <-time.After(p.HealthDelay):
		case <-ctx.Done():
			return false
		}
	}
	return !p.Unhealthy
}

// RequiresFLACUpload returns FLAC.
func (p *Provider) RequiresFLACUpload() bool { return p.FLAC }

// Calls returns a copy of all recorded Transcribe requests.
func (p *Provider) Calls() []asr.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]asr.Request, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of Transcribe invocations.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
