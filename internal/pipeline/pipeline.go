// Package pipeline orchestrates sequential transcription attempts across the
// configured providers.
//
// One [Transcriber.Transcribe] call walks the provider order starting at the
// configured primary, bounds every attempt with the per-attempt timeout,
// classifies each failure and falls back to the next provider. The first
// success wins and is returned immediately — providers are never raced, which
// avoids duplicate billable calls and duplicate local subprocess starts.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okarlsen/dictare/pkg/provider/asr"
)

// connectivityTimeout bounds each health probe during ConnectivityCheck,
// independent of the per-attempt transcription timeout.
const connectivityTimeout = 1 * time.Second

// Settings carries the per-call knobs of one pipeline invocation. The same
// audio, language and prompt are forwarded to every provider tried, so
// request identity is preserved across fallback.
type Settings struct {
	// Primary names the provider to try first. When empty or unknown, the
	// registration order is used as-is.
	Primary string

	// Timeout bounds each individual provider attempt.
	Timeout time.Duration

	// Language is the ISO 639-1 recognition hint.
	Language string

	// Prompt is optional vocabulary context.
	Prompt string

	// OnFallback, when non-nil, is called once before the second attempt,
	// after the first provider has failed. The lifecycle uses it to surface
	// the provider-fallback phase.
	OnFallback func(failed, next string)
}

// Result is the outcome of a successful pipeline call.
type Result struct {
	// Text is the transcript.
	Text string

	// Provider is the name of the adapter that produced the transcript.
	Provider string

	// Duration is the winning attempt's latency.
	Duration time.Duration
}

// ExhaustedError is returned when every provider failed. It retains all
// per-attempt classifications so the lifecycle can decide between a
// retry-available and a degraded outcome.
type ExhaustedError struct {
	// Attempts holds one classified error per provider, in attempt order.
	Attempts []*asr.ProviderError
}

// Error surfaces the richest available failure: the last terminal error's
// message when one exists, otherwise the last attempt.
func (e *ExhaustedError) Error() string {
	final := e.Final()
	if final == nil {
		return "pipeline: no providers configured"
	}
	return fmt.Sprintf("pipeline: all %d providers failed: %v", len(e.Attempts), final)
}

// Final returns the attempt error whose message should be shown to the user:
// the last terminal classification if any provider produced one, otherwise
// the last attempt. Returns nil for an empty attempt list.
func (e *ExhaustedError) Final() *asr.ProviderError {
	var final *asr.ProviderError
	for _, a := range e.Attempts {
		if a.Kind == asr.KindTerminal {
			final = a
		}
	}
	if final == nil && len(e.Attempts) > 0 {
		final = e.Attempts[len(e.Attempts)-1]
	}
	return final
}

// RetryAvailable reports whether at least one provider failed for a
// non-authentication reason, meaning a manual retry with the same audio has
// a chance of succeeding.
func (e *ExhaustedError) RetryAvailable() bool {
	for _, a := range e.Attempts {
		if !a.Authentication() {
			return true
		}
	}
	return false
}

// Transcriber iterates the configured provider order with fallback.
// It holds no mutable state and is safe for concurrent use.
type Transcriber struct {
	providers []asr.Provider
}

// New creates a Transcriber over the given providers. The slice order is the
// fallback order used whenever Settings.Primary does not reorder it.
func New(providers ...asr.Provider) *Transcriber {
	return &Transcriber{providers: providers}
}

// Transcribe runs the fallback loop over audioRef. Each attempt gets its own
// deadline of st.Timeout; every failure kind is eligible for fallback,
// including terminal ones — a different provider may succeed where this one
// is misconfigured. Returns an [*ExhaustedError] when no provider succeeds.
func (t *Transcriber) Transcribe(ctx context.Context, audioRef string, st Settings) (Result, error) {
	req := asr.Request{
		AudioPath: audioRef,
		Language:  st.Language,
		Prompt:    st.Prompt,
	}

	order := t.orderFor(st.Primary)
	var attempts []*asr.ProviderError
	for i, p := range order {
		if i == 1 && st.OnFallback != nil {
			st.OnFallback(order[0].Name(), p.Name())
		}
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if st.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, st.Timeout)
		}

		start := time.Now()
		resp, err := p.Transcribe(attemptCtx, req)
		cancel()

		if err == nil {
			return Result{
				Text:     resp.Text,
				Provider: p.Name(),
				Duration: time.Since(start),
			}, nil
		}

		pe := asr.Classify(p.Name(), err)
		attempts = append(attempts, pe)
		slog.Warn("provider failed, trying next",
			"provider", p.Name(), "kind", pe.Kind.String(), "err", err)

		if ctx.Err() != nil {
			// The caller's context is gone; further attempts would fail the
			// same way immediately.
			break
		}
	}

	return Result{}, &ExhaustedError{Attempts: attempts}
}

// ConnectivityCheck probes both adapters concurrently with a short fixed
// timeout and returns two independent booleans. It never mutates session
// state and never provisions a server.
func (t *Transcriber) ConnectivityCheck(ctx context.Context, primary, fallback asr.Provider) (primaryOK, fallbackOK bool) {
	var g errgroup.Group
	g.Go(func() error {
		primaryOK = primary.CheckHealth(ctx, connectivityTimeout)
		return nil
	})
	g.Go(func() error {
		fallbackOK = fallback.CheckHealth(ctx, connectivityTimeout)
		return nil
	})
	_ = g.Wait()
	return primaryOK, fallbackOK
}

// orderFor returns the provider order with the named primary moved to the
// front. Unknown names leave the registration order untouched.
func (t *Transcriber) orderFor(primary string) []asr.Provider {
	if primary == "" {
		return t.providers
	}
	for i, p := range t.providers {
		if p.Name() == primary {
			order := make([]asr.Provider, 0, len(t.providers))
			order = append(order, p)
			order = append(order, t.providers[:i]...)
			order = append(order, t.providers[i+1:]...)
			return order
		}
	}
	return t.providers
}
