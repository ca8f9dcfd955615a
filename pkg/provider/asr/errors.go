package asr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies a failed transcription attempt. The pipeline uses the
// kind to decide how to surface an exhausted error set; every kind is eligible
// for fallback to the next provider.
type ErrorKind int

const (
	// KindTimeout means the per-attempt deadline elapsed before the backend
	// produced a result.
	KindTimeout ErrorKind = iota

	// KindNetwork covers connection-level failures: refused, reset, DNS.
	KindNetwork

	// KindTransient covers backend responses that are expected to succeed on
	// a later attempt, such as HTTP 5xx or rate limiting.
	KindTransient

	// KindTerminal covers responses that will not improve by retrying against
	// the same backend: malformed requests, rejected audio, auth failures
	// other than a missing key. A different provider may still succeed.
	KindTerminal

	// KindMissingAPIKey means the adapter had no credential to attempt with.
	KindMissingAPIKey

	// KindInvalidResponse means the backend answered but the body could not
	// be decoded into a transcript.
	KindInvalidResponse
)

// String returns the human-readable name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindTransient:
		return "transient"
	case KindTerminal:
		return "terminal"
	case KindMissingAPIKey:
		return "missing_api_key"
	case KindInvalidResponse:
		return "invalid_response"
	default:
		return "unknown"
	}
}

// ProviderError is the error type returned by provider adapters. It carries
// enough structure for the pipeline to classify the failure and for the
// lifecycle to decide between retry-available and degraded outcomes.
type ProviderError struct {
	// Provider is the adapter name that produced the error.
	Provider string

	// Kind is the failure classification.
	Kind ErrorKind

	// Code is the HTTP status or process exit code, when one exists.
	Code int

	// Message is backend-supplied detail (response body, stderr excerpt).
	Message string

	// Err is the underlying error, if any.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("asr: %s: %s (code %d): %s", e.Provider, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("asr: %s: %s: %s", e.Provider, e.Kind, msg)
}

// Unwrap returns the underlying error for errors.Is / errors.As chains.
func (e *ProviderError) Unwrap() error { return e.Err }

// Authentication reports whether the failure is credential-related. The
// lifecycle maps an exhausted pipeline error to retry-available only when at
// least one provider failed for a non-authentication reason.
func (e *ProviderError) Authentication() bool {
	if e.Kind == KindMissingAPIKey {
		return true
	}
	return e.Kind == KindTerminal &&
		(e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden)
}

// Classify wraps err as a [*ProviderError] attributed to provider. Errors that
// already are ProviderErrors pass through unchanged (re-attributed if they
// carry no provider name). Deadline and cancellation errors become
// [KindTimeout]; connection-level errors become [KindNetwork]; everything
// else defaults to [KindTransient] so an unknown failure still falls back.
func Classify(provider string, err error) *ProviderError {
	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Provider == "" {
			pe.Provider = provider
		}
		return pe
	}

	kind := KindTransient
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTimeout
	case isNetworkError(err):
		kind = KindNetwork
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// ClassifyStatus maps an HTTP response status to an error kind: 5xx and 429
// are transient, everything else non-2xx is terminal.
func ClassifyStatus(status int) ErrorKind {
	if status >= 500 || status == http.StatusTooManyRequests {
		return KindTransient
	}
	return KindTerminal
}

// isNetworkError reports whether err is a connection-level failure.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
