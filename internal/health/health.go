// Package health provides HTTP health, readiness, and status handlers for
// the dictation daemon.
//
// The package exposes three endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//   - /statusz — current lifecycle phase and session, when a [StatusSource]
//     is attached.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/okarlsen/dictare/internal/lifecycle"
	"github.com/okarlsen/dictare/pkg/provider/asr"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "history",
	// "provider/openai"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// ProviderChecker adapts a transcription provider's health probe into a
// [Checker]. The check fails when the provider reports itself unreachable.
func ProviderChecker(p asr.Provider) Checker {
	return Checker{
		Name: "provider/" + p.Name(),
		Check: func(ctx context.Context) error {
			if !p.CheckHealth(ctx, checkTimeout) {
				return fmt.Errorf("provider %s unreachable", p.Name())
			}
			return nil
		},
	}
}

// StatusSource reports the daemon's current lifecycle state. It is satisfied
// by [lifecycle.Machine].
type StatusSource interface {
	Snapshot() lifecycle.Snapshot
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// statusResult is the JSON response body for /statusz.
type statusResult struct {
	Phase          string `json:"phase"`
	SessionID      string `json:"session_id,omitempty"`
	DegradedReason string `json:"degraded_reason,omitempty"`
}

// Handler serves /healthz, /readyz, and /statusz endpoints. It is safe for
// concurrent use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	status   StatusSource
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. The checkers are evaluated sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// WithStatus attaches a lifecycle status source, enabling the /statusz
// endpoint and gating /readyz on the daemon having left the booting phase.
func (h *Handler) WithStatus(src StatusSource) *Handler {
	h.status = src
	return h
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes and, when a status source is attached, the daemon has
// finished booting. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers)+1)
	allOK := true

	if h.status != nil {
		if err := h.checkPhase(); err != nil {
			checks["lifecycle"] = "fail: " + err.Error()
			allOK = false
		} else {
			checks["lifecycle"] = "ok"
		}
	}

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// checkPhase reports whether the daemon has completed startup. Degraded
// still counts as ready since dictation may proceed on the surviving
// provider.
func (h *Handler) checkPhase() error {
	snap := h.status.Snapshot()
	if snap.Phase == lifecycle.PhaseBooting {
		return errors.New("still booting")
	}
	return nil
}

// Statusz reports the current lifecycle phase. Returns 404 when no status
// source is attached.
func (h *Handler) Statusz(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	snap := h.status.Snapshot()
	writeJSON(w, http.StatusOK, statusResult{
		Phase:          string(snap.Phase),
		SessionID:      snap.CurrentSessionID,
		DegradedReason: string(snap.DegradedReason),
	})
}

// Register adds the /healthz, /readyz, and /statusz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
