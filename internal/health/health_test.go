package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/okarlsen/dictare/internal/lifecycle"
	"github.com/okarlsen/dictare/pkg/provider/asr/mock"
)

// fakeStatus is a fixed-snapshot StatusSource.
type fakeStatus struct {
	snap lifecycle.Snapshot
}

func (f fakeStatus) Snapshot() lifecycle.Snapshot { return f.snap }

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
}

func TestHealthz_ContentType(t *testing.T) {
	h := New()
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	ct := rec.Header().Get("Content-Type")
	if ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllCheckersPass(t *testing.T) {
	h := New(
		Checker{Name: "history", Check: func(_ context.Context) error { return nil }},
		Checker{Name: "provider/openai", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["history"] != "ok" {
		t.Errorf("history check = %q, want %q", body.Checks["history"], "ok")
	}
	if body.Checks["provider/openai"] != "ok" {
		t.Errorf("provider check = %q, want %q", body.Checks["provider/openai"], "ok")
	}
}

func TestReadyz_CheckerFails(t *testing.T) {
	h := New(
		Checker{Name: "history", Check: func(_ context.Context) error {
			return errors.New("database locked")
		}},
		Checker{Name: "provider/openai", Check: func(_ context.Context) error { return nil }},
	)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["history"] != "fail: database locked" {
		t.Errorf("history check = %q", body.Checks["history"])
	}
	if body.Checks["provider/openai"] != "ok" {
		t.Errorf("provider check = %q, want %q", body.Checks["provider/openai"], "ok")
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_BootingNotReady(t *testing.T) {
	h := New().WithStatus(fakeStatus{snap: lifecycle.Snapshot{Phase: lifecycle.PhaseBooting}})

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Checks["lifecycle"] != "fail: still booting" {
		t.Errorf("lifecycle check = %q", body.Checks["lifecycle"])
	}
}

func TestReadyz_DegradedStillReady(t *testing.T) {
	h := New().WithStatus(fakeStatus{snap: lifecycle.Snapshot{
		Phase:          lifecycle.PhaseDegraded,
		DegradedReason: lifecycle.ReasonProviderUnavailable,
	}})

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestStatusz_ReportsPhase(t *testing.T) {
	h := New().WithStatus(fakeStatus{snap: lifecycle.Snapshot{
		Phase:            lifecycle.PhaseRecording,
		CurrentSessionID: "sess-42",
	}})

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	h.Statusz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body statusResult
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Phase != string(lifecycle.PhaseRecording) {
		t.Errorf("phase = %q, want %q", body.Phase, lifecycle.PhaseRecording)
	}
	if body.SessionID != "sess-42" {
		t.Errorf("session_id = %q, want %q", body.SessionID, "sess-42")
	}
}

func TestStatusz_NoSource404(t *testing.T) {
	h := New()

	req := httptest.NewRequest("GET", "/statusz", nil)
	rec := httptest.NewRecorder()
	h.Statusz(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestProviderChecker(t *testing.T) {
	healthy := &mock.Provider{ProviderName: "mock"}
	c := ProviderChecker(healthy)
	if c.Name != "provider/mock" {
		t.Errorf("checker name = %q, want %q", c.Name, "provider/mock")
	}
	if err := c.Check(context.Background()); err != nil {
		t.Errorf("healthy provider check failed: %v", err)
	}

	down := &mock.Provider{ProviderName: "mock", Unhealthy: true}
	if err := ProviderChecker(down).Check(context.Background()); err == nil {
		t.Error("unhealthy provider check passed, want error")
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	h := New(
		Checker{Name: "test", Check: func(_ context.Context) error { return nil }},
	)

	mux := http.NewServeMux()
	h.Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/statusz", http.StatusNotFound},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			req := httptest.NewRequest("GET", tc.path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
		})
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(
		Checker{Name: "slow", Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}},
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // cancel immediately

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
