package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/okarlsen/dictare/internal/config"
	"github.com/okarlsen/dictare/internal/diagnostics"
	"github.com/okarlsen/dictare/internal/history"
	"github.com/okarlsen/dictare/internal/lifecycle"
	"github.com/okarlsen/dictare/internal/observe"
	"github.com/okarlsen/dictare/internal/pipeline"
	"github.com/okarlsen/dictare/pkg/audio"
	audiomock "github.com/okarlsen/dictare/pkg/audio/mock"
	"github.com/okarlsen/dictare/pkg/provider/asr"
	asrmock "github.com/okarlsen/dictare/pkg/provider/asr/mock"
)

// captureSink records every delivered transcript.
type captureSink struct {
	mu        sync.Mutex
	delivered []string
	mode      config.OutputMode
	err       error
}

func (s *captureSink) Deliver(_ context.Context, text string, mode config.OutputMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.delivered = append(s.delivered, text)
	s.mode = mode
	return nil
}

func (s *captureSink) texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.delivered...)
}

// fixture bundles a Manager with the collaborators tests inspect.
type fixture struct {
	mgr      *Manager
	recorder *audiomock.Recorder
	store    *history.Store
	sink     *captureSink
	machine  *lifecycle.Machine
	center   *diagnostics.Center
}

func newFixture(t *testing.T, primary, fallback asr.Provider) *fixture {
	t.Helper()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Providers.Primary = primary.Name()
	cfg.Providers.OpenAI.Model = "whisper-1"
	cfg.Transcription.TimeoutSeconds = 1
	cfg.Transcription.Language = "en"

	store, err := history.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("history.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	rollup := diagnostics.NewRollup(diagnostics.RollupConfig{})
	machine := lifecycle.NewBooting()
	recorder := &audiomock.Recorder{
		Result: audio.Recording{
			Path:     filepath.Join(t.TempDir(), "take.wav"),
			Duration: 2 * time.Second,
			Format:   audio.TranscriptionFormat,
		},
	}
	sink := &captureSink{}
	center := diagnostics.NewCenter(rollup)

	mgr := New(Deps{
		Config:      cfg,
		Machine:     machine,
		Recorder:    recorder,
		Transcriber: pipeline.New(primary, fallback),
		Primary:     primary,
		Fallback:    fallback,
		Store:       store,
		Center:      center,
		Rollup:      rollup,
		Metrics:     metrics,
		Sink:        sink,
	})

	return &fixture{
		mgr:      mgr,
		recorder: recorder,
		store:    store,
		sink:     sink,
		machine:  machine,
		center:   center,
	}
}

// boot brings the fixture's machine to ready.
func (f *fixture) boot(t *testing.T) {
	t.Helper()
	if err := f.mgr.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if got := f.machine.Snapshot().Phase; got != lifecycle.PhaseReady {
		t.Fatalf("phase after boot = %s, want ready", got)
	}
}

func (f *fixture) phase() lifecycle.Phase {
	return f.machine.Snapshot().Phase
}

func (f *fixture) record(t *testing.T, id string) history.SessionRecord {
	t.Helper()
	recs, err := f.store.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	for _, r := range recs {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("session %q not archived; have %d records", id, len(recs))
	return history.SessionRecord{}
}

func TestBoot_DegradedWhenNoProviderReachable(t *testing.T) {
	primary := &asrmock.Provider{ProviderName: "openai", Unhealthy: true}
	fallback := &asrmock.Provider{ProviderName: "whispercpp", Unhealthy: true}
	f := newFixture(t, primary, fallback)

	if err := f.mgr.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	snap := f.machine.Snapshot()
	if snap.Phase != lifecycle.PhaseDegraded {
		t.Fatalf("phase = %s, want degraded", snap.Phase)
	}
	if snap.DegradedReason != lifecycle.ReasonProviderUnavailable {
		t.Errorf("reason = %q, want provider_unavailable", snap.DegradedReason)
	}
}

func TestSession_HappyPath(t *testing.T) {
	primary := &asrmock.Provider{ProviderName: "openai", Response: asr.Response{Text: "dictated text"}}
	fallback := &asrmock.Provider{ProviderName: "whispercpp"}
	f := newFixture(t, primary, fallback)
	f.boot(t)

	ctx := context.Background()
	id, err := f.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if f.phase() != lifecycle.PhaseRecording {
		t.Fatalf("phase = %s, want recording", f.phase())
	}

	res, err := f.mgr.StopAndTranscribe(ctx)
	if err != nil {
		t.Fatalf("StopAndTranscribe: %v", err)
	}
	if res.Text != "dictated text" || res.Provider != "openai" {
		t.Fatalf("result = %+v", res)
	}
	if f.phase() != lifecycle.PhaseReady {
		t.Fatalf("phase = %s, want ready", f.phase())
	}

	rec := f.record(t, id)
	if rec.Status != history.StatusSuccess {
		t.Errorf("status = %s, want success", rec.Status)
	}
	if rec.Transcript != "dictated text" || rec.ProviderUsed != "openai" {
		t.Errorf("record = %+v", rec)
	}
	if rec.Duration != 2*time.Second {
		t.Errorf("duration = %v, want 2s", rec.Duration)
	}
	if got := f.sink.texts(); len(got) != 1 || got[0] != "dictated text" {
		t.Errorf("delivered = %v", got)
	}
	if fallback.CallCount() != 0 {
		t.Errorf("fallback invoked %d times, want 0", fallback.CallCount())
	}
}

func TestSession_PrimaryTimesOutFallbackWins(t *testing.T) {
	primary := &asrmock.Provider{
		ProviderName: "openai",
		TranscribeFunc: func(ctx context.Context, _ asr.Request) (asr.Response, error) {
			<-ctx.Done()
			return asr.Response{}, ctx.Err()
		},
	}
	fallback := &asrmock.Provider{ProviderName: "whispercpp", Response: asr.Response{Text: "hello world"}}
	f := newFixture(t, primary, fallback)
	f.boot(t)

	ctx := context.Background()
	id, err := f.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	res, err := f.mgr.StopAndTranscribe(ctx)
	if err != nil {
		t.Fatalf("StopAndTranscribe: %v", err)
	}
	if res.Text != "hello world" || res.Provider != "whispercpp" {
		t.Fatalf("result = %+v, want fallback transcript", res)
	}
	if f.phase() != lifecycle.PhaseReady {
		t.Fatalf("phase = %s, want ready", f.phase())
	}

	rec := f.record(t, id)
	if rec.Status != history.StatusSuccess || rec.Transcript != "hello world" || rec.ProviderUsed != "whispercpp" {
		t.Errorf("record = %+v", rec)
	}

	// Request identity must be preserved across fallback.
	calls := fallback.Calls()
	if len(calls) != 1 {
		t.Fatalf("fallback calls = %d, want 1", len(calls))
	}
	if calls[0].Language != "en" {
		t.Errorf("fallback language = %q, want en", calls[0].Language)
	}
}

func TestSession_ExhaustedEntersRetryAvailableThenRetrySucceeds(t *testing.T) {
	primary := &asrmock.Provider{
		ProviderName: "openai",
		Err:          &asr.ProviderError{Provider: "openai", Kind: asr.KindTransient, Code: 503},
	}
	fallback := &asrmock.Provider{
		ProviderName: "whispercpp",
		Err:          &asr.ProviderError{Provider: "whispercpp", Kind: asr.KindNetwork},
	}
	f := newFixture(t, primary, fallback)
	f.boot(t)

	ctx := context.Background()
	id, err := f.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := f.mgr.StopAndTranscribe(ctx); err == nil {
		t.Fatal("StopAndTranscribe succeeded, want exhausted error")
	}
	if f.phase() != lifecycle.PhaseRetryAvailable {
		t.Fatalf("phase = %s, want retry_available", f.phase())
	}

	// The provider recovers; a manual retry must reuse the same audio.
	fallback.Err = nil
	fallback.Response = asr.Response{Text: "second time lucky"}

	res, err := f.mgr.Retry(ctx)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if res.Text != "second time lucky" {
		t.Fatalf("result = %+v", res)
	}
	if f.phase() != lifecycle.PhaseReady {
		t.Fatalf("phase = %s, want ready", f.phase())
	}

	rec := f.record(t, id)
	if rec.Status != history.StatusSuccess || rec.Transcript != "second time lucky" {
		t.Errorf("record = %+v", rec)
	}

	calls := fallback.Calls()
	if len(calls) != 2 || calls[0].AudioPath != calls[1].AudioPath {
		t.Errorf("retry audio path differs: %+v", calls)
	}
}

func TestSession_AuthOnlyFailureDegrades(t *testing.T) {
	primary := &asrmock.Provider{
		ProviderName: "openai",
		Err:          &asr.ProviderError{Provider: "openai", Kind: asr.KindMissingAPIKey},
	}
	fallback := &asrmock.Provider{
		ProviderName: "whispercpp",
		Err:          &asr.ProviderError{Provider: "whispercpp", Kind: asr.KindTerminal, Code: 401},
	}
	f := newFixture(t, primary, fallback)
	f.boot(t)

	ctx := context.Background()
	id, err := f.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := f.mgr.StopAndTranscribe(ctx); err == nil {
		t.Fatal("StopAndTranscribe succeeded, want error")
	}

	snap := f.machine.Snapshot()
	if snap.Phase != lifecycle.PhaseDegraded || snap.DegradedReason != lifecycle.ReasonProviderUnavailable {
		t.Fatalf("snapshot = %+v, want degraded(provider_unavailable)", snap)
	}

	rec := f.record(t, id)
	if rec.Status != history.StatusFailed {
		t.Errorf("status = %s, want failed", rec.Status)
	}
	if rec.Transcript != "" {
		t.Errorf("transcript = %q, want empty", rec.Transcript)
	}
}

func TestCancel_DuringRecording(t *testing.T) {
	primary := &asrmock.Provider{ProviderName: "openai", Response: asr.Response{Text: "never used"}}
	fallback := &asrmock.Provider{ProviderName: "whispercpp"}
	f := newFixture(t, primary, fallback)
	f.boot(t)

	ctx := context.Background()
	id, err := f.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if err := f.mgr.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if f.phase() != lifecycle.PhaseReady {
		t.Fatalf("phase = %s, want ready", f.phase())
	}
	if f.recorder.CallCountAbort != 1 {
		t.Errorf("recorder aborts = %d, want 1", f.recorder.CallCountAbort)
	}

	rec := f.record(t, id)
	if rec.Status != history.StatusCancelled {
		t.Errorf("status = %s, want cancelled", rec.Status)
	}
	if primary.CallCount() != 0 {
		t.Errorf("provider invoked %d times after cancel, want 0", primary.CallCount())
	}
}

func TestCancel_DuringProcessingDropsLateResult(t *testing.T) {
	release := make(chan struct{})
	primary := &asrmock.Provider{
		ProviderName: "openai",
		TranscribeFunc: func(ctx context.Context, _ asr.Request) (asr.Response, error) {
			<-release
			return asr.Response{Text: "too late"}, nil
		},
	}
	fallback := &asrmock.Provider{ProviderName: "whispercpp"}
	f := newFixture(t, primary, fallback)
	f.boot(t)

	ctx := context.Background()
	id, err := f.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.mgr.StopAndTranscribe(ctx)
		done <- err
	}()

	// Wait until the pipeline is inside the provider call.
	deadline := time.After(5 * time.Second)
	for primary.CallCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("provider never invoked")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := f.mgr.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(release)

	if err := <-done; err == nil {
		t.Fatal("StopAndTranscribe succeeded although session was cancelled")
	}

	rec := f.record(t, id)
	if rec.Status != history.StatusCancelled {
		t.Errorf("status = %s, want cancelled (late transcript must not overwrite)", rec.Status)
	}
	if f.sink.texts() != nil {
		t.Errorf("delivered = %v, want nothing", f.sink.texts())
	}
	if f.phase() != lifecycle.PhaseReady {
		t.Errorf("phase = %s, want ready", f.phase())
	}
}

func TestCancel_LateResultDoesNotHijackNextSession(t *testing.T) {
	// First provider call answers for the session that gets cancelled, the
	// second for its successor. Each blocks until the test releases it so
	// the stale result can be made to arrive while the successor is already
	// in processing.
	var calls atomic.Int32
	releaseStale := make(chan struct{})
	releaseFresh := make(chan struct{})
	primary := &asrmock.Provider{
		ProviderName: "openai",
		TranscribeFunc: func(ctx context.Context, _ asr.Request) (asr.Response, error) {
			if calls.Add(1) == 1 {
				<-releaseStale
				return asr.Response{Text: "stale transcript"}, nil
			}
			<-releaseFresh
			return asr.Response{Text: "fresh transcript"}, nil
		},
	}
	fallback := &asrmock.Provider{ProviderName: "whispercpp"}
	f := newFixture(t, primary, fallback)
	f.boot(t)
	ctx := context.Background()

	awaitCalls := func(n int) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for primary.CallCount() < n {
			select {
			case <-deadline:
				t.Fatalf("provider call %d never happened", n)
			case <-time.After(5 * time.Millisecond):
			}
		}
	}

	staleID, err := f.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	staleDone := make(chan error, 1)
	go func() {
		_, err := f.mgr.StopAndTranscribe(ctx)
		staleDone <- err
	}()
	awaitCalls(1)
	if err := f.mgr.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// Start the next session and drive it into processing before the
	// cancelled session's provider call returns.
	nextID, err := f.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording after cancel: %v", err)
	}
	nextDone := make(chan pipeline.Result, 1)
	go func() {
		res, err := f.mgr.StopAndTranscribe(ctx)
		if err != nil {
			t.Errorf("StopAndTranscribe for successor: %v", err)
		}
		nextDone <- res
	}()
	awaitCalls(2)

	close(releaseStale)
	if err := <-staleDone; err == nil {
		t.Fatal("cancelled session's StopAndTranscribe succeeded")
	}

	// The stale result must leave the successor untouched.
	snap := f.machine.Snapshot()
	if snap.Phase != lifecycle.PhaseProcessing {
		t.Errorf("phase = %s, want processing (successor still in flight)", snap.Phase)
	}
	if snap.CurrentSessionID != nextID {
		t.Errorf("active session = %q, want %q", snap.CurrentSessionID, nextID)
	}
	if f.sink.texts() != nil {
		t.Errorf("delivered = %v, want nothing yet", f.sink.texts())
	}

	close(releaseFresh)
	res := <-nextDone
	if res.Text != "fresh transcript" {
		t.Errorf("successor transcript = %q, want %q", res.Text, "fresh transcript")
	}
	if f.phase() != lifecycle.PhaseReady {
		t.Errorf("phase = %s, want ready", f.phase())
	}
	if got := f.sink.texts(); len(got) != 1 || got[0] != "fresh transcript" {
		t.Errorf("delivered = %v, want only the successor transcript", got)
	}
	if rec := f.record(t, staleID); rec.Status != history.StatusCancelled {
		t.Errorf("cancelled session status = %s, want cancelled", rec.Status)
	}
	if rec := f.record(t, nextID); rec.Status != history.StatusSuccess {
		t.Errorf("successor status = %s, want success", rec.Status)
	}
}

func TestShutdown_ArchivesPendingRetrySession(t *testing.T) {
	primary := &asrmock.Provider{
		ProviderName: "openai",
		Err:          &asr.ProviderError{Kind: asr.KindNetwork, Message: "unreachable"},
	}
	fallback := &asrmock.Provider{
		ProviderName: "whispercpp",
		Err:          &asr.ProviderError{Kind: asr.KindTransient, Message: "busy"},
	}
	f := newFixture(t, primary, fallback)
	f.boot(t)
	ctx := context.Background()

	id, err := f.mgr.StartRecording(ctx)
	if err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := f.mgr.StopAndTranscribe(ctx); err == nil {
		t.Fatal("StopAndTranscribe succeeded with both providers failing")
	}
	if f.phase() != lifecycle.PhaseRetryAvailable {
		t.Fatalf("phase = %s, want retryAvailable", f.phase())
	}

	f.mgr.Shutdown(ctx)

	rec := f.record(t, id)
	if rec.Status != history.StatusRetryAvailable {
		t.Errorf("status = %s, want retryAvailable", rec.Status)
	}
	if rec.AudioPath == "" {
		t.Error("audio path not preserved in the archived record")
	}
}

func TestShutdown_NoSessionIsNoOp(t *testing.T) {
	primary := &asrmock.Provider{ProviderName: "openai"}
	fallback := &asrmock.Provider{ProviderName: "whispercpp"}
	f := newFixture(t, primary, fallback)
	f.boot(t)

	f.mgr.Shutdown(context.Background())

	recs, err := f.store.ListSessions(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("sessions archived = %d, want 0", len(recs))
	}
}

func TestStartRecording_RefusedWhileActive(t *testing.T) {
	primary := &asrmock.Provider{ProviderName: "openai"}
	fallback := &asrmock.Provider{ProviderName: "whispercpp"}
	f := newFixture(t, primary, fallback)
	f.boot(t)

	ctx := context.Background()
	if _, err := f.mgr.StartRecording(ctx); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if _, err := f.mgr.StartRecording(ctx); err == nil {
		t.Fatal("second StartRecording succeeded, want error")
	}
	if f.phase() != lifecycle.PhaseRecording {
		t.Errorf("phase = %s, want recording untouched", f.phase())
	}
}

func TestStartRecording_CaptureFailureArchivesFailed(t *testing.T) {
	primary := &asrmock.Provider{ProviderName: "openai"}
	fallback := &asrmock.Provider{ProviderName: "whispercpp"}
	f := newFixture(t, primary, fallback)
	f.boot(t)
	f.recorder.StartErr = errors.New("microphone busy")

	_, err := f.mgr.StartRecording(context.Background())
	if err == nil {
		t.Fatal("StartRecording succeeded, want error")
	}
	if f.phase() != lifecycle.PhaseReady {
		t.Errorf("phase = %s, want ready", f.phase())
	}

	recs, err := f.store.ListSessions(context.Background(), 1)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(recs) != 1 || recs[0].Status != history.StatusFailed {
		t.Errorf("records = %+v, want one failed", recs)
	}
}

func TestTryRecover_RecoversWhenProviderReturns(t *testing.T) {
	primary := &asrmock.Provider{ProviderName: "openai", Unhealthy: true}
	fallback := &asrmock.Provider{ProviderName: "whispercpp", Unhealthy: true}
	f := newFixture(t, primary, fallback)
	if err := f.mgr.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if f.phase() != lifecycle.PhaseDegraded {
		t.Fatalf("phase = %s, want degraded", f.phase())
	}

	if f.mgr.TryRecover(context.Background()) {
		t.Fatal("TryRecover succeeded while providers are down")
	}
	if f.phase() != lifecycle.PhaseDegraded {
		t.Fatalf("phase = %s, want degraded", f.phase())
	}

	fallback.Unhealthy = false
	if !f.mgr.TryRecover(context.Background()) {
		t.Fatal("TryRecover failed although fallback is healthy")
	}
	if f.phase() != lifecycle.PhaseReady {
		t.Fatalf("phase = %s, want ready", f.phase())
	}
}

func TestTryRecover_BudgetExhausts(t *testing.T) {
	primary := &asrmock.Provider{ProviderName: "openai", Unhealthy: true}
	fallback := &asrmock.Provider{ProviderName: "whispercpp", Unhealthy: true}
	f := newFixture(t, primary, fallback)
	if err := f.mgr.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	for range 5 {
		f.mgr.TryRecover(context.Background())
	}
	if f.center.CanAttemptRecovery("providers") {
		t.Fatal("budget not exhausted after five failed attempts")
	}

	// Even a now-healthy provider must wait for the window to move on.
	fallback.Unhealthy = false
	if f.mgr.TryRecover(context.Background()) {
		t.Fatal("TryRecover ignored the exhausted recovery budget")
	}
}
