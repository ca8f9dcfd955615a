// Package app wires the dictation components into one session orchestrator.
//
// [Manager] drives a recording from hotkey press to delivered transcript:
// it owns the mapping between pipeline outcomes and lifecycle phases, it
// archives every session into the history store exactly once, and it feeds
// the diagnostics rollup and OTel metrics along the way. All audio, provider
// and storage work is delegated; the manager itself holds only the active
// session's bookkeeping.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/okarlsen/dictare/internal/config"
	"github.com/okarlsen/dictare/internal/diagnostics"
	"github.com/okarlsen/dictare/internal/history"
	"github.com/okarlsen/dictare/internal/lifecycle"
	"github.com/okarlsen/dictare/internal/observe"
	"github.com/okarlsen/dictare/internal/pipeline"
	"github.com/okarlsen/dictare/pkg/audio"
	"github.com/okarlsen/dictare/pkg/provider/asr"
)

// recoverySubsystem is the diagnostics budget key for automatic
// degraded-to-ready recovery attempts.
const recoverySubsystem = "providers"

// Sink delivers a finished transcript to the user. Clipboard and paste
// integrations are platform code outside this module; tests use a recording
// fake.
type Sink interface {
	Deliver(ctx context.Context, text string, mode config.OutputMode) error
}

// Deps holds all collaborators for a [Manager].
type Deps struct {
	Config      *config.Config
	Machine     *lifecycle.Machine
	Recorder    audio.Recorder
	Transcriber *pipeline.Transcriber
	Primary     asr.Provider
	Fallback    asr.Provider
	Store       *history.Store
	Center      *diagnostics.Center
	Rollup      *diagnostics.Rollup
	Metrics     *observe.Metrics
	Sink        Sink
}

// session is the mutable bookkeeping for the one active dictation attempt.
type session struct {
	id        string
	startedAt time.Time
	audioPath string
	duration  time.Duration
	archived  bool
}

// Manager orchestrates dictation sessions. All exported methods are safe for
// concurrent use; phase legality is enforced by the lifecycle machine, so a
// losing caller gets a [*lifecycle.TransitionError] rather than corrupt state.
type Manager struct {
	cfg         *config.Config
	machine     *lifecycle.Machine
	recorder    audio.Recorder
	transcriber *pipeline.Transcriber
	primary     asr.Provider
	fallback    asr.Provider
	store       *history.Store
	center      *diagnostics.Center
	rollup      *diagnostics.Rollup
	metrics     *observe.Metrics
	sink        Sink

	mu      sync.Mutex
	current *session

	now func() time.Time
}

// New creates a Manager. The machine should be in the booting phase; call
// [Manager.Boot] to bring the daemon to ready.
func New(d Deps) *Manager {
	return &Manager{
		cfg:         d.Config,
		machine:     d.Machine,
		recorder:    d.Recorder,
		transcriber: d.Transcriber,
		primary:     d.Primary,
		fallback:    d.Fallback,
		store:       d.Store,
		center:      d.Center,
		rollup:      d.Rollup,
		metrics:     d.Metrics,
		sink:        d.Sink,
		now:         time.Now,
	}
}

// Snapshot exposes the lifecycle view for health and status endpoints.
func (m *Manager) Snapshot() lifecycle.Snapshot {
	return m.machine.Snapshot()
}

// ApplySettings updates the hot-reloadable configuration fields. Provider
// selection and credentials are not reloadable; the config watcher flags
// those as restart-required instead.
func (m *Manager) ApplySettings(tr config.TranscriptionConfig, mode config.OutputMode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Transcription = tr
	m.cfg.Output.Mode = mode
}

// Boot completes startup: it probes both providers and moves the machine
// from booting to ready, or on to degraded when no provider is reachable.
func (m *Manager) Boot(ctx context.Context) error {
	primaryOK, fallbackOK := m.transcriber.ConnectivityCheck(ctx, m.primary, m.fallback)
	slog.Info("startup connectivity",
		"primary", m.primary.Name(), "primary_ok", primaryOK,
		"fallback", m.fallback.Name(), "fallback_ok", fallbackOK)

	if err := m.machine.Transition(lifecycle.PhaseReady); err != nil {
		return fmt.Errorf("app: boot: %w", err)
	}
	if !primaryOK && !fallbackOK {
		if err := m.machine.Transition(lifecycle.PhaseDegraded,
			lifecycle.WithReason(lifecycle.ReasonProviderUnavailable)); err != nil {
			return fmt.Errorf("app: boot: %w", err)
		}
		slog.Warn("no transcription provider reachable, starting degraded")
	}
	return nil
}

// StartRecording begins a new dictation session: it registers a session
// identifier, arms the capture collaborator and enters the recording phase.
func (m *Manager) StartRecording(ctx context.Context) (string, error) {
	id := uuid.NewString()
	if err := m.machine.BeginSession(id); err != nil {
		return "", fmt.Errorf("app: start recording: %w", err)
	}
	if err := m.machine.Transition(lifecycle.PhaseArming); err != nil {
		return "", fmt.Errorf("app: start recording: %w", err)
	}
	m.metrics.ActiveSessions.Add(ctx, 1)

	sess := &session{id: id, startedAt: m.now()}
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()

	if err := m.recorder.Start(ctx); err != nil {
		m.abandonSession(ctx, sess, history.StatusFailed)
		return "", fmt.Errorf("app: start capture: %w", err)
	}

	if err := m.machine.Transition(lifecycle.PhaseRecording); err != nil {
		_ = m.recorder.Abort()
		m.abandonSession(ctx, sess, history.StatusFailed)
		return "", fmt.Errorf("app: start recording: %w", err)
	}

	m.appendEvent(ctx, id, "recording_started", nil)
	slog.Info("recording started", "session_id", id)
	return id, nil
}

// StopAndTranscribe ends the capture and runs the transcription pipeline,
// driving the lifecycle to ready, retry-available or degraded.
func (m *Manager) StopAndTranscribe(ctx context.Context) (pipeline.Result, error) {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess == nil {
		return pipeline.Result{}, errors.New("app: no active session")
	}

	rec, err := m.recorder.Stop(ctx)
	if err != nil {
		_ = m.machine.Transition(lifecycle.PhaseProcessing)
		m.abandonSession(ctx, sess, history.StatusFailed)
		return pipeline.Result{}, fmt.Errorf("app: stop capture: %w", err)
	}
	sess.audioPath = rec.Path
	sess.duration = rec.Duration

	if err := m.machine.Transition(lifecycle.PhaseProcessing); err != nil {
		return pipeline.Result{}, fmt.Errorf("app: stop recording: %w", err)
	}
	m.appendEvent(ctx, sess.id, "recording_stopped", map[string]any{
		"duration_ms": rec.Duration.Milliseconds(),
		"audio_path":  rec.Path,
	})

	return m.process(ctx, sess)
}

// Retry re-runs the pipeline on the retained audio artifact. Only legal from
// the retry-available phase.
func (m *Manager) Retry(ctx context.Context) (pipeline.Result, error) {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()
	if sess == nil {
		return pipeline.Result{}, errors.New("app: no session to retry")
	}

	if err := m.machine.Transition(lifecycle.PhaseProcessing); err != nil {
		return pipeline.Result{}, fmt.Errorf("app: retry: %w", err)
	}
	m.appendEvent(ctx, sess.id, "retry", nil)
	slog.Info("retrying transcription", "session_id", sess.id, "audio", sess.audioPath)
	return m.process(ctx, sess)
}

// Cancel aborts the active session from any active phase. A pending pipeline
// result, if one arrives later, is dropped: the session is archived as
// cancelled and the machine returns to ready. The whole sequence runs under
// m.mu so an in-flight pipeline result cannot interleave with it.
func (m *Manager) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if err := m.machine.Transition(lifecycle.PhaseCancelling); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("app: cancel: %w", err)
	}

	sess := m.current
	_ = m.recorder.Abort()

	if sess != nil {
		m.archiveLocked(ctx, sess, history.StatusCancelled, "", "")
	}
	if err := m.machine.Transition(lifecycle.PhaseReady); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("app: cancel: %w", err)
	}
	m.current = nil
	m.mu.Unlock()

	if sess != nil {
		m.appendEvent(ctx, sess.id, "cancelled", nil)
	}
	m.metrics.ActiveSessions.Add(ctx, -1)
	m.rollup.Inc("sessions", map[string]string{"status": string(history.StatusCancelled)})
	slog.Info("session cancelled")
	return nil
}

// Shutdown archives a session left behind at daemon exit. Audio retained for
// a retry stays discoverable from history after a restart instead of leaking
// as an open session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sess := m.current
	if sess == nil {
		m.mu.Unlock()
		return
	}
	status := history.StatusFailed
	if m.machine.Snapshot().Phase == lifecycle.PhaseRetryAvailable {
		status = history.StatusRetryAvailable
	}
	m.archiveLocked(ctx, sess, status, "", "")
	m.current = nil
	m.mu.Unlock()

	m.metrics.ActiveSessions.Add(ctx, -1)
	m.rollup.Inc("sessions", map[string]string{"status": string(status)})
	m.appendEvent(ctx, sess.id, "shutdown", nil)
	slog.Info("archived open session at shutdown", "session_id", sess.id, "status", status)
}

// TryRecover attempts an automatic degraded-to-ready transition, bounded by
// the diagnostics recovery budget. Returns true when the daemon is ready
// again.
func (m *Manager) TryRecover(ctx context.Context) bool {
	if m.machine.Snapshot().Phase != lifecycle.PhaseDegraded {
		return false
	}
	if !m.center.CanAttemptRecovery(recoverySubsystem) {
		slog.Debug("recovery budget exhausted", "subsystem", recoverySubsystem)
		return false
	}

	primaryOK, fallbackOK := m.transcriber.ConnectivityCheck(ctx, m.primary, m.fallback)
	recovered := primaryOK || fallbackOK
	m.center.RecordRecoveryAttempt(recoverySubsystem,
		string(lifecycle.ReasonProviderUnavailable), recovered)
	m.metrics.RecoveryAttempts.Add(ctx, 1, metric.WithAttributes(
		observe.Attr("subsystem", recoverySubsystem),
		observe.Attr("recovered", strconv.FormatBool(recovered))))
	if !recovered {
		return false
	}

	if err := m.machine.Transition(lifecycle.PhaseReady); err != nil {
		// Another caller left degraded first.
		return false
	}
	slog.Info("recovered from degraded", "primary_ok", primaryOK, "fallback_ok", fallbackOK)
	return true
}

// process runs the pipeline for sess and maps the outcome onto the lifecycle.
// Caller must have transitioned the machine to processing.
func (m *Manager) process(ctx context.Context, sess *session) (pipeline.Result, error) {
	m.mu.Lock()
	primary := m.cfg.Providers.Primary
	tr := m.cfg.Transcription
	m.mu.Unlock()

	st := pipeline.Settings{
		Primary:  primary,
		Timeout:  time.Duration(tr.TimeoutSeconds) * time.Second,
		Language: tr.Language,
		Prompt:   tr.Prompt,
		OnFallback: func(failed, next string) {
			if err := m.machine.Transition(lifecycle.PhaseProviderFallback); err != nil {
				slog.Warn("fallback transition refused", "err", err)
				return
			}
			m.appendEvent(ctx, sess.id, "provider_fallback", map[string]any{
				"failed": failed, "next": next,
			})
		},
	}

	start := m.now()
	res, err := m.transcriber.Transcribe(ctx, sess.audioPath, st)
	if err != nil {
		return pipeline.Result{}, m.handleExhausted(ctx, sess, err)
	}

	// Settle the outcome under m.mu: if sess is no longer the current
	// session the user cancelled it while the pipeline was in flight, and a
	// successor may already own the machine. The late result must then leave
	// no trace beyond the cancelled record Cancel already wrote.
	m.mu.Lock()
	if m.current != sess {
		m.mu.Unlock()
		slog.Info("dropping transcript, session no longer active",
			"session_id", sess.id, "provider", res.Provider)
		return pipeline.Result{}, errors.New("app: session cancelled during transcription")
	}
	if err := m.machine.Transition(lifecycle.PhaseReady); err != nil {
		m.mu.Unlock()
		return pipeline.Result{}, fmt.Errorf("app: transcribe: %w", err)
	}
	m.archiveLocked(ctx, sess, history.StatusSuccess, res.Text, res.Provider)
	m.current = nil
	mode := m.cfg.Output.Mode
	m.mu.Unlock()

	m.metrics.TranscriptionDuration.Record(ctx, res.Duration.Seconds(),
		metric.WithAttributes(observe.Attr("provider", res.Provider)))
	m.metrics.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("provider", res.Provider), observe.Attr("status", "ok")))
	if res.Provider != primary {
		m.metrics.Fallbacks.Add(ctx, 1)
	}
	m.metrics.ActiveSessions.Add(ctx, -1)
	m.metrics.SessionDuration.Record(ctx, m.now().Sub(sess.startedAt).Seconds())
	m.rollup.Inc("sessions", map[string]string{"status": string(history.StatusSuccess)})
	m.appendEvent(ctx, sess.id, "transcribed", map[string]any{
		"provider": res.Provider, "latency_ms": m.now().Sub(start).Milliseconds(),
	})

	if err := m.sink.Deliver(ctx, res.Text, mode); err != nil {
		slog.Warn("transcript delivery failed, text preserved in history",
			"session_id", sess.id, "err", err)
	}

	slog.Info("session complete", "session_id", sess.id, "provider", res.Provider)
	return res, nil
}

// handleExhausted maps a pipeline failure onto retry-available or degraded.
func (m *Manager) handleExhausted(ctx context.Context, sess *session, err error) error {
	var ex *pipeline.ExhaustedError
	if !errors.As(err, &ex) {
		return fmt.Errorf("app: transcribe: %w", err)
	}

	// Same staleness rule as the success path: a cancelled session's failure
	// must not move the machine or touch the metrics of whatever replaced it.
	m.mu.Lock()
	if m.current != sess {
		m.mu.Unlock()
		slog.Info("dropping pipeline failure, session no longer active", "session_id", sess.id)
		return errors.New("app: session cancelled during transcription")
	}

	if ex.RetryAvailable() {
		if terr := m.machine.Transition(lifecycle.PhaseRetryAvailable); terr != nil {
			m.mu.Unlock()
			return fmt.Errorf("app: transcribe: %w", terr)
		}
		m.mu.Unlock()
		m.recordAttemptErrors(ctx, ex)
		m.appendEvent(ctx, sess.id, "retry_available", map[string]any{"error": ex.Error()})
		slog.Warn("all providers failed, retry available", "session_id", sess.id, "err", ex)
		return fmt.Errorf("app: transcribe: %w", ex)
	}

	// Authentication-only failure set: retrying cannot help, degrade.
	m.archiveLocked(ctx, sess, history.StatusFailed, "", "")
	if terr := m.machine.Transition(lifecycle.PhaseReady); terr != nil {
		m.mu.Unlock()
		return fmt.Errorf("app: transcribe: %w", terr)
	}
	if terr := m.machine.Transition(lifecycle.PhaseDegraded,
		lifecycle.WithReason(lifecycle.ReasonProviderUnavailable)); terr != nil {
		m.mu.Unlock()
		return fmt.Errorf("app: transcribe: %w", terr)
	}
	m.current = nil
	m.mu.Unlock()

	m.recordAttemptErrors(ctx, ex)
	m.metrics.ActiveSessions.Add(ctx, -1)
	m.rollup.Inc("sessions", map[string]string{"status": string(history.StatusFailed)})
	slog.Error("all providers rejected credentials, degrading", "session_id", sess.id, "err", ex)
	return fmt.Errorf("app: transcribe: %w", ex)
}

// recordAttemptErrors bumps the per-provider error counter for every attempt
// the pipeline made before giving up.
func (m *Manager) recordAttemptErrors(ctx context.Context, ex *pipeline.ExhaustedError) {
	for _, a := range ex.Attempts {
		m.metrics.ProviderErrors.Add(ctx, 1,
			metric.WithAttributes(observe.Attr("provider", a.Provider), observe.Attr("kind", a.Kind.String())))
	}
}

// abandonSession archives a session that never reached the pipeline and
// returns the machine to ready via the cancelling phase.
func (m *Manager) abandonSession(ctx context.Context, sess *session, status history.Status) {
	m.mu.Lock()
	m.archiveLocked(ctx, sess, status, "", "")
	if err := m.machine.Transition(lifecycle.PhaseCancelling); err == nil {
		_ = m.machine.Transition(lifecycle.PhaseReady)
	}
	if m.current == sess {
		m.current = nil
	}
	m.mu.Unlock()
	m.metrics.ActiveSessions.Add(ctx, -1)
	m.rollup.Inc("sessions", map[string]string{"status": string(status)})
}

// archiveLocked writes the session record exactly once; caller holds m.mu.
// Later calls for the same session are no-ops, which keeps the
// at-most-one-transcript invariant even when cancel and completion race.
func (m *Manager) archiveLocked(ctx context.Context, sess *session, status history.Status, transcript, providerUsed string) {
	if sess.archived {
		return
	}
	sess.archived = true
	primary := m.cfg.Providers.Primary
	language := m.cfg.Transcription.Language
	mode := m.cfg.Output.Mode

	rec := history.SessionRecord{
		ID:              sess.id,
		CreatedAt:       sess.startedAt,
		Duration:        sess.duration,
		PrimaryProvider: primary,
		ProviderUsed:    providerUsed,
		Language:        language,
		OutputMode:      string(mode),
		Status:          status,
		Transcript:      transcript,
		AudioPath:       sess.audioPath,
	}
	if err := m.store.SaveSession(ctx, rec); err != nil {
		slog.Error("failed to archive session", "session_id", sess.id, "err", err)
	}
}

// appendEvent writes a history event, logging failures instead of failing
// the session over bookkeeping.
func (m *Manager) appendEvent(ctx context.Context, sessionID, name string, payload any) {
	if err := m.store.AppendEvent(ctx, sessionID, name, payload); err != nil {
		slog.Warn("failed to append history event",
			"session_id", sessionID, "event", name, "err", err)
	}
}
