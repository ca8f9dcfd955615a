// Package lifecycle owns the single authoritative session phase of the
// dictation daemon.
//
// The central type is [Machine], a single-writer state holder: every phase
// change goes through [Machine.Transition], which performs an atomic
// check-and-set against the allowed-transition table. Disallowed pairs fail
// with a [*TransitionError] and leave the phase untouched — a structural
// error of this kind indicates caller misuse and is never retried.
//
// Machine is safe for concurrent use. It never calls out to other components
// while holding its lock, so it cannot participate in a cross-component
// deadlock.
package lifecycle

import (
	"fmt"
	"sync"
)

// Phase is the discrete state of the session lifecycle.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseBooting          Phase = "booting"
	PhaseReady            Phase = "ready"
	PhaseDegraded         Phase = "degraded"
	PhaseArming           Phase = "arming"
	PhaseRecording        Phase = "recording"
	PhaseProcessing       Phase = "processing"
	PhaseProviderFallback Phase = "provider_fallback"
	PhaseRetryAvailable   Phase = "retry_available"
	PhaseCancelling       Phase = "cancelling"
)

// IsValid reports whether p is a recognised phase.
func (p Phase) IsValid() bool {
	switch p {
	case PhaseIdle, PhaseBooting, PhaseReady, PhaseDegraded, PhaseArming,
		PhaseRecording, PhaseProcessing, PhaseProviderFallback,
		PhaseRetryAvailable, PhaseCancelling:
		return true
	}
	return false
}

// Active reports whether p is a phase during which exactly one session
// identifier must exist.
func (p Phase) Active() bool {
	switch p {
	case PhaseArming, PhaseRecording, PhaseProcessing, PhaseProviderFallback,
		PhaseRetryAvailable, PhaseCancelling:
		return true
	}
	return false
}

// DegradedReason is the advisory cause attached to [PhaseDegraded].
type DegradedReason string

const (
	ReasonPermissions         DegradedReason = "permissions"
	ReasonNoInputDevice       DegradedReason = "no_input_device"
	ReasonProviderUnavailable DegradedReason = "provider_unavailable"
	ReasonHotkeyFailure       DegradedReason = "hotkey_failure"
	ReasonInternalError       DegradedReason = "internal_error"
)

// TransitionError reports an attempt to move between two phases not present
// in the transition table. It is a structural error: the caller violated the
// state machine, and no amount of retrying will change the outcome.
type TransitionError struct {
	From Phase
	To   Phase
}

// Error implements the error interface.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: transition %s → %s is not allowed", e.From, e.To)
}

// Snapshot is an immutable view of the machine at one instant.
type Snapshot struct {
	Phase            Phase
	CurrentSessionID string
	DegradedReason   DegradedReason
}

// transitions is the allowed-transition table. Cancelling is handled
// separately: every active phase may enter it.
var transitions = map[Phase][]Phase{
	PhaseIdle:             {PhaseReady},
	PhaseBooting:          {PhaseReady},
	PhaseReady:            {PhaseDegraded, PhaseArming},
	PhaseDegraded:         {PhaseReady},
	PhaseArming:           {PhaseRecording},
	PhaseRecording:        {PhaseProcessing},
	PhaseProcessing:       {PhaseProviderFallback, PhaseRetryAvailable, PhaseReady},
	PhaseProviderFallback: {PhaseRetryAvailable, PhaseReady},
	PhaseRetryAvailable:   {PhaseProcessing},
	PhaseCancelling:       {PhaseReady},
}

// Machine is the single-writer lifecycle state holder. The zero value is not
// usable; construct with [New].
type Machine struct {
	mu        sync.Mutex
	phase     Phase
	sessionID string
	reason    DegradedReason
}

// New creates a Machine in [PhaseIdle].
func New() *Machine {
	return &Machine{phase: PhaseIdle}
}

// NewBooting creates a Machine in [PhaseBooting], the phase a starting daemon
// holds while it initialises providers and storage.
func NewBooting() *Machine {
	return &Machine{phase: PhaseBooting}
}

// BeginSession records id as the active session identifier. It must be called
// while the machine is in [PhaseReady], before [PhaseArming] is reachable.
// Fails if a session is already active.
func (m *Machine) BeginSession(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sessionID != "" {
		return fmt.Errorf("lifecycle: session %q is already active", m.sessionID)
	}
	if m.phase != PhaseReady {
		return fmt.Errorf("lifecycle: cannot begin a session in phase %s", m.phase)
	}
	m.sessionID = id
	return nil
}

// TransitionOption modifies a single Transition call.
type TransitionOption func(*transitionOpts)

type transitionOpts struct {
	reason DegradedReason
}

// WithReason attaches a degraded reason. Only meaningful when transitioning
// to [PhaseDegraded].
func WithReason(r DegradedReason) TransitionOption {
	return func(o *transitionOpts) { o.reason = r }
}

// Transition atomically moves the machine to the given phase. Returns a
// [*TransitionError] if the current phase does not allow the move; the phase
// is unchanged on failure.
//
// Entering [PhaseArming] requires an active session. Reaching [PhaseReady]
// from any phase clears the active session identifier; the caller is
// responsible for having archived the session record first.
func (m *Machine) Transition(to Phase, opts ...TransitionOption) error {
	var o transitionOpts
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.allowed(to) {
		return &TransitionError{From: m.phase, To: to}
	}
	if to == PhaseArming && m.sessionID == "" {
		return fmt.Errorf("lifecycle: cannot arm without an active session")
	}

	m.phase = to
	switch to {
	case PhaseDegraded:
		m.reason = o.reason
	case PhaseReady:
		m.reason = ""
		m.sessionID = ""
	}
	return nil
}

// allowed reports whether the current phase permits moving to `to`.
// Callers must hold m.mu.
func (m *Machine) allowed(to Phase) bool {
	if to == PhaseCancelling {
		return m.phase.Active() && m.phase != PhaseCancelling
	}
	for _, p := range transitions[m.phase] {
		if p == to {
			return true
		}
	}
	return false
}

// Snapshot returns an immutable view of the current phase, active session
// identifier and degraded reason.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		Phase:            m.phase,
		CurrentSessionID: m.sessionID,
		DegradedReason:   m.reason,
	}
}
