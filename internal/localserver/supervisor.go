// Package localserver supervises the local whisper inference subprocess.
//
// The [Supervisor] guarantees at most one live server process for a given
// (executable, model) pair and exposes its HTTP endpoint once the server
// answers health probes. Server startup is slow — the model is loaded into
// memory — and previous instances may leave stale listeners behind, so ports
// are probed candidate by candidate rather than assumed free.
//
// Supervisor is a single-writer mutable core: the subprocess handle is owned
// exclusively by it and is never handed out to callers. All exported methods
// are safe for concurrent use.
package localserver

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/okarlsen/dictare/internal/observe"
	"github.com/okarlsen/dictare/pkg/provider/asr"
)

const (
	// healthProbeTimeout bounds every individual health probe regardless of
	// the caller-supplied provisioning timeout, so liveness checks never
	// stall evaluation of alternative candidates.
	healthProbeTimeout = 1 * time.Second

	// healthPollInterval is the delay between startup health polls.
	healthPollInterval = 120 * time.Millisecond

	// randomPortCount is how many random candidates follow the fixed ones.
	randomPortCount = 8

	// randomPortMin and randomPortMax bound the random candidate draw
	// (half-open interval).
	randomPortMin = 20000
	randomPortMax = 45000
)

// fixedPorts are tried first, in order, so restarts land on a predictable
// endpoint when nothing else grabbed it.
var fixedPorts = []int{18080, 18081, 18082}

// Supervisor tracks the single local inference subprocess.
type Supervisor struct {
	httpClient *http.Client

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	exe      string
	model    string
	endpoint string

	// ports overrides the candidate list when non-nil (tests only).
	ports []int
}

// New creates a Supervisor with no tracked process.
func New() *Supervisor {
	return &Supervisor{
		httpClient: &http.Client{},
	}
}

// EnsureServer returns the endpoint of a healthy local server bound to the
// given executable and model, starting one if necessary.
//
// If the tracked process is alive, matches (executable, model) and passes a
// one-second health probe, its memoized endpoint is returned without a
// restart. Otherwise any tracked process is terminated and candidate ports
// are tried in order; for each, the server is spawned and polled every 120 ms
// until it is healthy, the process exits, or timeout elapses. The first
// healthy candidate is memoized. Exhausting all candidates returns a
// network-kind [*asr.ProviderError].
func (s *Supervisor) EnsureServer(ctx context.Context, executable, model string, timeout time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running() && s.exe == executable && s.model == model {
		if s.probe(ctx, s.endpoint) {
			return s.endpoint, nil
		}
		slog.Warn("tracked local server failed health probe, restarting",
			"endpoint", s.endpoint)
	}
	s.stopLocked()

	start := time.Now()
	for _, port := range s.candidatePorts() {
		endpoint, err := s.startCandidate(ctx, executable, model, port, timeout)
		if err != nil {
			slog.Debug("local server candidate failed",
				"port", port, "err", err)
			continue
		}
		s.exe = executable
		s.model = model
		s.endpoint = endpoint
		observe.DefaultMetrics().ServerStartupDuration.Record(ctx, time.Since(start).Seconds())
		slog.Info("local server ready",
			"endpoint", endpoint, "model", model, "startup", time.Since(start))
		return endpoint, nil
	}

	return "", &asr.ProviderError{
		Provider: "whispercpp",
		Kind:     asr.KindNetwork,
		Message:  "no port candidate produced a healthy server",
	}
}

// CheckHealth probes the memoized endpoint without provisioning anything.
// Returns false when no server is tracked.
func (s *Supervisor) CheckHealth(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running() {
		return false
	}
	return s.probe(ctx, s.endpoint)
}

// Endpoint returns the memoized endpoint, or "" when no server is tracked.
func (s *Supervisor) Endpoint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running() {
		return ""
	}
	return s.endpoint
}

// Shutdown terminates the tracked process, if any.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// running reports whether a tracked process exists and has not exited.
// Callers must hold s.mu.
func (s *Supervisor) running() bool {
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// stopLocked kills the tracked process and clears all handle state.
// Callers must hold s.mu.
func (s *Supervisor) stopLocked() {
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		<-s.exited
	}
	s.cmd = nil
	s.exited = nil
	s.exe = ""
	s.model = ""
	s.endpoint = ""
}

// candidatePorts returns the fixed candidates followed by eight uniform draws
// from [20000, 45000).
func (s *Supervisor) candidatePorts() []int {
	if s.ports != nil {
		return s.ports
	}
	ports := make([]int, 0, len(fixedPorts)+randomPortCount)
	ports = append(ports, fixedPorts...)
	for range randomPortCount {
		ports = append(ports, randomPortMin+rand.IntN(randomPortMax-randomPortMin))
	}
	return ports
}

// startCandidate spawns the server on one port and polls it to health. On any
// failure the candidate process is killed and an error is returned. On success
// the process and its exit channel are adopted into the supervisor state.
// Callers must hold s.mu.
func (s *Supervisor) startCandidate(ctx context.Context, executable, model string, port int, timeout time.Duration) (string, error) {
	endpoint := fmt.Sprintf("http://127.0.0.1:%d", port)

	cmd := exec.Command(executable,
		"--host", "127.0.0.1",
		"--port", fmt.Sprintf("%d", port),
		"-m", model,
	)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("localserver: start %q: %w", executable, err)
	}

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(healthPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
			<-exited
			return "", fmt.Errorf("localserver: %w", ctx.Err())
		case <-exited:
			return "", fmt.Errorf("localserver: process exited during startup on port %d", port)
		case <-deadline.C:
			_ = cmd.Process.Kill()
			<-exited
			return "", fmt.Errorf("localserver: startup timed out after %s on port %d", timeout, port)
		case <-tick.C:
			if s.probe(ctx, endpoint) {
				s.cmd = cmd
				s.exited = exited
				return endpoint, nil
			}
		}
	}
}

// probe performs one GET /health with a fixed one-second timeout. Any 2xx
// response is treated as healthy; the whisper-server replies with a body
// containing "ok" but unrecognised bodies are accepted permissively.
func (s *Supervisor) probe(ctx context.Context, endpoint string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
