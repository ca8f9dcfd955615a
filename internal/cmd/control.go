package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/okarlsen/dictare/internal/app"
	"github.com/okarlsen/dictare/internal/lifecycle"
	"github.com/okarlsen/dictare/pkg/audio"
)

// handoffRecorder implements [audio.Recorder] for the daemon. Actual capture
// happens in an external desktop agent; the agent arms the recorder through
// the session start endpoint and hands the finished WAV artifact back on
// stop.
type handoffRecorder struct {
	mu      sync.Mutex
	armed   bool
	pending *audio.Recording
}

func (r *handoffRecorder) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armed {
		return errors.New("cmd: capture already armed")
	}
	r.armed = true
	r.pending = nil
	return nil
}

func (r *handoffRecorder) Stop(_ context.Context) (audio.Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.armed {
		return audio.Recording{}, errors.New("cmd: capture not armed")
	}
	if r.pending == nil {
		return audio.Recording{}, errors.New("cmd: no audio artifact handed off")
	}
	r.armed = false
	rec := *r.pending
	r.pending = nil
	return rec, nil
}

func (r *handoffRecorder) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = false
	r.pending = nil
	return nil
}

// handoff stages the capture agent's artifact for the next Stop call.
func (r *handoffRecorder) handoff(rec audio.Recording) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.armed {
		return errors.New("cmd: capture not armed")
	}
	r.pending = &rec
	return nil
}

var _ audio.Recorder = (*handoffRecorder)(nil)

// Controller exposes the session operations over HTTP for the desktop
// capture agent: start, stop (with the audio artifact), retry and cancel.
type Controller struct {
	mgr *app.Manager
	rec *handoffRecorder
}

// NewController creates a Controller driving mgr through rec.
func NewController(mgr *app.Manager, rec *handoffRecorder) *Controller {
	return &Controller{mgr: mgr, rec: rec}
}

// stopRequest is the JSON body of POST /session/stop. DurationMs may be
// omitted; the daemon then derives it from the WAV header.
type stopRequest struct {
	AudioPath  string `json:"audio_path"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type sessionResponse struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Provider  string `json:"provider,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Register adds the session control routes to mux.
func (c *Controller) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /session/start", c.start)
	mux.HandleFunc("POST /session/stop", c.stop)
	mux.HandleFunc("POST /session/retry", c.retry)
	mux.HandleFunc("POST /session/cancel", c.cancel)
}

func (c *Controller) start(w http.ResponseWriter, r *http.Request) {
	id, err := c.mgr.StartRecording(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeControlJSON(w, http.StatusOK, sessionResponse{SessionID: id})
}

func (c *Controller) stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeControlJSON(w, http.StatusBadRequest, sessionResponse{Error: fmt.Sprintf("decode request: %v", err)})
		return
	}
	if req.AudioPath == "" {
		writeControlJSON(w, http.StatusBadRequest, sessionResponse{Error: "audio_path is required"})
		return
	}

	duration := time.Duration(req.DurationMs) * time.Millisecond
	if duration == 0 {
		d, err := audio.WAVFileDuration(req.AudioPath)
		if err != nil {
			writeControlJSON(w, http.StatusBadRequest, sessionResponse{Error: fmt.Sprintf("read audio artifact: %v", err)})
			return
		}
		duration = d
	}

	if err := c.rec.handoff(audio.Recording{
		Path:     req.AudioPath,
		Duration: duration,
		Format:   audio.TranscriptionFormat,
	}); err != nil {
		writeError(w, err)
		return
	}

	res, err := c.mgr.StopAndTranscribe(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeControlJSON(w, http.StatusOK, sessionResponse{Text: res.Text, Provider: res.Provider})
}

func (c *Controller) retry(w http.ResponseWriter, r *http.Request) {
	res, err := c.mgr.Retry(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeControlJSON(w, http.StatusOK, sessionResponse{Text: res.Text, Provider: res.Provider})
}

func (c *Controller) cancel(w http.ResponseWriter, r *http.Request) {
	if err := c.mgr.Cancel(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeControlJSON(w, http.StatusOK, sessionResponse{})
}

// writeError maps an operation failure to a status code: illegal phase
// transitions are caller errors (409), everything else is a server-side 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var te *lifecycle.TransitionError
	if errors.As(err, &te) {
		status = http.StatusConflict
	}
	writeControlJSON(w, status, sessionResponse{Error: err.Error()})
}

func writeControlJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode control response", "err", err)
	}
}
