// Package mock provides an in-memory implementation of [audio.Recorder] for
// use in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts, and it exposes exported fields that the
// test can set to control return values.
//
// Typical usage:
//
//	rec := &mock.Recorder{
//	    Result: audio.Recording{Path: "/tmp/clip.wav", Duration: 2 * time.Second},
//	}
//	_ = rec.Start(ctx)
//	got, err := rec.Stop(ctx)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/okarlsen/dictare/pkg/audio"
)

// Recorder is a scriptable implementation of [audio.Recorder].
// Set the exported fields before use; inspect the CallCount* fields after.
type Recorder struct {
	mu sync.Mutex

	// Result is returned by [Recorder.Stop].
	Result audio.Recording

	// StartErr, when non-nil, is returned by [Recorder.Start].
	StartErr error

	// StopErr, when non-nil, is returned by [Recorder.Stop].
	StopErr error

	// StopFunc, when non-nil, overrides the canned Result/StopErr behaviour.
	StopFunc func(ctx context.Context) (audio.Recording, error)

	recording bool

	CallCountStart int
	CallCountStop  int
	CallCountAbort int
}

var _ audio.Recorder = (*Recorder)(nil)

// Start begins a scripted capture. Fails if one is already running.
func (r *Recorder) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountStart++
	if r.StartErr != nil {
		return r.StartErr
	}
	if r.recording {
		return errors.New("mock: recorder already started")
	}
	r.recording = true
	return nil
}

// Stop ends the capture and returns the canned recording.
func (r *Recorder) Stop(ctx context.Context) (audio.Recording, error) {
	r.mu.Lock()
	r.CallCountStop++
	if !r.recording {
		r.mu.Unlock()
		return audio.Recording{}, errors.New("mock: recorder not started")
	}
	r.recording = false
	fn := r.StopFunc
	res, err := r.Result, r.StopErr
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return res, err
}

// Abort discards the capture in progress.
func (r *Recorder) Abort() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.CallCountAbort++
	r.recording = false
	return nil
}

// Recording reports whether a capture is currently in progress.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}
