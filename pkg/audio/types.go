// Package audio defines the capture collaborator interface and the PCM and
// WAV helpers the dictation pipeline needs. Actual microphone access is
// platform code that lives outside this module; the daemon only depends on
// the [Recorder] contract.
package audio

import (
	"context"
	"time"
)

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// TranscriptionFormat is the format transcription providers expect:
// 16 kHz mono, 16-bit little-endian PCM.
var TranscriptionFormat = Format{SampleRate: 16000, Channels: 1}

// Duration returns the play time of n bytes of 16-bit PCM in this format.
func (f Format) Duration(n int) time.Duration {
	bytesPerSecond := f.SampleRate * f.Channels * 2
	if bytesPerSecond <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bytesPerSecond)
}

// Recording is the result of a completed capture.
type Recording struct {
	// Path is the WAV file holding the captured audio.
	Path string

	// Duration is the captured audio length.
	Duration time.Duration

	// Format is the PCM format of the file's data chunk.
	Format Format
}

// Recorder captures microphone audio between Start and Stop. Implementations
// live outside this module (OS capture layers); [mock.Recorder] serves tests.
// A Recorder handles one recording at a time.
type Recorder interface {
	// Start begins capturing. Fails if a capture is already running or the
	// microphone is unavailable.
	Start(ctx context.Context) error

	// Stop ends the capture and returns the finished recording.
	Stop(ctx context.Context) (Recording, error)

	// Abort ends the capture and discards everything captured so far.
	Abort() error
}
