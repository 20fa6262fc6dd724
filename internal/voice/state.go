// Package voice runs the record → transcribe → interpret → apply cycle for
// spoken drawing commands, one command at a time per canvas.
package voice

import (
	"errors"
	"time"
)

type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseRecording    Phase = "recording"
	PhaseStopping     Phase = "stopping"
	PhaseTranscribing Phase = "transcribing"
	PhaseInterpreting Phase = "interpreting"
	PhaseApplying     Phase = "applying"
	PhaseError        Phase = "error"
)

type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindDevice       ErrorKind = "device"
	KindTransport    ErrorKind = "transport"
	KindRejected     ErrorKind = "rejected"
	KindApply        ErrorKind = "apply"
	KindUnauthorized ErrorKind = "unauthorized"
)

const (
	MessageTooShort       = "Recording too short or empty. Please try again."
	MessageTooLong        = "Recording too long. Please try again."
	MessageDeviceDenied   = "Microphone access denied or not available."
	MessageRecordingError = "Recording error occurred. Please try again."
	unknownError          = "Unknown error"
)

var (
	ErrBusy              = errors.New("voice command already in progress")
	ErrNotRecording      = errors.New("not recording")
	ErrClosed            = errors.New("voice orchestrator closed")
	ErrDeviceUnavailable = errors.New("microphone unavailable")
)

// Error is the user-facing failure of one voice command.
type Error struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// State is a snapshot of the orchestrator for status displays. Error holds the
// most recent failure until the next Start.
type State struct {
	Phase      Phase      `json:"phase"`
	Error      *Error     `json:"error,omitempty"`
	Transcript string     `json:"transcript,omitempty"`
	Bytes      int        `json:"bytes"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
}

// Busy reports whether a new Start would be refused.
func (s State) Busy() bool {
	return s.Phase != PhaseIdle
}
