package encoder

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOptions is returned by Open before anything is spawned.
	ErrInvalidOptions = errors.New("encoder: invalid options")
	// ErrClosed is returned by WriteFrame once Close has begun.
	ErrClosed = errors.New("encoder: write after close")
	// ErrFrameGeometry is returned when a frame does not match the session size.
	ErrFrameGeometry = errors.New("encoder: frame geometry mismatch")
)

// SpawnError reports that the encoder process could not be started.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("encoder %s: spawn: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// WriteError reports a failed write to a live or just-exited process.
// ExitCode is -1 while the process has not been reaped.
type WriteError struct {
	Name     string
	Seq      int
	ExitCode int
	Stderr   string
	Err      error
}

func (e *WriteError) Error() string {
	msg := fmt.Sprintf("encoder %s: write frame %d: %v", e.Name, e.Seq, e.Err)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit status %d)", e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *WriteError) Unwrap() error { return e.Err }

// ExitError reports a non-zero exit status collected by Close.
type ExitError struct {
	Name   string
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("encoder %s: exited with status %d", e.Name, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }
