package backend

import (
	"errors"
	"fmt"
)

// ErrStopTimeout is logged when a graceful stop exceeds its bound and the
// process is force-killed. Stop never returns it.
var ErrStopTimeout = errors.New("graceful stop timed out")

// SpawnError means the server could not be launched at all.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// EarlyExitError means the process exited within the grace period.
type EarlyExitError struct {
	Code   int
	Class  Class
	Stderr string
}

func (e *EarlyExitError) Error() string {
	msg := fmt.Sprintf("server exited during startup with code %d", e.Code)
	if hint := Hint(e.Class, e.Stderr); hint != "" {
		msg += ": " + hint
	}
	return msg
}

// UnexpectedExitError describes a termination after the server was running.
type UnexpectedExitError struct {
	Backend string
	Code    int
}

func (e *UnexpectedExitError) Error() string {
	return fmt.Sprintf("%s server exited unexpectedly with code %d", e.Backend, e.Code)
}
