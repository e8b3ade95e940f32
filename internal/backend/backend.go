// Package backend provides the two ways of running the game server: the
// staged external executable and an in-process fallback responder.
package backend

import (
	"context"
	"time"
)

// Names reported by the built-in backends.
const (
	NameExternal = "external"
	NameFallback = "fallback"
)

// Default timings for the external process.
const (
	DefaultGracePeriod = 450 * time.Millisecond
	DefaultStopTimeout = 2 * time.Second
	DefaultKillTimeout = 1500 * time.Millisecond
)

// LogFunc receives human-readable operational log lines.
type LogFunc func(msg string)

// Options are the per-launch parameters.
type Options struct {
	Port    int
	DevMode bool
}

// Exit reports a termination the caller did not ask for.
type Exit struct {
	Code int
	Err  error
}

// Backend runs one server session at a time.
//
// Start returns once the server is considered up. The returned channel
// receives at most one Exit, only for terminations not initiated by Stop,
// and is closed when the backend stops watching the session.
// Stop is always safe, including before any Start.
type Backend interface {
	Name() string
	Start(ctx context.Context, opts Options, logf LogFunc) (<-chan Exit, error)
	Stop(logf LogFunc)
}

// PIDer is implemented by backends that run an OS process.
type PIDer interface {
	PID() int
}

func orDiscard(logf LogFunc) LogFunc {
	if logf == nil {
		return func(string) {}
	}
	return logf
}
