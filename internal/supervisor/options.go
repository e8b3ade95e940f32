package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/hostvisor/internal/backend"
	"github.com/loykin/hostvisor/internal/history"
	"github.com/loykin/hostvisor/internal/install"
	"github.com/loykin/hostvisor/internal/netaddr"
)

// Installer stages the artifacts the external backend runs from.
// *install.Installer implements it.
type Installer interface {
	Install(ctx context.Context) (install.Result, error)
	ExecutableAvailable() bool
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithInstaller sets the artifact installer.
func WithInstaller(in Installer) Option {
	return func(s *Supervisor) { s.installer = in }
}

// WithBackends sets the real and fallback backends.
func WithBackends(external, fallback backend.Backend) Option {
	return func(s *Supervisor) {
		s.external = external
		s.fallback = fallback
	}
}

// WithClock overrides time.Now for snapshots and log entries.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithAddressResolver sets how the host part of the reachable URL is found.
func WithAddressResolver(r netaddr.Resolver) Option {
	return func(s *Supervisor) {
		if r != nil {
			s.resolveHost = r
		}
	}
}

// WithLogCapacity bounds the operational log.
func WithLogCapacity(n int) Option {
	return func(s *Supervisor) { s.logCapacity = n }
}

// WithLogger mirrors operational log lines to a slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHistory exports lifecycle events to sink.
func WithHistory(sink history.Sink) Option {
	return func(s *Supervisor) { s.history = sink }
}
