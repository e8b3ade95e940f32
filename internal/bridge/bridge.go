// Package bridge connects the host application's lifecycle to the
// supervisor: it persists the user's choices and applies the auto-restart
// policy across host restarts.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/hostvisor/internal/supervisor"
)

// DefaultRefreshInterval is how often the reachable URL is recomputed while
// the server runs.
const DefaultRefreshInterval = 15 * time.Second

// Controller is the part of *supervisor.Supervisor the bridge drives.
type Controller interface {
	Start(ctx context.Context, port int, devMode bool) error
	Restart(ctx context.Context, port int, devMode bool) error
	Stop()
	State() supervisor.State
	Subscribe() (<-chan supervisor.State, func())
	RefreshReachableURL()
}

type Bridge struct {
	sup     Controller
	prefs   *Store
	refresh time.Duration
	logger  *slog.Logger
}

type Option func(*Bridge)

func WithRefreshInterval(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.refresh = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

func New(sup Controller, prefs *Store, opts ...Option) *Bridge {
	b := &Bridge{sup: sup, prefs: prefs, refresh: DefaultRefreshInterval, logger: slog.Default()}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Preferences returns the persisted preferences.
func (b *Bridge) Preferences() (Preferences, error) { return b.prefs.Load() }

// Start remembers the request with auto-restart enabled and starts the
// server. A preference write failure is logged, not returned. While a
// session is active the supervisor ignores the call, so the saved
// preferences keep describing the running server.
func (b *Bridge) Start(ctx context.Context, port int, devMode bool) error {
	port = ClampPort(port)
	if st := b.sup.State(); st.Status == supervisor.StatusRunning || st.Status == supervisor.StatusStarting {
		b.logger.Info("server already active; preferences unchanged", "port", st.Port, "requested_port", port)
		return b.sup.Start(ctx, port, devMode)
	}
	b.save(Preferences{Port: port, DevMode: devMode, AutoRestart: true})
	return b.sup.Start(ctx, port, devMode)
}

// Restart is Start for a possibly running server.
func (b *Bridge) Restart(ctx context.Context, port int, devMode bool) error {
	port = ClampPort(port)
	b.save(Preferences{Port: port, DevMode: devMode, AutoRestart: true})
	return b.sup.Restart(ctx, port, devMode)
}

// Stop clears auto-restart and stops the server.
func (b *Bridge) Stop() {
	b.disableAutoRestart()
	b.sup.Stop()
}

// Resume starts the server with the saved preferences when the previous
// host session left auto-restart on. It reports whether a start was tried.
func (b *Bridge) Resume(ctx context.Context) (bool, error) {
	p, err := b.prefs.Load()
	if err != nil {
		b.logger.Warn("load preferences failed", "error", err)
		return false, err
	}
	if !p.AutoRestart {
		return false, nil
	}
	b.logger.Info("resuming server", "port", p.Port, "dev_mode", p.DevMode)
	return true, b.sup.Start(ctx, p.Port, p.DevMode)
}

// Run follows supervisor state until ctx is done. A server that ends in
// error is not resumed on the next host start; while running, the reachable
// URL is refreshed periodically.
func (b *Bridge) Run(ctx context.Context) error {
	states, cancel := b.sup.Subscribe()
	defer cancel()
	ticker := time.NewTicker(b.refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			if st.Status == supervisor.StatusError {
				b.logger.Warn("server failed; auto-restart disabled", "error", st.LastError, "exit_code", st.ExitCode)
				b.disableAutoRestart()
			}
		case <-ticker.C:
			if b.sup.State().Status == supervisor.StatusRunning {
				b.sup.RefreshReachableURL()
			}
		}
	}
}

func (b *Bridge) disableAutoRestart() {
	if _, err := b.prefs.Update(func(p *Preferences) { p.AutoRestart = false }); err != nil {
		b.logger.Warn("save preferences failed", "error", err)
	}
}

func (b *Bridge) save(p Preferences) {
	if err := b.prefs.Save(p); err != nil {
		b.logger.Warn("save preferences failed", "error", err)
	}
}
