package hostvisor

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/hostvisor/internal/backend"
	"github.com/loykin/hostvisor/internal/bridge"
	cfg "github.com/loykin/hostvisor/internal/config"
	"github.com/loykin/hostvisor/internal/history"
	"github.com/loykin/hostvisor/internal/install"
	"github.com/loykin/hostvisor/internal/metrics"
	"github.com/loykin/hostvisor/internal/netaddr"
	"github.com/loykin/hostvisor/internal/oplog"
	iapi "github.com/loykin/hostvisor/internal/server"
	"github.com/loykin/hostvisor/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type State = supervisor.State

type Status = supervisor.Status

type LogEntry = oplog.Entry

type Preferences = bridge.Preferences

type HistorySink = history.Sink

const (
	StatusStopped  = supervisor.StatusStopped
	StatusStarting = supervisor.StatusStarting
	StatusRunning  = supervisor.StatusRunning
	StatusError    = supervisor.StatusError
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func DefaultConfig() (*Config, error) { return cfg.Default() }

// Host is the embeddable game server host: a supervisor plus the preference
// bridge that remembers the last start request across host runs.
//
// Start, Restart and Stop go through the bridge and update preferences;
// Shutdown stops the server and leaves them untouched.
type Host struct {
	sup    *supervisor.Supervisor
	bridge *bridge.Bridge
	logger *slog.Logger
}

type HostOption func(*hostOptions)

type hostOptions struct {
	logger  *slog.Logger
	history history.Sink
}

func WithLogger(l *slog.Logger) HostOption {
	return func(o *hostOptions) { o.logger = l }
}

// WithHistory exports lifecycle events to sink.
func WithHistory(sink HistorySink) HostOption {
	return func(o *hostOptions) { o.history = sink }
}

// NewHost wires the installer, both backends, the supervisor and the
// preference bridge from c.
func NewHost(c *Config, opts ...HostOption) (*Host, error) {
	o := hostOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	inst := install.New(c.InstallerConfig())
	extCfg, err := c.ExternalConfig(inst.Paths())
	if err != nil {
		return nil, err
	}
	fallback := backend.NewFallback()
	fallback.BindHost = c.Backend.FallbackHost
	fallback.StopTimeout = c.Backend.StopTimeout

	supOpts := []supervisor.Option{
		supervisor.WithInstaller(inst),
		supervisor.WithBackends(backend.NewExternal(extCfg), fallback),
		supervisor.WithAddressResolver(netaddr.LANResolver()),
		supervisor.WithLogCapacity(c.LogCapacity),
		supervisor.WithLogger(o.logger),
	}
	if o.history != nil {
		supOpts = append(supOpts, supervisor.WithHistory(o.history))
	}
	sup := supervisor.New(supOpts...)
	br := bridge.New(sup, bridge.NewStore(c.PreferencesFile),
		bridge.WithRefreshInterval(c.Server.RefreshInterval),
		bridge.WithLogger(o.logger))
	return &Host{sup: sup, bridge: br, logger: o.logger}, nil
}

func (h *Host) Start(ctx context.Context, port int, devMode bool) error {
	return h.bridge.Start(ctx, port, devMode)
}

func (h *Host) Restart(ctx context.Context, port int, devMode bool) error {
	return h.bridge.Restart(ctx, port, devMode)
}

// Stop stops the server and turns auto-restart off.
func (h *Host) Stop() { h.bridge.Stop() }

// Shutdown stops the server for a host exit; a server that was meant to run
// is resumed by the next Resume.
func (h *Host) Shutdown() { h.sup.Stop() }

// Resume starts the server from saved preferences when auto-restart is on.
func (h *Host) Resume(ctx context.Context) (bool, error) { return h.bridge.Resume(ctx) }

// Run follows the server until ctx is done; see bridge.Bridge.Run.
func (h *Host) Run(ctx context.Context) error { return h.bridge.Run(ctx) }

func (h *Host) Preferences() (Preferences, error) { return h.bridge.Preferences() }

func (h *Host) State() State         { return h.sup.State() }
func (h *Host) Logs() []LogEntry     { return h.sup.Logs() }
func (h *Host) PID() int             { return h.sup.PID() }
func (h *Host) RefreshReachableURL() { h.sup.RefreshReachableURL() }

func (h *Host) Subscribe() (<-chan State, func()) { return h.sup.Subscribe() }

func (h *Host) SubscribeLogs(buffer int) (<-chan LogEntry, func()) {
	return h.sup.SubscribeLogs(buffer)
}

// NewAPIRouter returns the control API router for h. Callers run
// Router.Run to feed the websocket stream.
func NewAPIRouter(h *Host, basePath string, opts ...iapi.Option) *iapi.Router {
	opts = append([]iapi.Option{iapi.WithLogger(h.logger)}, opts...)
	return iapi.NewRouter(h, h, basePath, opts...)
}

// APIHandler returns the control API as an http.Handler, feeding its stream
// until ctx is done. Example basePath "/api".
func (h *Host) APIHandler(ctx context.Context, basePath string) http.Handler {
	r := NewAPIRouter(h, basePath)
	go r.Run(ctx)
	return r.Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
