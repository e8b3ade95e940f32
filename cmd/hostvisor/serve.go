package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/hostvisor"
	"github.com/loykin/hostvisor/internal/config"
	"github.com/loykin/hostvisor/internal/history"
	"github.com/loykin/hostvisor/internal/history/factory"
	"github.com/loykin/hostvisor/internal/install"
	"github.com/loykin/hostvisor/internal/metrics"
	"github.com/loykin/hostvisor/internal/netaddr"
	"github.com/loykin/hostvisor/internal/server"
	hvtls "github.com/loykin/hostvisor/internal/tls"
)

const shutdownTimeout = 5 * time.Second

// daemon is everything serve wires together.
type daemon struct {
	cfg      *config.Config
	flags    ServeFlags
	logger   *slog.Logger
	logClose io.Closer
	sink     history.Sink
	host     *hostvisor.Host
	router   *server.Router
	sampler  *metrics.ResourceSampler
	tlsCfg   *tls.Config
}

func runServe(ctx context.Context, path string, flags ServeFlags, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	d, err := newDaemon(cfg, flags)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx, func(addr string) {
		protocol := "HTTP"
		if d.tlsCfg != nil {
			protocol = "HTTPS"
		}
		_, _ = fmt.Fprintf(out, "Starting hostvisor %s control API on %s%s\n", protocol, addr, cfg.Server.BasePath)
	})
}

// applyServeFlags lets command-line flags win over the loaded config.
func applyServeFlags(cfg *config.Config, f ServeFlags) {
	if f.Port > 0 {
		cfg.Port = f.Port
	}
	if f.DevModeSet {
		cfg.DevMode = f.DevMode
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
}

func newDaemon(cfg *config.Config, flags ServeFlags) (*daemon, error) {
	applyServeFlags(cfg, flags)
	d := &daemon{cfg: cfg, flags: flags}
	d.logger, d.logClose = cfg.Log.Logger().NewSlogger()

	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			d.logger.Warn("failed to register metrics", "error", err)
		}
	}

	if cfg.History.DSN != "" {
		sink, err := factory.NewSinkFromDSN(cfg.History.DSN)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		d.sink = sink
	}

	hostOpts := []hostvisor.HostOption{hostvisor.WithLogger(d.logger)}
	if d.sink != nil {
		hostOpts = append(hostOpts, hostvisor.WithHistory(d.sink))
	}
	host, err := hostvisor.NewHost(cfg, hostOpts...)
	if err != nil {
		d.close()
		return nil, err
	}
	d.host = host

	routerOpts := []server.Option{
		server.WithDefaults(cfg.Port, cfg.DevMode),
		server.WithMetrics(cfg.Metrics.Enabled),
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins),
	}
	if r, ok := d.sink.(history.Reader); ok {
		routerOpts = append(routerOpts, server.WithHistory(r))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.SampleInterval > 0 {
		d.sampler = metrics.NewResourceSampler(cfg.Metrics.SampleInterval, d.host.PID)
		if err := d.sampler.Register(prometheus.DefaultRegisterer); err != nil {
			d.logger.Warn("failed to register resource metrics", "error", err)
		}
		routerOpts = append(routerOpts, server.WithResources(d.sampler.Last))
	}
	d.router = hostvisor.NewAPIRouter(d.host, cfg.Server.BasePath, routerOpts...)

	var extraIPs []string
	if ip, ok := netaddr.LANIPv4(context.Background()); ok {
		extraIPs = append(extraIPs, ip)
	}
	if d.tlsCfg, err = hvtls.Setup(cfg.Server.TLS, extraIPs...); err != nil {
		d.close()
		return nil, fmt.Errorf("tls: %w", err)
	}
	return d, nil
}

// Run serves the control API until ctx is done, then stops the game server.
// Auto-restart preferences are left as they are so the next run resumes.
// ready, if set, receives the bound API address.
func (d *daemon) Run(ctx context.Context, ready func(addr string)) error {
	defer d.close()
	srv, err := server.NewServer(d.cfg.Server.Listen, d.router, d.tlsCfg)
	if err != nil {
		return err
	}
	if ready != nil {
		ready(srv.Addr)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		d.router.Run(gctx)
		return nil
	})
	g.Go(func() error { return d.host.Run(gctx) })
	if d.sampler != nil {
		g.Go(func() error {
			d.sampler.Run(gctx)
			return nil
		})
	}

	if !d.flags.NoResume {
		if resumed, err := d.host.Resume(ctx); err != nil {
			d.logger.Warn("resume failed", "error", err)
		} else if resumed {
			d.logger.Info("server resumed from saved preferences")
		}
	}

	<-ctx.Done()
	d.logger.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		d.logger.Warn("control api shutdown", "error", err)
		_ = srv.Close()
	}
	d.host.Shutdown()
	cancel()
	return g.Wait()
}

func (d *daemon) close() {
	if c, ok := d.sink.(io.Closer); ok {
		if err := c.Close(); err != nil {
			d.logger.Warn("history sink close", "error", err)
		}
	}
	if d.logClose != nil {
		_ = d.logClose.Close()
	}
}

func runInstall(ctx context.Context, path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	inst := install.New(cfg.InstallerConfig())
	res, err := inst.Install(ctx)
	if err != nil {
		return err
	}
	printJSON(out, struct {
		install.Result
		Paths install.Paths
	}{res, inst.Paths()})
	return nil
}
