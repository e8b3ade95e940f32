package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"

	"github.com/loykin/hostvisor/internal/config"
	hvtls "github.com/loykin/hostvisor/internal/tls"
	"github.com/loykin/hostvisor/pkg/client"
)

// newAPIClient builds a control API client. The URL comes from --api-url,
// else from the [server] table of --config, else the client default.
func newAPIClient(g GlobalFlags) (*client.Client, error) {
	cfg := client.DefaultConfig()
	cfg.Timeout = g.APITimeout
	var tlsCfg *client.TLSClientConfig
	switch {
	case g.APIUrl != "":
		cfg.BaseURL = g.APIUrl
	case g.ConfigPath != "":
		c, err := config.Load(g.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg.BaseURL = apiURLFromConfig(c.Server)
		if c.Server.TLS.Enabled && c.Server.TLS.AutoGenerate && g.CACert == "" {
			tlsCfg = &client.TLSClientConfig{CACert: hvtls.CACertPath(c.Server.TLS)}
		}
	}
	if g.CACert != "" || g.SkipVerify {
		tlsCfg = &client.TLSClientConfig{CACert: g.CACert, SkipVerify: g.SkipVerify}
	}
	cfg.TLS = tlsCfg
	return client.New(cfg), nil
}

// apiURLFromConfig derives the base URL a local client should use to reach
// the daemon configured by s.
func apiURLFromConfig(s config.ServerConfig) string {
	host, port, err := net.SplitHostPort(s.Listen)
	if err != nil {
		host, port = s.Listen, "9090"
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	scheme := "http"
	if s.TLS.Enabled {
		scheme = "https"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: s.BasePath}
	return u.String()
}

func runStart(ctx context.Context, g GlobalFlags, f StartFlags, restart bool, out io.Writer) error {
	c, err := newAPIClient(g)
	if err != nil {
		return err
	}
	req := client.StartRequest{Port: f.Port}
	if f.DevModeSet {
		dev := f.DevMode
		req.DevMode = &dev
	}
	call := c.Start
	if restart {
		call = c.Restart
	}
	st, err := call(ctx, req)
	if err != nil {
		// the daemon reports the resulting state along with the failure
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.State != nil {
			printJSON(out, apiErr.State)
		}
		return err
	}
	printJSON(out, st)
	return nil
}

func runStop(ctx context.Context, g GlobalFlags, out io.Writer) error {
	c, err := newAPIClient(g)
	if err != nil {
		return err
	}
	if err := c.Stop(ctx); err != nil {
		return err
	}
	st, err := c.State(ctx)
	if err != nil {
		return err
	}
	printJSON(out, st)
	return nil
}

func runStatus(ctx context.Context, g GlobalFlags, out io.Writer) error {
	c, err := newAPIClient(g)
	if err != nil {
		return err
	}
	st, err := c.State(ctx)
	if err != nil {
		return fmt.Errorf("daemon not reachable - please start it first with 'hostvisor serve': %w", err)
	}
	printJSON(out, st)
	return nil
}

func runRefresh(ctx context.Context, g GlobalFlags, out io.Writer) error {
	c, err := newAPIClient(g)
	if err != nil {
		return err
	}
	st, err := c.Refresh(ctx)
	if err != nil {
		return err
	}
	printJSON(out, st)
	return nil
}

func runLogs(ctx context.Context, g GlobalFlags, f LogsFlags, out io.Writer) error {
	c, err := newAPIClient(g)
	if err != nil {
		return err
	}
	entries, err := c.Logs(ctx, f.Limit)
	if err != nil {
		return err
	}
	if f.JSON {
		printJSON(out, entries)
		return nil
	}
	for _, e := range entries {
		_, _ = fmt.Fprintln(out, e.String())
	}
	return nil
}

func runHistory(ctx context.Context, g GlobalFlags, f HistoryFlags, out io.Writer) error {
	c, err := newAPIClient(g)
	if err != nil {
		return err
	}
	events, err := c.History(ctx, f.Limit)
	if err != nil {
		return err
	}
	printJSON(out, events)
	return nil
}

func printJSON(out io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(out, string(b))
}
