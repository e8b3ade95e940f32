package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"
)

// Client talks to the hostvisor control API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
	TLS     *TLSClientConfig
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	CACert     string // CA certificate file path, e.g. the daemon's tls_ca.crt
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// APIError is returned for non-2xx responses. State carries the daemon's
// snapshot when the failed call was a start or restart.
type APIError struct {
	Status  int
	Message string
	State   *State
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.Status, e.Message)
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:9090/api",
		Timeout: 30 * time.Second,
	}
}

// New creates a control API client. Start requests wait for the server's
// grace period, so the timeout should stay well above it.
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := &http.Transport{}
	if config.TLS != nil {
		tlsConfig, err := setupClientTLS(*config.TLS)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	_, err := c.State(ctx)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

// State returns the current supervisor snapshot.
func (c *Client) State(ctx context.Context) (State, error) {
	var st State
	err := c.doJSONRequest(ctx, http.MethodGet, "/state", nil, &st)
	return st, err
}

// Start starts the server; the returned state reflects the outcome.
func (c *Client) Start(ctx context.Context, req StartRequest) (State, error) {
	c.logger.Debug("Starting server", "port", req.Port)
	var st State
	err := c.doJSONRequest(ctx, http.MethodPost, "/start", req, &st)
	return st, err
}

// Restart stops any running server and starts it again.
func (c *Client) Restart(ctx context.Context, req StartRequest) (State, error) {
	c.logger.Debug("Restarting server", "port", req.Port)
	var st State
	err := c.doJSONRequest(ctx, http.MethodPost, "/restart", req, &st)
	return st, err
}

// Stop stops the server. It succeeds when nothing is running.
func (c *Client) Stop(ctx context.Context) error {
	return c.doJSONRequest(ctx, http.MethodPost, "/stop", nil, nil)
}

// Refresh recomputes the reachable URL.
func (c *Client) Refresh(ctx context.Context) (State, error) {
	var st State
	err := c.doJSONRequest(ctx, http.MethodPost, "/refresh", nil, &st)
	return st, err
}

// Logs returns at most limit recent operational log entries; zero means all.
func (c *Client) Logs(ctx context.Context, limit int) ([]LogEntry, error) {
	var out []LogEntry
	err := c.doJSONRequest(ctx, http.MethodGet, "/logs?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

// History returns recent lifecycle events, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	var out []HistoryEvent
	err := c.doJSONRequest(ctx, http.MethodGet, "/history?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(cfg TLSClientConfig) (*tls.Config, error) {
	// #nosec G402 SkipVerify is an explicit opt-in
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.SkipVerify,
	}
	if cfg.CACert != "" {
		if err := loadCACert(tlsConfig, cfg.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return errors.New("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}

// doJSONRequest sends body (if any) as JSON and decodes a 2xx response
// into out (if any).
func (c *Client) doJSONRequest(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{Status: resp.StatusCode, Message: er.Error, State: er.State}
}
