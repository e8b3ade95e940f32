package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ServiceName is reported by the fallback health endpoint.
const ServiceName = "protocol-bunker-host"

// EmbeddedFallback answers a few fixed routes in-process so the host stays
// demonstrable when the real server cannot be staged. It implements none of
// the game protocol.
type EmbeddedFallback struct {
	// BindHost is the interface to listen on; empty means all interfaces.
	BindHost    string
	StopTimeout time.Duration

	mu       sync.Mutex
	srv      *http.Server
	ln       net.Listener
	stopping bool
	served   chan struct{}
}

// NewFallback returns a fallback backend listening on all interfaces.
func NewFallback() *EmbeddedFallback {
	return &EmbeddedFallback{StopTimeout: DefaultStopTimeout}
}

func (b *EmbeddedFallback) Name() string { return NameFallback }

// Addr returns the bound address while serving.
func (b *EmbeddedFallback) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// Start binds the port synchronously and serves in the background.
func (b *EmbeddedFallback) Start(_ context.Context, opts Options, logf LogFunc) (<-chan Exit, error) {
	logf = orDiscard(logf)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.srv != nil {
		return nil, errors.New("fallback server already running")
	}
	addr := net.JoinHostPort(b.BindHost, strconv.Itoa(opts.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logf("fallback bind failed: " + err.Error())
		return nil, fmt.Errorf("fallback listen %s: %w", addr, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	srv := &http.Server{
		Handler:           FallbackHandler(port, logf),
		ReadHeaderTimeout: 10 * time.Second,
	}
	exits := make(chan Exit, 1)
	served := make(chan struct{})
	b.srv, b.ln, b.stopping, b.served = srv, ln, false, served

	go func() {
		defer close(served)
		defer close(exits)
		err := srv.Serve(ln)
		b.mu.Lock()
		quiet := b.stopping
		b.mu.Unlock()
		if quiet || errors.Is(err, http.ErrServerClosed) {
			return
		}
		logf("fallback server failed: " + err.Error())
		exits <- Exit{Code: -1, Err: err}
	}()
	logf(fmt.Sprintf("fallback server listening on %s", ln.Addr()))
	return exits, nil
}

// Stop shuts the listener down and waits for the serve loop to return.
func (b *EmbeddedFallback) Stop(logf LogFunc) {
	logf = orDiscard(logf)
	b.mu.Lock()
	srv, served := b.srv, b.served
	b.srv, b.ln = nil, nil
	b.stopping = true
	b.mu.Unlock()
	if srv == nil {
		logf("stop: fallback server not running")
		return
	}
	timeout := b.StopTimeout
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logf(fmt.Sprintf("%v: closing fallback server", ErrStopTimeout))
		_ = srv.Close()
	}
	<-served
	logf("fallback server stopped")
}

// FallbackHandler returns the gin engine serving the fallback routes.
func FallbackHandler(port int, logf LogFunc) http.Handler {
	logf = orDiscard(logf)
	g := gin.New()
	g.Use(gin.Recovery())
	g.Use(func(c *gin.Context) {
		c.Next()
		logf(fmt.Sprintf("HTTP %s -> %d", c.Request.URL.Path, c.Writer.Status()))
	})
	g.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fallbackPage(port)))
	})
	g.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": ServiceName,
			"port":    port,
			"mode":    "lan_only",
		})
	})
	g.GET("/api/scenarios", func(c *gin.Context) {
		c.JSON(http.StatusOK, []gin.H{
			{"id": "classic", "name": "Classic Bunker", "description": "mock"},
		})
	})
	g.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "path": c.Request.URL.Path})
	})
	return g
}

func fallbackPage(port int) string {
	return "<!doctype html><html><head><meta charset=\"utf-8\"><title>Bunker host</title></head>" +
		"<body><h1>Bunker host (fallback)</h1>" +
		"<p>The game server is not installed; this host is running in degraded mode on port " +
		strconv.Itoa(port) + ".</p>" +
		"<p><a href=\"/health\">health</a> | <a href=\"/api/scenarios\">scenarios</a></p></body></html>"
}
