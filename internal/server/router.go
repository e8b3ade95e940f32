package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/loykin/hostvisor/internal/history"
	"github.com/loykin/hostvisor/internal/metrics"
	"github.com/loykin/hostvisor/internal/oplog"
	"github.com/loykin/hostvisor/internal/supervisor"
)

// Controller changes the server lifecycle on behalf of API callers.
// *bridge.Bridge implements it.
type Controller interface {
	Start(ctx context.Context, port int, devMode bool) error
	Restart(ctx context.Context, port int, devMode bool) error
	Stop()
}

// Observer exposes supervisor state and logs. *supervisor.Supervisor
// implements it.
type Observer interface {
	State() supervisor.State
	Logs() []oplog.Entry
	Subscribe() (<-chan supervisor.State, func())
	SubscribeLogs(buffer int) (<-chan oplog.Entry, func())
	RefreshReachableURL()
	PID() int
}

// Router provides embeddable HTTP handlers for the control API.
// Endpoints, relative to basePath:
//
//	GET  /state             current snapshot plus pid
//	GET  /logs?limit=N      operational log, oldest first (format=text for plain lines)
//	POST /start             body: {"port":N,"dev_mode":bool}, both optional
//	POST /restart           same body as /start
//	POST /stop
//	POST /refresh           recompute the reachable URL
//	GET  /history?limit=N   recent lifecycle events, when a reader is configured
//	GET  /resources         last resource sample, when a sampler is configured
//	GET  /ws                websocket stream of state and log messages
//	GET  /metrics           prometheus, when enabled
type Router struct {
	ctl       Controller
	obs       Observer
	basePath  string
	defaults  StartRequest
	metrics   bool
	history   history.Reader
	resources func() *metrics.ResourceSample
	origins   []string
	hub       *Hub
	logger    *slog.Logger
}

type Option func(*Router)

// WithDefaults sets the port and mode used when a start request omits them.
func WithDefaults(port int, devMode bool) Option {
	return func(r *Router) {
		r.defaults = StartRequest{Port: port, DevMode: &devMode}
	}
}

func WithMetrics(enabled bool) Option {
	return func(r *Router) { r.metrics = enabled }
}

func WithHistory(h history.Reader) Option {
	return func(r *Router) { r.history = h }
}

func WithResources(last func() *metrics.ResourceSample) Option {
	return func(r *Router) { r.resources = last }
}

// WithAllowedOrigins lists browser origins allowed to open the stream.
// Same-host origins are always allowed.
func WithAllowedOrigins(origins []string) Option {
	return func(r *Router) { r.origins = origins }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRouter constructs a Router. Example basePath "/api" results in
// /api/state, /api/start and so on.
func NewRouter(ctl Controller, obs Observer, basePath string, opts ...Option) *Router {
	dev := false
	r := &Router{
		ctl:      ctl,
		obs:      obs,
		basePath: sanitizeBase(basePath),
		defaults: StartRequest{Port: 8080, DevMode: &dev},
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	r.hub = NewHub(r.logger)
	return r
}

// Hub returns the stream hub.
func (r *Router) Hub() *Hub { return r.hub }

// Run drives the stream hub until ctx is done.
func (r *Router) Run(ctx context.Context) {
	go r.hub.Run(ctx)
	r.hub.Feed(ctx, r.obs)
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.GET("/state", r.handleState)
	group.GET("/logs", r.handleLogs)
	group.POST("/start", r.handleStart)
	group.POST("/restart", r.handleRestart)
	group.POST("/stop", r.handleStop)
	group.POST("/refresh", r.handleRefresh)
	group.GET("/history", r.handleHistory)
	group.GET("/resources", r.handleResources)
	group.GET("/ws", r.handleStream)
	if r.metrics {
		group.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer binds addr and serves the router in the background, over TLS
// when tlsCfg is non-nil. Bind failures are returned synchronously.
func NewServer(addr string, r *Router, tlsCfg *tls.Config) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("control api listen %s: %w", addr, err)
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("control api stopped", "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type StartRequest struct {
	Port    int   `json:"port"`
	DevMode *bool `json:"dev_mode,omitempty"`
}

// StateResponse is the snapshot plus the child pid, if any.
type StateResponse struct {
	supervisor.State
	PID int `json:"pid"`
}

type errorResp struct {
	Error string         `json:"error"`
	State *StateResponse `json:"state,omitempty"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) snapshot() StateResponse {
	return StateResponse{State: r.obs.State(), PID: r.obs.PID()}
}

func (r *Router) handleState(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.snapshot())
}

func (r *Router) handleLogs(c *gin.Context) {
	limit, ok := parseLimit(c, 0)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative number"})
		return
	}
	entries := r.obs.Logs()
	if limit > 0 && limit < len(entries) {
		entries = entries[len(entries)-limit:]
	}
	if c.Query("format") == "text" {
		var b strings.Builder
		for _, e := range entries {
			b.WriteString(e.String())
			b.WriteByte('\n')
		}
		c.String(http.StatusOK, b.String())
		return
	}
	writeJSON(c, http.StatusOK, entries)
}

// bindStart parses an optional start body and fills in defaults.
func (r *Router) bindStart(c *gin.Context) (int, bool, bool) {
	var req StartRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
			return 0, false, false
		}
	}
	if req.Port == 0 {
		req.Port = r.defaults.Port
	}
	if req.Port < 1 || req.Port > 65535 {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: fmt.Sprintf("port %d out of range 1..65535", req.Port)})
		return 0, false, false
	}
	dev := false
	switch {
	case req.DevMode != nil:
		dev = *req.DevMode
	case r.defaults.DevMode != nil:
		dev = *r.defaults.DevMode
	}
	return req.Port, dev, true
}

func (r *Router) handleStart(c *gin.Context) {
	port, dev, ok := r.bindStart(c)
	if !ok {
		return
	}
	r.respondLifecycle(c, r.ctl.Start(c.Request.Context(), port, dev))
}

func (r *Router) handleRestart(c *gin.Context) {
	port, dev, ok := r.bindStart(c)
	if !ok {
		return
	}
	r.respondLifecycle(c, r.ctl.Restart(c.Request.Context(), port, dev))
}

func (r *Router) respondLifecycle(c *gin.Context, err error) {
	st := r.snapshot()
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error(), State: &st})
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStop(c *gin.Context) {
	r.ctl.Stop()
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRefresh(c *gin.Context) {
	r.obs.RefreshReachableURL()
	writeJSON(c, http.StatusOK, r.snapshot())
}

func (r *Router) handleHistory(c *gin.Context) {
	if r.history == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "history store not configured"})
		return
	}
	limit, ok := parseLimit(c, 50)
	if !ok {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "limit must be a non-negative number"})
		return
	}
	events, err := r.history.Recent(c.Request.Context(), limit)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(c, http.StatusOK, events)
}

func (r *Router) handleResources(c *gin.Context) {
	if r.resources == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "resource sampling not enabled"})
		return
	}
	s := r.resources()
	if s == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "no sample available"})
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleStream(c *gin.Context) {
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     r.checkOrigin,
	}
	conn, err := up.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err, "origin", c.GetHeader("Origin"))
		return
	}
	if r.hub.Attach(conn, newMessage(MessageState, r.obs.State())) == nil {
		r.logger.Warn("websocket rejected: stream hub not running")
	}
}

func (r *Router) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range r.origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, req.Host)
}
