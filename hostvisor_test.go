package hostvisor

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// devConfig points at a bundle that does not exist, so dev-mode starts land
// on the fallback responder.
func devConfig(t *testing.T) *Config {
	t.Helper()
	c, err := DefaultConfig()
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	dir := t.TempDir()
	c.Install.BundleDir = filepath.Join(dir, "bundle")
	c.Install.DataDir = filepath.Join(dir, "data")
	c.PreferencesFile = filepath.Join(dir, "data", "preferences.toml")
	c.Backend.FallbackHost = "127.0.0.1"
	return c
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestHostFacadeStartStop(t *testing.T) {
	h, err := NewHost(devConfig(t))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	port := freePort(t)
	if err := h.Start(context.Background(), port, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := h.State()
	if st.Status != StatusRunning || st.Port != port || st.BackendName != "fallback" {
		t.Fatalf("unexpected state: %+v", st)
	}
	if h.PID() != 0 {
		t.Fatalf("fallback has no pid, got %d", h.PID())
	}
	p, err := h.Preferences()
	if err != nil || !p.AutoRestart || p.Port != port {
		t.Fatalf("preferences not saved: %+v %v", p, err)
	}

	h.Stop()
	if st := h.State(); st.Status != StatusStopped {
		t.Fatalf("expected stopped, got %+v", st)
	}
	if p, _ := h.Preferences(); p.AutoRestart {
		t.Fatalf("stop must clear auto-restart")
	}
	if len(h.Logs()) == 0 {
		t.Fatalf("expected operational log entries")
	}
}

func TestHostFacadeShutdownKeepsPreferences(t *testing.T) {
	c := devConfig(t)
	h, err := NewHost(c)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	port := freePort(t)
	if err := h.Start(context.Background(), port, true); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.Shutdown()

	next, err := NewHost(c)
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	resumed, err := next.Resume(context.Background())
	if err != nil || !resumed {
		t.Fatalf("expected resume, got %v %v", resumed, err)
	}
	defer next.Shutdown()
	if st := next.State(); !st.Running || st.Port != port {
		t.Fatalf("unexpected state after resume: %+v", st)
	}
}

func TestHostFacadeAPIHandler(t *testing.T) {
	h, err := NewHost(devConfig(t))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(h.APIHandler(ctx, "/api"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var st State
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Status != StatusStopped {
		t.Fatalf("unexpected state: %+v", st)
	}

	body := strings.NewReader(`{"port":` + strconv.Itoa(freePort(t)) + `,"dev_mode":true}`)
	resp2, err := http.Post(srv.URL+"/api/start", "application/json", body)
	if err != nil {
		t.Fatalf("post start: %v", err)
	}
	_ = resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("start status %d", resp2.StatusCode)
	}
	h.Shutdown()
}

func TestHostFacadeRunStopsOnContext(t *testing.T) {
	h, err := NewHost(devConfig(t))
	if err != nil {
		t.Fatalf("new host: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
}

func TestRegisterMetrics(t *testing.T) {
	if err := RegisterMetrics(prometheus.NewRegistry()); err != nil {
		t.Fatalf("register: %v", err)
	}
	// subsequent registrations are no-ops
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("register default: %v", err)
	}
}
