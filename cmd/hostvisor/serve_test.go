package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hostvisor/internal/bridge"
	"github.com/loykin/hostvisor/internal/config"
	"github.com/loykin/hostvisor/pkg/client"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// writeDevConfig writes a config whose bundle does not exist, so starts in
// dev mode always land on the fallback responder.
func writeDevConfig(t *testing.T, dir string, port int) string {
	t.Helper()
	slash := filepath.ToSlash
	data := fmt.Sprintf(`
port = %d
dev_mode = true

[install]
bundle_dir = %q
data_dir = %q

[backend]
fallback_host = "127.0.0.1"

[server]
listen = "127.0.0.1:0"
base_path = "/api"

[metrics]
enabled = false

[history]
dsn = %q
`, port, slash(filepath.Join(dir, "bundle")), slash(filepath.Join(dir, "data")),
		"sqlite://"+slash(filepath.Join(dir, "history.db")))
	p := filepath.Join(dir, "hostvisor.toml")
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

type runningDaemon struct {
	client *client.Client
	prefs  *bridge.Store
	cancel context.CancelFunc
	done   chan error
}

func startDaemon(t *testing.T, path string, flags ServeFlags) *runningDaemon {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	d, err := newDaemon(cfg, flags)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, func(addr string) { addrCh <- addr }) }()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		cancel()
		t.Fatalf("daemon exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("daemon did not bind")
	}
	rd := &runningDaemon{
		client: client.New(client.Config{BaseURL: "http://" + addr + "/api", Timeout: 5 * time.Second}),
		prefs:  bridge.NewStore(cfg.PreferencesFile),
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(rd.shutdown)
	return rd
}

func (rd *runningDaemon) shutdown() {
	if rd.cancel == nil {
		return
	}
	rd.cancel()
	rd.cancel = nil
	select {
	case <-rd.done:
	case <-time.After(10 * time.Second):
	}
}

func TestDaemon_DevFallbackLifecycle(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	rd := startDaemon(t, writeDevConfig(t, dir, port), ServeFlags{})
	ctx := context.Background()

	st, err := rd.client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.Status)

	st, err = rd.client.Start(ctx, client.StartRequest{})
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, port, st.Port)
	assert.Equal(t, "fallback", st.BackendName)

	prefs, err := rd.prefs.Load()
	require.NoError(t, err)
	assert.Equal(t, bridge.Preferences{Port: port, DevMode: true, AutoRestart: true}, prefs)

	logs, err := rd.client.Logs(ctx, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)

	require.NoError(t, rd.client.Stop(ctx))
	st, err = rd.client.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.Status)

	prefs, err = rd.prefs.Load()
	require.NoError(t, err)
	assert.False(t, prefs.AutoRestart)

	events, err := rd.client.History(ctx, 10)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, "stop", events[0].Type)
}

func TestDaemon_ResumesFromPreferences(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	path := writeDevConfig(t, dir, port)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, bridge.NewStore(cfg.PreferencesFile).Save(bridge.Preferences{Port: port, DevMode: true, AutoRestart: true}))

	rd := startDaemon(t, path, ServeFlags{})
	var st client.State
	require.Eventually(t, func() bool {
		st, err = rd.client.State(context.Background())
		return err == nil && st.Running
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, port, st.Port)

	// shutting the host down stops the server but keeps auto-restart on
	rd.shutdown()
	prefs, err := bridge.NewStore(cfg.PreferencesFile).Load()
	require.NoError(t, err)
	assert.True(t, prefs.AutoRestart)
}

func TestDaemon_NoResume(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	path := writeDevConfig(t, dir, port)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, bridge.NewStore(cfg.PreferencesFile).Save(bridge.Preferences{Port: port, DevMode: true, AutoRestart: true}))

	rd := startDaemon(t, path, ServeFlags{NoResume: true})
	st, err := rd.client.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stopped", st.Status)
}

func TestDaemon_StartFailureWithoutDevMode(t *testing.T) {
	dir := t.TempDir()
	rd := startDaemon(t, writeDevConfig(t, dir, freePort(t)), ServeFlags{DevMode: false, DevModeSet: true})

	_, err := rd.client.Start(context.Background(), client.StartRequest{})
	require.Error(t, err)
	var apiErr *client.APIError
	require.ErrorAs(t, err, &apiErr)
	require.NotNil(t, apiErr.State)
	assert.Equal(t, "error", apiErr.State.Status)
	assert.Contains(t, apiErr.State.LastError, "platform")
}

func TestApplyServeFlags(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)
	applyServeFlags(cfg, ServeFlags{Port: 9000, DevMode: true, DevModeSet: true, Listen: "0.0.0.0:1"})
	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.DevMode)
	assert.Equal(t, "0.0.0.0:1", cfg.Server.Listen)

	applyServeFlags(cfg, ServeFlags{})
	assert.Equal(t, 9000, cfg.Port)
	assert.True(t, cfg.DevMode)
}

func TestRunInstall_MissingBundle(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	err := runInstall(context.Background(), writeDevConfig(t, dir, 8080), &out)
	require.Error(t, err)
	assert.Empty(t, out.String())
}

func writeTestFile(t *testing.T, path, data string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}
