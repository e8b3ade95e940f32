package backend

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/hostvisor/internal/detector"
	"github.com/loykin/hostvisor/internal/env"
	"github.com/loykin/hostvisor/internal/install"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

// waitUntil polls fn until it returns true or timeout expires.
func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return false
}

type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *logRecorder) logf(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, msg)
}

func (r *logRecorder) contains(sub string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

// stageFake lays out a runtime tree and a shell script posing as the server.
func stageFake(t *testing.T, script string) install.Paths {
	t.Helper()
	root := t.TempDir()
	rt := filepath.Join(root, "runtime")
	p := install.Paths{
		Executable:    filepath.Join(root, "server", "game-server"),
		RuntimeRoot:   rt,
		AssetsRoot:    filepath.Join(rt, "assets"),
		ClientDist:    filepath.Join(rt, "client", "dist"),
		ScenariosRoot: filepath.Join(rt, "scenarios"),
		SpecialsFile:  filepath.Join(rt, "scenarios", "classic", "SPECIAL_CONDITIONS.json"),
	}
	files := map[string]string{
		filepath.Join(p.AssetsRoot, "decks", "base.json"): "{}",
		filepath.Join(p.ClientDist, "index.html"):         "<html></html>",
		p.SpecialsFile: "[]",
		p.Executable:   "#!/bin/sh\n" + script + "\n",
	}
	for path, body := range files {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	}
	return p
}

func newTestExternal(p install.Paths) *ExternalProcess {
	return NewExternal(ExternalConfig{
		Paths:       p,
		Env:         env.New(),
		GracePeriod: 150 * time.Millisecond,
		StopTimeout: 500 * time.Millisecond,
		KillTimeout: 500 * time.Millisecond,
	})
}

func TestExternal_StartAndStop(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, `echo "listening on $PORT mode=$BUNKER_IDENTITY_MODE dev=$BUNKER_ENABLE_DEV_SCENARIOS"
echo "args: $*"
exec sleep 30`)
	b := newTestExternal(p)
	rec := &logRecorder{}

	exits, err := b.Start(context.Background(), Options{Port: 18080, DevMode: true}, rec.logf)
	require.NoError(t, err)
	require.NotNil(t, exits)
	assert.Greater(t, b.PID(), 0)
	assert.True(t, waitUntil(2*time.Second, 20*time.Millisecond, func() bool {
		return rec.contains("[out] listening on 18080 mode=dev_tab dev=true") &&
			rec.contains("-specials-file "+p.SpecialsFile+" -enable-dev-scenarios")
	}))

	b.Stop(rec.logf)
	assert.Equal(t, 0, b.PID())
	_, open := <-exits
	assert.False(t, open, "caller-initiated stop must not publish an exit")
	assert.True(t, rec.contains("server stopped"))
}

func TestExternal_EarlyExitIsClassified(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, `echo "starting" 
echo "listen tcp :18081: bind: address already in use" >&2
exit 3`)
	b := newTestExternal(p)
	rec := &logRecorder{}

	exits, err := b.Start(context.Background(), Options{Port: 18081}, rec.logf)
	require.Error(t, err)
	assert.Nil(t, exits)
	var early *EarlyExitError
	require.True(t, errors.As(err, &early))
	assert.Equal(t, 3, early.Code)
	assert.Equal(t, ClassPortInUse, early.Class)
	assert.Contains(t, err.Error(), "port already occupied")
	assert.True(t, rec.contains("[err] listen tcp :18081: bind: address already in use"))
	assert.Equal(t, 0, b.PID())

	// backend is reusable after an early exit
	b.Stop(rec.logf)
	assert.True(t, rec.contains("no server process running"))
}

func TestExternal_UnexpectedExitPublishedOnce(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, `sleep 0.5
echo "fatal: lost state" >&2
exit 7`)
	b := newTestExternal(p)
	rec := &logRecorder{}

	exits, err := b.Start(context.Background(), Options{Port: 18082}, rec.logf)
	require.NoError(t, err)

	select {
	case ex, ok := <-exits:
		require.True(t, ok)
		assert.Equal(t, 7, ex.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("no exit published")
	}
	_, open := <-exits
	assert.False(t, open)

	b.Stop(rec.logf)
	assert.True(t, rec.contains("already exited"))
}

func TestExternal_EarlyExitWhileDescendantHoldsPipes(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, `sleep 3 &
echo "listen tcp :18086: bind: address already in use" >&2
exit 1`)
	b := newTestExternal(p)
	rec := &logRecorder{}

	start := time.Now()
	exits, err := b.Start(context.Background(), Options{Port: 18086}, rec.logf)
	require.Error(t, err)
	assert.Nil(t, exits)
	assert.Less(t, time.Since(start), 2*time.Second)
	var early *EarlyExitError
	require.True(t, errors.As(err, &early))
	assert.Equal(t, 1, early.Code)
	assert.Equal(t, ClassPortInUse, early.Class)
	assert.Equal(t, 0, b.PID())
}

func TestExternal_UnexpectedExitWhileDescendantHoldsPipes(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, `sleep 0.4
sleep 5 &
echo "fatal: lost state" >&2
exit 7`)
	b := newTestExternal(p)
	rec := &logRecorder{}

	exits, err := b.Start(context.Background(), Options{Port: 18087}, rec.logf)
	require.NoError(t, err)

	select {
	case ex, ok := <-exits:
		require.True(t, ok)
		assert.Equal(t, 7, ex.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("exit not published while a descendant kept the pipes open")
	}
	assert.True(t, rec.contains("[err] fatal: lost state"))
	b.Stop(rec.logf)
}

func TestExternal_StopEscalatesToKill(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, `trap '' TERM
echo ready
while true; do sleep 0.1; done`)
	b := newTestExternal(p)
	rec := &logRecorder{}

	_, err := b.Start(context.Background(), Options{Port: 18083}, rec.logf)
	require.NoError(t, err)
	start := time.Now()
	b.Stop(rec.logf)
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.True(t, rec.contains(ErrStopTimeout.Error()))
	assert.True(t, rec.contains("server stopped"))
}

func TestExternal_MissingExecutable(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, "exit 0")
	require.NoError(t, os.Remove(p.Executable))
	_, err := newTestExternal(p).Start(context.Background(), Options{Port: 1}, nil)
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, p.Executable, se.Path)
}

func TestExternal_MissingMarker(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, "exit 0")
	require.NoError(t, os.Remove(filepath.Join(p.ClientDist, "index.html")))
	_, err := newTestExternal(p).Start(context.Background(), Options{Port: 1}, nil)
	var se *SpawnError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, filepath.Join(p.ClientDist, "index.html"), se.Path)
	assert.Contains(t, err.Error(), "required runtime asset missing")
}

func TestExternal_ChmodsNonExecutable(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, "exec sleep 30")
	require.NoError(t, os.Chmod(p.Executable, 0o644))
	b := newTestExternal(p)
	rec := &logRecorder{}
	_, err := b.Start(context.Background(), Options{Port: 18084}, rec.logf)
	require.NoError(t, err)
	defer b.Stop(nil)
	fi, err := os.Stat(p.Executable)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode().Perm()&0o100)
	assert.True(t, rec.contains("marking server executable as runnable"))
}

func TestExternal_StopWithoutStart(t *testing.T) {
	b := NewExternal(ExternalConfig{})
	assert.NotPanics(t, func() { b.Stop(nil) })
	assert.Equal(t, 0, b.PID())
}

func TestExternal_ContextCancelledDuringGrace(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, "exec sleep 30")
	b := NewExternal(ExternalConfig{Paths: p, GracePeriod: 5 * time.Second, StopTimeout: 500 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := b.Start(ctx, Options{Port: 18085}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, b.PID())
}

func TestExternal_PIDFileFollowsSession(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, "exec sleep 30")
	b := newTestExternal(p)
	pidPath := filepath.Join(filepath.Dir(p.Executable), "server.pid")

	_, err := b.Start(context.Background(), Options{Port: 18090}, nil)
	require.NoError(t, err)
	pid, _, err := detector.PIDFile{Path: pidPath}.Read()
	require.NoError(t, err)
	assert.Equal(t, b.PID(), pid)

	b.Stop(nil)
	_, err = os.Stat(pidPath)
	assert.True(t, os.IsNotExist(err), "pid file must be removed once the process is gone")
}

func TestExternal_ReapsOrphanFromPreviousRun(t *testing.T) {
	requireUnix(t)
	p := stageFake(t, "exec sleep 30")
	pidPath := filepath.Join(t.TempDir(), "server.pid")

	orphan := exec.Command("sleep", "30")
	configureSysProcAttr(orphan)
	require.NoError(t, orphan.Start())
	reaped := make(chan struct{})
	go func() {
		_ = orphan.Wait()
		close(reaped)
	}()
	require.NoError(t, detector.PIDFile{Path: pidPath}.Write(orphan.Process.Pid, p.Executable))

	b := NewExternal(ExternalConfig{
		Paths:       p,
		GracePeriod: 150 * time.Millisecond,
		StopTimeout: 500 * time.Millisecond,
		KillTimeout: 500 * time.Millisecond,
		PIDFile:     pidPath,
	})
	rec := &logRecorder{}
	_, err := b.Start(context.Background(), Options{Port: 18091}, rec.logf)
	require.NoError(t, err)
	defer b.Stop(nil)

	select {
	case <-reaped:
	case <-time.After(3 * time.Second):
		t.Fatal("orphaned server was not terminated")
	}
	assert.True(t, rec.contains(fmt.Sprintf("terminating server process %d left by a previous run", orphan.Process.Pid)))
	pid, _, err := detector.PIDFile{Path: pidPath}.Read()
	require.NoError(t, err)
	assert.Equal(t, b.PID(), pid, "pid file now records the new server")
}

func TestArgsAndLaunchEnv(t *testing.T) {
	p := install.Paths{AssetsRoot: "/a", ClientDist: "/c", ScenariosRoot: "/s", SpecialsFile: "/s/f.json"}
	assert.Equal(t,
		[]string{"-port", "9000", "-assets-root", "/a", "-client-dist", "/c", "-scenarios-root", "/s", "-specials-file", "/s/f.json"},
		Args(p, Options{Port: 9000}))
	assert.Equal(t, "-enable-dev-scenarios", Args(p, Options{Port: 1, DevMode: true})[10])

	assert.Equal(t, env.Var{"PORT": "9000", "BUNKER_ENABLE_DEV_SCENARIOS": "false", "BUNKER_IDENTITY_MODE": "prod"},
		LaunchEnv(Options{Port: 9000}))
	assert.Equal(t, "dev_tab", LaunchEnv(Options{DevMode: true})["BUNKER_IDENTITY_MODE"])
}
