package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/hostvisor/internal/detector"
	"github.com/loykin/hostvisor/internal/env"
	"github.com/loykin/hostvisor/internal/install"
	"github.com/loykin/hostvisor/internal/logger"
)

// ExternalConfig configures the external process backend.
type ExternalConfig struct {
	Paths   install.Paths
	WorkDir string
	// Env is the base environment; nil inherits the host environment.
	Env         *env.Env
	GracePeriod time.Duration
	StopTimeout time.Duration
	KillTimeout time.Duration
	// Logs optionally tees the child's output to rotating files.
	Logs logger.FileConfig
	// PIDFile records the running child; a live process found there at the
	// next start is a leftover from a crashed host and gets terminated.
	// Defaults to server.pid next to the executable.
	PIDFile string
}

const pidFileName = "server.pid"

// drainSettle bounds how long output is collected after the child exited;
// descendants that inherited the pipes can keep them open indefinitely.
const drainSettle = 250 * time.Millisecond

// ExternalProcess runs the staged server executable as a child process.
type ExternalProcess struct {
	cfg ExternalConfig

	mu   sync.Mutex
	sess *session
}

// NewExternal returns an ExternalProcess with defaults applied.
func NewExternal(cfg ExternalConfig) *ExternalProcess {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = DefaultKillTimeout
	}
	if cfg.Env == nil {
		cfg.Env = env.New()
	}
	if cfg.PIDFile == "" && cfg.Paths.Executable != "" {
		cfg.PIDFile = filepath.Join(filepath.Dir(cfg.Paths.Executable), pidFileName)
	}
	return &ExternalProcess{cfg: cfg}
}

func (b *ExternalProcess) Name() string { return NameExternal }

// PID returns the child's process id, or 0 when nothing is running.
func (b *ExternalProcess) PID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess == nil || b.sess.cmd.Process == nil {
		return 0
	}
	return b.sess.cmd.Process.Pid
}

// session is the handle of one spawned child: the command, its two drain
// goroutines and the exit watcher.
type session struct {
	cmd      *exec.Cmd
	logf     LogFunc
	pidFile  string
	pipes    []io.Closer
	writers  []io.Closer
	exits    chan Exit
	waitDone chan struct{} // closed after cmd.Wait returned
	drained  chan struct{} // closed after both drains returned

	mu         sync.Mutex
	armed      bool // grace period passed; exits are published
	stopping   bool
	exited     bool
	code       int
	lastStderr string
}

// Start spawns the executable and waits the grace period before declaring
// it up.
func (b *ExternalProcess) Start(ctx context.Context, opts Options, logf LogFunc) (<-chan Exit, error) {
	logf = orDiscard(logf)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sess != nil {
		return nil, &SpawnError{Path: b.cfg.Paths.Executable, Err: errors.New("server process already running")}
	}
	if err := b.preflight(logf); err != nil {
		return nil, err
	}
	b.reapOrphan(logf)

	p := b.cfg.Paths
	cmd := exec.Command(p.Executable, Args(p, opts)...)
	cmd.Dir = b.cfg.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(p.Executable)
	}
	cmd.Env = b.cfg.Env.Merge(LaunchEnv(opts))
	configureSysProcAttr(cmd)

	// The child writes straight into os.Pipe ends, so cmd.Wait reports the
	// exit without waiting for stream EOF.
	stdout, childOut, err := os.Pipe()
	if err != nil {
		return nil, &SpawnError{Path: p.Executable, Err: err}
	}
	stderr, childErr, err := os.Pipe()
	if err != nil {
		closeAll(stdout, childOut)
		return nil, &SpawnError{Path: p.Executable, Err: err}
	}
	cmd.Stdout = childOut
	cmd.Stderr = childErr
	outW, errW, _ := b.cfg.Logs.Writers(strings.TrimSuffix(filepath.Base(p.Executable), ".exe"))

	logf(fmt.Sprintf("starting %s on port %d (dev=%t)", p.Executable, opts.Port, opts.DevMode))
	err = cmd.Start()
	closeAll(childOut, childErr)
	if err != nil {
		closeAll(stdout, stderr, outW, errW)
		return nil, &SpawnError{Path: p.Executable, Err: err}
	}

	if b.cfg.PIDFile != "" {
		if err := (detector.PIDFile{Path: b.cfg.PIDFile}).Write(cmd.Process.Pid, p.Executable); err != nil {
			logf("write pid file failed: " + err.Error())
		}
	}
	s := &session{
		cmd:      cmd,
		logf:     logf,
		pidFile:  b.cfg.PIDFile,
		pipes:    []io.Closer{stdout, stderr},
		exits:    make(chan Exit, 1),
		waitDone: make(chan struct{}),
		drained:  make(chan struct{}),
	}
	for _, w := range []io.WriteCloser{outW, errW} {
		if w != nil {
			s.writers = append(s.writers, w)
		}
	}
	var g errgroup.Group
	g.Go(func() error { return s.drain(stdout, "[out]", outW, false) })
	g.Go(func() error { return s.drain(stderr, "[err]", errW, true) })
	go s.watch(&g)

	timer := time.NewTimer(b.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-s.waitDone:
	case <-timer.C:
	case <-ctx.Done():
		b.teardown(s, logf)
		return nil, ctx.Err()
	}

	s.mu.Lock()
	if !s.exited {
		s.armed = true
		s.mu.Unlock()
		b.sess = s
		logf(fmt.Sprintf("server process %d is up", cmd.Process.Pid))
		return s.exits, nil
	}
	code := s.code
	s.mu.Unlock()

	<-s.drained
	s.closeWriters()
	last := s.lastStderrLine()
	class, hint := Describe(last)
	if hint != "" {
		logf(fmt.Sprintf("server exited during startup (code %d): %s", code, hint))
	} else {
		logf(fmt.Sprintf("server exited during startup (code %d)", code))
	}
	return nil, &EarlyExitError{Code: code, Class: class, Stderr: last}
}

// Stop terminates the running child, escalating to a kill after StopTimeout.
func (b *ExternalProcess) Stop(logf LogFunc) {
	logf = orDiscard(logf)
	b.mu.Lock()
	s := b.sess
	b.sess = nil
	b.mu.Unlock()
	if s == nil {
		logf("stop: no server process running")
		return
	}
	b.teardown(s, logf)
}

func (b *ExternalProcess) teardown(s *session, logf LogFunc) {
	s.mu.Lock()
	s.stopping = true
	exited := s.exited
	s.mu.Unlock()

	proc := s.cmd.Process
	if exited {
		logf("server process already exited")
	} else {
		if err := terminateGroup(proc); err != nil {
			logf("terminate failed: " + err.Error())
		}
		select {
		case <-s.waitDone:
		case <-time.After(b.cfg.StopTimeout):
			logf(fmt.Sprintf("%v after %s, killing process %d", ErrStopTimeout, b.cfg.StopTimeout, proc.Pid))
			if err := killGroup(proc); err != nil {
				logf("kill failed: " + err.Error())
			}
			select {
			case <-s.waitDone:
			case <-time.After(b.cfg.KillTimeout):
				logf(fmt.Sprintf("process %d still alive after kill", proc.Pid))
			}
		}
	}

	select {
	case <-s.drained:
	default:
		// descendants may still hold the pipes open
		for _, c := range s.pipes {
			_ = c.Close()
		}
		<-s.drained
	}
	s.closeWriters()

	s.mu.Lock()
	code, done := s.code, s.exited
	s.mu.Unlock()
	if done {
		logf(fmt.Sprintf("server stopped (exit code %d)", code))
	} else {
		logf("server stop finished, process not reaped yet")
	}
}

func (s *session) drain(r io.Reader, prefix string, tee io.Writer, isStderr bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if tee != nil {
			_, _ = io.WriteString(tee, line+"\n")
		}
		if isStderr && strings.TrimSpace(line) != "" {
			s.mu.Lock()
			s.lastStderr = line
			s.mu.Unlock()
		}
		s.logf(prefix + " " + line)
	}
	if err := sc.Err(); err != nil {
		s.mu.Lock()
		quiet := s.stopping
		s.mu.Unlock()
		if !quiet && !errors.Is(err, os.ErrClosed) {
			s.logf(prefix + " stream read failed: " + err.Error())
		}
	}
	return nil
}

// watch is the only caller of cmd.Wait. It joins the drains before
// publishing, but gives up on stream EOF after drainSettle.
func (s *session) watch(g *errgroup.Group) {
	go func() {
		_ = g.Wait()
		close(s.drained)
	}()
	err := s.cmd.Wait()
	code := exitCode(err)
	if s.pidFile != "" {
		_ = detector.PIDFile{Path: s.pidFile}.Remove()
	}

	s.mu.Lock()
	s.exited = true
	s.code = code
	s.mu.Unlock()
	close(s.waitDone)
	s.settle(drainSettle)

	s.mu.Lock()
	publish := s.armed && !s.stopping
	s.mu.Unlock()
	if publish {
		s.logf(fmt.Sprintf("server process exited with code %d", code))
		s.exits <- Exit{Code: code, Err: err}
	}
	close(s.exits)
}

// settle waits up to d for both drains, then closes the read ends so the
// drains return even while descendants hold the write ends.
func (s *session) settle(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.drained:
	case <-t.C:
		for _, c := range s.pipes {
			_ = c.Close()
		}
		<-s.drained
	}
}

func (s *session) lastStderrLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStderr
}

func (s *session) closeWriters() {
	for _, w := range s.writers {
		_ = w.Close()
	}
	s.writers = nil
}

func (b *ExternalProcess) preflight(logf LogFunc) error {
	p := b.cfg.Paths
	fi, err := os.Stat(p.Executable)
	if err != nil {
		return &SpawnError{Path: p.Executable, Err: fmt.Errorf("server executable missing: %w", err)}
	}
	if fi.IsDir() {
		return &SpawnError{Path: p.Executable, Err: errors.New("server executable is a directory")}
	}
	if fi.Mode().Perm()&0o111 == 0 {
		logf("marking server executable as runnable")
		if err := os.Chmod(p.Executable, 0o755); err != nil {
			return &SpawnError{Path: p.Executable, Err: err}
		}
	}
	required := []struct {
		path string
		dir  bool
	}{
		{filepath.Join(p.AssetsRoot, "decks"), true},
		{filepath.Join(p.ClientDist, "index.html"), false},
		{p.SpecialsFile, false},
	}
	for _, r := range required {
		fi, err := os.Stat(r.path)
		if err != nil || fi.IsDir() != r.dir {
			return &SpawnError{Path: r.path, Err: errors.New("required runtime asset missing")}
		}
	}
	return nil
}

// reapOrphan terminates a server left running by an earlier host run, so
// the new one does not fail on an occupied port.
func (b *ExternalProcess) reapOrphan(logf LogFunc) {
	if b.cfg.PIDFile == "" {
		return
	}
	pf := detector.PIDFile{Path: b.cfg.PIDFile}
	pid, err := pf.Orphan()
	switch {
	case err != nil:
		logf("ignoring unreadable pid file: " + err.Error())
	case pid == os.Getpid():
	case pid > 0:
		logf(fmt.Sprintf("terminating server process %d left by a previous run", pid))
		if proc, err := os.FindProcess(pid); err == nil {
			_ = terminateGroup(proc)
			if !waitGone(pid, b.cfg.StopTimeout) {
				_ = killGroup(proc)
				if !waitGone(pid, b.cfg.KillTimeout) {
					logf(fmt.Sprintf("process %d still alive after kill", pid))
				}
			}
		}
	}
	_ = pf.Remove()
}

func waitGone(pid int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for detector.PIDAlive(pid) {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(25 * time.Millisecond)
	}
	return true
}

// Args builds the command line for the server executable.
func Args(p install.Paths, opts Options) []string {
	args := []string{
		"-port", strconv.Itoa(opts.Port),
		"-assets-root", p.AssetsRoot,
		"-client-dist", p.ClientDist,
		"-scenarios-root", p.ScenariosRoot,
		"-specials-file", p.SpecialsFile,
	}
	if opts.DevMode {
		args = append(args, "-enable-dev-scenarios")
	}
	return args
}

// LaunchEnv mirrors the command line as environment variables.
func LaunchEnv(opts Options) env.Var {
	mode := "prod"
	if opts.DevMode {
		mode = "dev_tab"
	}
	return env.Var{
		"PORT":                        strconv.Itoa(opts.Port),
		"BUNKER_ENABLE_DEV_SCENARIOS": strconv.FormatBool(opts.DevMode),
		"BUNKER_IDENTITY_MODE":        mode,
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func closeAll(cs ...io.Closer) {
	for _, c := range cs {
		if c != nil {
			_ = c.Close()
		}
	}
}
