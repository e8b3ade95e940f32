// Package supervisor runs at most one game-server session at a time and
// publishes its lifecycle as immutable State snapshots.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/hostvisor/internal/backend"
	"github.com/loykin/hostvisor/internal/history"
	"github.com/loykin/hostvisor/internal/metrics"
	"github.com/loykin/hostvisor/internal/netaddr"
	"github.com/loykin/hostvisor/internal/oplog"
)

const historyTimeout = 2 * time.Second

// Supervisor orchestrates installer and backends. All lifecycle operations
// run under one mutex, so transitions are totally ordered and snapshots are
// only published from inside it.
type Supervisor struct {
	installer   Installer
	external    backend.Backend
	fallback    backend.Backend
	now         func() time.Time
	resolveHost netaddr.Resolver
	logCapacity int
	logger      *slog.Logger
	history     history.Sink
	log         *oplog.Log

	mu       sync.Mutex
	starting atomic.Bool
	sess     *session
	active   atomic.Pointer[session]

	stateMu sync.RWMutex
	state   State
	subs    map[int]chan State
	subID   int
}

// session is the active backend plus the exit channel it returned.
type session struct {
	b       backend.Backend
	exits   <-chan backend.Exit
	name    string
	port    int
	devMode bool
}

// New constructs a Supervisor in the Stopped state.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		now:         time.Now,
		resolveHost: netaddr.LANResolver(),
		logger:      slog.Default(),
		subs:        make(map[int]chan State),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = oplog.New(s.logCapacity, s.now)
	s.state = State{Status: StatusStopped, UpdatedAt: s.now()}
	metrics.SetCurrentState(string(StatusStopped), AllStatuses)
	return s
}

// State returns the current snapshot.
func (s *Supervisor) State() State {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Subscribe returns a channel that always holds the latest snapshot; slow
// readers skip intermediate states. The current state is delivered first.
func (s *Supervisor) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	s.stateMu.Lock()
	id := s.subID
	s.subID++
	s.subs[id] = ch
	ch <- s.state
	s.stateMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.stateMu.Lock()
			delete(s.subs, id)
			s.stateMu.Unlock()
			close(ch)
		})
	}
}

// Logs returns the retained operational log, oldest first.
func (s *Supervisor) Logs() []oplog.Entry { return s.log.Entries() }

// SubscribeLogs streams new operational log entries.
func (s *Supervisor) SubscribeLogs(buffer int) (<-chan oplog.Entry, func()) {
	return s.log.Subscribe(buffer)
}

// PID returns the process id of the running server, or 0.
func (s *Supervisor) PID() int {
	sess := s.active.Load()
	if sess == nil {
		return 0
	}
	if p, ok := sess.b.(backend.PIDer); ok {
		return p.PID()
	}
	return 0
}

// Start launches the server. A call made while another start is in flight
// or while a session is active is a logged no-op. Staging, spawn and early
// exit failures are returned and leave the supervisor in StatusError.
func (s *Supervisor) Start(ctx context.Context, port int, devMode bool) error {
	if !s.starting.CompareAndSwap(false, true) {
		s.logf("start ignored: already running or starting")
		return nil
	}
	defer s.starting.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx, port, devMode)
}

// Restart stops any active session and starts a new one in a single
// serialized step.
func (s *Supervisor) Restart(ctx context.Context, port int, devMode bool) error {
	if !s.starting.CompareAndSwap(false, true) {
		s.logf("restart ignored: already running or starting")
		return nil
	}
	defer s.starting.Store(false)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	return s.startLocked(ctx, port, devMode)
}

// Stop ends the active session. It never fails and always leaves the
// supervisor Stopped.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// HandleUnexpectedExit reports that the active session ended on its own.
// It is ignored when no session is active.
func (s *Supervisor) HandleUnexpectedExit(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitLocked(s.sess, code)
}

// RefreshReachableURL recomputes the URL while running and publishes only
// when it changed.
func (s *Supervisor) RefreshReachableURL() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.State()
	if cur.Status != StatusRunning {
		return
	}
	url := netaddr.URL(s.resolveHost(), cur.Port)
	if url == cur.ReachableURL {
		return
	}
	next := cur
	next.ReachableURL = url
	s.publish(next)
	s.logf("reachable URL changed: %s", url)
}

func (s *Supervisor) startLocked(ctx context.Context, port int, devMode bool) error {
	if s.sess != nil {
		s.logf("start ignored: already running or starting")
		return nil
	}
	s.publish(State{Status: StatusStarting, Port: port})
	s.logf("starting server on port %d (dev=%t)", port, devMode)

	b, err := s.resolve(ctx, devMode)
	if err != nil {
		return s.failStart(port, "", err)
	}
	exits, err := b.Start(ctx, backend.Options{Port: port, DevMode: devMode}, s.logLine)
	if err != nil {
		return s.failStart(port, b.Name(), err)
	}

	name := b.Name()
	if devMode {
		name += " (dev)"
	}
	sess := &session{b: b, exits: exits, name: name, port: port, devMode: devMode}
	s.sess = sess
	s.active.Store(sess)
	url := netaddr.URL(s.resolveHost(), port)
	s.publish(State{Running: true, Status: StatusRunning, Port: port, ReachableURL: url, BackendName: name})
	s.logf("server running at %s using %s backend", url, name)
	metrics.IncStart(b.Name())
	s.record(history.EventStart, history.Record{Backend: name, Port: port, Status: string(StatusRunning)})

	if exits != nil {
		go s.watch(sess)
	}
	return nil
}

// watch forwards the session's single exit, if any, into the state machine.
func (s *Supervisor) watch(sess *session) {
	for ex := range sess.exits {
		s.mu.Lock()
		s.exitLocked(sess, ex.Code)
		s.mu.Unlock()
	}
}

func (s *Supervisor) exitLocked(sess *session, code int) {
	if sess == nil || s.sess != sess {
		s.logf("ignoring stale exit notification (code %d)", code)
		return
	}
	s.sess = nil
	s.active.Store(nil)
	s.releaseBackend(sess)

	uerr := &backend.UnexpectedExitError{Backend: sess.name, Code: code}
	s.publish(State{Status: StatusError, Port: sess.port, BackendName: sess.name, ExitCode: code, LastError: uerr.Error()})
	s.logf("%v", uerr)
	metrics.IncUnexpectedExit(sess.b.Name())
	s.record(history.EventExit, history.Record{Backend: sess.name, Port: sess.port, Status: string(StatusError), ExitCode: code, Error: uerr.Error()})
}

func (s *Supervisor) stopLocked() {
	sess := s.sess
	if sess == nil {
		if cur := s.State(); cur.Status != StatusStopped {
			s.publish(State{Status: StatusStopped, Port: cur.Port})
		}
		s.logf("stop: server not running")
		return
	}
	s.sess = nil
	s.active.Store(nil)
	s.logf("stopping %s backend", sess.name)
	s.releaseBackend(sess)
	s.publish(State{Status: StatusStopped, Port: sess.port})
	s.logf("server stopped")
	metrics.IncStop(sess.b.Name())
	s.record(history.EventStop, history.Record{Backend: sess.name, Port: sess.port, Status: string(StatusStopped)})
}

// releaseBackend stops the backend, absorbing any panic it raises.
func (s *Supervisor) releaseBackend(sess *session) {
	defer func() {
		if r := recover(); r != nil {
			s.logf("backend stop failed: %v", r)
		}
	}()
	sess.b.Stop(s.logLine)
}

func (s *Supervisor) failStart(port int, name string, err error) error {
	class := backend.Classify(err.Error())
	code := 0
	var early *backend.EarlyExitError
	if errors.As(err, &early) {
		class, code = early.Class, early.Code
	}
	hint := backend.Hint(class, err.Error())
	wrapped := err
	if class != backend.ClassNone && class != backend.ClassUnknown && !strings.Contains(err.Error(), hint) {
		wrapped = fmt.Errorf("%s: %w", hint, err)
	}

	s.logf("start failed [%s]: %s", class, hint)
	s.logf("start error: %v", err)
	s.publish(State{Status: StatusError, Port: port, BackendName: name, ExitCode: code, LastError: wrapped.Error()})
	metrics.IncStartFailure(string(class))
	s.record(history.EventStartFailed, history.Record{Backend: name, Port: port, Status: string(StatusError), ExitCode: code, Error: wrapped.Error()})
	return wrapped
}

// publish replaces the snapshot and notifies subscribers. Callers hold s.mu.
func (s *Supervisor) publish(next State) {
	next.Running = next.Status == StatusRunning
	next.UpdatedAt = s.now()
	s.stateMu.Lock()
	prev := s.state.Status
	s.state = next
	for _, ch := range s.subs {
		select {
		case ch <- next:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- next:
			default:
			}
		}
	}
	s.stateMu.Unlock()
	if prev != next.Status {
		metrics.RecordStateTransition(string(prev), string(next.Status))
		metrics.SetCurrentState(string(next.Status), AllStatuses)
	}
}

func (s *Supervisor) record(t history.EventType, rec history.Record) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := s.history.Send(ctx, history.Event{Type: t, OccurredAt: s.now(), Record: rec}); err != nil {
		s.logger.Warn("history export failed", "event", string(t), "error", err)
	}
}

func (s *Supervisor) logf(format string, args ...any) {
	s.logLine(fmt.Sprintf(format, args...))
}

// logLine appends to the operational log and mirrors it to slog.
func (s *Supervisor) logLine(msg string) {
	s.log.Append(msg)
	s.logger.Info(msg, "component", "supervisor")
}
