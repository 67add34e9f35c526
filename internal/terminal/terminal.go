// Package terminal implements the Terminal Manager (spec C4): one PTY per
// spawned agent process, stdout/stderr multiplexed into structured event
// streams with per-subscriber backpressure, and a spawn circuit breaker.
//
// There is no teacher analogue for PTY allocation — haricheung-agentic-shell
// never forks a child process of its own, it only calls out to an HTTP LLM
// endpoint or shells out synchronously via RunShell
// (internal/tools/shell.go). This package keeps that helper's shape
// (exec.CommandContext, explicit timeout, stdout/stderr capture, untrimmed) but
// generalizes it to a long-lived, streamed, multi-subscriber session backed
// by github.com/creack/pty — named in SPEC_FULL.md §2.1 as the one
// out-of-pack dependency with no in-pack grounding, because no retrieved
// repo allocates a real PTY.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/haricheung/numerus/internal/bus"
)

// Errors matching spec §7.
var (
	ErrSpawnCircuitOpen = errors.New("terminal: spawn circuit open")
	ErrSpawnFailed      = errors.New("terminal: spawn failed")
)

// EventKind enumerates the TerminalEvent variants of spec §4.3.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventStdout  EventKind = "stdout"
	EventStderr  EventKind = "stderr"
	EventExit    EventKind = "exit"
	EventError   EventKind = "error"
)

// TerminalEvent is one item in a session's event stream.
type TerminalEvent struct {
	Kind      EventKind
	SessionID string
	Timestamp time.Time
	Chunk     []byte
	Pid       int
	ExitCode  int
	ErrorKind string
}

const subscriberRingSize = 256

type subscriber struct {
	ch chan TerminalEvent
}

func newSubscriber() *subscriber {
	return &subscriber{ch: make(chan TerminalEvent, subscriberRingSize)}
}

// deliver sends ev to the subscriber, dropping the oldest buffered event
// (and surfacing error(kind=overflow)) rather than ever block the publisher
// (spec §4.3 backpressure guarantee).
func (s *subscriber) deliver(ev TerminalEvent) {
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Buffer full: drop oldest, retry, and tell the subscriber it happened.
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	overflow := TerminalEvent{Kind: EventError, SessionID: ev.SessionID, Timestamp: time.Now().UTC(), ErrorKind: "overflow"}
	select {
	case s.ch <- overflow:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- overflow:
		default:
		}
	}
}

// Session is one spawned agent process.
type Session struct {
	ID     string
	cmd    *exec.Cmd
	master fileReadWriter
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[uint64]*subscriber
	nextSub  uint64
	exited   bool
	exitCode int
}

// fileReadWriter is the subset of *os.File the session needs; exists so
// tests can substitute an in-memory pipe instead of a real PTY.
type fileReadWriter interface {
	io.Reader
	io.Writer
	io.Closer
}

func (s *Session) broadcast(ev TerminalEvent) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.deliver(ev)
	}
}

// Stats mirrors spec §4.3 stats() → {active, spawned_total, exits_by_code}.
type Stats struct {
	Active       int
	SpawnedTotal int
	ExitsByCode  map[int]int
}

// Manager owns every active Session and the spawn circuit breaker.
type Manager struct {
	b *bus.Bus

	mu           sync.Mutex
	sessions     map[string]*Session
	spawnedTotal int
	exitsByCode  map[int]int

	breaker *circuitBreaker
}

// New creates a Manager. failureThreshold/window/cooldown parameterize the
// spawn circuit breaker (spec §4.3: "≥K within T seconds").
func New(b *bus.Bus, failureThreshold int, window, cooldown time.Duration) *Manager {
	return &Manager{
		b:           b,
		sessions:    make(map[string]*Session),
		exitsByCode: make(map[int]int),
		breaker:     newCircuitBreaker(failureThreshold, window, cooldown),
	}
}

// Spawn allocates a PTY for stdin/stdout and a separate pipe for stderr
// (so the two streams can be tracked independently per spec §4.3/§5), forks
// argv[0] with argv[1:], writes stdinText once ready, and returns the new
// session's handle. timeout <= 0 means no per-call timeout; internal/runner
// passes its per-phase timeout here.
func (m *Manager) Spawn(ctx context.Context, argv []string, cwd string, env []string, stdinText string, timeout time.Duration) (*Session, error) {
	if !m.breaker.allow() {
		return nil, ErrSpawnCircuitOpen
	}
	var cancel context.CancelFunc = func() {}
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env

	ptm, tty, err := pty.Open()
	if err != nil {
		cancel()
		m.breaker.recordFailure()
		return nil, fmt.Errorf("%w: open pty: %v", ErrSpawnFailed, err)
	}
	cmd.Stdin = tty
	cmd.Stdout = tty

	stderrR, stderrW, err := osPipe()
	if err != nil {
		ptm.Close()
		tty.Close()
		cancel()
		m.breaker.recordFailure()
		return nil, fmt.Errorf("%w: open stderr pipe: %v", ErrSpawnFailed, err)
	}
	cmd.Stderr = stderrW
	setControllingTTY(cmd)

	if err := cmd.Start(); err != nil {
		ptm.Close()
		tty.Close()
		stderrR.Close()
		stderrW.Close()
		cancel()
		m.breaker.recordFailure()
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	tty.Close()
	stderrW.Close()
	m.breaker.recordSuccess()

	sess := &Session{
		ID:     uuid.New().String(),
		cmd:    cmd,
		master: ptm,
		cancel: cancel,
		subs:   make(map[uint64]*subscriber),
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.spawnedTotal++
	m.mu.Unlock()

	sess.broadcast(TerminalEvent{Kind: EventStarted, SessionID: sess.ID, Timestamp: time.Now().UTC(), Pid: cmd.Process.Pid})
	m.publishBus(EventStarted, sess.ID, cmd.Process.Pid, 0, "")

	if stdinText != "" {
		go func() {
			_, _ = io.WriteString(ptm, stdinText)
		}()
	}

	go m.pump(sess, ptm, EventStdout)
	go m.pump(sess, stderrR, EventStderr)
	go m.waitAndFinish(sess)

	return sess, nil
}

func (m *Manager) pump(sess *Session, r io.Reader, kind EventKind) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			ev := TerminalEvent{Kind: kind, SessionID: sess.ID, Timestamp: time.Now().UTC(), Chunk: chunk}
			sess.broadcast(ev)
			m.publishBus(kind, sess.ID, 0, 0, "")
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) waitAndFinish(sess *Session) {
	err := sess.cmd.Wait()
	code := exitCodeOf(err)
	sess.cancel()

	sess.mu.Lock()
	sess.exited = true
	sess.exitCode = code
	sess.mu.Unlock()

	sess.master.Close()

	m.mu.Lock()
	m.exitsByCode[code]++
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	sess.broadcast(TerminalEvent{Kind: EventExit, SessionID: sess.ID, Timestamp: time.Now().UTC(), ExitCode: code})
	m.publishBus(EventExit, sess.ID, 0, code, "")
	log.Printf("[TERMINAL] session=%s exited code=%d", sess.ID, code)
}

// Subscribe returns a live-forward stream of events for sessionID and an
// unsubscribe function. Equivalent to Attach per spec §9 ("attach is
// live-forward only, no replay").
func (m *Manager) Subscribe(sessionID string) (<-chan TerminalEvent, func(), error) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("terminal: unknown session %s", sessionID)
	}

	sub := newSubscriber()
	sess.mu.Lock()
	id := sess.nextSub
	sess.nextSub++
	sess.subs[id] = sub
	sess.mu.Unlock()

	unsubscribe := func() {
		sess.mu.Lock()
		delete(sess.subs, id)
		sess.mu.Unlock()
	}
	return sub.ch, unsubscribe, nil
}

// Attach is an alias of Subscribe — see spec §9 Open Questions.
func (m *Manager) Attach(sessionID string) (<-chan TerminalEvent, func(), error) {
	return m.Subscribe(sessionID)
}

// Send writes data to the child's stdin via the PTY master.
func (m *Manager) Send(sessionID string, data []byte) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("terminal: unknown session %s", sessionID)
	}
	_, err := sess.master.Write(data)
	return err
}

// Kill delivers sig to the session's process (not to its process group, so
// children the process started are not signalled). Standard shutdown is
// SIGTERM followed by SIGKILL after a grace period (spec §5) — the caller
// (internal/runner) drives that two-step sequence with two Kill calls.
func (m *Manager) Kill(sessionID string, sig syscall.Signal) error {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("terminal: unknown session %s", sessionID)
	}
	if sess.cmd.Process == nil {
		return nil
	}
	return sess.cmd.Process.Signal(sig)
}

// Stats returns a snapshot of spawn/exit counters (spec §4.3 stats()).
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	exits := make(map[int]int, len(m.exitsByCode))
	for k, v := range m.exitsByCode {
		exits[k] = v
	}
	return Stats{Active: len(m.sessions), SpawnedTotal: m.spawnedTotal, ExitsByCode: exits}
}

func (m *Manager) publishBus(kind EventKind, sessionID string, pid, exitCode int, errKind string) {
	m.b.Publish("terminal."+string(kind), TerminalEvent{
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Pid:       pid,
		ExitCode:  exitCode,
		ErrorKind: errKind,
	})
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
