// Package terminal owns interactive child processes attached to
// pseudo-terminals, keyed by session id.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/xiaot623/gogo/fleet/internal/domain"
	"github.com/xiaot623/gogo/fleet/internal/pubsub"
	"github.com/xiaot623/gogo/fleet/internal/ringbuf"
)

// Options describes the process to launch for a session.
type Options struct {
	Command string
	Args    []string
	Cwd     string
	Env     []string
	Cols    uint16
	Rows    uint16
}

// Config bounds the buffers kept by the manager.
type Config struct {
	MaxChunks    int
	MaxBytes     int
	RetainExited int
	DrainTimeout time.Duration
}

// DefaultConfig returns the buffer bounds used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxChunks:    1000,
		MaxBytes:     256 * 1024,
		RetainExited: 64,
		DrainTimeout: 2 * time.Second,
	}
}

type session struct {
	id       string
	cmd      *exec.Cmd
	ptmx     *os.File
	buf      *ringbuf.Buffer
	readDone chan struct{}
	done     chan struct{}

	mu     sync.Mutex
	exited bool
}

// Manager is the registry of live terminal sessions. A session is present in
// the registry exactly while its process is running.
type Manager struct {
	log *zap.Logger
	cfg Config
	bus *pubsub.Bus[Event]

	mu          sync.RWMutex
	sessions    map[string]*session
	exited      map[string]*ringbuf.Buffer
	exitedOrder []string
}

// NewManager creates an empty manager.
func NewManager(log *zap.Logger, cfg Config) *Manager {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultConfig().DrainTimeout
	}
	return &Manager{
		log:      log.Named("terminal"),
		cfg:      cfg,
		bus:      pubsub.NewBus[Event](),
		sessions: make(map[string]*session),
		exited:   make(map[string]*ringbuf.Buffer),
	}
}

// Create spawns the process for sessionID and returns its pid.
func (m *Manager) Create(sessionID string, opts Options) (int, error) {
	if sessionID == "" || opts.Command == "" {
		return 0, fmt.Errorf("%w: session id and command are required", domain.ErrInvalidArgument)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrDuplicateSession, sessionID)
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, opts.Env...)

	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 120
	}
	if rows == 0 {
		rows = 32
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return 0, &SpawnError{Reason: classifyStartError(err), Err: err}
	}

	s := &session{
		id:       sessionID,
		cmd:      cmd,
		ptmx:     ptmx,
		buf:      ringbuf.New(m.cfg.MaxChunks, m.cfg.MaxBytes),
		readDone: make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.sessions[sessionID] = s
	delete(m.exited, sessionID)

	go m.readLoop(s)
	go m.waitLoop(s)

	m.log.Info("session started",
		zap.String("session_id", sessionID),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("command", opts.Command))

	return cmd.Process.Pid, nil
}

func (m *Manager) readLoop(s *session) {
	defer close(s.readDone)

	buf := make([]byte, 32*1024)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.buf.Push(chunk)
			m.bus.Publish(OutputTopic(s.id), Event{
				SessionID: s.id,
				Kind:      EventOutput,
				Data:      chunk,
				At:        time.Now(),
			})
		}
		if err != nil {
			return
		}
	}
}

// waitLoop blocks on the OS exit notification, drains remaining output and
// removes the session from the registry.
func (m *Manager) waitLoop(s *session) {
	code := exitCode(s.cmd.Wait())

	select {
	case <-s.readDone:
	case <-time.After(m.cfg.DrainTimeout):
		m.log.Warn("output drain timed out", zap.String("session_id", s.id))
	}

	s.mu.Lock()
	s.exited = true
	_ = s.ptmx.Close()
	s.mu.Unlock()

	m.mu.Lock()
	if cur, ok := m.sessions[s.id]; ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.retain(s.id, s.buf)
	m.mu.Unlock()
	close(s.done)

	m.log.Info("session exited", zap.String("session_id", s.id), zap.Int("exit_code", code))

	ev := Event{SessionID: s.id, Kind: EventExit, ExitCode: code, At: time.Now()}
	m.bus.Publish(ExitTopic(s.id), ev)
	m.bus.Publish(TopicExit, ev)
}

// retain keeps the buffer of an exited session for late viewers. Caller holds m.mu.
func (m *Manager) retain(id string, buf *ringbuf.Buffer) {
	if m.cfg.RetainExited <= 0 {
		return
	}
	if _, ok := m.exited[id]; !ok {
		m.exitedOrder = append(m.exitedOrder, id)
	}
	m.exited[id] = buf
	for len(m.exitedOrder) > m.cfg.RetainExited {
		oldest := m.exitedOrder[0]
		m.exitedOrder = m.exitedOrder[1:]
		delete(m.exited, oldest)
	}
}

func (m *Manager) get(sessionID string) *session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Write sends input to the session. Writing to a session that is not running
// is logged and ignored.
func (m *Manager) Write(sessionID string, data []byte) error {
	s := m.get(sessionID)
	if s == nil {
		m.log.Warn("write to session that is not running", zap.String("session_id", sessionID))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		m.log.Warn("write to exited session", zap.String("session_id", sessionID))
		return nil
	}
	if _, err := s.ptmx.Write(data); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EIO) {
			m.log.Warn("write to closing session", zap.String("session_id", sessionID), zap.Error(err))
			return nil
		}
		return fmt.Errorf("write session %s: %w", sessionID, err)
	}
	return nil
}

// Resize changes the window size of the session. Resizing a session that is
// not running is logged and ignored.
func (m *Manager) Resize(sessionID string, cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("%w: cols and rows must be positive", domain.ErrInvalidArgument)
	}
	s := m.get(sessionID)
	if s == nil {
		m.log.Warn("resize of session that is not running", zap.String("session_id", sessionID))
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		m.log.Warn("resize of exited session", zap.String("session_id", sessionID))
		return nil
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return fmt.Errorf("resize session %s: %w", sessionID, err)
	}
	return nil
}

// Kill signals the session's process. A nil signal sends SIGTERM. Killing a
// session that is not running is a no-op.
func (m *Manager) Kill(sessionID string, sig os.Signal) error {
	s := m.get(sessionID)
	if s == nil {
		return nil
	}
	if sig == nil {
		sig = syscall.SIGTERM
	}
	if err := s.cmd.Process.Signal(sig); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return fmt.Errorf("signal session %s: %w", sessionID, err)
	}
	return nil
}

// Wait blocks until the session has exited or ctx is done. It returns
// immediately for sessions that are not running.
func (m *Manager) Wait(ctx context.Context, sessionID string) error {
	s := m.get(sessionID)
	if s == nil {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Buffer returns the buffered output of a running or recently exited session.
func (m *Manager) Buffer(sessionID string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s.buf.Bytes(), true
	}
	if buf, ok := m.exited[sessionID]; ok {
		return buf.Bytes(), true
	}
	return nil, false
}

// Has reports whether the session's process is running.
func (m *Manager) Has(sessionID string) bool {
	return m.get(sessionID) != nil
}

// List returns the ids of running sessions.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of running sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SubscribeOutput registers h for output chunks of one session.
func (m *Manager) SubscribeOutput(sessionID string, h pubsub.Handler[Event]) func() {
	return m.bus.Subscribe(OutputTopic(sessionID), h)
}

// SubscribeSessionExit registers h for the exit of one session.
func (m *Manager) SubscribeSessionExit(sessionID string, h pubsub.Handler[Event]) func() {
	return m.bus.Subscribe(ExitTopic(sessionID), h)
}

// SubscribeExit registers h for the exit of every session.
func (m *Manager) SubscribeExit(h pubsub.Handler[Event]) func() {
	return m.bus.Subscribe(TopicExit, h)
}

// Shutdown hangs up every running session and waits for them to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, id := range m.List() {
		if err := m.Kill(id, syscall.SIGHUP); err != nil {
			m.log.Warn("hangup failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	for _, id := range m.List() {
		if err := m.Wait(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}
