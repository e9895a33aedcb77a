package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"
	"github.com/google/uuid"
)

// DefaultKillGrace is how long a closed session's shell gets between
// SIGTERM and SIGKILL.
const DefaultKillGrace = 2 * time.Second

// State is the lifecycle state of a session.
type State int32

const (
	StateActive State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// StartOptions configures a new session.
type StartOptions struct {
	Cols, Rows uint16
	Shell      string // overrides $SHELL / %COMSPEC%
	Env        []string
	Dir        string
	Buffer     BufferLimits
	ChunkSize  int
	KillGrace  time.Duration
	Logger     *log.Logger
}

// Info describes a session for callers outside this package.
type Info struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Shell     string    `json:"shell"`
	Cols      uint16    `json:"cols"`
	Rows      uint16    `json:"rows"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

// Session is one interactive shell behind a pseudoterminal.
type Session struct {
	ID        string
	Shell     string
	CreatedAt time.Time

	cmd       *exec.Cmd
	ptmx      *os.File
	buf       *OutputBuffer
	killGrace time.Duration
	logger    *log.Logger

	done     chan struct{} // closed when the shell exits
	pumpDone chan struct{} // closed when the pump hits end-of-stream

	mu         sync.Mutex
	closed     bool
	cols, rows uint16
	exitCode   int

	subMu       sync.Mutex
	subscribers map[chan []byte]struct{}
	pumpEnded   bool
}

// Start spawns a shell on a new pseudoterminal sized cols x rows and starts
// the reader pump.
func Start(opts StartOptions) (*Session, error) {
	if opts.Cols == 0 || opts.Rows == 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, opts.Cols, opts.Rows)
	}
	shell, err := ResolveShell(opts.Shell)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(shell)
	cmd.Dir = opts.Dir
	cmd.Env = sessionEnv(opts.Env)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: opts.Rows, Cols: opts.Cols})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	killGrace := opts.KillGrace
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	id := uuid.NewString()
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("pty")
	}

	s := &Session{
		ID:          id,
		Shell:       shell,
		CreatedAt:   time.Now(),
		cmd:         cmd,
		ptmx:        ptmx,
		buf:         NewOutputBuffer(opts.Buffer),
		killGrace:   killGrace,
		logger:      logger.With("session", id),
		done:        make(chan struct{}),
		pumpDone:    make(chan struct{}),
		cols:        opts.Cols,
		rows:        opts.Rows,
		exitCode:    -1,
		subscribers: make(map[chan []byte]struct{}),
	}

	go func() {
		err := pump(ptmx, s.buf, opts.ChunkSize, s.broadcast)
		s.logger.Debug("reader pump stopped", "err", err)
		close(s.pumpDone)
		s.closeSubscribers()
	}()

	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		if cmd.ProcessState != nil {
			s.exitCode = cmd.ProcessState.ExitCode()
		}
		code := s.exitCode
		s.mu.Unlock()
		close(s.done)
		s.logger.Info("shell exited", "exit_code", code)
	}()

	s.logger.Info("session started", "shell", shell, "pid", cmd.Process.Pid, "cols", opts.Cols, "rows", opts.Rows)
	return s, nil
}

func sessionEnv(env []string) []string {
	if env == nil {
		env = os.Environ()
	}
	for _, kv := range env {
		if strings.HasPrefix(kv, "TERM=") {
			return env
		}
	}
	return append(env[:len(env):len(env)], "TERM=xterm-256color")
}

// Write forwards data verbatim to the shell's terminal input.
func (s *Session) Write(data []byte) (int, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrSessionClosed
	}

	n, err := s.ptmx.Write(data)
	if err != nil {
		if errors.Is(err, os.ErrClosed) {
			return n, ErrSessionClosed
		}
		return n, fmt.Errorf("write pty: %w", err)
	}
	return n, nil
}

// Snapshot returns a copy of the buffered output. It never blocks on I/O
// and does not consume anything.
func (s *Session) Snapshot() string {
	return s.buf.Snapshot()
}

// Resize propagates new dimensions to the pseudoterminal.
func (s *Session) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if err := pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	s.cols, s.rows = cols, rows
	return nil
}

// Done returns a channel that is closed when the shell exits.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State reports whether the session can still do I/O. A session whose pump
// reached end-of-stream is closed even though nobody destroyed it.
func (s *Session) State() State {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return StateClosed
	}
	select {
	case <-s.pumpDone:
		return StateClosed
	default:
		return StateActive
	}
}

// Info returns a description of the session.
func (s *Session) Info() Info {
	state := s.State()

	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:        s.ID,
		PID:       s.cmd.Process.Pid,
		Shell:     s.Shell,
		Cols:      s.cols,
		Rows:      s.rows,
		State:     state.String(),
		CreatedAt: s.CreatedAt,
	}
	select {
	case <-s.done:
		code := s.exitCode
		info.ExitCode = &code
	default:
	}
	return info
}

// Close releases the master side and terminates the shell: SIGTERM, then
// SIGKILL once the grace period passes. Escalation runs in the background
// so Close does not wait for the child. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.ptmx.Close()
	go s.terminate()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("close pty: %w", err)
	}
	return nil
}

func (s *Session) terminate() {
	select {
	case <-s.done:
		s.logger.Debug("shell already exited")
		return
	default:
	}

	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			s.logger.Debug("shell already exited")
			return
		}
		s.logger.Warn("send SIGTERM", "err", err)
	}

	timer := time.NewTimer(s.killGrace)
	defer timer.Stop()
	select {
	case <-s.done:
		return
	case <-timer.C:
	}

	s.logger.Warn("shell ignored SIGTERM, killing", "grace", s.killGrace)
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("kill shell", "err", err)
	}
}

// Subscribe returns a channel of live output and an unsubscribe function.
// The channel is closed when the pump ends.
func (s *Session) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 256)
	s.subMu.Lock()
	if s.pumpEnded {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	unsub := func() {
		s.subMu.Lock()
		delete(s.subscribers, ch)
		s.subMu.Unlock()
	}
	return ch, unsub
}

func (s *Session) broadcast(text string) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if len(s.subscribers) == 0 {
		return
	}
	data := []byte(text)
	for ch := range s.subscribers {
		select {
		case ch <- data:
		default:
			// slow subscriber, drop
		}
	}
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.pumpEnded = true
	for ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, ch)
	}
}
