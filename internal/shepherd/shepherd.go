// Package shepherd runs the long-lived process that owns every
// pseudoterminal and child process, and the client that talks to it over a
// Unix socket.
package shepherd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tutodecode/termlab/internal/pty"
	"github.com/tutodecode/termlab/internal/sandbox"
)

// clientConn is one connected client: its socket, serialized writes and
// the runs it has in flight.
type clientConn struct {
	conn net.Conn
	mu   sync.Mutex

	runsMu sync.Mutex
	runs   map[string]context.CancelFunc // by request ID
}

func (cw *clientConn) trackRun(id string, cancel context.CancelFunc) {
	cw.runsMu.Lock()
	defer cw.runsMu.Unlock()
	cw.runs[id] = cancel
}

// finishRun forgets the run and releases its context.
func (cw *clientConn) finishRun(id string) {
	cw.runsMu.Lock()
	cancel, ok := cw.runs[id]
	delete(cw.runs, id)
	cw.runsMu.Unlock()
	if ok {
		cancel()
	}
}

func (cw *clientConn) cancelRun(id string) bool {
	cw.runsMu.Lock()
	defer cw.runsMu.Unlock()
	cancel, ok := cw.runs[id]
	if ok {
		cancel()
	}
	return ok
}

func (cw *clientConn) writeControl(msg any) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeControl(cw.conn, msg)
}

func (cw *clientConn) writeDataFrame(frameType byte, sessionID string, data []byte) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return writeDataFrame(cw.conn, frameType, sessionID, data)
}

// Options configures a Shepherd.
type Options struct {
	SocketPath string
	PidPath    string
	Sessions   *pty.Manager
	Runner     sandbox.Runner
	Logger     *log.Logger
}

// Shepherd is the long-lived process that owns PTY sessions and runs
// one-shot commands on behalf of its clients.
type Shepherd struct {
	socketPath string
	pidPath    string
	sessions   *pty.Manager
	runner     sandbox.Runner
	logger     *log.Logger

	// Connected clients that receive exit notifications
	clientMu sync.Mutex
	clients  map[*clientConn]struct{}

	wg sync.WaitGroup
}

// New creates a shepherd. Nothing is listening until Serve.
func New(opts Options) *Shepherd {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("shepherd")
	}
	return &Shepherd{
		socketPath: opts.SocketPath,
		pidPath:    opts.PidPath,
		sessions:   opts.Sessions,
		runner:     opts.Runner,
		logger:     logger,
		clients:    make(map[*clientConn]struct{}),
	}
}

// Serve listens on the socket until ctx is done, then destroys every
// session and removes the socket and pid files.
func (s *Shepherd) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := cleanStaleSocket(s.socketPath, s.pidPath, s.logger); err != nil {
		return fmt.Errorf("clean stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if s.pidPath != "" {
		if err := os.WriteFile(s.pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
			listener.Close()
			return fmt.Errorf("write pid file: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("listening", "socket", s.socketPath, "pid", os.Getpid())
	for {
		conn, err := listener.Accept()
		if err != nil {
			break // listener closed
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	s.logger.Info("shutting down")
	s.sessions.CloseAll()
	s.closeClients()
	s.wg.Wait()
	os.Remove(s.socketPath)
	if s.pidPath != "" {
		os.Remove(s.pidPath)
	}
	return nil
}

// handleConn serves one client. Runs it started are canceled when it
// disconnects.
func (s *Shepherd) handleConn(ctx context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cw := &clientConn{conn: conn, runs: make(map[string]context.CancelFunc)}

	s.clientMu.Lock()
	s.clients[cw] = struct{}{}
	s.clientMu.Unlock()

	defer func() {
		s.clientMu.Lock()
		delete(s.clients, cw)
		s.clientMu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			return // connection closed
		}

		switch frameType {
		case frameControl:
			s.handleControl(ctx, cw, payload)
		case frameInput:
			s.handleInput(payload)
		}
	}
}

func (s *Shepherd) handleControl(ctx context.Context, cw *clientConn, payload []byte) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logger.Warn("bad control message", "err", err)
		return
	}

	switch req.Command {
	case cmdPing:
		s.sendResponse(cw, Response{ID: req.ID, Event: evtPong})

	case cmdCreate:
		s.handleCreate(cw, req)

	case cmdWrite:
		if err := s.sessions.Write(req.SessionID, req.Data); err != nil {
			s.sendResponse(cw, errorResponse(req.ID, err))
			return
		}
		s.sendResponse(cw, Response{ID: req.ID, Event: evtWritten})

	case cmdRead:
		out, err := s.sessions.Read(req.SessionID)
		if err != nil {
			s.sendResponse(cw, errorResponse(req.ID, err))
			return
		}
		s.sendResponse(cw, Response{ID: req.ID, Event: evtOutput, Output: out})

	case cmdResize:
		if err := s.sessions.Resize(req.SessionID, req.Cols, req.Rows); err != nil {
			s.sendResponse(cw, errorResponse(req.ID, err))
			return
		}
		s.sendResponse(cw, Response{ID: req.ID, Event: evtResized})

	case cmdDestroy:
		if err := s.sessions.Destroy(req.SessionID); err != nil {
			s.sendResponse(cw, errorResponse(req.ID, err))
			return
		}
		s.sendResponse(cw, Response{ID: req.ID, Event: evtDestroyed})

	case cmdDestroyAll:
		s.sessions.CloseAll()
		s.sendResponse(cw, Response{ID: req.ID, Event: evtDestroyed})

	case cmdList:
		s.sendResponse(cw, Response{ID: req.ID, Event: evtList, Sessions: s.sessions.List()})

	case cmdSubscribe:
		s.handleSubscribe(cw, req)

	case cmdRun:
		// commands can run for a long time; keep reading this connection
		runCtx, cancel := context.WithCancel(ctx)
		cw.trackRun(req.ID, cancel)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer cw.finishRun(req.ID)
			s.handleRun(runCtx, cw, req)
		}()

	case cmdCancel:
		if cw.cancelRun(req.Target) {
			s.logger.Debug("run canceled by client", "request", req.Target)
		}
		s.sendResponse(cw, Response{ID: req.ID, Event: evtCanceled})

	default:
		s.sendResponse(cw, Response{ID: req.ID, Event: evtError, Code: codeInternal,
			Error: fmt.Sprintf("unknown command %q", req.Command)})
	}
}

func (s *Shepherd) handleCreate(cw *clientConn, req Request) {
	info, err := s.sessions.Create(req.Cols, req.Rows)
	if err != nil {
		s.sendResponse(cw, errorResponse(req.ID, err))
		return
	}

	// Notify every client when the shell exits
	if h := s.sessions.Get(info.ID); h != nil {
		go func() {
			<-h.Done()
			s.broadcastExit(info.ID)
		}()
	}

	s.sendResponse(cw, Response{ID: req.ID, Event: evtCreated, SessionID: info.ID, Session: &info})
}

func (s *Shepherd) handleSubscribe(cw *clientConn, req Request) {
	id := req.SessionID
	if id == "" {
		list := s.sessions.List()
		if len(list) > 0 {
			id = list[len(list)-1].ID
		}
	}
	h := s.sessions.Get(id)
	if id == "" || h == nil {
		s.sendResponse(cw, errorResponse(req.ID, pty.ErrNotInitialized))
		return
	}

	// Acknowledge subscription
	s.sendResponse(cw, Response{ID: req.ID, Event: evtSubscribed, SessionID: id})

	// Forward PTY output to this client via data frames
	ch, unsub := h.Subscribe()
	go func() {
		defer unsub()
		for data := range ch {
			if err := cw.writeDataFrame(frameData, id, data); err != nil {
				return
			}
		}
	}()
}

func (s *Shepherd) handleRun(ctx context.Context, cw *clientConn, req Request) {
	res, err := s.runner.Run(ctx, sandbox.Invocation{
		Name:    req.Name,
		Args:    req.Args,
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		s.sendResponse(cw, errorResponse(req.ID, err))
		return
	}
	s.sendResponse(cw, Response{
		ID:         req.ID,
		Event:      evtResult,
		Result:     &res,
		DurationMS: res.Duration.Milliseconds(),
	})
}

func (s *Shepherd) handleInput(payload []byte) {
	sessionID, data, err := parseDataPayload(payload)
	if err != nil {
		return
	}
	if err := s.sessions.Write(sessionID, data); err != nil {
		s.logger.Debug("drop input", "session", sessionID, "err", err)
	}
}

func (s *Shepherd) broadcastExit(sessionID string) {
	resp := Response{Event: evtExited, SessionID: sessionID}
	s.clientMu.Lock()
	clients := make([]*clientConn, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientMu.Unlock()

	for _, c := range clients {
		c.writeControl(resp)
	}
}

func (s *Shepherd) closeClients() {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	for c := range s.clients {
		c.conn.Close()
	}
}

func (s *Shepherd) sendResponse(cw *clientConn, resp Response) {
	if err := cw.writeControl(resp); err != nil {
		s.logger.Debug("send response", "event", resp.Event, "err", err)
	}
}

// cleanStaleSocket removes a stale socket file if the shepherd process is not running.
func cleanStaleSocket(socketPath, pidPath string, logger *log.Logger) error {
	if _, err := os.Stat(socketPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	// Try to connect to see if it's alive
	conn, err := net.Dial("unix", socketPath)
	if err == nil {
		conn.Close()
		return fmt.Errorf("shepherd already running (socket active)")
	}

	// Socket exists but can't connect, check PID file
	if pidData, err := os.ReadFile(pidPath); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(pidData))); err == nil && pid != os.Getpid() {
			if proc, err := os.FindProcess(pid); err == nil {
				if err := proc.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("shepherd already running (pid %d)", pid)
				}
			}
		}
	}

	logger.Info("removing stale socket", "socket", socketPath)
	os.Remove(socketPath)
	if pidPath != "" {
		os.Remove(pidPath)
	}
	return nil
}
