package shepherd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tutodecode/termlab/internal/pty"
	"github.com/tutodecode/termlab/internal/sandbox"
)

// ErrClientClosed is returned for requests on a closed or dropped connection.
var ErrClientClosed = errors.New("shepherd client closed")

// Client connects to the shepherd and implements pty.SessionManager and
// sandbox.Runner.
type Client struct {
	conn   net.Conn
	connMu sync.Mutex // serialize writes
	logger *log.Logger

	// Pending request-response correlation
	pendingMu sync.Mutex
	pending   map[string]chan Response

	// Per-session subscriber channels and done channels
	sessionMu      sync.Mutex
	sessionSubs    map[string][]chan []byte // PTY output subscribers per session
	sessionDone    map[string]chan struct{} // done channels per session
	shepherdSubbed map[string]bool          // true if cmdSubscribe already sent for this session

	reqCounter atomic.Uint64
	closeOnce  sync.Once
	closed     chan struct{}
}

// NewClient connects to the shepherd at the given socket path.
func NewClient(socketPath string, logger *log.Logger) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, time.Second)
	if err != nil {
		return nil, fmt.Errorf("connect to shepherd: %w", err)
	}
	if logger == nil {
		logger = log.Default().WithPrefix("shepherd-client")
	}

	c := &Client{
		conn:           conn,
		logger:         logger,
		pending:        make(map[string]chan Response),
		sessionSubs:    make(map[string][]chan []byte),
		sessionDone:    make(map[string]chan struct{}),
		shepherdSubbed: make(map[string]bool),
		closed:         make(chan struct{}),
	}

	go c.readLoop()
	return c, nil
}

// Close disconnects from the shepherd. Sessions keep running there.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

// Ping checks if the shepherd is responsive.
func (c *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := c.sendRequest(ctx, Request{Command: cmdPing})
	if err != nil {
		return err
	}
	if resp.Event != evtPong {
		return fmt.Errorf("unexpected response: %s", resp.Event)
	}
	return nil
}

// Create implements pty.SessionManager.
func (c *Client) Create(cols, rows uint16) (pty.Info, error) {
	resp, err := c.call(Request{Command: cmdCreate, Cols: cols, Rows: rows})
	if err != nil {
		return pty.Info{}, err
	}
	if resp.Session == nil {
		return pty.Info{}, fmt.Errorf("shepherd: create returned no session")
	}

	c.sessionMu.Lock()
	if _, ok := c.sessionDone[resp.SessionID]; !ok {
		c.sessionDone[resp.SessionID] = make(chan struct{})
	}
	c.sessionMu.Unlock()
	return *resp.Session, nil
}

// Write implements pty.SessionManager.
func (c *Client) Write(id string, data []byte) error {
	_, err := c.call(Request{Command: cmdWrite, SessionID: id, Data: data})
	return err
}

// Read implements pty.SessionManager.
func (c *Client) Read(id string) (string, error) {
	resp, err := c.call(Request{Command: cmdRead, SessionID: id})
	if err != nil {
		return "", err
	}
	return resp.Output, nil
}

// Resize implements pty.SessionManager.
func (c *Client) Resize(id string, cols, rows uint16) error {
	_, err := c.call(Request{Command: cmdResize, SessionID: id, Cols: cols, Rows: rows})
	return err
}

// Destroy implements pty.SessionManager.
func (c *Client) Destroy(id string) error {
	if _, err := c.call(Request{Command: cmdDestroy, SessionID: id}); err != nil {
		return err
	}
	if id != "" {
		c.forget(id)
	}
	return nil
}

// List implements pty.SessionManager.
func (c *Client) List() []pty.Info {
	resp, err := c.call(Request{Command: cmdList})
	if err != nil {
		c.logger.Warn("list sessions", "err", err)
		return []pty.Info{}
	}
	if resp.Sessions == nil {
		return []pty.Info{}
	}
	return resp.Sessions
}

// Get implements pty.SessionManager.
func (c *Client) Get(id string) pty.SessionHandle {
	list := c.List()
	var info *pty.Info
	for i := range list {
		if list[i].ID == id || (id == "" && i == len(list)-1) {
			info = &list[i]
			break
		}
	}
	if info == nil {
		return nil
	}

	c.sessionMu.Lock()
	done, ok := c.sessionDone[info.ID]
	if !ok {
		done = make(chan struct{})
		c.sessionDone[info.ID] = done
	}
	if info.ExitCode != nil {
		closeDone(done)
	}
	c.sessionMu.Unlock()

	return &ProxySession{client: c, sessionID: info.ID}
}

// CloseAll implements pty.SessionManager.
func (c *Client) CloseAll() {
	if _, err := c.call(Request{Command: cmdDestroyAll}); err != nil {
		c.logger.Warn("destroy all sessions", "err", err)
		return
	}
	c.sessionMu.Lock()
	ids := make([]string, 0, len(c.sessionDone))
	for id := range c.sessionDone {
		ids = append(ids, id)
	}
	c.sessionMu.Unlock()
	for _, id := range ids {
		c.forget(id)
	}
}

// Run implements sandbox.Runner. Canceling ctx stops the command in the
// shepherd.
func (c *Client) Run(ctx context.Context, inv sandbox.Invocation) (sandbox.Result, error) {
	req := Request{
		ID:        c.nextReqID(),
		Command:   cmdRun,
		Name:      inv.Name,
		Args:      inv.Args,
		TimeoutMS: inv.Timeout.Milliseconds(),
	}
	resp, err := c.sendRequest(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			c.cancelRun(req.ID)
		}
		return sandbox.Result{ExitCode: -1}, &sandbox.ExecError{Name: inv.Name, Err: err}
	}
	if resp.Event == evtError {
		return sandbox.Result{ExitCode: -1}, runError(inv, resp)
	}
	if resp.Result == nil {
		return sandbox.Result{ExitCode: -1}, &sandbox.ExecError{Name: inv.Name, Err: errors.New("shepherd returned no result")}
	}
	res := *resp.Result
	res.Duration = time.Duration(resp.DurationMS) * time.Millisecond
	return res, nil
}

func runError(inv sandbox.Invocation, resp Response) error {
	switch resp.Code {
	case codeNotAllowed:
		if resp.Policy != nil {
			return resp.Policy
		}
		return &sandbox.PolicyError{Name: inv.Name}
	case codeExec:
		return &sandbox.ExecError{Name: inv.Name, Err: responseError(Response{Error: resp.Error})}
	default:
		return responseError(resp)
	}
}

// cancelRun asks the shepherd to stop a run. Its reply is not awaited.
func (c *Client) cancelRun(runID string) {
	c.connMu.Lock()
	err := writeControl(c.conn, Request{ID: c.nextReqID(), Command: cmdCancel, Target: runID})
	c.connMu.Unlock()
	if err != nil {
		c.logger.Debug("cancel run", "request", runID, "err", err)
	}
}

func (c *Client) forget(id string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if done, ok := c.sessionDone[id]; ok {
		closeDone(done)
		delete(c.sessionDone, id)
	}
	for _, ch := range c.sessionSubs[id] {
		close(ch)
	}
	delete(c.sessionSubs, id)
	delete(c.shepherdSubbed, id)
}

func closeDone(done chan struct{}) {
	select {
	case <-done:
	default:
		close(done)
	}
}

func (c *Client) nextReqID() string {
	return fmt.Sprintf("r%d", c.reqCounter.Add(1))
}

// call sends req and converts an error event into a Go error.
func (c *Client) call(req Request) (Response, error) {
	resp, err := c.sendRequest(context.Background(), req)
	if err != nil {
		return Response{}, err
	}
	if resp.Event == evtError {
		return resp, responseError(resp)
	}
	return resp, nil
}

func (c *Client) sendRequest(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = c.nextReqID()
	}

	// Register pending response channel
	ch := make(chan Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}()

	// Send request
	c.connMu.Lock()
	err := writeControl(c.conn, req)
	c.connMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}

	// Wait for response
	select {
	case resp := <-ch:
		return resp, nil
	case <-c.closed:
		return Response{}, ErrClientClosed
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (c *Client) writeInput(sessionID string, data []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return writeDataFrame(c.conn, frameInput, sessionID, data)
}

func (c *Client) readLoop() {
	defer c.Close()

	reader := bufio.NewReader(c.conn)
	for {
		frameType, payload, err := readFrame(reader)
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("connection lost", "err", err)
			}
			return
		}

		switch frameType {
		case frameControl:
			c.handleControlFrame(payload)
		case frameData:
			c.handleDataFrame(payload)
		}
	}
}

func (c *Client) handleControlFrame(payload []byte) {
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		c.logger.Warn("bad control message", "err", err)
		return
	}

	// Check if this is an exit notification (no request ID)
	if resp.Event == evtExited && resp.ID == "" {
		c.sessionMu.Lock()
		if done, ok := c.sessionDone[resp.SessionID]; ok {
			closeDone(done)
		}
		c.sessionMu.Unlock()
		return
	}

	// Route response to pending request
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) handleDataFrame(payload []byte) {
	sessionID, data, err := parseDataPayload(payload)
	if err != nil {
		return
	}

	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	for _, ch := range c.sessionSubs[sessionID] {
		select {
		case ch <- data:
		default:
		}
	}
}

func (c *Client) subscribe(sessionID string) (<-chan []byte, func()) {
	ch := make(chan []byte, 256)

	c.sessionMu.Lock()
	c.sessionSubs[sessionID] = append(c.sessionSubs[sessionID], ch)
	needSubscribe := !c.shepherdSubbed[sessionID]
	if needSubscribe {
		c.shepherdSubbed[sessionID] = true
	}
	c.sessionMu.Unlock()

	// Only tell the shepherd on the first local subscriber. The shepherd-side
	// forwarder lives as long as this connection.
	if needSubscribe {
		if _, err := c.call(Request{Command: cmdSubscribe, SessionID: sessionID}); err != nil {
			c.logger.Warn("subscribe", "session", sessionID, "err", err)
		}
	}

	unsub := func() {
		c.sessionMu.Lock()
		defer c.sessionMu.Unlock()
		subs := c.sessionSubs[sessionID]
		for i, s := range subs {
			if s == ch {
				c.sessionSubs[sessionID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}
	return ch, unsub
}

// Done returns a channel that is closed when the given session exits.
func (c *Client) Done(sessionID string) <-chan struct{} {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	ch, ok := c.sessionDone[sessionID]
	if !ok {
		ch = make(chan struct{})
		c.sessionDone[sessionID] = ch
	}
	return ch
}

// ProxySession implements pty.SessionHandle by proxying to the shepherd.
type ProxySession struct {
	client    *Client
	sessionID string
}

func (p *ProxySession) Snapshot() string {
	out, err := p.client.Read(p.sessionID)
	if err != nil {
		return ""
	}
	return out
}

func (p *ProxySession) Subscribe() (<-chan []byte, func()) {
	return p.client.subscribe(p.sessionID)
}

func (p *ProxySession) Write(data []byte) (int, error) {
	if err := p.client.writeInput(p.sessionID, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

func (p *ProxySession) Done() <-chan struct{} {
	return p.client.Done(p.sessionID)
}

// Compile-time interface checks.
var (
	_ pty.SessionManager = (*Client)(nil)
	_ pty.SessionHandle  = (*ProxySession)(nil)
	_ sandbox.Runner     = (*Client)(nil)
)
