package shepherd

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tutodecode/termlab/internal/pty"
	"github.com/tutodecode/termlab/internal/sandbox"
)

// Frame types for the binary protocol.
const (
	frameControl byte = 0x01 // JSON control message
	frameData    byte = 0x02 // PTY output data: sessionID + text
	frameInput   byte = 0x03 // PTY input data: sessionID + raw bytes
)

const maxFrameSize = 10 * 1024 * 1024

// Command types for JSON control messages.
const (
	cmdPing       = "ping"
	cmdCreate     = "create"
	cmdWrite      = "write"
	cmdRead       = "read"
	cmdResize     = "resize"
	cmdDestroy    = "destroy"
	cmdDestroyAll = "destroy_all"
	cmdList       = "list"
	cmdSubscribe  = "subscribe"
	cmdRun        = "run"
	cmdCancel     = "cancel"
)

// Event types sent from shepherd to client.
const (
	evtPong       = "pong"
	evtCreated    = "created"
	evtWritten    = "written"
	evtOutput     = "output"
	evtResized    = "resized"
	evtDestroyed  = "destroyed"
	evtList       = "list"
	evtSubscribed = "subscribed"
	evtResult     = "result"
	evtCanceled   = "canceled"
	evtError      = "error"
	evtExited     = "exited" // shell exited, no request ID
)

// Error codes carried by evtError so the client can rebuild sentinel errors.
const (
	codeNotAllowed     = "not_allowed"
	codeNotInitialized = "not_initialized"
	codeExec           = "exec"
	codeClosed         = "closed"
	codeInvalidSize    = "invalid_size"
	codeShellNotFound  = "shell_not_found"
	codeInternal       = "internal"
)

// Request is a JSON control message from client to shepherd.
type Request struct {
	ID      string `json:"id"`      // request correlation ID
	Command string `json:"command"` // cmdCreate, cmdRead, etc.

	// Empty addresses the newest session.
	SessionID string `json:"session_id,omitempty"`

	// Create and resize fields
	Rows uint16 `json:"rows,omitempty"`
	Cols uint16 `json:"cols,omitempty"`

	// Write field
	Data []byte `json:"data,omitempty"`

	// Run fields
	Name      string   `json:"name,omitempty"`
	Args      []string `json:"args,omitempty"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"`

	// Cancel field: the ID of the run request to stop
	Target string `json:"target,omitempty"`
}

// Response is a JSON control message from shepherd to client.
type Response struct {
	ID    string `json:"id"`    // correlates with request ID
	Event string `json:"event"` // evtCreated, evtError, etc.

	// Error response
	Error  string               `json:"error,omitempty"`
	Code   string               `json:"code,omitempty"`
	Policy *sandbox.PolicyError `json:"policy,omitempty"`

	SessionID string     `json:"session_id,omitempty"`
	Session   *pty.Info  `json:"session,omitempty"`
	Sessions  []pty.Info `json:"sessions,omitempty"`
	Output    string     `json:"output,omitempty"`

	// Run response
	Result     *sandbox.Result `json:"result,omitempty"`
	DurationMS int64           `json:"duration_ms,omitempty"`
}

// Wire format:
//   [4 bytes big-endian length][1 byte frame type][payload]
// For frameControl: payload is JSON-encoded Request or Response
// For frameData/frameInput: payload is [session_id_len(1 byte)][session_id][raw data]

func writeFrame(w io.Writer, frameType byte, payload []byte) error {
	length := uint32(1 + len(payload)) // frame type + payload
	if length > maxFrameSize {
		return fmt.Errorf("frame too large: %d", length)
	}
	hdr := make([]byte, 5)
	binary.BigEndian.PutUint32(hdr, length)
	hdr[4] = frameType
	if _, err := w.Write(append(hdr, payload...)); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func writeControl(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return writeFrame(w, frameControl, data)
}

func writeDataFrame(w io.Writer, frameType byte, sessionID string, data []byte) error {
	if len(sessionID) > 255 {
		return fmt.Errorf("session id too long: %d", len(sessionID))
	}
	idBytes := []byte(sessionID)
	payload := make([]byte, 1+len(idBytes)+len(data))
	payload[0] = byte(len(idBytes))
	copy(payload[1:], idBytes)
	copy(payload[1+len(idBytes):], data)
	return writeFrame(w, frameType, payload)
}

func readFrame(r io.Reader) (byte, []byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, err
	}
	if length == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	if length > maxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return buf[0], buf[1:], nil
}

func parseDataPayload(payload []byte) (sessionID string, data []byte, err error) {
	if len(payload) < 1 {
		return "", nil, fmt.Errorf("data payload too short")
	}
	idLen := int(payload[0])
	if len(payload) < 1+idLen {
		return "", nil, fmt.Errorf("data payload too short for session ID")
	}
	sessionID = string(payload[1 : 1+idLen])
	data = payload[1+idLen:]
	return sessionID, data, nil
}

// errorResponse encodes err for the wire.
func errorResponse(id string, err error) Response {
	resp := Response{ID: id, Event: evtError, Error: err.Error(), Code: errorCode(err)}
	var policy *sandbox.PolicyError
	if errors.As(err, &policy) {
		resp.Policy = policy
	}
	return resp
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrNotAllowed):
		return codeNotAllowed
	case errors.Is(err, sandbox.ErrExec):
		return codeExec
	case errors.Is(err, pty.ErrNotInitialized):
		return codeNotInitialized
	case errors.Is(err, pty.ErrSessionClosed):
		return codeClosed
	case errors.Is(err, pty.ErrInvalidSize):
		return codeInvalidSize
	case errors.Is(err, pty.ErrShellNotFound):
		return codeShellNotFound
	default:
		return codeInternal
	}
}

// responseError turns an evtError response back into an error that matches
// the sentinel its code names. Run errors are rebuilt by the caller, which
// knows the command name.
func responseError(resp Response) error {
	var sentinel error
	switch resp.Code {
	case codeNotInitialized:
		sentinel = pty.ErrNotInitialized
	case codeClosed:
		sentinel = pty.ErrSessionClosed
	case codeInvalidSize:
		sentinel = pty.ErrInvalidSize
	case codeShellNotFound:
		sentinel = pty.ErrShellNotFound
	case codeNotAllowed:
		sentinel = sandbox.ErrNotAllowed
	case codeExec:
		sentinel = sandbox.ErrExec
	default:
		return fmt.Errorf("shepherd: %s", resp.Error)
	}
	return &remoteError{sentinel: sentinel, msg: resp.Error}
}

// remoteError keeps the shepherd's message while matching the local sentinel.
type remoteError struct {
	sentinel error
	msg      string
}

func (e *remoteError) Error() string { return "shepherd: " + e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
