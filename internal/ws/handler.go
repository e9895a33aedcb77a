package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/tutodecode/termlab/internal/pty"
)

type resizeMsg struct {
	Type string `json:"type"`
	Data struct {
		Cols uint16 `json:"cols"`
		Rows uint16 `json:"rows"`
	} `json:"data"`
}

// Handler bridges a websocket to a terminal session: the current output
// first, then live output. Binary frames are keystrokes, text frames are
// control messages.
type Handler struct {
	manager  pty.SessionManager
	upgrader websocket.Upgrader
	logger   *log.Logger
}

// NewHandler creates a bridge. checkOrigin vets the page opening the
// socket; nil applies gorilla's same-origin check.
func NewHandler(manager pty.SessionManager, checkOrigin func(*http.Request) bool, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default().WithPrefix("ws")
	}
	return &Handler{
		manager:  manager,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:   logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	if sessionID == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}
	logger := h.logger.With("session", sessionID)

	sess := h.manager.Get(sessionID)
	if sess == nil {
		logger.Debug("session not found")
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	logger.Info("client connected")

	// Subscribe before taking the snapshot so nothing falls in between;
	// a chunk may then appear twice, never zero times.
	outputCh, unsub := sess.Subscribe()
	defer unsub()

	var writeMu sync.Mutex
	send := func(msgType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteMessage(msgType, data)
	}

	if snap := sess.Snapshot(); snap != "" {
		if err := send(websocket.BinaryMessage, []byte(snap)); err != nil {
			logger.Warn("snapshot send failed", "err", err)
			return
		}
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	stop := make(chan struct{})

	// PTY output -> WebSocket (via subscriber channel)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case data, ok := <-outputCh:
				if !ok {
					logger.Debug("output channel closed")
					return
				}
				if err := send(websocket.BinaryMessage, data); err != nil {
					logger.Debug("write to client failed", "err", err)
					return
				}
			case <-stop:
				return
			}
		}
	}()

	// WebSocket -> PTY (binary = input, text = control)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for {
			msgType, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Debug("read from client failed", "err", err)
				return
			}
			switch msgType {
			case websocket.BinaryMessage:
				if _, err := sess.Write(msg); err != nil {
					logger.Warn("write input", "err", err)
				}
			case websocket.TextMessage:
				var resize resizeMsg
				if json.Unmarshal(msg, &resize) == nil && resize.Type == "resize" {
					if err := h.manager.Resize(sessionID, resize.Data.Cols, resize.Data.Rows); err != nil {
						logger.Warn("resize", "err", err)
					}
				}
			}
		}
	}()

	// Wait for session to end or WebSocket to close
	select {
	case <-done:
		logger.Info("client disconnected")
	case <-sess.Done():
		logger.Info("session ended")
		send(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"))
	}

	close(stop)
	conn.Close()
	wg.Wait()
}
