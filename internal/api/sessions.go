package api

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"

	"github.com/tutodecode/termlab/internal/models"
	"github.com/tutodecode/termlab/internal/pty"
)

// SessionsHandler exposes the interactive terminal operations. Requests
// without an id address the newest session.
type SessionsHandler struct {
	manager     pty.SessionManager
	defaultCols uint16
	defaultRows uint16
	logger      *log.Logger
}

func NewSessionsHandler(manager pty.SessionManager, defaultCols, defaultRows uint16, logger *log.Logger) *SessionsHandler {
	if logger == nil {
		logger = log.Default().WithPrefix("api")
	}
	return &SessionsHandler{manager: manager, defaultCols: defaultCols, defaultRows: defaultRows, logger: logger}
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.manager.List())
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var body models.CreateSessionRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &body) {
		return
	}
	if body.Cols == 0 && body.Rows == 0 {
		body.Cols, body.Rows = h.defaultCols, h.defaultRows
	}

	info, err := h.manager.Create(body.Cols, body.Rows)
	if err != nil {
		h.logger.Warn("create session", "err", err)
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, info)
}

func (h *SessionsHandler) HandleInput(w http.ResponseWriter, r *http.Request) {
	var body models.InputRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.manager.Write(body.ID, []byte(body.Data)); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleOutput(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	out, err := h.manager.Read(id)
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, models.OutputResponse{ID: id, Output: out})
}

func (h *SessionsHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	var body models.ResizeRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.manager.Resize(body.ID, body.Cols, body.Rows); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDelete destroys the session named in the path, or the newest one.
// It succeeds whether or not the session existed.
func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.manager.Destroy(id); err != nil {
		WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
