package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"

	"github.com/tutodecode/termlab/internal/models"
	"github.com/tutodecode/termlab/internal/pty"
	"github.com/tutodecode/termlab/internal/sandbox"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, models.ErrorResponse{Error: msg})
}

// WriteErr maps a domain error onto a status code and error code.
func WriteErr(w http.ResponseWriter, err error) {
	status, code := classify(err)
	WriteJSON(w, status, models.ErrorResponse{Error: err.Error(), Code: code})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, sandbox.ErrNotAllowed):
		return http.StatusForbidden, "not_allowed"
	case errors.Is(err, sandbox.ErrExec):
		return http.StatusUnprocessableEntity, "exec"
	case errors.Is(err, pty.ErrNotInitialized):
		return http.StatusNotFound, "not_initialized"
	case errors.Is(err, pty.ErrSessionClosed):
		return http.StatusConflict, "closed"
	case errors.Is(err, pty.ErrInvalidSize):
		return http.StatusBadRequest, "invalid_size"
	case errors.Is(err, pty.ErrShellNotFound):
		return http.StatusInternalServerError, "shell_not_found"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "application/json" {
		WriteJSON(w, http.StatusUnsupportedMediaType, models.ErrorResponse{
			Error: "content type must be application/json",
			Code:  "unsupported_media_type",
		})
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}
