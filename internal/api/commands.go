package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/tutodecode/termlab/internal/history"
	"github.com/tutodecode/termlab/internal/models"
	"github.com/tutodecode/termlab/internal/sandbox"
	"github.com/tutodecode/termlab/internal/whitelist"
)

// HistoryReader is the read side of the command history.
type HistoryReader interface {
	Recent(ctx context.Context, n int) ([]history.Entry, error)
	Metrics(ctx context.Context) (history.Metrics, error)
}

// CommandsHandler exposes the one-shot executor and its history.
type CommandsHandler struct {
	runner  sandbox.Runner
	history HistoryReader
	logger  *log.Logger
}

func NewCommandsHandler(runner sandbox.Runner, hist HistoryReader, logger *log.Logger) *CommandsHandler {
	if logger == nil {
		logger = log.Default().WithPrefix("api")
	}
	return &CommandsHandler{runner: runner, history: hist, logger: logger}
}

func (h *CommandsHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	var body models.RunCommandRequest
	if !decodeBody(w, r, &body) {
		return
	}
	if body.Name == "" {
		WriteError(w, http.StatusBadRequest, "name is required")
		return
	}
	if body.TimeoutSecs < 0 {
		WriteError(w, http.StatusBadRequest, "timeout_secs must not be negative")
		return
	}

	res, err := h.runner.Run(r.Context(), sandbox.Invocation{
		Name:    body.Name,
		Args:    body.Args,
		Timeout: time.Duration(body.TimeoutSecs) * time.Second,
	})
	if err != nil {
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, models.RunCommandResponse{
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ExitCode:   res.ExitCode,
		DurationMS: res.Duration.Milliseconds(),
		TimedOut:   res.TimedOut,
	})
}

func (h *CommandsHandler) HandleAllowed(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, models.CommandsResponse{Allowed: whitelist.Names()})
}

func (h *CommandsHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	entries, err := h.history.Recent(r.Context(), limit)
	if err != nil {
		h.logger.Error("read history", "err", err)
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, entries)
}

func (h *CommandsHandler) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.history.Metrics(r.Context())
	if err != nil {
		h.logger.Error("read metrics", "err", err)
		WriteErr(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, m)
}
