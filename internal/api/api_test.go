package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutodecode/termlab/internal/history"
	"github.com/tutodecode/termlab/internal/models"
	"github.com/tutodecode/termlab/internal/pty"
	"github.com/tutodecode/termlab/internal/sandbox"
)

// fakeManager records calls and answers from canned values.
type fakeManager struct {
	created     [][2]uint16
	writes      map[string]string
	output      string
	err         error
	destroyed   []string
	resizedTo   [2]uint16
	createdInfo pty.Info
}

func (f *fakeManager) Create(cols, rows uint16) (pty.Info, error) {
	f.created = append(f.created, [2]uint16{cols, rows})
	if cols == 0 || rows == 0 {
		return pty.Info{}, fmt.Errorf("%w: %dx%d", pty.ErrInvalidSize, cols, rows)
	}
	return f.createdInfo, f.err
}

func (f *fakeManager) Write(id string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	if f.writes == nil {
		f.writes = map[string]string{}
	}
	f.writes[id] += string(data)
	return nil
}

func (f *fakeManager) Read(string) (string, error) { return f.output, f.err }

func (f *fakeManager) Resize(_ string, cols, rows uint16) error {
	f.resizedTo = [2]uint16{cols, rows}
	return f.err
}

func (f *fakeManager) Destroy(id string) error {
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeManager) Get(string) pty.SessionHandle { return nil }
func (f *fakeManager) List() []pty.Info             { return []pty.Info{f.createdInfo} }
func (f *fakeManager) CloseAll()                    {}

type fakeRunner struct {
	got sandbox.Invocation
	res sandbox.Result
	err error
}

func (f *fakeRunner) Run(_ context.Context, inv sandbox.Invocation) (sandbox.Result, error) {
	f.got = inv
	return f.res, f.err
}

type fakeHistory struct {
	entries []history.Entry
	asked   int
}

func (f *fakeHistory) Recent(_ context.Context, n int) ([]history.Entry, error) {
	f.asked = n
	return f.entries, nil
}

func (f *fakeHistory) Metrics(context.Context) (history.Metrics, error) {
	return history.Metrics{CommandsExecuted: 4, ErrorsCount: 1, ErrorRate: 25}, nil
}

func newRouter(m *fakeManager, run *fakeRunner, hist *fakeHistory) http.Handler {
	sessions := NewSessionsHandler(m, 80, 24, nil)
	commands := NewCommandsHandler(run, hist, nil)

	r := chi.NewRouter()
	r.Post("/api/sessions", sessions.HandleCreate)
	r.Get("/api/sessions", sessions.HandleList)
	r.Post("/api/sessions/input", sessions.HandleInput)
	r.Get("/api/sessions/output", sessions.HandleOutput)
	r.Post("/api/sessions/resize", sessions.HandleResize)
	r.Delete("/api/sessions", sessions.HandleDelete)
	r.Delete("/api/sessions/{id}", sessions.HandleDelete)
	r.Post("/api/commands", commands.HandleRun)
	r.Get("/api/commands", commands.HandleAllowed)
	r.Get("/api/history", commands.HandleHistory)
	r.Get("/api/metrics", commands.HandleMetrics)
	return r
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestCreateSessionUsesDefaultsWhenSizeOmitted(t *testing.T) {
	m := &fakeManager{createdInfo: pty.Info{ID: "s1", Cols: 80, Rows: 24, State: "active"}}
	h := newRouter(m, &fakeRunner{}, &fakeHistory{})

	w := do(t, h, http.MethodPost, "/api/sessions", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(t, h, http.MethodPost, "/api/sessions", models.CreateSessionRequest{Cols: 120, Rows: 40})
	require.Equal(t, http.StatusCreated, w.Code)

	assert.Equal(t, [][2]uint16{{80, 24}, {120, 40}}, m.created)

	var info pty.Info
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	assert.Equal(t, "s1", info.ID)
}

func TestCreateSessionInvalidSize(t *testing.T) {
	h := newRouter(&fakeManager{}, &fakeRunner{}, &fakeHistory{})

	w := do(t, h, http.MethodPost, "/api/sessions", models.CreateSessionRequest{Cols: 80})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_size", decodeError(t, w).Code)
}

func TestSessionIOWithoutSession(t *testing.T) {
	m := &fakeManager{err: pty.ErrNotInitialized}
	h := newRouter(m, &fakeRunner{}, &fakeHistory{})

	for _, tc := range []struct {
		method, path string
		body         any
	}{
		{http.MethodPost, "/api/sessions/input", models.InputRequest{Data: "ls\n"}},
		{http.MethodGet, "/api/sessions/output", nil},
		{http.MethodPost, "/api/sessions/resize", models.ResizeRequest{Cols: 80, Rows: 24}},
	} {
		w := do(t, h, tc.method, tc.path, tc.body)
		assert.Equal(t, http.StatusNotFound, w.Code, tc.path)
		assert.Equal(t, "not_initialized", decodeError(t, w).Code, tc.path)
	}

	w := do(t, h, http.MethodDelete, "/api/sessions", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestSessionIO(t *testing.T) {
	m := &fakeManager{output: "$ echo hi\r\nhi\r\n"}
	h := newRouter(m, &fakeRunner{}, &fakeHistory{})

	w := do(t, h, http.MethodPost, "/api/sessions/input", models.InputRequest{ID: "s1", Data: "echo hi\n"})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "echo hi\n", m.writes["s1"])

	w = do(t, h, http.MethodGet, "/api/sessions/output?id=s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out models.OutputResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	assert.Equal(t, "$ echo hi\r\nhi\r\n", out.Output)
	assert.Equal(t, "s1", out.ID)

	w = do(t, h, http.MethodPost, "/api/sessions/resize", models.ResizeRequest{Cols: 100, Rows: 30})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, [2]uint16{100, 30}, m.resizedTo)

	w = do(t, h, http.MethodDelete, "/api/sessions/s1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = do(t, h, http.MethodDelete, "/api/sessions", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"s1", ""}, m.destroyed)
}

func TestBadJSON(t *testing.T) {
	h := newRouter(&fakeManager{}, &fakeRunner{}, &fakeHistory{})

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/input", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBodiesMustBeJSON(t *testing.T) {
	m := &fakeManager{createdInfo: pty.Info{ID: "s1"}}
	run := &fakeRunner{}
	h := newRouter(m, run, &fakeHistory{})

	for _, tc := range []struct {
		path, contentType, body string
	}{
		{"/api/sessions", "text/plain", `{"cols":80,"rows":24}`},
		{"/api/sessions/input", "text/plain", `{"data":"echo hi\n"}`},
		{"/api/sessions/input", "", `{"data":"echo hi\n"}`},
		{"/api/sessions/resize", "application/x-www-form-urlencoded", `{"cols":80,"rows":24}`},
		{"/api/commands", "multipart/form-data; boundary=x", `{"name":"ls"}`},
	} {
		req := httptest.NewRequest(http.MethodPost, tc.path, strings.NewReader(tc.body))
		if tc.contentType != "" {
			req.Header.Set("Content-Type", tc.contentType)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code, "%s %q", tc.path, tc.contentType)
		assert.Equal(t, "unsupported_media_type", decodeError(t, w).Code)
	}

	assert.Empty(t, m.created)
	assert.Empty(t, m.writes)
	assert.Equal(t, [2]uint16{}, m.resizedTo)
	assert.Empty(t, run.got.Name)

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/input", strings.NewReader(`{"data":"ls\n"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRunCommand(t *testing.T) {
	run := &fakeRunner{res: sandbox.Result{Stdout: "a\nb\n", ExitCode: 0, Duration: 15 * time.Millisecond}}
	h := newRouter(&fakeManager{}, run, &fakeHistory{})

	w := do(t, h, http.MethodPost, "/api/commands", models.RunCommandRequest{
		Name: "ls", Args: []string{"-la"}, TimeoutSecs: 5,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, sandbox.Invocation{Name: "ls", Args: []string{"-la"}, Timeout: 5 * time.Second}, run.got)

	var resp models.RunCommandResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "a\nb\n", resp.Stdout)
	assert.Equal(t, int64(15), resp.DurationMS)
}

func TestRunCommandErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"policy", &sandbox.PolicyError{Name: "rm"}, http.StatusForbidden, "not_allowed"},
		{"exec", &sandbox.ExecError{Name: "git", Err: errors.New("no such file")}, http.StatusUnprocessableEntity, "exec"},
		{"other", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRouter(&fakeManager{}, &fakeRunner{err: tt.err}, &fakeHistory{})
			w := do(t, h, http.MethodPost, "/api/commands", models.RunCommandRequest{Name: "x"})
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, decodeError(t, w).Code)
		})
	}

	h := newRouter(&fakeManager{}, &fakeRunner{}, &fakeHistory{})
	w := do(t, h, http.MethodPost, "/api/commands", models.RunCommandRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAllowedHistoryMetrics(t *testing.T) {
	hist := &fakeHistory{entries: []history.Entry{{ID: "e1", Command: "ls", Success: true}}}
	h := newRouter(&fakeManager{}, &fakeRunner{}, hist)

	w := do(t, h, http.MethodGet, "/api/commands", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var allowed models.CommandsResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&allowed))
	assert.Contains(t, allowed.Allowed, "git")
	assert.NotContains(t, allowed.Allowed, "rm")

	w = do(t, h, http.MethodGet, "/api/history?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, hist.asked)
	var entries []history.Entry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "ls", entries[0].Command)

	w = do(t, h, http.MethodGet, "/api/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, h, http.MethodGet, "/api/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var m history.Metrics
	require.NoError(t, json.NewDecoder(w.Body).Decode(&m))
	assert.Equal(t, uint64(4), m.CommandsExecuted)
	assert.InDelta(t, 25.0, m.ErrorRate, 0.001)
}

func TestClassify(t *testing.T) {
	status, code := classify(fmt.Errorf("%w: x", pty.ErrNotInitialized))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_initialized", code)

	status, code = classify(pty.ErrSessionClosed)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "closed", code)

	status, _ = classify(pty.ErrShellNotFound)
	assert.Equal(t, http.StatusInternalServerError, status)
}
