package pty

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestSession(t *testing.T, opts StartOptions) *Session {
	t.Helper()
	requireShell(t)
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Cols == 0 {
		opts.Cols, opts.Rows = 80, 24
	}
	if opts.Env == nil {
		opts.Env = []string{"PATH=/usr/bin:/bin", "PS1=$ "}
	}
	s, err := Start(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionCloseTerminatesShell(t *testing.T) {
	t.Parallel()

	s := startTestSession(t, StartOptions{KillGrace: 200 * time.Millisecond})
	assert.Equal(t, StateActive, s.State())

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())

	select {
	case <-s.Done():
	case <-time.After(eventually):
		t.Fatal("shell still running after Close")
	}
	require.NotNil(t, s.Info().ExitCode)

	require.NoError(t, s.Close(), "second Close")
	_, err := s.Write([]byte("echo late\n"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.ErrorIs(t, s.Resize(80, 24), ErrSessionClosed)
}

func TestSessionKillsShellIgnoringSIGTERM(t *testing.T) {
	t.Parallel()

	s := startTestSession(t, StartOptions{KillGrace: 200 * time.Millisecond})
	_, err := s.Write([]byte("trap '' TERM HUP; echo trapped\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return countOccurrences(s.Snapshot(), "trapped") >= 2
	}, eventually, 20*time.Millisecond)

	require.NoError(t, s.Close())
	select {
	case <-s.Done():
	case <-time.After(eventually):
		t.Fatal("shell survived SIGKILL escalation")
	}
}

func TestSessionExitClosesState(t *testing.T) {
	t.Parallel()

	s := startTestSession(t, StartOptions{})
	_, err := s.Write([]byte("exit 3\n"))
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(eventually):
		t.Fatal("shell did not exit")
	}
	require.Eventually(t, func() bool { return s.State() == StateClosed }, eventually, 20*time.Millisecond)
	info := s.Info()
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 3, *info.ExitCode)
	assert.Equal(t, "closed", info.State)
}

func TestSessionSubscribeReceivesOutput(t *testing.T) {
	t.Parallel()

	s := startTestSession(t, StartOptions{})
	ch, unsub := s.Subscribe()
	defer unsub()

	_, err := s.Write([]byte("echo $((7*11))\n"))
	require.NoError(t, err)

	var got string
	deadline := time.After(eventually)
	for !containsStr(got, "77") {
		select {
		case data, ok := <-ch:
			require.True(t, ok, "subscriber closed early")
			got += string(data)
		case <-deadline:
			t.Fatalf("no 77 in subscribed output %q", got)
		}
	}
}

func TestSessionEnvGetsTerm(t *testing.T) {
	t.Parallel()

	env := sessionEnv([]string{"PATH=/bin"})
	assert.Contains(t, env, "TERM=xterm-256color")
	assert.Equal(t, []string{"PATH=/bin", "TERM=dumb"}, sessionEnv([]string{"PATH=/bin", "TERM=dumb"}))
}

func TestResolveShell(t *testing.T) {
	requireShell(t)

	got, err := ResolveShell("/bin/sh")
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", got)

	_, err = ResolveShell("/nonexistent/shell")
	assert.ErrorIs(t, err, ErrShellNotFound)

	t.Setenv("SHELL", "/bin/sh")
	got, err = ResolveShell("")
	require.NoError(t, err)
	assert.Equal(t, "/bin/sh", got)

	t.Setenv("SHELL", "")
	got, err = ResolveShell("")
	require.NoError(t, err)
	_, statErr := os.Stat(got)
	assert.NoError(t, statErr)
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "unknown(9)", State(9).String())
}

func countOccurrences(s, sub string) int {
	n := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}
	return n
}

func containsStr(s, sub string) bool {
	return countOccurrences(s, sub) > 0
}
