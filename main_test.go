package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutodecode/termlab/internal/config"
	"github.com/tutodecode/termlab/internal/db"
	"github.com/tutodecode/termlab/internal/history"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	cfg, err := config.Load(context.Background())
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	return cfg
}

func execute(t *testing.T, cfg *config.Config, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(cfg)
	cmd.SetArgs(args)
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRunCommandPrintsOutput(t *testing.T) {
	cfg := testConfig(t)

	stdout, _, err := execute(t, cfg, "run", "--in-process", "echo", "hello", "$HOME")
	require.NoError(t, err)
	assert.Equal(t, "hello $HOME\n", stdout)

	stdout, _, err = execute(t, cfg, "run", "--in-process", "ls", "-d", "/")
	require.NoError(t, err)
	assert.Equal(t, "/\n", stdout)
}

func TestRunCommandRejectsUnlisted(t *testing.T) {
	cfg := testConfig(t)

	_, _, err := execute(t, cfg, "run", "--in-process", "rm", "-rf", "/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an allowed command")
}

func TestRunCommandPropagatesExitCode(t *testing.T) {
	cfg := testConfig(t)

	_, stderr, err := execute(t, cfg, "run", "--in-process", "ls", "/definitely/not/here")
	var exitErr *exitCodeError
	require.ErrorAs(t, err, &exitErr)
	assert.NotZero(t, exitErr.code)
	assert.Contains(t, stderr, "/definitely/not/here")
}

func TestExitCodeForShell(t *testing.T) {
	for code, want := range map[int]int{
		1:   1,
		2:   2,
		255: 255,
		-1:  1,
		0:   1,
		256: 1,
	} {
		assert.Equal(t, want, newExitCodeError(code).code, "exit code %d", code)
	}
}

func TestRunCommandRecordsHistory(t *testing.T) {
	cfg := testConfig(t)

	_, _, err := execute(t, cfg, "run", "--in-process", "pwd")
	require.NoError(t, err)
	_, _, err = execute(t, cfg, "run", "--in-process", "curl", "example.com")
	require.Error(t, err)

	database, err := db.Open(cfg.DataDir)
	require.NoError(t, err)
	defer database.Close()

	entries, err := history.NewStore(database, 10).Recent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "curl example.com", entries[0].Command)
	assert.False(t, entries[0].Success)
	assert.Equal(t, "pwd", entries[1].Command)
	assert.True(t, entries[1].Success)
}

func TestInvalidFlagValues(t *testing.T) {
	cfg := testConfig(t)

	_, _, err := execute(t, cfg, "--log-format", "xml", "run", "--in-process", "pwd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_format")
}

func TestVersion(t *testing.T) {
	cfg := testConfig(t)

	stdout, _, err := execute(t, cfg, "--version")
	require.NoError(t, err)
	assert.Equal(t, Version+"\n", stdout)
}
