package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate points HOME and the working directory at fresh temp dirs and
// clears inherited TERMLAB_* variables.
func isolate(t *testing.T) (home, work string) {
	t.Helper()
	home = t.TempDir()
	work = t.TempDir()
	t.Setenv("HOME", home)
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, EnvPrefix+"_") {
			t.Setenv(key, "")
			require.NoError(t, os.Unsetenv(key))
		}
	}

	cwd, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, os.Chdir(cwd))
	})
	require.NoError(t, os.Chdir(work))
	return home, work
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoadDefaults(t *testing.T) {
	home, _ := isolate(t)

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, defaultListenAddr, cfg.ListenAddr)
	assert.Equal(t, filepath.Join(home, ".termlab"), cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.AllowedOrigins)
	assert.Equal(t, TerminalConfig{
		Cols:        80,
		Rows:        24,
		MaxSessions: 1,
		HighWater:   100_000,
		LowWater:    50_000,
		ReadChunk:   1024,
		KillGrace:   2 * time.Second,
	}, cfg.Terminal)
	assert.Equal(t, 30*time.Second, cfg.Commands.DefaultTimeout)
	assert.Empty(t, cfg.Commands.Workdir)
	assert.Equal(t, 1000, cfg.History.Limit)
	assert.Equal(t, filepath.Join(home, ".termlab", "shepherd.sock"), cfg.SocketPath())
	assert.Equal(t, filepath.Join(home, ".termlab", "shepherd.pid"), cfg.PidPath())
}

func TestLoadOverlayProjectOverHome(t *testing.T) {
	home, work := isolate(t)

	writeFile(t, filepath.Join(home, ".termlab", "config.toml"), `
listen_addr = "127.0.0.1:9000"
data_dir = "~/labdata"
allowed_origins = ["http://lab.internal:3000"]

[terminal]
shell = "/bin/sh"
cols = 120
max_sessions = 3

[commands]
default_timeout = "10s"
`)
	writeFile(t, filepath.Join(work, ".termlab", "config.toml"), `
log_level = "debug"

[terminal]
cols = 100
kill_grace = "500ms"

[history]
limit = 50
`)

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, filepath.Join(home, "labdata"), cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"http://lab.internal:3000"}, cfg.AllowedOrigins)
	assert.Equal(t, "/bin/sh", cfg.Terminal.Shell)
	assert.Equal(t, uint16(100), cfg.Terminal.Cols)
	assert.Equal(t, uint16(24), cfg.Terminal.Rows)
	assert.Equal(t, 3, cfg.Terminal.MaxSessions)
	assert.Equal(t, 500*time.Millisecond, cfg.Terminal.KillGrace)
	assert.Equal(t, 10*time.Second, cfg.Commands.DefaultTimeout)
	assert.Equal(t, 50, cfg.History.Limit)
}

func TestLoadEnvOverridesFiles(t *testing.T) {
	home, _ := isolate(t)

	writeFile(t, filepath.Join(home, ".termlab", "config.toml"), `
listen_addr = "127.0.0.1:9000"

[terminal]
rows = 40
`)
	t.Setenv("TERMLAB_LISTEN_ADDR", "127.0.0.1:9100")
	t.Setenv("TERMLAB_ROWS", "50")
	t.Setenv("TERMLAB_COMMAND_TIMEOUT", "1m")
	t.Setenv("TERMLAB_HISTORY_LIMIT", "7")
	t.Setenv("TERMLAB_ALLOWED_ORIGINS", "http://a.test:1, https://b.test")
	t.Setenv("SHELL", "/bin/unprefixed-shell")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9100", cfg.ListenAddr)
	assert.Equal(t, uint16(50), cfg.Terminal.Rows)
	assert.Equal(t, time.Minute, cfg.Commands.DefaultTimeout)
	assert.Equal(t, 7, cfg.History.Limit)
	assert.Equal(t, []string{"http://a.test:1", "https://b.test"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.Terminal.Shell, "unprefixed variables are ignored")
}

func TestLoadRejectsInvalidFiles(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "malformed toml",
			content: "listen_addr = ",
			wantErr: "decode config file",
		},
		{
			name:    "bad duration",
			content: "[terminal]\nkill_grace = \"soon\"\n",
			wantErr: "terminal.kill_grace",
		},
		{
			name:    "low above high",
			content: "[terminal]\nhigh_water = 100\nlow_water = 200\n",
			wantErr: "low_water",
		},
		{
			name:    "zero cols",
			content: "[terminal]\ncols = 0\n",
			wantErr: "terminal.cols",
		},
		{
			name:    "origin without scheme",
			content: "allowed_origins = [\"lab.internal\"]\n",
			wantErr: "allowed_origins",
		},
		{
			name:    "origin with path",
			content: "allowed_origins = [\"http://lab.internal/app\"]\n",
			wantErr: "allowed_origins",
		},
		{
			name:    "unknown log format",
			content: "log_format = \"xml\"\n",
			wantErr: "log_format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home, _ := isolate(t)
			writeFile(t, filepath.Join(home, ".termlab", "config.toml"), tt.content)

			_, err := Load(context.Background())
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := defaults("/home/lab")
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.Terminal.MaxSessions = 0
	assert.ErrorContains(t, bad.Validate(), "max_sessions")

	bad = cfg
	bad.Commands.DefaultTimeout = 0
	assert.ErrorContains(t, bad.Validate(), "default_timeout")

	bad = cfg
	bad.LogLevel = "loud"
	assert.ErrorContains(t, bad.Validate(), "log_level")

	bad = cfg
	bad.AllowedOrigins = []string{"ftp://lab.internal"}
	assert.ErrorContains(t, bad.Validate(), "allowed_origins")

	good := cfg
	good.AllowedOrigins = []string{"https://lab.internal", "http://10.0.0.5:8080/"}
	assert.NoError(t, good.Validate())

	var nilCfg *Config
	assert.Error(t, nilCfg.Validate())
}

func TestExpandHome(t *testing.T) {
	assert.Equal(t, "/home/lab", expandHome("~", "/home/lab"))
	assert.Equal(t, "/home/lab/work", expandHome("~/work", "/home/lab"))
	assert.Equal(t, "/srv/work", expandHome("/srv/work", "/home/lab"))
	assert.Equal(t, "", expandHome("", "/home/lab"))
}
