package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/kelseyhightower/envconfig"
)

const (
	dirName = ".termlab"

	defaultListenAddr     = "127.0.0.1:8810"
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
	defaultCols           = 80
	defaultRows           = 24
	defaultMaxSessions    = 1
	defaultHighWater      = 100_000
	defaultLowWater       = 50_000
	defaultReadChunk      = 1024
	defaultKillGrace      = 2 * time.Second
	defaultCommandTimeout = 30 * time.Second
	defaultHistoryLimit   = 1000

	// EnvPrefix namespaces environment overrides, e.g. TERMLAB_LISTEN_ADDR.
	EnvPrefix = "TERMLAB"
)

// Config stores runtime settings.
type Config struct {
	ListenAddr string
	DataDir    string
	LogLevel   string
	LogFormat  string

	// AllowedOrigins lists browser origins, besides loopback pages, that may
	// call the API, e.g. "http://lab.internal:3000".
	AllowedOrigins []string
	Terminal       TerminalConfig
	Commands       CommandsConfig
	History        HistoryConfig
}

// TerminalConfig configures interactive sessions.
type TerminalConfig struct {
	Shell       string
	Cols        uint16
	Rows        uint16
	MaxSessions int
	HighWater   int
	LowWater    int
	ReadChunk   int
	KillGrace   time.Duration
}

// CommandsConfig configures the one-shot executor. The set of runnable
// commands is compiled in and cannot be configured.
type CommandsConfig struct {
	DefaultTimeout time.Duration
	Workdir        string
}

// HistoryConfig configures the executed-command log.
type HistoryConfig struct {
	Limit int
}

type fileConfig struct {
	ListenAddr     *string       `toml:"listen_addr"`
	DataDir        *string       `toml:"data_dir"`
	LogLevel       *string       `toml:"log_level"`
	LogFormat      *string       `toml:"log_format"`
	AllowedOrigins *[]string     `toml:"allowed_origins"`
	Terminal       *terminalFile `toml:"terminal"`
	Commands       *commandsFile `toml:"commands"`
	History        *historyFile  `toml:"history"`
}

type terminalFile struct {
	Shell       *string `toml:"shell"`
	Cols        *int    `toml:"cols"`
	Rows        *int    `toml:"rows"`
	MaxSessions *int    `toml:"max_sessions"`
	HighWater   *int    `toml:"high_water"`
	LowWater    *int    `toml:"low_water"`
	ReadChunk   *int    `toml:"read_chunk"`
	KillGrace   *string `toml:"kill_grace"`
}

type commandsFile struct {
	DefaultTimeout *string `toml:"default_timeout"`
	Workdir        *string `toml:"workdir"`
}

type historyFile struct {
	Limit *int `toml:"limit"`
}

// envConfig mirrors the file keys as TERMLAB_<FIELD_NAME>. Unset variables
// leave the pointers nil. Tags stay off so envconfig does not fall back to
// unprefixed names like SHELL.
type envConfig struct {
	ListenAddr     *string        `split_words:"true"`
	DataDir        *string        `split_words:"true"`
	LogLevel       *string        `split_words:"true"`
	LogFormat      *string        `split_words:"true"`
	AllowedOrigins *[]string      `split_words:"true"`
	Shell          *string        `split_words:"true"`
	Cols           *uint16        `split_words:"true"`
	Rows           *uint16        `split_words:"true"`
	MaxSessions    *int           `split_words:"true"`
	HighWater      *int           `split_words:"true"`
	LowWater       *int           `split_words:"true"`
	ReadChunk      *int           `split_words:"true"`
	KillGrace      *time.Duration `split_words:"true"`
	CommandTimeout *time.Duration `split_words:"true"`
	Workdir        *string        `split_words:"true"`
	HistoryLimit   *int           `split_words:"true"`
}

// Load builds the configuration from defaults, ~/.termlab/config.toml, a
// project-local .termlab/config.toml and TERMLAB_* environment variables,
// in that order. Command-line flags are applied by the caller.
func Load(ctx context.Context) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	workingDir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working directory: %w", err)
	}

	cfg := defaults(homeDir)
	paths := []string{
		filepath.Join(homeDir, dirName, "config.toml"),
		filepath.Join(workingDir, dirName, "config.toml"),
	}
	for _, path := range paths {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := overlayFromEnv(&cfg); err != nil {
		return nil, err
	}
	cfg.DataDir = expandHome(cfg.DataDir, homeDir)
	cfg.Commands.Workdir = expandHome(cfg.Commands.Workdir, homeDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	_ = ctx
	return &cfg, nil
}

func defaults(homeDir string) Config {
	return Config{
		ListenAddr: defaultListenAddr,
		DataDir:    filepath.Join(homeDir, dirName),
		LogLevel:   defaultLogLevel,
		LogFormat:  defaultLogFormat,
		Terminal: TerminalConfig{
			Cols:        defaultCols,
			Rows:        defaultRows,
			MaxSessions: defaultMaxSessions,
			HighWater:   defaultHighWater,
			LowWater:    defaultLowWater,
			ReadChunk:   defaultReadChunk,
			KillGrace:   defaultKillGrace,
		},
		Commands: CommandsConfig{
			DefaultTimeout: defaultCommandTimeout,
		},
		History: HistoryConfig{
			Limit: defaultHistoryLimit,
		},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}

	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}

	setString(&cfg.ListenAddr, decoded.ListenAddr)
	setString(&cfg.DataDir, decoded.DataDir)
	setString(&cfg.LogLevel, decoded.LogLevel)
	setString(&cfg.LogFormat, decoded.LogFormat)
	setStrings(&cfg.AllowedOrigins, decoded.AllowedOrigins)

	if t := decoded.Terminal; t != nil {
		setString(&cfg.Terminal.Shell, t.Shell)
		if err := setDimension(&cfg.Terminal.Cols, t.Cols, "terminal.cols", path); err != nil {
			return err
		}
		if err := setDimension(&cfg.Terminal.Rows, t.Rows, "terminal.rows", path); err != nil {
			return err
		}
		setInt(&cfg.Terminal.MaxSessions, t.MaxSessions)
		setInt(&cfg.Terminal.HighWater, t.HighWater)
		setInt(&cfg.Terminal.LowWater, t.LowWater)
		setInt(&cfg.Terminal.ReadChunk, t.ReadChunk)
		if err := setDuration(&cfg.Terminal.KillGrace, t.KillGrace, "terminal.kill_grace", path); err != nil {
			return err
		}
	}
	if c := decoded.Commands; c != nil {
		if err := setDuration(&cfg.Commands.DefaultTimeout, c.DefaultTimeout, "commands.default_timeout", path); err != nil {
			return err
		}
		setString(&cfg.Commands.Workdir, c.Workdir)
	}
	if h := decoded.History; h != nil {
		setInt(&cfg.History.Limit, h.Limit)
	}
	return nil
}

func overlayFromEnv(cfg *Config) error {
	var env envConfig
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	setString(&cfg.ListenAddr, env.ListenAddr)
	setString(&cfg.DataDir, env.DataDir)
	setString(&cfg.LogLevel, env.LogLevel)
	setString(&cfg.LogFormat, env.LogFormat)
	setStrings(&cfg.AllowedOrigins, env.AllowedOrigins)
	setString(&cfg.Terminal.Shell, env.Shell)
	if env.Cols != nil {
		cfg.Terminal.Cols = *env.Cols
	}
	if env.Rows != nil {
		cfg.Terminal.Rows = *env.Rows
	}
	setInt(&cfg.Terminal.MaxSessions, env.MaxSessions)
	setInt(&cfg.Terminal.HighWater, env.HighWater)
	setInt(&cfg.Terminal.LowWater, env.LowWater)
	setInt(&cfg.Terminal.ReadChunk, env.ReadChunk)
	if env.KillGrace != nil {
		cfg.Terminal.KillGrace = *env.KillGrace
	}
	if env.CommandTimeout != nil {
		cfg.Commands.DefaultTimeout = *env.CommandTimeout
	}
	setString(&cfg.Commands.Workdir, env.Workdir)
	setInt(&cfg.History.Limit, env.HistoryLimit)
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config must not be nil")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("listen_addr must not be empty")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir must not be empty")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}

	for _, origin := range c.AllowedOrigins {
		if err := validateOrigin(origin); err != nil {
			return fmt.Errorf("allowed_origins: %w", err)
		}
	}

	t := c.Terminal
	if t.Cols == 0 || t.Rows == 0 {
		return fmt.Errorf("terminal size must be positive, got %dx%d", t.Cols, t.Rows)
	}
	if t.MaxSessions < 1 {
		return fmt.Errorf("terminal.max_sessions must be at least 1, got %d", t.MaxSessions)
	}
	if t.LowWater <= 0 || t.LowWater >= t.HighWater {
		return fmt.Errorf("terminal.low_water (%d) must be positive and below high_water (%d)", t.LowWater, t.HighWater)
	}
	if t.ReadChunk <= 0 {
		return fmt.Errorf("terminal.read_chunk must be positive, got %d", t.ReadChunk)
	}
	if t.KillGrace <= 0 {
		return fmt.Errorf("terminal.kill_grace must be positive, got %s", t.KillGrace)
	}
	if c.Commands.DefaultTimeout <= 0 {
		return fmt.Errorf("commands.default_timeout must be positive, got %s", c.Commands.DefaultTimeout)
	}
	if c.History.Limit < 1 {
		return fmt.Errorf("history.limit must be at least 1, got %d", c.History.Limit)
	}
	return nil
}

// SocketPath is where the shepherd listens.
func (c *Config) SocketPath() string {
	return filepath.Join(c.DataDir, "shepherd.sock")
}

// PidPath holds the running shepherd's pid.
func (c *Config) PidPath() string {
	return filepath.Join(c.DataDir, "shepherd.pid")
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}

func setStrings(dst *[]string, v *[]string) {
	if v == nil {
		return
	}
	out := make([]string, 0, len(*v))
	for _, s := range *v {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

// validateOrigin accepts a bare scheme://host[:port] as browsers send it.
func validateOrigin(origin string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("parse %q: %w", origin, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", origin)
	}
	if u.Host == "" || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.User != nil {
		return fmt.Errorf("%q: want scheme://host[:port]", origin)
	}
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDimension(dst *uint16, v *int, key, path string) error {
	if v == nil {
		return nil
	}
	if *v <= 0 || *v > 0xffff {
		return fmt.Errorf("parse %s in %q: %d out of range", key, path, *v)
	}
	*dst = uint16(*v)
	return nil
}

func setDuration(dst *time.Duration, v *string, key, path string) error {
	if v == nil {
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(*v))
	if err != nil {
		return fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	*dst = parsed
	return nil
}

func expandHome(path, homeDir string) string {
	if path == "~" {
		return homeDir
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir, path[2:])
	}
	return path
}
