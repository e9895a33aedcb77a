package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutodecode/termlab/internal/db"
	"github.com/tutodecode/termlab/internal/history"
	"github.com/tutodecode/termlab/internal/models"
	"github.com/tutodecode/termlab/internal/preflight"
	"github.com/tutodecode/termlab/internal/pty"
	"github.com/tutodecode/termlab/internal/sandbox"
	"github.com/tutodecode/termlab/internal/server"
	"github.com/tutodecode/termlab/internal/shepherd"
)

func newServeCommand(a *app) *cobra.Command {
	var inProcess bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the terminal and command API on localhost",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.serve(cmd.Context(), inProcess)
		},
	}
	cmd.Flags().StringVar(&a.cfg.ListenAddr, "addr", a.cfg.ListenAddr, "listen address")
	cmd.Flags().IntVar(&a.cfg.Terminal.MaxSessions, "max-sessions", a.cfg.Terminal.MaxSessions, "live sessions kept before the oldest is replaced")
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "own sessions in this process instead of the shepherd")
	return cmd
}

func (a *app) serve(ctx context.Context, inProcess bool) error {
	cfg, logger := a.cfg, a.logger

	report := preflight.CheckAll(cfg.Terminal.Shell, logger.WithPrefix("preflight"))

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	store := history.NewStore(database, cfg.History.Limit)

	var (
		sessions pty.SessionManager
		runner   sandbox.Runner
		client   *shepherd.Client
		mode     = "in-process"
	)
	if !inProcess {
		client, err = a.connectOrStartShepherd(ctx)
		if err != nil {
			logger.Warn("shepherd unavailable, falling back to in-process sessions", "err", err)
		}
	}
	if client != nil {
		defer client.Close()
		sessions, runner, mode = client, client, "shepherd"
		if live := client.List(); len(live) > 0 {
			logger.Info("adopted sessions from shepherd", "count", len(live))
		}
	} else {
		mgr := a.newManager()
		// sessions die with this process
		defer mgr.CloseAll()
		sessions, runner = mgr, a.newExecutor(store)
	}

	srv := server.New(server.Options{
		Sessions: sessions,
		Runner:   runner,
		History:  store,
		Health: models.HealthResponse{
			Shell: report.Shell,
			Mode:  mode,
			Tools: report.Tools,
		},
		DefaultCols:    cfg.Terminal.Cols,
		DefaultRows:    cfg.Terminal.Rows,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger.WithPrefix("http"),
	})

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown. Shepherd sessions keep running.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}()

	logger.Info("server running", "url", "http://"+cfg.ListenAddr, "mode", mode)
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func (a *app) newManager() *pty.Manager {
	t := a.cfg.Terminal
	return pty.NewManager(pty.ManagerOptions{
		Capacity:  t.MaxSessions,
		Shell:     t.Shell,
		Buffer:    pty.BufferLimits{HighWater: t.HighWater, LowWater: t.LowWater},
		ChunkSize: t.ReadChunk,
		KillGrace: t.KillGrace,
		Logger:    a.logger.WithPrefix("pty"),
	})
}

func (a *app) newExecutor(rec sandbox.Recorder) *sandbox.Executor {
	return sandbox.NewExecutor(sandbox.Options{
		DefaultTimeout: a.cfg.Commands.DefaultTimeout,
		Dir:            a.cfg.Commands.Workdir,
		Recorder:       rec,
		Logger:         a.logger.WithPrefix("sandbox"),
	})
}

// dialShepherd connects to a running shepherd.
func (a *app) dialShepherd() (*shepherd.Client, error) {
	client, err := shepherd.NewClient(a.cfg.SocketPath(), a.logger.WithPrefix("shepherd-client"))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// connectOrStartShepherd connects to an existing shepherd or launches a new one.
func (a *app) connectOrStartShepherd(ctx context.Context) (*shepherd.Client, error) {
	if client, err := a.dialShepherd(); err == nil {
		a.logger.Info("connected to existing shepherd")
		return client, nil
	}

	// Launch a new shepherd process
	a.logger.Info("starting shepherd process")
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}
	if err := os.MkdirAll(a.cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(a.cfg.DataDir, "shepherd.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open shepherd log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, "shepherd",
		"--data-dir", a.cfg.DataDir,
		"--shell", a.cfg.Terminal.Shell,
		"--log-level", a.cfg.LogLevel,
		"--log-format", a.cfg.LogFormat,
		"--max-sessions", fmt.Sprint(a.cfg.Terminal.MaxSessions),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start shepherd: %w", err)
	}
	// Detach, don't wait for the shepherd to exit
	cmd.Process.Release()

	// Wait for shepherd to become available
	for i := 0; i < 40; i++ { // 40 * 50ms = 2s
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		if client, err := a.dialShepherd(); err == nil {
			a.logger.Info("shepherd started and connected")
			return client, nil
		}
	}
	return nil, fmt.Errorf("shepherd did not become available within 2s")
}
