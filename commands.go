package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutodecode/termlab/internal/db"
	"github.com/tutodecode/termlab/internal/history"
	"github.com/tutodecode/termlab/internal/sandbox"
	"github.com/tutodecode/termlab/internal/shepherd"
)

// exitCodeError carries a child's non-zero exit code out of the run command.
type exitCodeError struct {
	code int
}

// newExitCodeError maps a child's exit code onto one a shell can see. A
// child with no exit code of its own (killed by a signal) becomes 1.
func newExitCodeError(code int) *exitCodeError {
	if code < 1 || code > 255 {
		code = 1
	}
	return &exitCodeError{code: code}
}

func (e *exitCodeError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newShepherdCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:    "shepherd",
		Short:  "Run the long-lived process that owns terminals and child processes",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runShepherd(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&a.cfg.Terminal.MaxSessions, "max-sessions", a.cfg.Terminal.MaxSessions, "live sessions kept before the oldest is replaced")
	return cmd
}

func (a *app) runShepherd(ctx context.Context) error {
	database, err := db.Open(a.cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	store := history.NewStore(database, a.cfg.History.Limit)

	s := shepherd.New(shepherd.Options{
		SocketPath: a.cfg.SocketPath(),
		PidPath:    a.cfg.PidPath(),
		Sessions:   a.newManager(),
		Runner:     a.newExecutor(store),
		Logger:     a.logger.WithPrefix("shepherd"),
	})
	if err := s.Serve(ctx); err != nil {
		return fmt.Errorf("shepherd: %w", err)
	}
	return nil
}

func newRunCommand(a *app) *cobra.Command {
	var (
		timeout   time.Duration
		inProcess bool
	)
	cmd := &cobra.Command{
		Use:   "run <name> [args...]",
		Short: "Run one whitelisted command and print its output",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runner, cleanup, err := a.commandRunner(inProcess)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := runner.Run(cmd.Context(), sandbox.Invocation{
				Name:    args[0],
				Args:    args[1:],
				Timeout: timeout,
			})
			if err != nil {
				var policy *sandbox.PolicyError
				if errors.As(err, &policy) && policy.Reason == "" {
					return fmt.Errorf("%q is not an allowed command", policy.Name)
				}
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
			if res.TimedOut {
				return fmt.Errorf("timed out after %s", res.Duration.Round(time.Millisecond))
			}
			if res.ExitCode != 0 {
				return newExitCodeError(res.ExitCode)
			}
			return nil
		},
	}
	// everything after the command name belongs to the command
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "kill the command after this long (default commands.default_timeout)")
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run here instead of through a running shepherd")
	return cmd
}

// commandRunner prefers a running shepherd and otherwise runs locally,
// recording into the shared history database.
func (a *app) commandRunner(inProcess bool) (sandbox.Runner, func(), error) {
	if !inProcess {
		if client, err := a.dialShepherd(); err == nil {
			return client, func() { client.Close() }, nil
		}
	}

	database, err := db.Open(a.cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	store := history.NewStore(database, a.cfg.History.Limit)
	return a.newExecutor(store), func() { database.Close() }, nil
}
