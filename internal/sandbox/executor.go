// Package sandbox runs whitelisted one-shot commands to completion and
// captures their output.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/text/encoding/unicode"

	"github.com/tutodecode/termlab/internal/whitelist"
)

const (
	// DefaultTimeout applies when neither the invocation nor the executor
	// sets one.
	DefaultTimeout = 30 * time.Second

	// exit code reported when the child was signaled or never produced one.
	noExitCode = -1

	waitDelay = time.Second
)

// Invocation is one requested command run.
type Invocation struct {
	Name    string
	Args    []string
	Timeout time.Duration
}

// String renders the invocation for logs and history.
func (inv Invocation) String() string {
	return strings.TrimSpace(strings.Join(append([]string{inv.Name}, inv.Args...), " "))
}

// Result is the captured outcome of a finished command.
type Result struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"-"`
	TimedOut bool          `json:"timed_out"`
}

// Runner runs one-shot commands.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// Recorder receives one entry per attempted run.
type Recorder interface {
	RecordCommand(ctx context.Context, command string, success bool, duration time.Duration) error
}

// Options configures an Executor.
type Options struct {
	DefaultTimeout time.Duration
	Dir            string
	Env            []string
	Recorder       Recorder
	Logger         *log.Logger
}

// Executor is the in-process Runner.
type Executor struct {
	defaultTimeout time.Duration
	dir            string
	env            []string
	recorder       Recorder
	logger         *log.Logger

	// command builds the child; tests replace it to observe spawns.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewExecutor creates an executor with defaults where options are omitted.
func NewExecutor(opts Options) *Executor {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default().WithPrefix("sandbox")
	}
	env := opts.Env
	if env == nil {
		env = os.Environ()
	}
	return &Executor{
		defaultTimeout: timeout,
		dir:            opts.Dir,
		env:            env,
		recorder:       opts.Recorder,
		logger:         logger,
		command:        exec.CommandContext,
	}
}

// Run checks inv against the whitelist and, if allowed, runs it with its
// arguments passed as discrete argv entries. A timeout kills the child and
// returns the partial output with TimedOut set; it is not an error.
func (e *Executor) Run(ctx context.Context, inv Invocation) (Result, error) {
	start := time.Now()
	res, err := e.run(ctx, inv)
	res.Duration = time.Since(start)

	e.record(ctx, inv, err == nil, res.Duration)
	if err != nil {
		e.logger.Warn("command failed", "command", inv.String(), "err", err)
	} else {
		e.logger.Debug("command finished", "command", inv.String(), "exit_code", res.ExitCode,
			"timed_out", res.TimedOut, "duration", res.Duration)
	}
	return res, err
}

func (e *Executor) run(ctx context.Context, inv Invocation) (Result, error) {
	name := whitelist.CommandName(inv.Name)
	if !whitelist.Allowed(name) {
		return Result{ExitCode: noExitCode}, &PolicyError{Name: name}
	}
	if full := strings.TrimSpace(inv.Name); full != name {
		return Result{ExitCode: noExitCode}, &PolicyError{
			Name:   full,
			Reason: "name must be a single program, pass arguments separately",
		}
	}

	timeout := inv.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := e.command(runCtx, name, inv.Args...)
	cmd.Dir = e.dir
	cmd.Env = e.env
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout:   decodeLossy(stdout.Bytes()),
		Stderr:   decodeLossy(stderr.Bytes()),
		ExitCode: noExitCode,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		res.TimedOut = true
		res.ExitCode = noExitCode
		return res, nil
	}
	// a canceled caller kills the child; that is not the child's own exit
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, &ExecError{Name: name, Err: ctxErr}
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, nil
	}
	return res, &ExecError{Name: name, Err: err}
}

func (e *Executor) record(ctx context.Context, inv Invocation, success bool, d time.Duration) {
	if e.recorder == nil {
		return
	}
	// the run's context may already be done; the attempt is still recorded
	if err := e.recorder.RecordCommand(context.WithoutCancel(ctx), inv.String(), success, d); err != nil {
		e.logger.Warn("record command", "err", err)
	}
}

// decodeLossy converts child output to text, replacing invalid UTF-8 with
// U+FFFD.
func decodeLossy(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out, err := unicode.UTF8.NewDecoder().Bytes(b)
	if err != nil {
		return strings.ToValidUTF8(string(b), "�")
	}
	return string(out)
}
