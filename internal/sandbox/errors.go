package sandbox

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAllowed is returned when a command name is not whitelisted.
	ErrNotAllowed = errors.New("command not allowed")

	// ErrExec is returned when a whitelisted command could not be started.
	ErrExec = errors.New("command execution failed")
)

// PolicyError reports a rejected invocation. No process was spawned.
type PolicyError struct {
	Name   string
	Reason string // set when the name itself is not the problem
}

func (e *PolicyError) Error() string {
	switch {
	case e.Name == "":
		return "empty command: " + ErrNotAllowed.Error()
	case e.Reason != "":
		return fmt.Sprintf("command %q: %s: %s", e.Name, ErrNotAllowed, e.Reason)
	default:
		return fmt.Sprintf("command %q: %s", e.Name, ErrNotAllowed)
	}
}

func (e *PolicyError) Unwrap() error { return ErrNotAllowed }

// ExecError reports a spawn failure (binary missing, permission denied).
type ExecError struct {
	Name string
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("run %s: %v", e.Name, e.Err)
}

// Is lets callers match ExecError against ErrExec while Unwrap keeps the
// underlying cause reachable for errors.As.
func (e *ExecError) Is(target error) bool { return target == ErrExec }

func (e *ExecError) Unwrap() error { return e.Err }
