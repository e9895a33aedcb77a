package pty

import "errors"

var (
	// ErrNotInitialized is returned when no live session matches the request.
	ErrNotInitialized = errors.New("pty session not initialized")

	// ErrSessionClosed is returned for I/O on a destroyed session.
	ErrSessionClosed = errors.New("pty session closed")

	// ErrShellNotFound is returned when no usable shell can be resolved.
	ErrShellNotFound = errors.New("shell not found")

	// ErrInvalidSize is returned for zero terminal dimensions.
	ErrInvalidSize = errors.New("invalid terminal size")
)
