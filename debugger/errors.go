// Copyright © 2024 The ELPS authors

package debugger

import "errors"

var (
	// ErrTerminated is returned by every blocking or state-changing
	// operation once the session has terminated.
	ErrTerminated = errors.New("debug session terminated")

	// ErrAttachFailed is returned when the remote connection could not be
	// established.
	ErrAttachFailed = errors.New("connect fail")

	// ErrVersionMismatch is returned when the debuggee speaks an
	// incompatible protocol version.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrNotAttached is returned by operations that need a live remote
	// connection before attach has succeeded.
	ErrNotAttached = errors.New("not attached to a debuggee")

	// ErrAlreadyAttached is returned by a second attach on one session.
	ErrAlreadyAttached = errors.New("already attached")

	// ErrInvalidReference is returned for unknown or stale frame handles.
	ErrInvalidReference = errors.New("invalid frame reference")

	// ErrMissingExpression is returned by evaluate with an empty expression.
	ErrMissingExpression = errors.New("expression missing")

	// ErrInvalidSource is returned by set-breakpoints without a usable path.
	ErrInvalidSource = errors.New("property 'source' is empty or misformed")

	// ErrThreadNotStopped is returned when a stack trace is requested for a
	// thread other than the one the debuggee is stopped on.
	ErrThreadNotStopped = errors.New("thread is not the stopped thread")
)

// IsConnectionError returns true if err stems from establishing or using
// the remote connection.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrAttachFailed) ||
		errors.Is(err, ErrVersionMismatch) ||
		errors.Is(err, ErrNotAttached) ||
		errors.Is(err, ErrAlreadyAttached)
}

// IsUsageError returns true if err was caused by bad client arguments.
func IsUsageError(err error) bool {
	return errors.Is(err, ErrInvalidReference) ||
		errors.Is(err, ErrMissingExpression) ||
		errors.Is(err, ErrInvalidSource)
}
