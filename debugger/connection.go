// Copyright © 2024 The ELPS authors

package debugger

import (
	"context"
	"time"
)

// StepKind selects the granularity of a step command.
type StepKind int

const (
	StepOver StepKind = iota
	StepInto
	StepOut
)

func (k StepKind) String() string {
	switch k {
	case StepOver:
		return "over"
	case StepInto:
		return "into"
	case StepOut:
		return "out"
	}
	return "unknown"
}

// ThreadInfo describes a live debuggee thread.
type ThreadInfo struct {
	ID   int
	Name string
}

// NativeFrame is a stack frame as reported by the debuggee. Ref is the
// debuggee-side frame identifier used for evaluation.
type NativeFrame struct {
	Ref      int
	Function string
	Path     string
	Line     int
	Column   int
}

// RemoteBreakpoint is an entry of the debuggee's authoritative breakpoint
// set.
type RemoteBreakpoint struct {
	Path  string
	Line  int
	Bound bool
}

// Connection is the transport to a single debuggee. Implementations must
// be safe for concurrent use and must deliver asynchronous notifications
// to the Notifier given to the Dialer.
type Connection interface {
	// ServerVersionCompatible reports whether the debuggee speaks a
	// protocol version this bridge understands.
	ServerVersionCompatible(ctx context.Context) (bool, error)
	AddBreakpoint(ctx context.Context, path string, line, column int) error
	RemoveBreakpoint(ctx context.Context, path string, line int) error
	// Breakpoints returns a snapshot of the debuggee's breakpoint set.
	Breakpoints() []RemoteBreakpoint
	Resume(ctx context.Context) error
	Step(ctx context.Context, threadID int, kind StepKind) error
	Threads(ctx context.Context) ([]ThreadInfo, error)
	// StackFrames returns the frames of a stopped thread, innermost first.
	StackFrames(ctx context.Context, threadID int) ([]NativeFrame, error)
	Evaluate(ctx context.Context, frameRef int, expr string, timeout time.Duration) (string, error)
	Disconnect() error
}

// Notifier receives asynchronous notifications from a Connection. Calls
// are delivered in the order the debuggee produced them.
type Notifier interface {
	BreakpointBound(path string, line int)
	BreakpointError(path string, line int, msg string)
	ThreadStarted(threadID int, name string)
	ThreadEnded(threadID int)
	BreakpointHit(threadID int, path string, line int)
	StepComplete(threadID int)
	ProgramDestroyed()
	ModuleLoaded(name string)
	Output(category, text string)
}

// Dialer opens a Connection to the debuggee at endpoint.
type Dialer func(ctx context.Context, endpoint string, n Notifier) (Connection, error)
