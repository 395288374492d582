// Copyright © 2024 The ELPS authors

// Package debuggertest provides test doubles for the debugger package: a
// scripted in-memory Connection and an EventSink that records events.
package debuggertest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luthersystems/dapbridge/debugger"
)

// BindMode controls how a FakeConnection confirms added breakpoints.
type BindMode int

const (
	// BindImmediately confirms from inside AddBreakpoint.
	BindImmediately BindMode = iota
	// BindNever leaves breakpoints unbound until Bind is called.
	BindNever
	// BindAsync confirms from another goroutine after BindDelay.
	BindAsync
)

// ErrInjected is a convenient error for failure injection.
var ErrInjected = errors.New("injected failure")

type location struct {
	path string
	line int
}

// FakeConnection is an in-memory debugger.Connection. Exported fields
// configure behavior and may be set before the connection is used.
type FakeConnection struct {
	Compatible bool
	VersionErr error
	BindMode   BindMode
	BindDelay  time.Duration
	// Reject maps lines to an error message reported through
	// BreakpointError instead of a bind confirmation.
	Reject map[int]string
	// AddErr maps lines to an error returned directly by AddBreakpoint.
	AddErr     map[int]error
	ResumeErr  error
	StepErr    error
	ThreadsErr error
	FramesErr  error
	// EvalFunc answers Evaluate. The default echoes the expression.
	EvalFunc func(frameRef int, expr string) (string, error)
	// ControlHook runs inside Resume and Step before they return.
	ControlHook func(command string)

	mu           sync.Mutex
	notifier     debugger.Notifier
	bps          map[location]bool
	threads      []debugger.ThreadInfo
	frames       map[int][]debugger.NativeFrame
	calls        []string
	inflight     int
	maxInflight  int
	disconnected bool
}

// NewFakeConnection returns a compatible connection that binds breakpoints
// immediately.
func NewFakeConnection() *FakeConnection {
	return &FakeConnection{
		Compatible: true,
		bps:        make(map[location]bool),
		frames:     make(map[int][]debugger.NativeFrame),
	}
}

var _ debugger.Connection = (*FakeConnection)(nil)

// Dialer returns a debugger.Dialer that hands out f, or fails with err
// when err is non-nil.
func (f *FakeConnection) Dialer(err error) debugger.Dialer {
	return func(ctx context.Context, endpoint string, n debugger.Notifier) (debugger.Connection, error) {
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.notifier = n
		f.calls = append(f.calls, "dial "+endpoint)
		f.mu.Unlock()
		return f, nil
	}
}

// SetNotifier attaches n without going through a Dialer.
func (f *FakeConnection) SetNotifier(n debugger.Notifier) {
	f.mu.Lock()
	f.notifier = n
	f.mu.Unlock()
}

// Notifier returns the notifier the connection delivers to.
func (f *FakeConnection) Notifier() debugger.Notifier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notifier
}

// SetThreads sets the threads reported by Threads.
func (f *FakeConnection) SetThreads(threads ...debugger.ThreadInfo) {
	f.mu.Lock()
	f.threads = threads
	f.mu.Unlock()
}

// SetFrames sets the stack reported for threadID.
func (f *FakeConnection) SetFrames(threadID int, frames ...debugger.NativeFrame) {
	f.mu.Lock()
	f.frames[threadID] = frames
	f.mu.Unlock()
}

// SetRemoteBreakpoint seeds the debuggee-side breakpoint set.
func (f *FakeConnection) SetRemoteBreakpoint(path string, line int, bound bool) {
	f.mu.Lock()
	f.bps[location{path, line}] = bound
	f.mu.Unlock()
}

// Bind confirms the breakpoint at path:line as the debuggee would.
func (f *FakeConnection) Bind(path string, line int) {
	f.mu.Lock()
	f.bps[location{path, line}] = true
	n := f.notifier
	f.mu.Unlock()
	if n != nil {
		n.BreakpointBound(path, line)
	}
}

// Calls returns the recorded calls in order.
func (f *FakeConnection) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CountCalls returns how many recorded calls equal call.
func (f *FakeConnection) CountCalls(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

// MaxInflight returns the highest number of control commands observed
// executing at once.
func (f *FakeConnection) MaxInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInflight
}

// Disconnected reports whether Disconnect was called.
func (f *FakeConnection) Disconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnected
}

func (f *FakeConnection) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *FakeConnection) ServerVersionCompatible(ctx context.Context) (bool, error) {
	f.record("version")
	return f.Compatible, f.VersionErr
}

func (f *FakeConnection) AddBreakpoint(ctx context.Context, path string, line, column int) error {
	f.record(fmt.Sprintf("add %s:%d", path, line))
	if err := f.AddErr[line]; err != nil {
		return err
	}
	f.mu.Lock()
	f.bps[location{path, line}] = false
	n := f.notifier
	f.mu.Unlock()
	if n == nil {
		return nil
	}
	confirm := func() {
		if msg, ok := f.Reject[line]; ok {
			n.BreakpointError(path, line, msg)
			return
		}
		f.Bind(path, line)
	}
	switch f.BindMode {
	case BindImmediately:
		confirm()
	case BindAsync:
		time.AfterFunc(f.BindDelay, confirm)
	}
	return nil
}

func (f *FakeConnection) RemoveBreakpoint(ctx context.Context, path string, line int) error {
	f.record(fmt.Sprintf("remove %s:%d", path, line))
	f.mu.Lock()
	delete(f.bps, location{path, line})
	f.mu.Unlock()
	return nil
}

func (f *FakeConnection) Breakpoints() []debugger.RemoteBreakpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	bps := make([]debugger.RemoteBreakpoint, 0, len(f.bps))
	for loc, bound := range f.bps {
		bps = append(bps, debugger.RemoteBreakpoint{Path: loc.path, Line: loc.line, Bound: bound})
	}
	sort.Slice(bps, func(i, j int) bool {
		if bps[i].Path != bps[j].Path {
			return bps[i].Path < bps[j].Path
		}
		return bps[i].Line < bps[j].Line
	})
	return bps
}

func (f *FakeConnection) control(call string, err error) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	hook := f.ControlHook
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()
	return err
}

func (f *FakeConnection) Resume(ctx context.Context) error {
	return f.control("resume", f.ResumeErr)
}

func (f *FakeConnection) Step(ctx context.Context, threadID int, kind debugger.StepKind) error {
	return f.control(fmt.Sprintf("step %s %d", kind, threadID), f.StepErr)
}

func (f *FakeConnection) Threads(ctx context.Context) ([]debugger.ThreadInfo, error) {
	f.record("threads")
	if f.ThreadsErr != nil {
		return nil, f.ThreadsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]debugger.ThreadInfo(nil), f.threads...), nil
}

func (f *FakeConnection) StackFrames(ctx context.Context, threadID int) ([]debugger.NativeFrame, error) {
	f.record(fmt.Sprintf("frames %d", threadID))
	if f.FramesErr != nil {
		return nil, f.FramesErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]debugger.NativeFrame(nil), f.frames[threadID]...), nil
}

func (f *FakeConnection) Evaluate(ctx context.Context, frameRef int, expr string, timeout time.Duration) (string, error) {
	f.record(fmt.Sprintf("evaluate %d %s", frameRef, expr))
	if f.EvalFunc != nil {
		return f.EvalFunc(frameRef, expr)
	}
	return expr, nil
}

func (f *FakeConnection) Disconnect() error {
	f.mu.Lock()
	f.calls = append(f.calls, "disconnect")
	f.disconnected = true
	f.mu.Unlock()
	return nil
}
