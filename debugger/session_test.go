// Copyright © 2024 The ELPS authors

package debugger_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/luthersystems/dapbridge/debugger"
	"github.com/luthersystems/dapbridge/debugger/debuggertest"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func quietLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newSession(conn *debuggertest.FakeConnection, sink *debuggertest.RecordingSink, opts ...debugger.Option) *debugger.Session {
	base := []debugger.Option{
		debugger.WithDialer(conn.Dialer(nil)),
		debugger.WithEventSink(sink),
		debugger.WithLogger(quietLogger()),
		debugger.WithBindPollInterval(time.Millisecond),
	}
	return debugger.New(append(base, opts...)...)
}

func attached(t *testing.T, opts ...debugger.Option) (*debugger.Session, *debuggertest.FakeConnection, *debuggertest.RecordingSink) {
	t.Helper()
	conn := debuggertest.NewFakeConnection()
	sink := &debuggertest.RecordingSink{}
	s := newSession(conn, sink, opts...)
	require.NoError(t, s.Attach(context.Background(), "127.0.0.1:56000"))
	return s, conn, sink
}

func lines(bps []debugger.Breakpoint) []int {
	var ls []int
	for _, bp := range bps {
		ls = append(ls, bp.Line)
	}
	return ls
}

func request(path string, ls ...int) debugger.SetBreakpointsArgs {
	args := debugger.SetBreakpointsArgs{Path: path}
	for _, l := range ls {
		args.Breakpoints = append(args.Breakpoints, debugger.SourceBreakpoint{Line: l})
	}
	return args
}

func TestAttach(t *testing.T) {
	t.Parallel()
	conn := debuggertest.NewFakeConnection()
	conn.SetThreads(debugger.ThreadInfo{ID: 2, Name: "worker"}, debugger.ThreadInfo{ID: 1, Name: "main"})
	sink := &debuggertest.RecordingSink{}
	s := newSession(conn, sink, debugger.WithName("bridge"), debugger.WithDefaultTarget("localhost:56000"))

	require.NoError(t, s.Attach(context.Background(), ""))
	assert.Equal(t, debugger.Running, s.State())
	assert.Equal(t, []string{"dial localhost:56000", "version", "threads"}, conn.Calls())
	assert.Equal(t, []debugger.ThreadInfo{{ID: 1, Name: "main"}, {ID: 2, Name: "worker"}}, s.Threads())
	assert.Equal(t, []string{"bridge attaching", "bridge attached"}, sink.Outputs())
	assert.NotEmpty(t, s.ID())

	err := s.Attach(context.Background(), "")
	assert.ErrorIs(t, err, debugger.ErrAlreadyAttached)
	assert.True(t, debugger.IsConnectionError(err))
}

func TestAttach_DialFailure(t *testing.T) {
	t.Parallel()
	conn := debuggertest.NewFakeConnection()
	sink := &debuggertest.RecordingSink{}
	s := debugger.New(
		debugger.WithDialer(conn.Dialer(errors.New("connection refused"))),
		debugger.WithEventSink(sink),
		debugger.WithLogger(quietLogger()),
	)

	err := s.Attach(context.Background(), "127.0.0.1:1")
	require.ErrorIs(t, err, debugger.ErrAttachFailed)
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, s.Terminated())
	assert.Equal(t, 1, sink.Count(debuggertest.EventTerminated))
	assert.Contains(t, sink.Outputs(), "Connect fail: connection refused")

	assert.ErrorIs(t, s.Continue(context.Background()), debugger.ErrTerminated)
	assert.ErrorIs(t, s.Attach(context.Background(), "127.0.0.1:1"), debugger.ErrTerminated)
}

func TestAttach_VersionMismatch(t *testing.T) {
	t.Parallel()
	conn := debuggertest.NewFakeConnection()
	conn.Compatible = false
	sink := &debuggertest.RecordingSink{}
	s := newSession(conn, sink)

	err := s.Attach(context.Background(), "127.0.0.1:56000")
	require.ErrorIs(t, err, debugger.ErrVersionMismatch)
	assert.True(t, s.Terminated())
	assert.True(t, conn.Disconnected())
	assert.Equal(t, 1, sink.Count(debuggertest.EventTerminated))
	assert.Contains(t, sink.Outputs(), "dapbridge: version mismatch")
}

func TestInitialize(t *testing.T) {
	t.Parallel()
	sink := &debuggertest.RecordingSink{}
	s := newSession(debuggertest.NewFakeConnection(), sink)
	caps := s.Initialize()
	assert.True(t, caps.SupportsEvaluateForHovers)
	assert.False(t, caps.SupportsConfigurationDoneRequest)
	assert.False(t, caps.SupportsConditionalBreakpoints)
	assert.False(t, caps.SupportsFunctionBreakpoints)
	assert.False(t, caps.SupportsSetVariable)
	assert.Equal(t, []string{"dapbridge: Initializing"}, sink.Outputs())
}

func TestSetBreakpoints_ReplacesLines(t *testing.T) {
	t.Parallel()
	s, conn, _ := attached(t)
	ctx := context.Background()

	bps, err := s.SetBreakpoints(ctx, request("/src/a.go", 10, 20))
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20}, lines(bps))
	for _, bp := range bps {
		assert.True(t, bp.Verified)
		assert.True(t, bp.Bound())
	}

	bps, err = s.SetBreakpoints(ctx, request("/src/a.go", 30, 20))
	require.NoError(t, err)
	assert.Equal(t, []int{30, 20}, lines(bps), "results follow request order")

	bps, err = s.SetBreakpoints(ctx, request("/src/a.go", 30, 20))
	require.NoError(t, err)
	assert.Equal(t, []int{30, 20}, lines(bps))

	assert.Equal(t, []int{20, 30}, lines(s.Breakpoints()))
	assert.Equal(t, 1, conn.CountCalls("remove /src/a.go:10"))
	assert.Equal(t, 1, conn.CountCalls("add /src/a.go:20"))

	bps, err = s.SetBreakpoints(ctx, request("/src/a.go"))
	require.NoError(t, err)
	assert.Empty(t, bps)
	assert.Empty(t, s.Breakpoints())
}

func TestSetBreakpoints_SourceModified(t *testing.T) {
	t.Parallel()
	s, conn, _ := attached(t)
	ctx := context.Background()

	_, err := s.SetBreakpoints(ctx, request("/src/a.go", 10, 12))
	require.NoError(t, err)
	before := s.Breakpoints()

	args := request("/src/a.go", 10, 12)
	args.SourceModified = true
	bps, err := s.SetBreakpoints(ctx, args)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 12}, lines(bps))

	assert.Equal(t, 1, conn.CountCalls("remove /src/a.go:10"))
	assert.Equal(t, 1, conn.CountCalls("remove /src/a.go:12"))
	assert.Equal(t, 2, conn.CountCalls("add /src/a.go:10"))
	assert.Equal(t, 2, conn.CountCalls("add /src/a.go:12"))
	after := s.Breakpoints()
	require.Len(t, after, 2)
	assert.NotEqual(t, before[0].ID, after[0].ID)
}

func TestSetBreakpoints_LateBind(t *testing.T) {
	t.Parallel()
	conn := debuggertest.NewFakeConnection()
	conn.BindMode = debuggertest.BindNever
	sink := &debuggertest.RecordingSink{}
	s := newSession(conn, sink, debugger.WithBindTimeout(30*time.Millisecond))
	require.NoError(t, s.Attach(context.Background(), "x"))

	start := time.Now()
	bps, err := s.SetBreakpoints(context.Background(), request("/src/a.go", 7))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Len(t, bps, 1)
	assert.False(t, bps[0].Verified)
	assert.Equal(t, debugger.BreakpointUnbound, bps[0].State)

	// Still registered, so the late confirmation verifies it.
	conn.Bind("/src/a.go", 7)
	all := s.Breakpoints()
	require.Len(t, all, 1)
	assert.True(t, all[0].Verified)
}

func TestSetBreakpoints_AsyncBindWithinDeadline(t *testing.T) {
	t.Parallel()
	conn := debuggertest.NewFakeConnection()
	conn.BindMode = debuggertest.BindAsync
	conn.BindDelay = 5 * time.Millisecond
	s := newSession(conn, &debuggertest.RecordingSink{})
	require.NoError(t, s.Attach(context.Background(), "x"))

	bps, err := s.SetBreakpoints(context.Background(), request("/src/a.go", 1, 2, 3))
	require.NoError(t, err)
	require.Len(t, bps, 3)
	for _, bp := range bps {
		assert.True(t, bp.Verified, "line %d", bp.Line)
	}
}

func TestSetBreakpoints_Failures(t *testing.T) {
	t.Parallel()
	conn := debuggertest.NewFakeConnection()
	conn.AddErr = map[int]error{20: errors.New("no code at line")}
	conn.Reject = map[int]string{30: "line is in a comment"}
	s := newSession(conn, &debuggertest.RecordingSink{}, debugger.WithBindTimeout(time.Minute))
	require.NoError(t, s.Attach(context.Background(), "x"))

	start := time.Now()
	bps, err := s.SetBreakpoints(context.Background(), request("/src/a.go", 10, 20, 30))
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second, "errored breakpoints end the wait")
	require.Len(t, bps, 3)

	assert.True(t, bps[0].Verified)
	assert.False(t, bps[1].Verified)
	assert.Equal(t, "no code at line", bps[1].Message)
	assert.False(t, bps[2].Verified)
	assert.Equal(t, debugger.BreakpointErrored, bps[2].State)
	assert.Equal(t, "line is in a comment", bps[2].Message)

	// The failed add leaves no entry behind.
	assert.Equal(t, []int{10, 30}, lines(s.Breakpoints()))
}

func TestSetBreakpoints_Validation(t *testing.T) {
	t.Parallel()
	s, conn, _ := attached(t, debugger.WithSourceExtensions("go", ".CS"))

	_, err := s.SetBreakpoints(context.Background(), request("  ", 1))
	assert.ErrorIs(t, err, debugger.ErrInvalidSource)
	assert.True(t, debugger.IsUsageError(err))

	bps, err := s.SetBreakpoints(context.Background(), request("/src/script.lua", 1))
	require.NoError(t, err)
	assert.Empty(t, bps)
	assert.Zero(t, conn.CountCalls("add /src/script.lua:1"))

	bps, err = s.SetBreakpoints(context.Background(), request("/src/Game.cs", 1))
	require.NoError(t, err)
	assert.Len(t, bps, 1)
}

func TestSetBreakpoints_SyncsRemote(t *testing.T) {
	t.Parallel()
	s, conn, _ := attached(t)
	conn.SetRemoteBreakpoint("/src/a.go", 4, true)
	conn.SetRemoteBreakpoint("/src/b.go", 9, true)

	bps, err := s.SetBreakpoints(context.Background(), request("/src/a.go", 5))
	require.NoError(t, err)
	assert.Equal(t, []int{5}, lines(bps))
	assert.Equal(t, 1, conn.CountCalls("remove /src/a.go:4"))

	all := s.Breakpoints()
	require.Len(t, all, 2)
	assert.Equal(t, "/src/b.go", all[1].Path)
	assert.True(t, all[1].Verified)
}

func TestSetBreakpoints_BeforeAttach(t *testing.T) {
	t.Parallel()
	conn := debuggertest.NewFakeConnection()
	s := newSession(conn, &debuggertest.RecordingSink{})

	bps, err := s.SetBreakpoints(context.Background(), request("/src/a.go", 3))
	require.NoError(t, err)
	require.Len(t, bps, 1)
	assert.False(t, bps[0].Verified)
	assert.Zero(t, conn.CountCalls("add /src/a.go:3"))

	require.NoError(t, s.Attach(context.Background(), "x"))
	assert.Equal(t, 1, conn.CountCalls("add /src/a.go:3"))
	all := s.Breakpoints()
	require.Len(t, all, 1)
	assert.True(t, all[0].Verified)
}

func TestSetBreakpoints_Concurrent(t *testing.T) {
	t.Parallel()
	s, _, _ := attached(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.SetBreakpoints(context.Background(), request("/src/a.go", 1, 2, 3+i%2))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	seen := make(map[int]int)
	for _, bp := range s.Breakpoints() {
		seen[bp.Line]++
	}
	for line, n := range seen {
		assert.Equal(t, 1, n, "line %d", line)
	}
}

func TestContinue_OneControlCommandPerStop(t *testing.T) {
	t.Parallel()
	s, conn, _ := attached(t)
	n := conn.Notifier()
	n.BreakpointHit(1, "/src/a.go", 3)

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- s.Continue(context.Background()) }()
	}

	for i := 1; i <= callers; i++ {
		require.Eventually(t, func() bool { return conn.CountCalls("resume") == i }, waitFor, time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, i, conn.CountCalls("resume"), "no resume without a stop")
		if i < callers {
			n.StepComplete(1)
		}
	}
	for i := 0; i < callers; i++ {
		assert.NoError(t, <-errs)
	}
	assert.Equal(t, 1, conn.MaxInflight())
}

func TestContinue_MixedWithSteps(t *testing.T) {
	t.Parallel()
	s, conn, _ := attached(t)
	n := conn.Notifier()
	n.BreakpointHit(4, "/src/a.go", 3)

	done := make(chan error, 2)
	go func() { done <- s.Step(context.Background(), debugger.StepInto) }()
	go func() { done <- s.Continue(context.Background()) }()

	require.Eventually(t, func() bool {
		return conn.CountCalls("resume")+conn.CountCalls("step into 4") == 1
	}, waitFor, time.Millisecond)
	n.StepComplete(4)
	require.NoError(t, <-done)
	require.NoError(t, <-done)
	assert.Equal(t, 1, conn.CountCalls("resume"))
	assert.Equal(t, 1, conn.CountCalls("step into 4"))
	assert.Equal(t, 1, conn.MaxInflight())
}

func TestBreakpointHit_UnblocksOneContinue(t *testing.T) {
	t.Parallel()
	s, conn, sink := attached(t)

	errs := make(chan error, 2)
	go func() { errs <- s.Continue(context.Background()) }()
	go func() { errs <- s.Continue(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, conn.CountCalls("resume"), "debuggee runs after attach")

	conn.Notifier().BreakpointHit(1, "/src/a.go", 3)
	require.NoError(t, <-errs)
	assert.Equal(t, 1, conn.CountCalls("resume"))

	events := sink.Events()
	var stopped []debuggertest.Event
	for _, e := range events {
		if e.Kind == debuggertest.EventStopped {
			stopped = append(stopped, e)
		}
	}
	require.Len(t, stopped, 1)
	assert.Equal(t, "breakpoint", stopped[0].Reason)
	assert.Equal(t, 1, stopped[0].ThreadID)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, conn.CountCalls("resume"))

	s.Terminate()
	assert.ErrorIs(t, <-errs, debugger.ErrTerminated)
}

func TestContinue_SendFailureReleases(t *testing.T) {
	t.Parallel()
	s, conn, _ := attached(t)
	conn.ResumeErr = debuggertest.ErrInjected
	conn.Notifier().BreakpointHit(1, "/src/a.go", 3)

	err := s.Continue(context.Background())
	assert.ErrorIs(t, err, debuggertest.ErrInjected)
	assert.Equal(t, debugger.Stopped, s.State(), "a failed resume hands the slot back")

	conn.ResumeErr = nil
	require.NoError(t, s.Continue(context.Background()))
	assert.Equal(t, 2, conn.CountCalls("resume"))
}

func TestContinue_ContextCancel(t *testing.T) {
	t.Parallel()
	s, _, _ := attached(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Continue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContinue_NotAttached(t *testing.T) {
	t.Parallel()
	s := newSession(debuggertest.NewFakeConnection(), &debuggertest.RecordingSink{})
	assert.ErrorIs(t, s.Continue(context.Background()), debugger.ErrNotAttached)
	assert.ErrorIs(t, s.Step(context.Background(), debugger.StepOver), debugger.ErrNotAttached)
}

func TestStackTrace(t *testing.T) {
	t.Parallel()
	s, conn, _ := attached(t)
	n := conn.Notifier()
	n.ThreadStarted(1, "main")
	n.ThreadStarted(2, "worker")
	conn.SetFrames(1,
		debugger.NativeFrame{Ref: 100, Function: "f0"},
		debugger.NativeFrame{Ref: 101, Function: "f1"},
		debugger.NativeFrame{Ref: 102, Function: "f2"},
		debugger.NativeFrame{Ref: 103, Function: "f3"},
		debugger.NativeFrame{Ref: 104, Function: "f4"},
	)
	n.BreakpointHit(1, "/src/a.go", 3)
	ctx := context.Background()

	frames, total, err := s.StackTrace(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, frames, 5)
	assert.Equal(t, "f0", frames[0].Name)

	frames, total, err = s.StackTrace(ctx, 1, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, frames, 2)
	assert.Equal(t, "f3", frames[0].Name)

	frames, _, err = s.StackTrace(ctx, 1, 1, 2)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, "f1", frames[0].Name)

	frames, total, err = s.StackTrace(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, 5, total)

	// Thread 2 is alive but not the stopped thread.
	_, _, err = s.StackTrace(ctx, 2, 0, 0)
	assert.ErrorIs(t, err, debugger.ErrThreadNotStopped)
	assert.Equal(t, debugger.Stopped, s.State())
}

func TestStackTrace_WaitsForStop(t *testing.T) {
	t.Parallel()
	s, conn, _ := attached(t)
	conn.SetFrames(3, debugger.NativeFrame{Ref: 1, Function: "main"})

	type result struct {
		frames []debugger.StackFrame
		err    error
	}
	done := make(chan result, 1)
	go func() {
		frames, _, err := s.StackTrace(context.Background(), 3, 0, 0)
		done <- result{frames, err}
	}()

	select {
	case <-done:
		t.Fatal("stack trace returned while running")
	case <-time.After(20 * time.Millisecond):
	}
	conn.Notifier().StepComplete(3)
	r := <-done
	require.NoError(t, r.err)
	require.Len(t, r.frames, 1)
	assert.Equal(t, "main", r.frames[0].Name)
}

func TestStackTrace_FrameFetchFailure(t *testing.T) {
	t.Parallel()
	s, conn, sink := attached(t)
	conn.FramesErr = debuggertest.ErrInjected
	conn.Notifier().BreakpointHit(1, "/src/a.go", 3)

	frames, total, err := s.StackTrace(context.Background(), 1, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Zero(t, total)
	assert.Equal(t, 1, sink.Count(debuggertest.EventStopped))
}

func TestEvaluate_FrameHandlesExpireOnResume(t *testing.T) {
	t.Parallel()
	s, conn, _ := attached(t)
	conn.SetFrames(1, debugger.NativeFrame{Ref: 42, Function: "main"})
	n := conn.Notifier()
	n.BreakpointHit(1, "/src/a.go", 3)
	ctx := context.Background()

	frames, _, err := s.StackTrace(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	old := frames[0].ID

	v, err := s.Evaluate(ctx, old, "x + 1")
	require.NoError(t, err)
	assert.Equal(t, "x + 1", v)
	assert.Equal(t, 1, conn.CountCalls("evaluate 42 x + 1"))

	require.NoError(t, s.Continue(ctx))
	_, err = s.Evaluate(ctx, old, "x")
	assert.ErrorIs(t, err, debugger.ErrInvalidReference)

	n.BreakpointHit(1, "/src/a.go", 3)
	frames, _, err = s.StackTrace(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.NotEqual(t, old, frames[0].ID)
	_, err = s.Evaluate(ctx, old, "x")
	assert.ErrorIs(t, err, debugger.ErrInvalidReference)
}

func TestEvaluate_Errors(t *testing.T) {
	t.Parallel()
	s, conn, _ := attached(t)
	conn.SetFrames(1, debugger.NativeFrame{Ref: 1})
	conn.EvalFunc = func(int, string) (string, error) { return "", errors.New("undefined: y") }
	conn.Notifier().BreakpointHit(1, "/src/a.go", 3)
	frames, _, err := s.StackTrace(context.Background(), 1, 0, 0)
	require.NoError(t, err)

	_, err = s.Evaluate(context.Background(), frames[0].ID, "")
	assert.ErrorIs(t, err, debugger.ErrMissingExpression)

	_, err = s.Evaluate(context.Background(), 1, "y")
	assert.ErrorIs(t, err, debugger.ErrInvalidReference)

	_, err = s.Evaluate(context.Background(), frames[0].ID, "y")
	assert.EqualError(t, err, "undefined: y")
}

func TestThreads_Lifecycle(t *testing.T) {
	t.Parallel()
	s, conn, sink := attached(t)
	n := conn.Notifier()
	n.ThreadStarted(5, "io")
	n.ThreadStarted(3, "main")
	assert.Equal(t, []debugger.ThreadInfo{{ID: 3, Name: "main"}, {ID: 5, Name: "io"}}, s.Threads())

	n.ThreadEnded(5)
	assert.Equal(t, []debugger.ThreadInfo{{ID: 3, Name: "main"}}, s.Threads())

	var reasons []string
	for _, e := range sink.Events() {
		if e.Kind == debuggertest.EventThread {
			reasons = append(reasons, e.Reason)
		}
	}
	assert.Equal(t, []string{"started", "started", "exited"}, reasons)
}

func TestProgramDestroyed_TerminatesOnce(t *testing.T) {
	t.Parallel()
	s, conn, sink := attached(t)
	_, err := s.SetBreakpoints(context.Background(), request("/src/a.go", 1))
	require.NoError(t, err)

	n := conn.Notifier()
	n.ProgramDestroyed()
	n.ProgramDestroyed()

	assert.Equal(t, 1, sink.Count(debuggertest.EventTerminated))
	assert.Empty(t, s.Breakpoints())
	assert.True(t, s.Terminated())
	assert.ErrorIs(t, s.Continue(context.Background()), debugger.ErrTerminated)
	_, _, err = s.StackTrace(context.Background(), 1, 0, 0)
	assert.ErrorIs(t, err, debugger.ErrTerminated)
	_, err = s.SetBreakpoints(context.Background(), request("/src/a.go", 1))
	assert.ErrorIs(t, err, debugger.ErrTerminated)
	assert.NoError(t, s.Disconnect())
	assert.Equal(t, 1, sink.Count(debuggertest.EventTerminated))
}

func TestDisconnect(t *testing.T) {
	t.Parallel()
	s, conn, sink := attached(t)
	require.NoError(t, s.Disconnect())
	assert.True(t, conn.Disconnected())
	assert.True(t, s.Terminated())
	assert.Equal(t, 1, sink.Count(debuggertest.EventTerminated))
	assert.Contains(t, sink.Outputs(), "dapbridge: Disconnected")

	// A connection loss reported afterwards is ignored.
	conn.Notifier().ProgramDestroyed()
	assert.Equal(t, 1, sink.Count(debuggertest.EventTerminated))
}

func TestOutput_Forwarded(t *testing.T) {
	t.Parallel()
	_, conn, sink := attached(t)
	conn.Notifier().Output(debugger.OutputStderr, "boom")
	conn.Notifier().ModuleLoaded("Assembly-CSharp")
	events := sink.Events()
	last := events[len(events)-1]
	assert.Equal(t, debuggertest.EventOutput, last.Kind)
	assert.Equal(t, debugger.OutputStderr, last.Category)
	assert.Equal(t, "boom", last.Text)
}

type panicSink struct{ debuggertest.RecordingSink }

func (*panicSink) Output(string, string) { panic("sink failure") }

func TestEventAdapter_RecoversPanics(t *testing.T) {
	t.Parallel()
	conn := debuggertest.NewFakeConnection()
	s := debugger.New(
		debugger.WithDialer(conn.Dialer(nil)),
		debugger.WithLogger(quietLogger()),
	)
	require.NoError(t, s.Attach(context.Background(), "x"))
	s.SetEventSink(&panicSink{})
	assert.NotPanics(t, func() { s.Notifier().Output(debugger.OutputStdout, "hello") })
}

func TestAttach_StopDuringDial(t *testing.T) {
	t.Parallel()
	conn := debuggertest.NewFakeConnection()
	conn.SetFrames(1, debugger.NativeFrame{Ref: 7, Function: "Update"})
	sink := &debuggertest.RecordingSink{}
	dial := conn.Dialer(nil)
	s := debugger.New(
		debugger.WithDialer(func(ctx context.Context, endpoint string, n debugger.Notifier) (debugger.Connection, error) {
			c, err := dial(ctx, endpoint, n)
			// The debuggee is already suspended when the connection opens.
			n.BreakpointHit(1, "/a.cs", 3)
			return c, err
		}),
		debugger.WithEventSink(sink),
		debugger.WithLogger(quietLogger()),
	)

	require.NoError(t, s.Attach(context.Background(), "127.0.0.1:56000"))
	assert.Equal(t, debugger.Stopped, s.State())
	assert.Equal(t, 1, sink.Count(debuggertest.EventStopped))

	frames, _, err := s.StackTrace(context.Background(), 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "Update", frames[0].Name)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Continue(ctx))
	assert.Equal(t, 1, conn.CountCalls("resume"))
}

func TestContinue_ClaimedRunsBeforeCommand(t *testing.T) {
	t.Parallel()
	s, conn, sink := attached(t)
	conn.Notifier().BreakpointHit(1, "/src/a.go", 3)
	conn.ControlHook = func(string) {
		conn.Notifier().BreakpointHit(1, "/src/a.go", 4)
	}

	err := s.Continue(context.Background(), debugger.OnClaimed(func() {
		sink.Output("test", "claimed")
	}))
	require.NoError(t, err)

	var kinds []string
	for _, e := range sink.Events() {
		if e.Kind == debuggertest.EventStopped || e.Category == "test" {
			kinds = append(kinds, e.Kind)
		}
	}
	assert.Equal(t, []string{
		debuggertest.EventStopped,
		debuggertest.EventOutput,
		debuggertest.EventStopped,
	}, kinds)
	assert.Equal(t, debugger.Stopped, s.State())
}

func TestContinue_FailureKeepsFrames(t *testing.T) {
	t.Parallel()
	s, conn, sink := attached(t)
	conn.SetFrames(1, debugger.NativeFrame{Ref: 100, Function: "main"})
	conn.Notifier().BreakpointHit(1, "/src/a.go", 3)
	ctx := context.Background()
	before, _, err := s.StackTrace(ctx, 1, 0, 0)
	require.NoError(t, err)
	require.Len(t, before, 1)

	conn.ResumeErr = debuggertest.ErrInjected
	require.ErrorIs(t, s.Continue(ctx), debuggertest.ErrInjected)
	assert.Equal(t, 1, sink.Count(debuggertest.EventStopped), "no second stop without OnClaimed")

	after, _, err := s.StackTrace(ctx, 1, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	value, err := s.Evaluate(ctx, before[0].ID, "x")
	require.NoError(t, err)
	assert.Equal(t, "x", value)
	assert.Equal(t, 1, conn.CountCalls("evaluate 100 x"))
}

func TestStep_FailureAfterClaimAnnouncesStopAgain(t *testing.T) {
	t.Parallel()
	s, conn, sink := attached(t)
	conn.Notifier().StepComplete(2)
	conn.StepErr = debuggertest.ErrInjected

	claimed := false
	err := s.Step(context.Background(), debugger.StepInto, debugger.OnClaimed(func() { claimed = true }))
	require.ErrorIs(t, err, debuggertest.ErrInjected)
	assert.True(t, claimed)
	assert.Equal(t, debugger.Stopped, s.State())

	var stops []debuggertest.Event
	for _, e := range sink.Events() {
		if e.Kind == debuggertest.EventStopped {
			stops = append(stops, e)
		}
	}
	require.Len(t, stops, 2)
	assert.Equal(t, stops[0], stops[1])
	assert.Equal(t, "step", stops[1].Reason)
	assert.Equal(t, 2, stops[1].ThreadID)
}
