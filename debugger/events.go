// Copyright © 2024 The ELPS authors

package debugger

// StopReason describes why execution paused.
type StopReason string

const (
	StopBreakpoint StopReason = "breakpoint"
	StopStep       StopReason = "step"
)

// ThreadReason describes a thread lifecycle change.
type ThreadReason string

const (
	ThreadStarted ThreadReason = "started"
	ThreadExited  ThreadReason = "exited"
)

// Output categories understood by clients.
const (
	OutputConsole = "console"
	OutputStdout  = "stdout"
	OutputStderr  = "stderr"
)

// EventSink receives the outbound events of a session. Implementations
// translate them to a client protocol and must not block for long: they
// are called from the notification goroutine.
type EventSink interface {
	Initialized()
	Stopped(reason StopReason, threadID int)
	Thread(reason ThreadReason, threadID int)
	Terminated()
	Output(category, text string)
}

type nopSink struct{}

func (nopSink) Initialized()                 {}
func (nopSink) Stopped(StopReason, int)      {}
func (nopSink) Thread(ThreadReason, int)     {}
func (nopSink) Terminated()                  {}
func (nopSink) Output(category, text string) {}
