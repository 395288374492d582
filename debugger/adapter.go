// Copyright © 2024 The ELPS authors

package debugger

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// EventAdapter turns debuggee notifications into session state changes
// and outbound events. A failure while handling one notification is
// logged and never propagates back into the connection.
type EventAdapter struct {
	session *Session
}

var _ Notifier = (*EventAdapter)(nil)

func (a *EventAdapter) guard(what string) {
	if r := recover(); r != nil {
		a.session.log.WithFields(logrus.Fields{
			"notification": what,
			"panic":        fmt.Sprint(r),
		}).Errorf("notification handler failed\n%s", debug.Stack())
	}
}

// BreakpointBound marks the breakpoint at path:line verified.
func (a *EventAdapter) BreakpointBound(path string, line int) {
	defer a.guard("breakpointBound")
	s := a.session
	s.mu.Lock()
	defer s.mu.Unlock()
	bp := s.breakpoints.Get(path, line)
	if bp == nil {
		s.log.WithField("location", fmt.Sprintf("%s:%d", path, line)).Debug("bind for unknown breakpoint")
		return
	}
	bp.State = BreakpointBound
	bp.Verified = true
	bp.Message = ""
}

// BreakpointError marks the breakpoint at path:line rejected.
func (a *EventAdapter) BreakpointError(path string, line int, msg string) {
	defer a.guard("breakpointError")
	s := a.session
	s.mu.Lock()
	defer s.mu.Unlock()
	bp := s.breakpoints.Get(path, line)
	if bp == nil {
		s.log.WithField("location", fmt.Sprintf("%s:%d", path, line)).Debug("error for unknown breakpoint")
		return
	}
	bp.State = BreakpointErrored
	bp.Verified = false
	bp.Message = msg
}

// ThreadStarted registers a new debuggee thread.
func (a *EventAdapter) ThreadStarted(threadID int, name string) {
	defer a.guard("threadStarted")
	s := a.session
	s.mu.Lock()
	s.threads[threadID] = ThreadInfo{ID: threadID, Name: name}
	sink := s.sink
	s.mu.Unlock()
	sink.Thread(ThreadStarted, threadID)
}

// ThreadEnded forgets a debuggee thread.
func (a *EventAdapter) ThreadEnded(threadID int) {
	defer a.guard("threadEnded")
	s := a.session
	s.mu.Lock()
	delete(s.threads, threadID)
	delete(s.frames, threadID)
	sink := s.sink
	s.mu.Unlock()
	sink.Thread(ThreadExited, threadID)
}

// BreakpointHit records a stop of threadID at a breakpoint.
func (a *EventAdapter) BreakpointHit(threadID int, path string, line int) {
	defer a.guard("breakpointHit")
	a.session.log.WithFields(logrus.Fields{
		"thread":   threadID,
		"location": fmt.Sprintf("%s:%d", path, line),
	}).Debug("breakpoint hit")
	a.session.stop(StopBreakpoint, threadID)
}

// StepComplete records a stop of threadID after a step.
func (a *EventAdapter) StepComplete(threadID int) {
	defer a.guard("stepComplete")
	a.session.stop(StopStep, threadID)
}

// ProgramDestroyed clears all breakpoints and terminates the session.
func (a *EventAdapter) ProgramDestroyed() {
	defer a.guard("programDestroyed")
	s := a.session
	s.mu.Lock()
	s.breakpoints.Clear()
	s.mu.Unlock()
	s.Terminate()
}

// ModuleLoaded is informational only.
func (a *EventAdapter) ModuleLoaded(name string) {
	defer a.guard("moduleLoaded")
	a.session.log.WithField("module", name).Debug("module loaded")
}

// Output forwards debuggee output to the client.
func (a *EventAdapter) Output(category, text string) {
	defer a.guard("output")
	a.session.eventSink().Output(category, text)
}

// stop captures the stack of threadID, makes it the stopped thread,
// announces the stop and finally admits one waiting control command.
func (s *Session) stop(reason StopReason, threadID int) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	if conn == nil && s.attaching {
		s.pendingStop = &stopNotice{reason: reason, thread: threadID}
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	var native []NativeFrame
	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		var err error
		native, err = conn.StackFrames(ctx, threadID)
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("thread", threadID).Warn("unable to capture stack frames")
			native = nil
		}
	}
	frames := make([]StackFrame, len(native))
	for i, nf := range native {
		frames[i] = s.sources.resolve(nf)
	}

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	for i := range frames {
		frames[i].ID = s.frameRefs.create(native[i])
	}
	s.frames[threadID] = frames
	s.stoppedThread = threadID
	s.stopReason = reason
	s.stopGen++
	sink := s.sink
	s.mu.Unlock()

	sink.Stopped(reason, threadID)
	s.markStopped()
}
