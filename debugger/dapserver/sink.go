// Copyright © 2024 The ELPS authors

package dapserver

import (
	"strings"

	"github.com/google/go-dap"
	"github.com/luthersystems/dapbridge/debugger"
)

// eventSink sends session events to the DAP client.
type eventSink struct {
	h *handler
}

var _ debugger.EventSink = (*eventSink)(nil)

func (e *eventSink) Initialized() {
	e.h.send(&dap.InitializedEvent{Event: e.h.newEvent("initialized")})
}

func (e *eventSink) Stopped(reason debugger.StopReason, threadID int) {
	e.h.send(&dap.StoppedEvent{
		Event: e.h.newEvent("stopped"),
		Body: dap.StoppedEventBody{
			Reason:            string(reason),
			ThreadId:          threadID,
			AllThreadsStopped: true,
		},
	})
}

func (e *eventSink) Thread(reason debugger.ThreadReason, threadID int) {
	e.h.send(&dap.ThreadEvent{
		Event: e.h.newEvent("thread"),
		Body:  dap.ThreadEventBody{Reason: string(reason), ThreadId: threadID},
	})
}

func (e *eventSink) Terminated() {
	e.h.send(&dap.TerminatedEvent{Event: e.h.newEvent("terminated")})
}

func (e *eventSink) Output(category, text string) {
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	e.h.send(&dap.OutputEvent{
		Event: e.h.newEvent("output"),
		Body:  dap.OutputEventBody{Category: category, Output: text},
	})
}
