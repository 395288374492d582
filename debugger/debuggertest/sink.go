// Copyright © 2024 The ELPS authors

package debuggertest

import (
	"sync"

	"github.com/luthersystems/dapbridge/debugger"
)

// Event kinds recorded by RecordingSink.
const (
	EventInitialized = "initialized"
	EventStopped     = "stopped"
	EventThread      = "thread"
	EventTerminated  = "terminated"
	EventOutput      = "output"
)

// Event is one recorded outbound event.
type Event struct {
	Kind     string
	Reason   string
	ThreadID int
	Category string
	Text     string
}

// RecordingSink is a debugger.EventSink that keeps every event.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

var _ debugger.EventSink = (*RecordingSink)(nil)

func (r *RecordingSink) add(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *RecordingSink) Initialized() {
	r.add(Event{Kind: EventInitialized})
}

func (r *RecordingSink) Stopped(reason debugger.StopReason, threadID int) {
	r.add(Event{Kind: EventStopped, Reason: string(reason), ThreadID: threadID})
}

func (r *RecordingSink) Thread(reason debugger.ThreadReason, threadID int) {
	r.add(Event{Kind: EventThread, Reason: string(reason), ThreadID: threadID})
}

func (r *RecordingSink) Terminated() {
	r.add(Event{Kind: EventTerminated})
}

func (r *RecordingSink) Output(category, text string) {
	r.add(Event{Kind: EventOutput, Category: category, Text: text})
}

// Events returns a copy of the recorded events.
func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *RecordingSink) Count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Outputs returns the text of every output event.
func (r *RecordingSink) Outputs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == EventOutput {
			out = append(out, e.Text)
		}
	}
	return out
}
