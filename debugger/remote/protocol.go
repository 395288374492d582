// Copyright © 2024 The ELPS authors

package remote

import "encoding/json"

// ProtocolVersion is the debuggee protocol version this client speaks.
const ProtocolVersion = 2

// Message types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Commands sent to the debuggee.
const (
	CommandVersion          = "version"
	CommandAddBreakpoint    = "addBreakpoint"
	CommandRemoveBreakpoint = "removeBreakpoint"
	CommandResume           = "resume"
	CommandStep             = "step"
	CommandThreads          = "threads"
	CommandStackFrames      = "stackFrames"
	CommandEvaluate         = "evaluate"
	CommandDisconnect       = "disconnect"
)

// Events sent by the debuggee.
const (
	EventBreakpointBound  = "breakpointBound"
	EventBreakpointError  = "breakpointError"
	EventThreadStarted    = "threadStarted"
	EventThreadEnded      = "threadEnded"
	EventBreakpointHit    = "breakpointHit"
	EventStepComplete     = "stepComplete"
	EventModuleLoaded     = "moduleLoaded"
	EventOutput           = "output"
	EventProgramDestroyed = "programDestroyed"
)

// Message is the envelope of every frame exchanged with the debuggee.
// Frames use Content-Length base-protocol framing.
type Message struct {
	Seq        int             `json:"seq"`
	Type       string          `json:"type"`
	Command    string          `json:"command,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	RequestSeq int             `json:"request_seq,omitempty"`
	Success    bool            `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	Event      string          `json:"event,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

type VersionBody struct {
	Version int `json:"version"`
}

type BreakpointArgs struct {
	Path   string `json:"path"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

type StepArgs struct {
	ThreadID int    `json:"threadId"`
	Kind     string `json:"kind"`
}

type ThreadArgs struct {
	ThreadID int `json:"threadId"`
}

type Thread struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

type ThreadsBody struct {
	Threads []Thread `json:"threads"`
}

type Frame struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path,omitempty"`
	Line   int    `json:"line"`
	Column int    `json:"column,omitempty"`
}

type StackFramesBody struct {
	Frames []Frame `json:"frames"`
}

type EvaluateArgs struct {
	FrameID    int    `json:"frameId"`
	Expression string `json:"expression"`
	TimeoutMs  int64  `json:"timeoutMs"`
}

type EvaluateBody struct {
	Value string `json:"value"`
}

type BreakpointEventBody struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Message string `json:"message,omitempty"`
}

type ThreadEventBody struct {
	ThreadID int    `json:"threadId"`
	Name     string `json:"name,omitempty"`
}

type BreakpointHitBody struct {
	ThreadID int    `json:"threadId"`
	Path     string `json:"path"`
	Line     int    `json:"line"`
}

type ModuleEventBody struct {
	Name string `json:"name"`
}

type OutputEventBody struct {
	Category string `json:"category"`
	Text     string `json:"text"`
}
