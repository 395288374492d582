// Copyright © 2024 The ELPS authors

package dapserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/go-dap"
	"github.com/luthersystems/dapbridge/debugger"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Error ids reported in DAP error responses.
const (
	ErrIDNoSource       = 1020
	ErrIDStackTrace     = 2004
	ErrIDAttach         = 3001
	ErrIDBadSource      = 3010
	ErrIDSetBreakpoints = 3011
	ErrIDEvaluate       = 3014
	ErrIDTerminated     = 3100
	ErrIDInternal       = 8888
	ErrIDUnsupported    = 9999
)

// attachArguments are the attach/launch arguments the bridge understands.
type attachArguments struct {
	AddressPort string `json:"addressPort"`
}

// handler dispatches incoming DAP messages to the appropriate method.
type handler struct {
	server  *Server
	session *debugger.Session
	sink    *eventSink
	log     *logrus.Entry

	// wg tracks requests running on their own goroutine.
	wg sync.WaitGroup
}

func newHandler(s *Server, session *debugger.Session) *handler {
	h := &handler{
		server:  s,
		session: session,
		log:     s.log,
	}
	h.sink = &eventSink{h: h}
	session.SetEventSink(h.sink)
	return h
}

// send sends a DAP message and logs any write error.
func (h *handler) send(msg dap.Message) {
	if err := h.server.send(msg); err != nil {
		h.log.WithError(err).Debug("send error")
	}
}

// wait blocks until every asynchronous request has been answered.
func (h *handler) wait() {
	h.wg.Wait()
}

func (h *handler) handle(msg dap.Message) {
	rm, ok := msg.(dap.RequestMessage)
	if !ok {
		h.log.Debugf("unhandled message type: %T", msg)
		return
	}
	req := rm.GetRequest()
	switch msg.(type) {
	case *dap.InitializeRequest, *dap.DisconnectRequest, *dap.TerminateRequest:
		// Session lifecycle requests are answered in order.
		h.dispatch(msg, req)
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.dispatch(msg, req)
	}()
}

func (h *handler) dispatch(msg dap.Message, r *dap.Request) {
	ctx, span := h.server.tracer.Start(context.Background(), "dap."+r.Command,
		trace.WithAttributes(
			attribute.String("dap.command", r.Command),
			attribute.Int("dap.seq", r.Seq),
		))
	defer span.End()

	switch req := msg.(type) {
	case *dap.InitializeRequest:
		h.onInitialize(ctx, req)
	case *dap.AttachRequest:
		h.onAttach(ctx, req)
	case *dap.LaunchRequest:
		h.onLaunch(ctx, req)
	case *dap.SetBreakpointsRequest:
		h.onSetBreakpoints(ctx, req)
	case *dap.SetExceptionBreakpointsRequest:
		h.onSetExceptionBreakpoints(ctx, req)
	case *dap.SetFunctionBreakpointsRequest:
		h.onSetFunctionBreakpoints(ctx, req)
	case *dap.ConfigurationDoneRequest:
		h.onConfigurationDone(ctx, req)
	case *dap.ThreadsRequest:
		h.onThreads(ctx, req)
	case *dap.StackTraceRequest:
		h.onStackTrace(ctx, req)
	case *dap.ScopesRequest:
		h.onScopes(ctx, req)
	case *dap.VariablesRequest:
		h.onVariables(ctx, req)
	case *dap.SourceRequest:
		h.onSource(ctx, req)
	case *dap.ContinueRequest:
		h.onContinue(ctx, req)
	case *dap.NextRequest, *dap.StepInRequest, *dap.StepOutRequest:
		h.onStep(ctx, msg, r)
	case *dap.EvaluateRequest:
		h.onEvaluate(ctx, req)
	case *dap.DisconnectRequest:
		h.onDisconnect(ctx, req)
	case *dap.TerminateRequest:
		h.onTerminate(ctx, req)
	default:
		h.sendError(ctx, r, ErrIDUnsupported, "Unsupported command",
			fmt.Errorf("%s is not supported", r.Command))
	}
}

func (h *handler) onInitialize(ctx context.Context, req *dap.InitializeRequest) {
	caps := h.session.Initialize()

	resp := &dap.InitializeResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body = translateCapabilities(caps)
	h.send(resp)

	// Breakpoints are accepted right away, before attach.
	h.sink.Initialized()
}

func (h *handler) onAttach(ctx context.Context, req *dap.AttachRequest) {
	if !h.attach(ctx, &req.Request, req.Arguments) {
		return
	}
	resp := &dap.AttachResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
}

// onLaunch attaches too: the bridge never starts the debuggee itself.
func (h *handler) onLaunch(ctx context.Context, req *dap.LaunchRequest) {
	if !h.attach(ctx, &req.Request, req.Arguments) {
		return
	}
	resp := &dap.LaunchResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
}

func (h *handler) attach(ctx context.Context, r *dap.Request, raw json.RawMessage) bool {
	var args attachArguments
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			h.sendError(ctx, r, ErrIDAttach, "Failed to attach", fmt.Errorf("invalid arguments: %w", err))
			return false
		}
	}
	if err := h.session.Attach(ctx, args.AddressPort); err != nil {
		h.sendError(ctx, r, ErrIDAttach, "Failed to attach", err)
		return false
	}
	return true
}

func (h *handler) onSetBreakpoints(ctx context.Context, req *dap.SetBreakpointsRequest) {
	bps, err := h.session.SetBreakpoints(ctx, translateSourceBreakpoints(req.Arguments))
	if errors.Is(err, debugger.ErrInvalidSource) {
		h.sendError(ctx, &req.Request, ErrIDBadSource, "setBreakpoints: property 'source' is empty or misformed", nil)
		return
	}
	if err != nil {
		h.sendError(ctx, &req.Request, ErrIDSetBreakpoints, "setBreakpoints failed", err)
		return
	}

	resp := &dap.SetBreakpointsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Breakpoints = translateBreakpoints(bps, req.Arguments.Source)
	h.send(resp)
}

func (h *handler) onSetExceptionBreakpoints(ctx context.Context, req *dap.SetExceptionBreakpointsRequest) {
	resp := &dap.SetExceptionBreakpointsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
}

func (h *handler) onSetFunctionBreakpoints(ctx context.Context, req *dap.SetFunctionBreakpointsRequest) {
	resp := &dap.SetFunctionBreakpointsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Breakpoints = []dap.Breakpoint{}
	h.send(resp)
}

func (h *handler) onConfigurationDone(ctx context.Context, req *dap.ConfigurationDoneRequest) {
	resp := &dap.ConfigurationDoneResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)
}

func (h *handler) onThreads(ctx context.Context, req *dap.ThreadsRequest) {
	resp := &dap.ThreadsResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Threads = translateThreads(h.session.Threads())
	h.send(resp)
}

func (h *handler) onStackTrace(ctx context.Context, req *dap.StackTraceRequest) {
	args := req.Arguments
	frames, total, err := h.session.StackTrace(ctx, args.ThreadId, args.StartFrame, args.Levels)
	if err != nil {
		h.sendError(ctx, &req.Request, ErrIDStackTrace, "Unable to produce stack trace", err)
		return
	}

	resp := &dap.StackTraceResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.StackFrames = translateStackFrames(frames)
	resp.Body.TotalFrames = total
	h.send(resp)
}

// onScopes answers with no scopes; variable inspection is limited to
// evaluate.
func (h *handler) onScopes(ctx context.Context, req *dap.ScopesRequest) {
	resp := &dap.ScopesResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Scopes = []dap.Scope{}
	h.send(resp)
}

func (h *handler) onVariables(ctx context.Context, req *dap.VariablesRequest) {
	resp := &dap.VariablesResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Variables = []dap.Variable{}
	h.send(resp)
}

func (h *handler) onSource(ctx context.Context, req *dap.SourceRequest) {
	h.sendError(ctx, &req.Request, ErrIDNoSource, "No source available", nil)
}

// onContinue answers as soon as the session claimed the stop, before the
// debuggee runs, so the response always precedes the next stopped event.
func (h *handler) onContinue(ctx context.Context, req *dap.ContinueRequest) {
	answered := false
	err := h.session.Continue(ctx, debugger.OnClaimed(func() {
		answered = true
		resp := &dap.ContinueResponse{}
		resp.Response = h.newResponse(req.Seq, req.Command)
		resp.Body.AllThreadsContinued = true
		h.send(resp)
	}))
	switch {
	case err == nil:
	case answered:
		h.controlFailed(ctx, "Unable to continue", err)
	default:
		h.sendError(ctx, &req.Request, ErrIDInternal, "Unable to continue", err)
	}
}

func (h *handler) onStep(ctx context.Context, msg dap.Message, r *dap.Request) {
	answered := false
	err := h.session.Step(ctx, translateStepKind(r.Command), debugger.OnClaimed(func() {
		answered = true
		response := h.newResponse(r.Seq, r.Command)
		switch msg.(type) {
		case *dap.NextRequest:
			h.send(&dap.NextResponse{Response: response})
		case *dap.StepInRequest:
			h.send(&dap.StepInResponse{Response: response})
		case *dap.StepOutRequest:
			h.send(&dap.StepOutResponse{Response: response})
		}
	}))
	switch {
	case err == nil:
	case answered:
		h.controlFailed(ctx, "Unable to step", err)
	default:
		h.sendError(ctx, r, ErrIDInternal, "Unable to step", err)
	}
}

// controlFailed reports a control command that failed after its request
// was already answered. The session announces the stop again, and the
// client learns the reason from the console.
func (h *handler) controlFailed(ctx context.Context, summary string, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, summary)
	h.log.WithError(err).Warn(summary)
	h.sink.Output(debugger.OutputStderr, fmt.Sprintf("%s (%v)", summary, err))
}

func (h *handler) onEvaluate(ctx context.Context, req *dap.EvaluateRequest) {
	result, err := h.session.Evaluate(ctx, req.Arguments.FrameId, req.Arguments.Expression)
	if err != nil {
		h.sendError(ctx, &req.Request, ErrIDEvaluate, "Evaluate request failed", err)
		return
	}

	resp := &dap.EvaluateResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	resp.Body.Result = result
	h.send(resp)
}

func (h *handler) onDisconnect(ctx context.Context, req *dap.DisconnectRequest) {
	resp := &dap.DisconnectResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)

	if err := h.session.Disconnect(); err != nil {
		h.log.WithError(err).Warn("disconnect from debuggee")
	}
	h.server.close()
}

func (h *handler) onTerminate(ctx context.Context, req *dap.TerminateRequest) {
	resp := &dap.TerminateResponse{}
	resp.Response = h.newResponse(req.Seq, req.Command)
	h.send(resp)

	if err := h.session.Disconnect(); err != nil {
		h.log.WithError(err).Warn("disconnect from debuggee")
	}
}

// sendError answers r with a DAP error response. Requests on a terminated
// session are always reported as such and connection problems share the
// attach id. Errors caused by bad arguments are not shown to the user.
func (h *handler) sendError(ctx context.Context, r *dap.Request, id int, summary string, err error) {
	switch {
	case errors.Is(err, debugger.ErrTerminated):
		id = ErrIDTerminated
	case debugger.IsConnectionError(err):
		id = ErrIDAttach
	}
	format := summary
	if err != nil {
		format = fmt.Sprintf("%s (%v)", summary, err)
	}

	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, format)
	h.log.WithFields(logrus.Fields{
		"command": r.Command,
		"seq":     r.Seq,
	}).Debug(format)

	resp := &dap.ErrorResponse{}
	resp.Response = h.newResponse(r.Seq, r.Command)
	resp.Success = false
	resp.Message = summary
	resp.Body.Error = &dap.ErrorMessage{
		Id:       id,
		Format:   format,
		ShowUser: !debugger.IsUsageError(err),
	}
	h.send(resp)
}

// rejectUndecodable answers a message go-dap could not decode, such as a
// request with an unknown command.
func (h *handler) rejectUndecodable(err *dap.DecodeProtocolMessageFieldError) {
	r := &dap.Request{ProtocolMessage: dap.ProtocolMessage{Seq: err.Seq, Type: "request"}}
	if err.SubType == "request" && err.FieldName == "command" {
		r.Command = err.FieldValue
	}
	h.sendError(context.Background(), r, ErrIDUnsupported, "Unsupported command", err)
}

func (h *handler) newResponse(reqSeq int, command string) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  h.server.nextSeq(),
			Type: "response",
		},
		RequestSeq: reqSeq,
		Success:    true,
		Command:    command,
	}
}

func (h *handler) newEvent(event string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{
			Seq:  h.server.nextSeq(),
			Type: "event",
		},
		Event: event,
	}
}
