// Copyright © 2024 The ELPS authors

package dapserver

import (
	"fmt"

	"github.com/google/go-dap"
	"github.com/luthersystems/dapbridge/debugger"
)

// translateCapabilities converts session capabilities to DAP.
func translateCapabilities(c debugger.Capabilities) dap.Capabilities {
	return dap.Capabilities{
		SupportsConfigurationDoneRequest:  c.SupportsConfigurationDoneRequest,
		SupportsFunctionBreakpoints:       c.SupportsFunctionBreakpoints,
		SupportsConditionalBreakpoints:    c.SupportsConditionalBreakpoints,
		SupportsHitConditionalBreakpoints: c.SupportsHitConditionalBreakpoints,
		SupportsEvaluateForHovers:         c.SupportsEvaluateForHovers,
		SupportsSetVariable:               c.SupportsSetVariable,
		SupportsExceptionOptions:          c.SupportsExceptionOptions,
		SupportsLogPoints:                 c.SupportsLogPoints,
		SupportsTerminateRequest:          true,
		ExceptionBreakpointFilters:        []dap.ExceptionBreakpointsFilter{},
	}
}

// translateSourceBreakpoints converts the breakpoints of a setBreakpoints
// request. Clients that only send the deprecated lines array are honored.
func translateSourceBreakpoints(args dap.SetBreakpointsArguments) debugger.SetBreakpointsArgs {
	path := args.Source.Path
	if path == "" {
		path = args.Source.Name
	}
	out := debugger.SetBreakpointsArgs{
		Path:           path,
		SourceModified: args.SourceModified,
	}
	if len(args.Breakpoints) == 0 {
		for _, line := range args.Lines {
			out.Breakpoints = append(out.Breakpoints, debugger.SourceBreakpoint{Line: line})
		}
		return out
	}
	out.Breakpoints = make([]debugger.SourceBreakpoint, len(args.Breakpoints))
	for i, bp := range args.Breakpoints {
		out.Breakpoints[i] = debugger.SourceBreakpoint{
			Line:       bp.Line,
			Column:     bp.Column,
			LogMessage: bp.LogMessage,
		}
	}
	return out
}

// translateBreakpoints converts session breakpoints to DAP breakpoints.
func translateBreakpoints(bps []debugger.Breakpoint, source dap.Source) []dap.Breakpoint {
	out := make([]dap.Breakpoint, len(bps))
	for i, bp := range bps {
		src := source
		out[i] = dap.Breakpoint{
			Id:       bp.ID,
			Verified: bp.Verified,
			Message:  bp.Message,
			Source:   &src,
			Line:     bp.Line,
			Column:   bp.Column,
		}
	}
	return out
}

// translateThreads converts threads, naming them "name (id)".
func translateThreads(threads []debugger.ThreadInfo) []dap.Thread {
	out := make([]dap.Thread, len(threads))
	for i, th := range threads {
		out[i] = dap.Thread{Id: th.ID, Name: fmt.Sprintf("%s (%d)", th.Name, th.ID)}
	}
	return out
}

// translateStackFrames converts resolved frames, innermost first.
func translateStackFrames(frames []debugger.StackFrame) []dap.StackFrame {
	out := make([]dap.StackFrame, len(frames))
	for i, f := range frames {
		out[i] = dap.StackFrame{
			Id:               f.ID,
			Name:             f.Name,
			Line:             f.Line,
			Column:           f.Column,
			PresentationHint: f.PresentationHint,
		}
		if f.Source != nil {
			out[i].Source = &dap.Source{
				Name:             f.Source.Name,
				Path:             f.Source.Path,
				SourceReference:  f.Source.SourceReference,
				PresentationHint: f.Source.PresentationHint,
			}
		}
	}
	return out
}

// translateStepKind maps DAP step commands to step kinds.
func translateStepKind(command string) debugger.StepKind {
	switch command {
	case "stepIn":
		return debugger.StepInto
	case "stepOut":
		return debugger.StepOut
	}
	return debugger.StepOver
}
