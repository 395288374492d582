// Copyright © 2024 The ELPS authors

package debugger

import "sort"

// BreakpointState tracks whether the debuggee has confirmed a breakpoint.
type BreakpointState int

const (
	// BreakpointUnbound breakpoints were requested but not yet confirmed.
	BreakpointUnbound BreakpointState = iota
	// BreakpointBound breakpoints were confirmed by the debuggee.
	BreakpointBound
	// BreakpointErrored breakpoints were rejected by the debuggee.
	BreakpointErrored
)

func (s BreakpointState) String() string {
	switch s {
	case BreakpointUnbound:
		return "unbound"
	case BreakpointBound:
		return "bound"
	case BreakpointErrored:
		return "errored"
	}
	return "invalid"
}

// Breakpoint is a client-requested source location. Its identity is the
// (Path, Line) pair.
type Breakpoint struct {
	ID         int
	Path       string
	Line       int
	Column     int
	LogMessage string
	State      BreakpointState
	Verified   bool
	// Message explains why the breakpoint is not verified.
	Message string
}

// Bound reports whether the debuggee confirmed the breakpoint.
func (bp *Breakpoint) Bound() bool {
	return bp.State == BreakpointBound
}

// SourceBreakpoint is a single breakpoint of a set-breakpoints request.
type SourceBreakpoint struct {
	Line       int
	Column     int
	LogMessage string
}

// SetBreakpointsArgs is the input of Session.SetBreakpoints.
type SetBreakpointsArgs struct {
	Path           string
	Breakpoints    []SourceBreakpoint
	SourceModified bool
}

// BreakpointTable indexes breakpoints by path and line. It is not safe for
// concurrent use; the owning Session guards it.
type BreakpointTable struct {
	byPath map[string]map[int]*Breakpoint
	nextID int
}

// NewBreakpointTable returns an empty table.
func NewBreakpointTable() *BreakpointTable {
	return &BreakpointTable{
		byPath: make(map[string]map[int]*Breakpoint),
	}
}

// Get returns the breakpoint at path:line, or nil.
func (t *BreakpointTable) Get(path string, line int) *Breakpoint {
	return t.byPath[path][line]
}

// Insert adds an unbound breakpoint at path:line and returns it. An
// existing entry at the same location is returned unchanged.
func (t *BreakpointTable) Insert(path string, line, column int, logMessage string) *Breakpoint {
	lines, ok := t.byPath[path]
	if !ok {
		lines = make(map[int]*Breakpoint)
		t.byPath[path] = lines
	}
	if bp, ok := lines[line]; ok {
		return bp
	}
	t.nextID++
	bp := &Breakpoint{
		ID:         t.nextID,
		Path:       path,
		Line:       line,
		Column:     column,
		LogMessage: logMessage,
	}
	lines[line] = bp
	return bp
}

// Delete removes the breakpoint at path:line.
func (t *BreakpointTable) Delete(path string, line int) {
	lines, ok := t.byPath[path]
	if !ok {
		return
	}
	delete(lines, line)
	if len(lines) == 0 {
		delete(t.byPath, path)
	}
}

// ForPath returns the breakpoints of path ordered by line.
func (t *BreakpointTable) ForPath(path string) []*Breakpoint {
	lines := t.byPath[path]
	bps := make([]*Breakpoint, 0, len(lines))
	for _, bp := range lines {
		bps = append(bps, bp)
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i].Line < bps[j].Line })
	return bps
}

// All returns every breakpoint ordered by path and line.
func (t *BreakpointTable) All() []*Breakpoint {
	paths := make([]string, 0, len(t.byPath))
	for p := range t.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	var bps []*Breakpoint
	for _, p := range paths {
		bps = append(bps, t.ForPath(p)...)
	}
	return bps
}

// Clear removes every breakpoint.
func (t *BreakpointTable) Clear() {
	t.byPath = make(map[string]map[int]*Breakpoint)
}
