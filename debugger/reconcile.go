// Copyright © 2024 The ELPS authors

package debugger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SetBreakpoints replaces the breakpoints of one source file. It returns
// one result per requested breakpoint, in request order. Breakpoints the
// debuggee confirms before the bind timeout are verified; the others are
// returned unverified but stay registered, so a late confirmation still
// verifies them.
//
// Before attach the breakpoints are only recorded. Attach sends them to
// the debuggee.
func (s *Session) SetBreakpoints(ctx context.Context, args SetBreakpointsArgs) ([]Breakpoint, error) {
	path := strings.TrimSpace(args.Path)
	if path == "" {
		return nil, ErrInvalidSource
	}
	if !s.acceptsSource(path) {
		s.log.WithField("path", path).Debug("ignoring breakpoints for unsupported source")
		return []Breakpoint{}, nil
	}

	s.bpMu.Lock()
	defer s.bpMu.Unlock()

	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil, ErrTerminated
	}
	conn := s.conn
	s.mu.Unlock()

	log := s.log.WithField("path", path)
	requested := make(map[int]bool, len(args.Breakpoints))
	for _, sb := range args.Breakpoints {
		requested[sb.Line] = true
	}

	if conn != nil {
		s.syncRemote(conn)
	}

	// Drop stale entries. A modified source invalidates every line.
	s.mu.Lock()
	var stale []*Breakpoint
	for _, bp := range s.breakpoints.ForPath(path) {
		if args.SourceModified || !requested[bp.Line] || !bp.Bound() || !bp.Verified {
			stale = append(stale, bp)
			s.breakpoints.Delete(bp.Path, bp.Line)
		}
	}
	s.mu.Unlock()
	if conn != nil {
		for _, bp := range stale {
			if err := conn.RemoveBreakpoint(ctx, bp.Path, bp.Line); err != nil {
				log.WithError(err).WithField("line", bp.Line).Warn("unable to remove breakpoint")
			}
		}
	}

	// Add new entries. Each is in the table before the remote add so an
	// early bind confirmation finds it.
	failed := make(map[int]Breakpoint)
	var pending []int
	for _, sb := range args.Breakpoints {
		s.mu.Lock()
		if s.breakpoints.Get(path, sb.Line) != nil {
			s.mu.Unlock()
			continue
		}
		s.breakpoints.Insert(path, sb.Line, sb.Column, sb.LogMessage)
		s.mu.Unlock()
		if conn == nil {
			continue
		}
		if err := conn.AddBreakpoint(ctx, path, sb.Line, sb.Column); err != nil {
			log.WithError(err).WithField("line", sb.Line).Warn("unable to add breakpoint")
			s.mu.Lock()
			s.breakpoints.Delete(path, sb.Line)
			s.mu.Unlock()
			failed[sb.Line] = Breakpoint{
				Path:    path,
				Line:    sb.Line,
				Column:  sb.Column,
				State:   BreakpointErrored,
				Message: err.Error(),
			}
			continue
		}
		pending = append(pending, sb.Line)
	}

	if len(pending) > 0 {
		s.awaitBind(ctx, path, pending)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]Breakpoint, 0, len(args.Breakpoints))
	for _, sb := range args.Breakpoints {
		if bp, ok := failed[sb.Line]; ok {
			results = append(results, bp)
			continue
		}
		bp := s.breakpoints.Get(path, sb.Line)
		if bp == nil {
			results = append(results, Breakpoint{
				Path:    path,
				Line:    sb.Line,
				Column:  sb.Column,
				Message: "breakpoint removed",
			})
			continue
		}
		results = append(results, *bp)
	}
	return results, nil
}

// syncRemote adds breakpoints the debuggee knows about but the table does
// not. Existing entries win.
func (s *Session) syncRemote(conn Connection) {
	remote := conn.Breakpoints()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rb := range remote {
		if s.breakpoints.Get(rb.Path, rb.Line) != nil {
			continue
		}
		bp := s.breakpoints.Insert(rb.Path, rb.Line, 0, "")
		if rb.Bound {
			bp.State = BreakpointBound
			bp.Verified = true
		}
	}
}

// awaitBind polls until every pending line of path left the unbound
// state, the bind timeout elapses or ctx is done.
func (s *Session) awaitBind(ctx context.Context, path string, pending []int) {
	deadline := time.Now().Add(s.bindTimeout)
	ticker := time.NewTicker(s.bindPollInterval)
	defer ticker.Stop()
	for {
		if s.resolvePending(path, &pending) {
			return
		}
		if !time.Now().Before(deadline) {
			s.log.WithFields(logrus.Fields{
				"path":  path,
				"lines": fmt.Sprint(pending),
			}).Debug("breakpoints not bound before deadline")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// resolvePending drops lines that are bound or errored and reports
// whether nothing is left to wait for.
func (s *Session) resolvePending(path string, pending *[]int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return true
	}
	left := (*pending)[:0]
	for _, line := range *pending {
		bp := s.breakpoints.Get(path, line)
		if bp != nil && bp.State == BreakpointUnbound {
			left = append(left, line)
		}
	}
	*pending = left
	return len(left) == 0
}
