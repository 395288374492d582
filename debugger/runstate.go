// Copyright © 2024 The ELPS authors

package debugger

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// RunState is the execution status of the debuggee as seen by the bridge.
type RunState int

const (
	// Stopped means the debuggee is suspended and accepts one control
	// command.
	Stopped RunState = iota
	// Running means a control command is in flight or the debuggee runs
	// freely until its next stop.
	Running
)

func (s RunState) String() string {
	if s == Stopped {
		return "stopped"
	}
	return "running"
}

// State returns the current run state.
func (s *Session) State() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// waitStopped blocks until the debuggee is stopped, the session terminates
// or ctx is done. The caller must hold s.mu.
func (s *Session) waitStopped(ctx context.Context) error {
	if s.state == Running && !s.terminated && ctx.Err() == nil {
		stop := context.AfterFunc(ctx, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer stop()
		for s.state == Running && !s.terminated && ctx.Err() == nil {
			s.cond.Wait()
		}
	}
	if s.terminated {
		return ErrTerminated
	}
	return ctx.Err()
}

// ControlOption configures Continue and Step.
type ControlOption func(*controlConfig)

type controlConfig struct {
	claimed func()
}

// OnClaimed runs f after the control slot of the current stop was taken
// and before the command reaches the debuggee. Whatever f sends to the
// client therefore precedes the next stop. If the command then fails, the
// session announces the stop again.
func OnClaimed(f func()) ControlOption {
	return func(c *controlConfig) { c.claimed = f }
}

func newControlConfig(opts []ControlOption) controlConfig {
	var c controlConfig
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// controlClaim holds what a control command took over from the stop it ends.
type controlClaim struct {
	conn   Connection
	thread int
	gen    uint64
	frames map[int][]StackFrame
	refs   map[int]NativeFrame
}

// claim waits for a stop and takes the single control slot by switching
// the session to Running. Frame handles and cached stacks from the stop
// become invalid until release gives them back.
func (s *Session) claim(ctx context.Context) (controlClaim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil && !s.attaching && !s.terminated {
		return controlClaim{}, ErrNotAttached
	}
	if err := s.waitStopped(ctx); err != nil {
		return controlClaim{}, err
	}
	if s.conn == nil {
		return controlClaim{}, ErrNotAttached
	}
	c := controlClaim{
		conn:   s.conn,
		thread: s.stoppedThread,
		gen:    s.stopGen,
		frames: s.frames,
		refs:   s.frameRefs.detach(),
	}
	s.state = Running
	s.frames = make(map[int][]StackFrame)
	return c, nil
}

// release hands the control slot back after a control command could not
// be sent. The stop's frames become valid again. With reannounce the
// stop is reported to the sink a second time.
func (s *Session) release(c controlClaim, reannounce bool) {
	s.mu.Lock()
	if s.terminated || s.stopGen != c.gen {
		s.mu.Unlock()
		return
	}
	s.frames = c.frames
	s.frameRefs.restore(c.refs)
	reason := s.stopReason
	sink := s.sink
	s.mu.Unlock()

	if reannounce {
		sink.Stopped(reason, c.thread)
	}
	s.markStopped()
}

// markStopped switches to Stopped and wakes waiters. It must be
// called after the stop was announced to the sink so a woken control
// command cannot overtake the announcement.
func (s *Session) markStopped() {
	s.mu.Lock()
	if !s.terminated {
		s.state = Stopped
	}
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Continue waits until the debuggee is stopped and resumes it.
func (s *Session) Continue(ctx context.Context, opts ...ControlOption) error {
	cfg := newControlConfig(opts)
	c, err := s.claim(ctx)
	if err != nil {
		return err
	}
	if cfg.claimed != nil {
		cfg.claimed()
	}
	s.log.Debug("continue")
	if err := c.conn.Resume(ctx); err != nil {
		s.release(c, cfg.claimed != nil)
		return fmt.Errorf("resume: %w", err)
	}
	return nil
}

// Step waits until the debuggee is stopped and steps the stopped thread.
func (s *Session) Step(ctx context.Context, kind StepKind, opts ...ControlOption) error {
	cfg := newControlConfig(opts)
	c, err := s.claim(ctx)
	if err != nil {
		return err
	}
	if cfg.claimed != nil {
		cfg.claimed()
	}
	s.log.WithFields(logrus.Fields{"thread": c.thread, "kind": kind.String()}).Debug("step")
	if err := c.conn.Step(ctx, c.thread, kind); err != nil {
		s.release(c, cfg.claimed != nil)
		return fmt.Errorf("step %s: %w", kind, err)
	}
	return nil
}
