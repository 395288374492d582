// Copyright © 2024 The ELPS authors

// Package debugger implements the session engine of a debug bridge. A
// Session sits between a client speaking a synchronous request/response
// debug protocol and a remote debuggee that reports its state
// asynchronously, and makes the debuggee look like a single-threaded,
// step-at-a-time machine to the client.
//
// The Session owns all bridge state: the breakpoint table, live threads,
// the per-thread stack cache and the run/stop status. Client operations
// (SetBreakpoints, Continue, Step, StackTrace, ...) are called by a
// protocol dispatcher, usually the dapserver package. Debuggee
// notifications arrive through an EventAdapter and leave the session as
// outbound events on an EventSink.
//
// Concurrency model: a single mutex guards the session state and a
// condition variable on it signals run/stop transitions. Remote calls are
// never made while the mutex is held. At most one control command
// (continue or step) is in flight between two stops.
package debugger

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Defaults for session tuning.
const (
	DefaultBindTimeout      = time.Second
	DefaultBindPollInterval = 10 * time.Millisecond
	DefaultEvaluateTimeout  = 5 * time.Second
	DefaultRequestTimeout   = 10 * time.Second
	DefaultName             = "dapbridge"
)

// Capabilities are the features a session advertises on initialize.
type Capabilities struct {
	SupportsConfigurationDoneRequest  bool
	SupportsFunctionBreakpoints       bool
	SupportsConditionalBreakpoints    bool
	SupportsHitConditionalBreakpoints bool
	SupportsEvaluateForHovers         bool
	SupportsSetVariable               bool
	SupportsExceptionOptions          bool
	SupportsLogPoints                 bool
}

// Option configures a Session.
type Option func(*Session)

// WithDialer sets the function used by Attach to reach the debuggee.
func WithDialer(d Dialer) Option {
	return func(s *Session) { s.dial = d }
}

// WithEventSink sets the receiver of outbound events.
func WithEventSink(sink EventSink) Option {
	return func(s *Session) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithLogger sets the parent log entry of the session.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithName sets the adapter name used in console output.
func WithName(name string) Option {
	return func(s *Session) { s.name = name }
}

// WithDefaultTarget sets the debuggee address used when attach omits one.
func WithDefaultTarget(addr string) Option {
	return func(s *Session) { s.defaultTarget = addr }
}

// WithBindTimeout bounds how long SetBreakpoints waits for the debuggee
// to confirm new breakpoints.
func WithBindTimeout(d time.Duration) Option {
	return func(s *Session) { s.bindTimeout = d }
}

// WithBindPollInterval sets how often SetBreakpoints checks for bind
// confirmations.
func WithBindPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.bindPollInterval = d
		}
	}
}

// WithEvaluateTimeout bounds a single evaluation on the debuggee.
func WithEvaluateTimeout(d time.Duration) Option {
	return func(s *Session) { s.evalTimeout = d }
}

// WithRequestTimeout bounds remote calls the session makes on its own,
// such as capturing frames when a thread stops.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) { s.requestTimeout = d }
}

// WithSourceExtensions restricts breakpoints to files with one of the
// given extensions (".go", "cs", ...). Empty means every file.
func WithSourceExtensions(exts ...string) Option {
	return func(s *Session) {
		s.extensions = nil
		for _, ext := range exts {
			ext = strings.TrimSpace(ext)
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			s.extensions = append(s.extensions, strings.ToLower(ext))
		}
	}
}

// WithSourceCacheSize sets how many file existence checks are cached.
func WithSourceCacheSize(n int) Option {
	return func(s *Session) { s.sources = newSourceResolver(n) }
}

// Session is the synchronization engine for one debug session.
type Session struct {
	id               string
	log              *logrus.Entry
	dial             Dialer
	name             string
	defaultTarget    string
	bindTimeout      time.Duration
	bindPollInterval time.Duration
	evalTimeout      time.Duration
	requestTimeout   time.Duration
	extensions       []string
	sources          *sourceResolver
	adapter          *EventAdapter

	// bpMu serializes whole breakpoint reconciliations. It is always
	// acquired before mu.
	bpMu sync.Mutex

	mu            sync.Mutex
	cond          *sync.Cond
	sink          EventSink
	conn          Connection
	attaching     bool
	breakpoints   *BreakpointTable
	threads       map[int]ThreadInfo
	frames        map[int][]StackFrame
	frameRefs     *handles[NativeFrame]
	state         RunState
	stoppedThread int
	stopReason    StopReason
	stopGen       uint64
	pendingStop   *stopNotice
	terminated    bool
}

// stopNotice is a stop reported while the connection was being dialed.
type stopNotice struct {
	reason StopReason
	thread int
}

// New creates a detached session.
func New(opts ...Option) *Session {
	s := &Session{
		id:               uuid.NewString(),
		log:              logrus.NewEntry(logrus.StandardLogger()),
		name:             DefaultName,
		bindTimeout:      DefaultBindTimeout,
		bindPollInterval: DefaultBindPollInterval,
		evalTimeout:      DefaultEvaluateTimeout,
		requestTimeout:   DefaultRequestTimeout,
		sink:             nopSink{},
		breakpoints:      NewBreakpointTable(),
		threads:          make(map[int]ThreadInfo),
		frames:           make(map[int][]StackFrame),
		frameRefs:        newHandles[NativeFrame](),
		state:            Stopped,
	}
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	if s.sources == nil {
		s.sources = newSourceResolver(defaultSourceCacheSize)
	}
	s.log = s.log.WithFields(logrus.Fields{
		"layer":   "session",
		"session": s.id,
	})
	s.adapter = &EventAdapter{session: s}
	return s
}

// ID returns the unique identifier of the session.
func (s *Session) ID() string {
	return s.id
}

// Notifier returns the adapter that feeds debuggee notifications into the
// session. It is the Notifier handed to the Dialer on attach.
func (s *Session) Notifier() Notifier {
	return s.adapter
}

// SetEventSink replaces the receiver of outbound events.
func (s *Session) SetEventSink(sink EventSink) {
	if sink == nil {
		sink = nopSink{}
	}
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

func (s *Session) eventSink() EventSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *Session) output(category, format string, args ...interface{}) {
	s.eventSink().Output(category, fmt.Sprintf(format, args...))
}

// Initialize announces the session to the client and returns the
// capabilities it supports.
func (s *Session) Initialize() Capabilities {
	s.log.Debug("initialize")
	s.output(OutputStdout, "%s: Initializing", s.name)
	return Capabilities{
		SupportsEvaluateForHovers: true,
	}
}

// Attach connects to the debuggee at target, or to the default target
// when target is empty. On failure the session terminates.
func (s *Session) Attach(ctx context.Context, target string) error {
	if target == "" {
		target = s.defaultTarget
	}
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return ErrTerminated
	}
	if s.attaching || s.conn != nil {
		s.mu.Unlock()
		return ErrAlreadyAttached
	}
	s.attaching = true
	// The debuggee may report a stop as soon as the dialer hands it the
	// notifier, so it counts as running from here on.
	s.state = Running
	s.mu.Unlock()

	log := s.log.WithField("target", target)
	log.Info("attaching")
	s.output(OutputStdout, "%s attaching", s.name)

	if s.dial == nil {
		s.output(OutputStderr, "Connect fail: no dialer configured")
		s.Terminate()
		return fmt.Errorf("%w: no dialer configured", ErrAttachFailed)
	}
	conn, err := s.dial(ctx, target, s.adapter)
	if err != nil {
		log.WithError(err).Warn("attach failed")
		s.output(OutputStderr, "Connect fail: %v", err)
		s.Terminate()
		return fmt.Errorf("%w: %v", ErrAttachFailed, err)
	}

	// Publish the connection before anything else so later notifications
	// can capture frames. A stop seen during the dial is replayed below.
	s.mu.Lock()
	s.conn = conn
	early := s.pendingStop
	s.pendingStop = nil
	gen := s.stopGen
	s.mu.Unlock()
	s.sources.purge()

	ok, err := conn.ServerVersionCompatible(ctx)
	if err != nil || !ok {
		if err == nil {
			err = ErrVersionMismatch
		}
		log.WithError(err).Warn("debuggee version mismatch")
		s.output(OutputStderr, "%s: version mismatch", s.name)
		s.Terminate()
		if derr := conn.Disconnect(); derr != nil {
			log.WithError(derr).Debug("disconnect after version mismatch")
		}
		return fmt.Errorf("%w: %v", ErrVersionMismatch, err)
	}

	threads, err := conn.Threads(ctx)
	if err != nil {
		log.WithError(err).Warn("unable to list debuggee threads")
	}
	s.mu.Lock()
	for _, th := range threads {
		if _, ok := s.threads[th.ID]; !ok {
			s.threads[th.ID] = th
		}
	}
	pending := s.breakpoints.All()
	s.mu.Unlock()

	s.pushPendingBreakpoints(ctx, conn, pending)

	log.Info("attached")
	s.output(OutputStdout, "%s attached", s.name)
	if early != nil {
		s.replayStop(early, gen)
	}
	return nil
}

// replayStop delivers a stop that arrived before the connection was
// published, unless a newer stop superseded it.
func (s *Session) replayStop(n *stopNotice, gen uint64) {
	s.mu.Lock()
	stale := s.stopGen != gen
	s.mu.Unlock()
	if stale {
		return
	}
	s.log.WithField("thread", n.thread).Debug("replaying stop seen during attach")
	s.stop(n.reason, n.thread)
}

// pushPendingBreakpoints sends breakpoints set before attach to the
// debuggee. Their bind results arrive as notifications.
func (s *Session) pushPendingBreakpoints(ctx context.Context, conn Connection, pending []*Breakpoint) {
	if len(pending) == 0 {
		return
	}
	s.bpMu.Lock()
	defer s.bpMu.Unlock()
	for _, bp := range pending {
		s.mu.Lock()
		path, line, column := bp.Path, bp.Line, bp.Column
		s.mu.Unlock()
		if err := conn.AddBreakpoint(ctx, path, line, column); err != nil {
			s.log.WithError(err).WithField("location", fmt.Sprintf("%s:%d", path, line)).
				Warn("unable to add pending breakpoint")
			s.mu.Lock()
			bp.State = BreakpointErrored
			bp.Verified = false
			bp.Message = err.Error()
			s.mu.Unlock()
		}
	}
}

// Threads returns the live threads ordered by id.
func (s *Session) Threads() []ThreadInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	threads := make([]ThreadInfo, 0, len(s.threads))
	for _, th := range s.threads {
		threads = append(threads, th)
	}
	sort.Slice(threads, func(i, j int) bool { return threads[i].ID < threads[j].ID })
	return threads
}

// StackTrace waits until the debuggee is stopped and returns up to levels
// frames of threadID starting at start, together with the total number of
// frames. levels <= 0 returns every remaining frame. Only the thread the
// debuggee stopped on has a stack.
func (s *Session) StackTrace(ctx context.Context, threadID, start, levels int) ([]StackFrame, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.waitStopped(ctx); err != nil {
		return nil, 0, err
	}
	if threadID != s.stoppedThread {
		return nil, 0, fmt.Errorf("%w: thread %d (stopped on %d)", ErrThreadNotStopped, threadID, s.stoppedThread)
	}
	frames := s.frames[threadID]
	total := len(frames)
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	end := total
	if levels > 0 && start+levels < end {
		end = start + levels
	}
	page := make([]StackFrame, end-start)
	copy(page, frames[start:end])
	return page, total, nil
}

// Evaluate evaluates expr in the frame identified by frameID.
func (s *Session) Evaluate(ctx context.Context, frameID int, expr string) (string, error) {
	if strings.TrimSpace(expr) == "" {
		return "", ErrMissingExpression
	}
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return "", ErrTerminated
	}
	conn := s.conn
	nf, ok := s.frameRefs.get(frameID)
	s.mu.Unlock()
	if conn == nil {
		return "", ErrNotAttached
	}
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrInvalidReference, frameID)
	}
	return conn.Evaluate(ctx, nf.Ref, expr, s.evalTimeout)
}

// Disconnect closes the debuggee connection and terminates the session.
// It is a no-op on a terminated session.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	s.mu.Unlock()

	s.log.Info("disconnect")
	s.output(OutputStdout, "%s: Disconnected", s.name)
	s.Terminate()
	if conn == nil {
		return nil
	}
	return conn.Disconnect()
}

// Terminate ends the session. Every blocked operation returns
// ErrTerminated and the sink receives exactly one Terminated event. It
// reports whether this call performed the transition.
func (s *Session) Terminate() bool {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return false
	}
	s.terminated = true
	s.frameRefs.reset()
	s.frames = make(map[int][]StackFrame)
	sink := s.sink
	s.cond.Broadcast()
	s.mu.Unlock()

	s.log.Info("terminated")
	sink.Terminated()
	return true
}

// Terminated reports whether the session has terminated.
func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// Breakpoints returns a snapshot of every breakpoint in the table.
func (s *Session) Breakpoints() []Breakpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.breakpoints.All()
	bps := make([]Breakpoint, len(all))
	for i, bp := range all {
		bps[i] = *bp
	}
	return bps
}

func (s *Session) acceptsSource(path string) bool {
	if len(s.extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range s.extensions {
		if e == ext {
			return true
		}
	}
	return false
}
