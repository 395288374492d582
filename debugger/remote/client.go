// Copyright © 2024 The ELPS authors

// Package remote implements debugger.Connection over a framed JSON
// protocol spoken by the debuggee. Requests are correlated with responses
// by sequence number. Events are delivered to the debugger.Notifier on a
// dedicated goroutine in the order they were received, so a notifier may
// call back into the Client without stalling the reader.
package remote

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/go-dap"
	"github.com/luthersystems/dapbridge/debugger"
	"github.com/sirupsen/logrus"
)

// ErrConnectionClosed is returned by requests on a closed connection.
var ErrConnectionClosed = errors.New("debuggee connection closed")

// CommandError is a failure reported by the debuggee for one command.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	if e.Message == "" {
		return e.Command + " failed"
	}
	return e.Message
}

type pendingRequest struct {
	done      chan struct{}
	closeOnce sync.Once
	response  *Message
	err       error
}

func (p *pendingRequest) close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
}

type location struct {
	path string
	line int
}

// Client is a connection to one debuggee.
type Client struct {
	conn           io.ReadWriteCloser
	reader         *bufio.Reader
	notifier       debugger.Notifier
	log            *logrus.Entry
	requestTimeout time.Duration

	writeMu sync.Mutex
	seq     atomic.Int64

	pendingMu sync.Mutex
	pending   map[int]*pendingRequest
	closed    bool

	bpMu sync.Mutex
	bps  map[location]bool

	events *eventQueue

	done      chan struct{}
	closeOnce sync.Once
	// finished is closed once the dispatcher delivered the final
	// program destroyed notification.
	finished chan struct{}
}

var _ debugger.Connection = (*Client)(nil)

// NewClient starts a client on an established connection. Notifications
// are delivered to n.
func NewClient(conn io.ReadWriteCloser, n debugger.Notifier, opts ...Option) *Client {
	o := newOptions(opts)
	c := &Client{
		conn:           conn,
		reader:         bufio.NewReader(conn),
		notifier:       n,
		log:            o.log.WithField("layer", "remote"),
		requestTimeout: o.requestTimeout,
		pending:        make(map[int]*pendingRequest),
		bps:            make(map[location]bool),
		events:         newEventQueue(),
		done:           make(chan struct{}),
		finished:       make(chan struct{}),
	}
	go c.receiveLoop()
	go c.dispatchLoop()
	return c
}

// Done is closed after the connection is gone and every notification,
// including the final program destroyed, was delivered.
func (c *Client) Done() <-chan struct{} {
	return c.finished
}

// Close closes the connection without notifying the debuggee.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) receiveLoop() {
	var err error
	for {
		var content []byte
		content, err = dap.ReadBaseMessage(c.reader)
		if err != nil {
			break
		}
		var msg Message
		if jerr := json.Unmarshal(content, &msg); jerr != nil {
			c.log.WithError(jerr).Warn("discarding malformed message")
			continue
		}
		switch msg.Type {
		case TypeResponse:
			c.handleResponse(&msg)
		case TypeEvent:
			c.events.push(msg)
		default:
			c.log.WithField("type", msg.Type).Debug("ignoring message")
		}
	}

	select {
	case <-c.done:
	default:
		if !errors.Is(err, io.EOF) {
			c.log.WithError(err).Warn("debuggee connection lost")
		} else {
			c.log.Info("debuggee closed the connection")
		}
	}
	c.failPending(err)
	c.events.push(Message{Type: TypeEvent, Event: EventProgramDestroyed})
	c.events.close()
}

func (c *Client) failPending(cause error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.closed = true
	for seq, req := range c.pending {
		req.err = fmt.Errorf("%w: %v", ErrConnectionClosed, cause)
		req.close()
		delete(c.pending, seq)
	}
}

func (c *Client) handleResponse(msg *Message) {
	c.pendingMu.Lock()
	req, ok := c.pending[msg.RequestSeq]
	if ok {
		delete(c.pending, msg.RequestSeq)
	}
	c.pendingMu.Unlock()
	if !ok {
		c.log.WithField("request_seq", msg.RequestSeq).Debug("response to unknown request")
		return
	}
	req.response = msg
	req.close()
}

func (c *Client) dispatchLoop() {
	defer close(c.finished)
	destroyed := false
	for {
		msg, ok := c.events.pop()
		if !ok {
			return
		}
		if msg.Event == EventProgramDestroyed {
			if destroyed {
				continue
			}
			destroyed = true
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	log := c.log.WithField("event", msg.Event)
	decode := func(v interface{}) bool {
		if err := json.Unmarshal(msg.Body, v); err != nil {
			log.WithError(err).Warn("malformed event body")
			return false
		}
		return true
	}
	n := c.notifier
	switch msg.Event {
	case EventBreakpointBound:
		var body BreakpointEventBody
		if decode(&body) {
			c.setBound(body.Path, body.Line)
			n.BreakpointBound(body.Path, body.Line)
		}
	case EventBreakpointError:
		var body BreakpointEventBody
		if decode(&body) {
			c.forget(body.Path, body.Line)
			n.BreakpointError(body.Path, body.Line, body.Message)
		}
	case EventThreadStarted:
		var body ThreadEventBody
		if decode(&body) {
			n.ThreadStarted(body.ThreadID, body.Name)
		}
	case EventThreadEnded:
		var body ThreadEventBody
		if decode(&body) {
			n.ThreadEnded(body.ThreadID)
		}
	case EventBreakpointHit:
		var body BreakpointHitBody
		if decode(&body) {
			n.BreakpointHit(body.ThreadID, body.Path, body.Line)
		}
	case EventStepComplete:
		var body ThreadEventBody
		if decode(&body) {
			n.StepComplete(body.ThreadID)
		}
	case EventModuleLoaded:
		var body ModuleEventBody
		if decode(&body) {
			n.ModuleLoaded(body.Name)
		}
	case EventOutput:
		var body OutputEventBody
		if decode(&body) {
			n.Output(body.Category, body.Text)
		}
	case EventProgramDestroyed:
		c.bpMu.Lock()
		c.bps = make(map[location]bool)
		c.bpMu.Unlock()
		n.ProgramDestroyed()
	default:
		log.Debug("ignoring unknown event")
	}
}

// call sends command and waits for its response. A zero timeout uses the
// client's request timeout.
func (c *Client) call(ctx context.Context, command string, args, result interface{}, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.requestTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	seq := int(c.seq.Add(1))
	msg := Message{Seq: seq, Type: TypeRequest, Command: command}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal %s arguments: %w", command, err)
		}
		msg.Arguments = raw
	}
	content, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", command, err)
	}

	pending := &pendingRequest{done: make(chan struct{})}
	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return ErrConnectionClosed
	}
	c.pending[seq] = pending
	c.pendingMu.Unlock()

	c.writeMu.Lock()
	err = dap.WriteBaseMessage(c.conn, content)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, seq)
		c.pendingMu.Unlock()
		return fmt.Errorf("%s: %w", command, ctx.Err())
	case <-pending.done:
	}
	if pending.err != nil {
		return pending.err
	}
	resp := pending.response
	if !resp.Success {
		return &CommandError{Command: command, Message: resp.Error}
	}
	if result != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, result); err != nil {
			return fmt.Errorf("decode %s response: %w", command, err)
		}
	}
	return nil
}

func (c *Client) setBound(path string, line int) {
	c.bpMu.Lock()
	c.bps[location{path, line}] = true
	c.bpMu.Unlock()
}

func (c *Client) forget(path string, line int) {
	c.bpMu.Lock()
	delete(c.bps, location{path, line})
	c.bpMu.Unlock()
}

// ServerVersionCompatible asks the debuggee for its protocol version.
func (c *Client) ServerVersionCompatible(ctx context.Context) (bool, error) {
	var body VersionBody
	if err := c.call(ctx, CommandVersion, nil, &body, 0); err != nil {
		return false, err
	}
	if body.Version != ProtocolVersion {
		c.log.WithFields(logrus.Fields{
			"remote": body.Version,
			"local":  ProtocolVersion,
		}).Warn("protocol version mismatch")
		return false, nil
	}
	return true, nil
}

func (c *Client) AddBreakpoint(ctx context.Context, path string, line, column int) error {
	args := BreakpointArgs{Path: path, Line: line, Column: column}
	if err := c.call(ctx, CommandAddBreakpoint, args, nil, 0); err != nil {
		return err
	}
	// A bind event may already have been delivered.
	c.bpMu.Lock()
	if _, ok := c.bps[location{path, line}]; !ok {
		c.bps[location{path, line}] = false
	}
	c.bpMu.Unlock()
	return nil
}

func (c *Client) RemoveBreakpoint(ctx context.Context, path string, line int) error {
	c.forget(path, line)
	return c.call(ctx, CommandRemoveBreakpoint, BreakpointArgs{Path: path, Line: line}, nil, 0)
}

// Breakpoints returns the breakpoints known to the debuggee ordered by
// path and line.
func (c *Client) Breakpoints() []debugger.RemoteBreakpoint {
	c.bpMu.Lock()
	defer c.bpMu.Unlock()
	bps := make([]debugger.RemoteBreakpoint, 0, len(c.bps))
	for loc, bound := range c.bps {
		bps = append(bps, debugger.RemoteBreakpoint{Path: loc.path, Line: loc.line, Bound: bound})
	}
	sort.Slice(bps, func(i, j int) bool {
		if bps[i].Path != bps[j].Path {
			return bps[i].Path < bps[j].Path
		}
		return bps[i].Line < bps[j].Line
	})
	return bps
}

func (c *Client) Resume(ctx context.Context) error {
	return c.call(ctx, CommandResume, nil, nil, 0)
}

func (c *Client) Step(ctx context.Context, threadID int, kind debugger.StepKind) error {
	return c.call(ctx, CommandStep, StepArgs{ThreadID: threadID, Kind: kind.String()}, nil, 0)
}

func (c *Client) Threads(ctx context.Context) ([]debugger.ThreadInfo, error) {
	var body ThreadsBody
	if err := c.call(ctx, CommandThreads, nil, &body, 0); err != nil {
		return nil, err
	}
	threads := make([]debugger.ThreadInfo, len(body.Threads))
	for i, th := range body.Threads {
		threads[i] = debugger.ThreadInfo{ID: th.ID, Name: th.Name}
	}
	return threads, nil
}

func (c *Client) StackFrames(ctx context.Context, threadID int) ([]debugger.NativeFrame, error) {
	var body StackFramesBody
	if err := c.call(ctx, CommandStackFrames, ThreadArgs{ThreadID: threadID}, &body, 0); err != nil {
		return nil, err
	}
	frames := make([]debugger.NativeFrame, len(body.Frames))
	for i, f := range body.Frames {
		frames[i] = debugger.NativeFrame{
			Ref:      f.ID,
			Function: f.Name,
			Path:     f.Path,
			Line:     f.Line,
			Column:   f.Column,
		}
	}
	return frames, nil
}

// Evaluate evaluates expr in a debuggee frame. The debuggee is told the
// timeout and the client stops waiting once it elapses.
func (c *Client) Evaluate(ctx context.Context, frameRef int, expr string, timeout time.Duration) (string, error) {
	args := EvaluateArgs{FrameID: frameRef, Expression: expr, TimeoutMs: timeout.Milliseconds()}
	var body EvaluateBody
	if err := c.call(ctx, CommandEvaluate, args, &body, timeout); err != nil {
		return "", err
	}
	return body.Value, nil
}

// Disconnect tells the debuggee the session ends and closes the
// connection.
func (c *Client) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.call(ctx, CommandDisconnect, nil, nil, 0)
	if errors.Is(err, ErrConnectionClosed) {
		err = nil
	}
	return errors.Join(err, c.Close())
}
