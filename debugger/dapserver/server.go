// Copyright © 2024 The ELPS authors

// Package dapserver implements a DAP (Debug Adapter Protocol) server for a
// debugger.Session. It translates between the DAP wire protocol and the
// session's operations and events.
//
// The server supports two transport modes:
//   - TCP: the server listens on a TCP port and accepts a single client
//     connection.
//   - Stdio: for editors that launch the debug adapter as a child process
//     (e.g., "dapbridge serve --stdio"). The server reads from stdin and
//     writes to stdout.
//
// Requests that may block on the debuggee (continue, step, stackTrace,
// setBreakpoints, ...) are handled on their own goroutines so a pending
// continue never keeps the client from setting breakpoints or listing
// threads.
package dapserver

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
	"github.com/luthersystems/dapbridge/debugger"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/luthersystems/dapbridge/debugger/dapserver"

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the parent log entry of the server.
func WithLogger(log *logrus.Entry) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTracerProvider sets the provider of the per-request tracer. The
// global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Server) {
		if tp != nil {
			s.tracer = tp.Tracer(tracerName)
		}
	}
}

// Server is a DAP protocol server that wraps a debugger Session.
type Server struct {
	session *debugger.Session
	log     *logrus.Entry
	tracer  trace.Tracer

	mu     sync.Mutex
	seq    int
	writer io.Writer
	reader *bufio.Reader

	// conn is closed on disconnect to unblock the read loop. It is set
	// before serving starts and is nil in stdio mode.
	conn io.Closer

	// done is closed when the server should stop processing messages.
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a new DAP server wrapping the given session.
func New(session *debugger.Session, opts ...Option) *Server {
	s := &Server{
		session: session,
		log:     logrus.NewEntry(logrus.StandardLogger()),
		tracer:  otel.GetTracerProvider().Tracer(tracerName),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithFields(logrus.Fields{"layer": "dap", "session": session.ID()})
	return s
}

// ServeConn serves DAP messages on a single connection. It blocks until
// the connection is closed or a disconnect request is received.
func (s *Server) ServeConn(conn io.ReadWriteCloser) error {
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	s.conn = conn
	return s.serve(conn, conn)
}

// ServeTCP listens on the given address and serves a single DAP client.
// It blocks until the client disconnects.
func (s *Server) ServeTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close() //nolint:errcheck // best-effort cleanup
	return s.ServeListener(ln)
}

// ServeListener accepts a single connection from the listener and serves
// DAP messages on it.
func (s *Server) ServeListener(ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	s.log.WithField("remote", conn.RemoteAddr().String()).Info("client connected")
	return s.ServeConn(conn)
}

// ServeStdio serves DAP messages on the given reader and writer,
// typically os.Stdin and os.Stdout.
func (s *Server) ServeStdio(r io.Reader, w io.Writer) error {
	return s.serve(r, w)
}

func (s *Server) serve(r io.Reader, w io.Writer) error {
	s.mu.Lock()
	s.writer = w
	s.reader = bufio.NewReader(r)
	s.mu.Unlock()

	h := newHandler(s, s.session)
	err := s.readLoop(h)

	// A client that goes away without disconnecting still ends the
	// session, which releases every request blocked on the debuggee.
	if derr := s.session.Disconnect(); derr != nil {
		s.log.WithError(derr).Debug("disconnect after client left")
	}
	h.wait()
	return err
}

func (s *Server) readLoop(h *handler) error {
	for {
		select {
		case <-s.done:
			return nil
		default:
		}

		msg, err := dap.ReadProtocolMessage(s.reader)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
				if err == io.EOF {
					return nil
				}
				// Requests go-dap cannot decode are answered and skipped.
				var fieldErr *dap.DecodeProtocolMessageFieldError
				if errors.As(err, &fieldErr) {
					h.rejectUndecodable(fieldErr)
					continue
				}
				return err
			}
		}

		h.handle(msg)
	}
}

// send writes a DAP protocol message to the client.
// The caller is responsible for setting the Seq field before calling send
// (via the newResponse/newEvent helpers which call nextSeq).
func (s *Server) send(msg dap.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return io.ErrClosedPipe
	}
	return dap.WriteProtocolMessage(s.writer, msg)
}

// nextSeq returns the next sequence number for outgoing messages.
func (s *Server) nextSeq() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// close signals the server to stop processing messages.
func (s *Server) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.conn != nil {
			s.conn.Close() //nolint:errcheck,gosec // unblocks readLoop
		}
	})
}
