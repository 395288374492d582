// Copyright © 2024 The ELPS authors

package remote

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/luthersystems/dapbridge/debugger"
	"github.com/sirupsen/logrus"
)

// Connection defaults.
const (
	DefaultConnectAttempts = 10
	DefaultConnectInterval = 500 * time.Millisecond
	DefaultDialTimeout     = 5 * time.Second
)

type options struct {
	log             *logrus.Entry
	requestTimeout  time.Duration
	connectAttempts int
	connectInterval time.Duration
	dialTimeout     time.Duration
}

func newOptions(opts []Option) options {
	o := options{
		log:             logrus.NewEntry(logrus.StandardLogger()),
		requestTimeout:  debugger.DefaultRequestTimeout,
		connectAttempts: DefaultConnectAttempts,
		connectInterval: DefaultConnectInterval,
		dialTimeout:     DefaultDialTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures Dial and NewClient.
type Option func(*options)

// WithLogger sets the parent log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// WithRequestTimeout bounds each request. Zero waits for as long as the
// request context allows.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithConnectAttempts sets how many times Dial tries to connect.
func WithConnectAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.connectAttempts = n
		}
	}
}

// WithConnectInterval sets the pause between connection attempts.
func WithConnectInterval(d time.Duration) Option {
	return func(o *options) { o.connectInterval = d }
}

// WithDialTimeout bounds a single connection attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// Dial connects to the debuggee listening on addr, retrying at a constant
// interval, and starts a Client delivering notifications to n.
func Dial(ctx context.Context, addr string, n debugger.Notifier, opts ...Option) (*Client, error) {
	o := newOptions(opts)
	log := o.log.WithFields(logrus.Fields{"layer": "remote", "addr": addr})

	attempt := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(o.connectInterval), uint64(o.connectAttempts-1)),
		ctx,
	)
	conn, err := backoff.RetryNotifyWithData(
		func() (net.Conn, error) {
			attempt++
			dialCtx, cancel := context.WithTimeout(ctx, o.dialTimeout)
			defer cancel()
			var d net.Dialer
			return d.DialContext(dialCtx, "tcp", addr)
		},
		b,
		func(err error, wait time.Duration) {
			log.WithError(err).WithField("attempt", attempt).Debugf("connect failed, retrying in %s", wait)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("connect %s after %d attempts: %w", addr, attempt, err)
	}
	log.WithField("attempt", attempt).Info("connected to debuggee")
	return NewClient(conn, n, opts...), nil
}

// Dialer returns a debugger.Dialer backed by Dial.
func Dialer(opts ...Option) debugger.Dialer {
	return func(ctx context.Context, endpoint string, n debugger.Notifier) (debugger.Connection, error) {
		c, err := Dial(ctx, endpoint, n, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
