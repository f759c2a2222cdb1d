// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/ysyzqq/evnet/pkg/logging"
	"github.com/ysyzqq/evnet/pkg/metrics"
)

// LoadBalancing represents the type of load-balancing algorithm used to
// pick the loop of a new connection.
type LoadBalancing int

const (
	// RoundRobin assigns the next loop in turn.
	RoundRobin LoadBalancing = iota
	// SourceAddrHash hashes the peer address to pick a loop, so a given
	// peer lands on the same loop each time.
	SourceAddrHash
)

const (
	// DefaultHighWaterMark is the output backlog that triggers the
	// high-water-mark callback.
	DefaultHighWaterMark = 64 * 1024 * 1024

	// DefaultInitRetryDelay and DefaultMaxRetryDelay bound the
	// connector's exponential backoff.
	DefaultInitRetryDelay = 500 * time.Millisecond
	DefaultMaxRetryDelay  = 30 * time.Second
)

// Option is a function that will set up option.
type Option func(opts *Options)

// Options are set when the server, client or loop is built.
type Options struct {
	// Name identifies the loop, server or client in logs and connection names.
	Name string

	// NumEventLoop is the number of worker loops a TCPServer starts, zero
	// keeps all I/O on the server's own loop.
	NumEventLoop int

	// LB selects the worker loop for a new connection.
	LB LoadBalancing

	// ReusePort sets SO_REUSEPORT on the listening socket so several
	// servers can share a port.
	ReusePort bool

	// TCPKeepAlive sets up a duration for (SO_KEEPALIVE) socket option.
	TCPKeepAlive time.Duration

	// TCPNoDelay disables Nagle on every connection.
	TCPNoDelay bool

	// HighWaterMark is the per-connection output backlog threshold.
	HighWaterMark int

	// Retry makes a client reconnect after an established connection drops.
	Retry bool

	// InitRetryDelay and MaxRetryDelay bound the connector backoff.
	InitRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// ThreadInitCallback runs on every worker loop before it starts looping.
	ThreadInitCallback ThreadInitCallback

	// Logger is the customized logger for logging info, if it is not set,
	// default standard logger from package logging will be used.
	Logger logging.Logger

	// Clock is the time source of timers, tests plug a mock here.
	Clock clock.Clock

	// Metrics receives the reactor's prometheus collectors.
	Metrics *metrics.Metrics
}

func loadOptions(options ...Option) *Options {
	opts := &Options{
		HighWaterMark:  DefaultHighWaterMark,
		InitRetryDelay: DefaultInitRetryDelay,
		MaxRetryDelay:  DefaultMaxRetryDelay,
	}
	for _, option := range options {
		option(opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.GetDefaultLogger()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.MaxRetryDelay < opts.InitRetryDelay {
		opts.MaxRetryDelay = opts.InitRetryDelay
	}
	return opts
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithName names the loop, server or client.
func WithName(name string) Option {
	return func(opts *Options) {
		opts.Name = name
	}
}

// WithNumEventLoop sets up the number of worker loops.
func WithNumEventLoop(n int) Option {
	return func(opts *Options) {
		opts.NumEventLoop = n
	}
}

// WithLoadBalancing sets up the load-balancing algorithm.
func WithLoadBalancing(lb LoadBalancing) Option {
	return func(opts *Options) {
		opts.LB = lb
	}
}

// WithReusePort sets up SO_REUSEPORT socket option.
func WithReusePort(reusePort bool) Option {
	return func(opts *Options) {
		opts.ReusePort = reusePort
	}
}

// WithTCPKeepAlive sets up SO_KEEPALIVE socket option.
func WithTCPKeepAlive(tcpKeepAlive time.Duration) Option {
	return func(opts *Options) {
		opts.TCPKeepAlive = tcpKeepAlive
	}
}

// WithTCPNoDelay sets up TCP_NODELAY socket option.
func WithTCPNoDelay(noDelay bool) Option {
	return func(opts *Options) {
		opts.TCPNoDelay = noDelay
	}
}

// WithHighWaterMark sets up the output backlog threshold.
func WithHighWaterMark(n int) Option {
	return func(opts *Options) {
		opts.HighWaterMark = n
	}
}

// WithRetry makes a client reconnect after losing its connection.
func WithRetry(retry bool) Option {
	return func(opts *Options) {
		opts.Retry = retry
	}
}

// WithRetryDelay sets up the connector backoff bounds.
func WithRetryDelay(initial, max time.Duration) Option {
	return func(opts *Options) {
		opts.InitRetryDelay = initial
		opts.MaxRetryDelay = max
	}
}

// WithThreadInitCallback sets up a callback run on every worker loop.
func WithThreadInitCallback(cb ThreadInitCallback) Option {
	return func(opts *Options) {
		opts.ThreadInitCallback = cb
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger logging.Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithClock sets up the time source of timers.
func WithClock(c clock.Clock) Option {
	return func(opts *Options) {
		opts.Clock = c
	}
}

// WithMetrics registers the reactor's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(opts *Options) {
		opts.Metrics = metrics.New(reg)
	}
}

// inherit returns options that carry the ambient settings of opts into a
// loop built on its behalf.
func (opts *Options) inherit(name string) []Option {
	return []Option{
		WithName(name),
		WithLogger(opts.Logger),
		WithClock(opts.Clock),
		func(o *Options) { o.Metrics = opts.Metrics },
	}
}
