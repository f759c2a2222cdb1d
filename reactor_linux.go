// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/ysyzqq/evnet/pkg/logging"
	"go.uber.org/atomic"
)

// newLoopPool returns a goroutine pool for loop threads. A panic that
// escapes a loop ends the process, state shared with other loops can no
// longer be trusted.
func newLoopPool(size int, logger logging.Logger) (*ants.Pool, error) {
	if size <= 0 {
		size = 1
	}
	p, err := ants.NewPool(size, ants.WithPanicHandler(func(p interface{}) {
		logger.Fatalf("event loop thread panicked: %v", p)
	}), ants.WithLogger(antsLogger{logger}))
	return p, errors.Wrap(err, "create loop pool")
}

type antsLogger struct {
	logging.Logger
}

func (l antsLogger) Printf(format string, args ...interface{}) {
	l.Infof(format, args...)
}

// EventLoopThread runs one EventLoop on a dedicated OS thread, like a
// sub reactor in a main/sub reactor server.
type EventLoopThread struct {
	name     string
	options  []Option
	callback ThreadInitCallback
	pool     *ants.Pool

	exiting atomic.Bool
	mu      sync.Mutex
	cond    *sync.Cond
	loop    *EventLoop
	done    chan struct{}
}

// NewEventLoopThread prepares a loop thread that runs on pool. cb, when
// not nil, runs on the new loop before it starts looping.
func NewEventLoopThread(pool *ants.Pool, cb ThreadInitCallback, options ...Option) *EventLoopThread {
	t := &EventLoopThread{
		name:     loadOptions(options...).Name,
		options:  options,
		callback: cb,
		pool:     pool,
		done:     make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// StartLoop spawns the thread and blocks until its loop exists.
func (t *EventLoopThread) StartLoop() (*EventLoop, error) {
	if err := t.pool.Submit(t.threadFunc); err != nil {
		return nil, errors.Wrapf(err, "start loop thread %s", t.name)
	}

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop, nil
}

// Stop quits the loop and waits for its thread to release it.
func (t *EventLoopThread) Stop() {
	if !t.exiting.CompareAndSwap(false, true) {
		return
	}
	t.mu.Lock()
	loop := t.loop
	t.mu.Unlock()
	if loop != nil {
		loop.Quit()
		<-t.done
	}
}

func (t *EventLoopThread) threadFunc() {
	defer close(t.done)

	loop := NewEventLoop(t.options...)
	if t.callback != nil {
		t.callback(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Loop()

	t.mu.Lock()
	t.loop = nil
	t.mu.Unlock()
	logging.Error(loop.Close())
}
