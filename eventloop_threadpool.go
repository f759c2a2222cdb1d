// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"fmt"
	"net"

	"github.com/cespare/xxhash/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/ysyzqq/evnet/internal/socket"
)

// EventLoopThreadPool owns the worker loops of a server. With zero
// threads every pick returns the base loop.
type EventLoopThreadPool struct {
	baseLoop   *EventLoop
	name       string
	opts       *Options
	started    bool
	numThreads int
	next       int
	pool       *ants.Pool
	threads    []*EventLoopThread
	loops      []*EventLoop
}

// NewEventLoopThreadPool creates a pool whose loops inherit the logger,
// clock and metrics of opts.
func NewEventLoopThreadPool(baseLoop *EventLoop, name string, opts *Options) *EventLoopThreadPool {
	return &EventLoopThreadPool{
		baseLoop:   baseLoop,
		name:       name,
		opts:       opts,
		numThreads: opts.NumEventLoop,
	}
}

// SetThreadNum sets the number of worker loops, call before Start.
func (p *EventLoopThreadPool) SetThreadNum(n int) { p.numThreads = n }

// Start spawns the worker loops. cb runs on each of them, or on the
// base loop when the pool has no threads.
func (p *EventLoopThreadPool) Start(cb ThreadInitCallback) error {
	if p.started {
		return ErrPoolStarted
	}
	p.baseLoop.AssertInLoopThread()

	if p.numThreads > 0 {
		pool, err := newLoopPool(p.numThreads, p.opts.Logger)
		if err != nil {
			return err
		}
		p.pool = pool
	}
	for i := 0; i < p.numThreads; i++ {
		t := NewEventLoopThread(p.pool, cb, p.opts.inherit(fmt.Sprintf("%s%d", p.name, i))...)
		loop, err := t.StartLoop()
		if err != nil {
			p.Stop()
			return err
		}
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, loop)
	}
	if p.numThreads == 0 && cb != nil {
		cb(p.baseLoop)
	}
	p.started = true
	return nil
}

// Stop quits every worker loop and waits for their threads.
func (p *EventLoopThreadPool) Stop() {
	for _, t := range p.threads {
		t.Stop()
	}
	if p.pool != nil {
		p.pool.Release()
		p.pool = nil
	}
	p.threads, p.loops = nil, nil
}

// GetNextLoop picks a loop round-robin, must be called on the base loop.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	p.baseLoop.AssertInLoopThread()
	loop := p.baseLoop
	if len(p.loops) > 0 {
		loop = p.loops[p.next]
		p.next++
		if p.next >= len(p.loops) {
			p.next = 0
		}
	}
	return loop
}

// GetLoopForHash picks the same loop for the same hash.
func (p *EventLoopThreadPool) GetLoopForHash(hash uint64) *EventLoop {
	if len(p.loops) == 0 {
		return p.baseLoop
	}
	return p.loops[hash%uint64(len(p.loops))]
}

// getLoopForAddr hashes the peer host so a client keeps landing on one loop.
func (p *EventLoopThreadPool) getLoopForAddr(addr net.Addr) *EventLoop {
	host := socket.IPPort(addr)
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		host = tcpAddr.IP.String()
	}
	return p.GetLoopForHash(xxhash.Sum64String(host))
}

// GetAllLoops returns the worker loops, or the base loop alone.
func (p *EventLoopThreadPool) GetAllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return p.loops
}

func (p *EventLoopThreadPool) Started() bool { return p.started }
func (p *EventLoopThreadPool) Name() string  { return p.name }
