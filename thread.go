// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// threadContext is the per-thread slot of this package. It is created
// when a goroutine pins itself to an OS thread to own a loop and dropped
// when the loop is closed.
type threadContext struct {
	tid  int
	name string
	loop *EventLoop
}

// threads maps a kernel thread id to its context.
var threads sync.Map

// currentTid is only meaningful on a goroutine pinned with
// runtime.LockOSThread, every other goroutine may migrate at any time.
func currentTid() int {
	return unix.Gettid()
}

// bindThread pins the calling goroutine to its OS thread and records
// loop as the thread's owner. It reports false when the thread already
// owns a loop.
func bindThread(name string, loop *EventLoop) (*threadContext, bool) {
	runtime.LockOSThread()
	ctx := &threadContext{tid: currentTid(), name: name, loop: loop}
	if prev, loaded := threads.LoadOrStore(ctx.tid, ctx); loaded {
		runtime.UnlockOSThread()
		return prev.(*threadContext), false
	}
	return ctx, true
}

// unbindThread reverses bindThread, it must run on the bound thread.
func unbindThread(ctx *threadContext) {
	threads.CompareAndDelete(ctx.tid, ctx)
	runtime.UnlockOSThread()
}

// LoopOfCurrentThread returns the loop owned by the calling thread, nil
// if the caller is not a loop thread.
func LoopOfCurrentThread() *EventLoop {
	if v, ok := threads.Load(currentTid()); ok {
		return v.(*threadContext).loop
	}
	return nil
}
