// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"container/heap"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// minTimerfdDelay keeps a near-zero delay from spinning the loop.
const minTimerfdDelay = 100 * time.Microsecond

// TimerQueue keeps the timers of one loop behind a single timerfd. The
// heap and the active set always hold the same timers. Both are only
// touched on the loop thread, addTimer and cancel marshal onto it.
type TimerQueue struct {
	loop    *EventLoop
	timerfd int
	channel *Channel

	timers       timerHeap
	activeTimers map[timerKey]struct{}

	callingExpiredTimers bool
	cancelingTimers      map[timerKey]struct{}
}

func newTimerQueue(loop *EventLoop) *TimerQueue {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		loop.logger.Fatalf("failed in timerfd_create: %v", err)
	}
	tq := &TimerQueue{
		loop:            loop,
		timerfd:         fd,
		channel:         NewChannel(loop, fd),
		activeTimers:    make(map[timerKey]struct{}),
		cancelingTimers: make(map[timerKey]struct{}),
	}
	tq.channel.SetReadCallback(func(time.Time) { tq.handleRead() })
	tq.channel.EnableReading()
	return tq
}

func (tq *TimerQueue) addTimer(cb TimerCallback, when time.Time, interval time.Duration) TimerID {
	timer := newTimer(cb, when, interval)
	tq.loop.RunInLoop(func() { tq.addTimerInLoop(timer) })
	return TimerID{timer: timer, sequence: timer.sequence}
}

func (tq *TimerQueue) cancel(id TimerID) {
	if !id.Valid() {
		return
	}
	tq.loop.RunInLoop(func() { tq.cancelInLoop(id) })
}

// Len reports the number of scheduled timers, loop thread only.
func (tq *TimerQueue) Len() int { return len(tq.timers) }

func (tq *TimerQueue) addTimerInLoop(timer *Timer) {
	tq.loop.AssertInLoopThread()
	tq.loop.metrics.TimersActive(1)
	if tq.insert(timer) {
		tq.resetTimerfd(timer.expiration)
	}
}

func (tq *TimerQueue) cancelInLoop(id TimerID) {
	tq.loop.AssertInLoopThread()
	tq.checkSize()
	key := id.key()
	if _, ok := tq.activeTimers[key]; ok {
		heap.Remove(&tq.timers, id.timer.index)
		delete(tq.activeTimers, key)
		tq.loop.metrics.TimersActive(-1)
	} else if tq.callingExpiredTimers {
		// firing in this batch, keep reset from restarting it
		tq.cancelingTimers[key] = struct{}{}
	}
	tq.checkSize()
}

func (tq *TimerQueue) handleRead() {
	tq.loop.AssertInLoopThread()
	now := tq.loop.clock.Now()
	tq.readTimerfd()
	tq.runExpired(now)
}

// runExpired fires every timer due at now, then requeues the repeating
// ones that were not cancelled meanwhile.
func (tq *TimerQueue) runExpired(now time.Time) {
	expired := tq.getExpired(now)

	tq.callingExpiredTimers = true
	clear(tq.cancelingTimers)
	for _, t := range expired {
		t.run()
		tq.loop.metrics.TimerFired()
	}
	tq.callingExpiredTimers = false

	tq.reset(expired, now)
}

func (tq *TimerQueue) getExpired(now time.Time) []*Timer {
	tq.checkSize()
	bound := now.UnixMicro()
	var expired []*Timer
	for len(tq.timers) > 0 && tq.timers[0].expiration <= bound {
		t := heap.Pop(&tq.timers).(*Timer)
		delete(tq.activeTimers, timerKey{t, t.sequence})
		expired = append(expired, t)
	}
	tq.checkSize()
	return expired
}

func (tq *TimerQueue) reset(expired []*Timer, now time.Time) {
	for _, t := range expired {
		_, canceled := tq.cancelingTimers[timerKey{t, t.sequence}]
		if t.repeat && !canceled {
			t.restart(now)
			tq.insert(t)
		} else {
			tq.loop.metrics.TimersActive(-1)
		}
	}
	if len(tq.timers) > 0 {
		tq.resetTimerfd(tq.timers[0].expiration)
	}
}

// insert reports whether timer became the earliest one.
func (tq *TimerQueue) insert(timer *Timer) bool {
	tq.checkSize()
	earliestChanged := len(tq.timers) == 0 || timer.expiration < tq.timers[0].expiration
	heap.Push(&tq.timers, timer)
	tq.activeTimers[timerKey{timer, timer.sequence}] = struct{}{}
	tq.checkSize()
	return earliestChanged
}

func (tq *TimerQueue) checkSize() {
	if len(tq.timers) != len(tq.activeTimers) {
		tq.loop.logger.Fatalf("timer queue corrupted: %d timers, %d active", len(tq.timers), len(tq.activeTimers))
	}
}

func (tq *TimerQueue) resetTimerfd(expiration int64) {
	delay := time.Duration(expiration-tq.loop.clock.Now().UnixMicro()) * time.Microsecond
	if delay < minTimerfdDelay {
		delay = minTimerfdDelay
	}
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(delay.Nanoseconds())}
	if err := unix.TimerfdSettime(tq.timerfd, 0, &spec, nil); err != nil {
		tq.loop.logger.Errorf("timerfd_settime(): %v", err)
	}
}

func (tq *TimerQueue) readTimerfd() {
	var buf [8]byte
	n, err := unix.Read(tq.timerfd, buf[:])
	if n != len(buf) && err != unix.EAGAIN {
		tq.loop.logger.Errorf("TimerQueue.handleRead() reads %d bytes instead of 8: %v", n, err)
	}
}

func (tq *TimerQueue) close() error {
	tq.channel.DisableAll()
	tq.channel.Remove()
	return errors.Wrap(unix.Close(tq.timerfd), "close timerfd")
}
