// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"encoding/binary"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"github.com/ysyzqq/evnet/internal/netpoll"
	"github.com/ysyzqq/evnet/pkg/logging"
	"github.com/ysyzqq/evnet/pkg/metrics"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// pollTimeMs bounds one poll call, so a lost wakeup costs at most this long.
const pollTimeMs = 10000

var wakeupToken = func() (b [8]byte) {
	binary.NativeEndian.PutUint64(b[:], 1)
	return
}()

// EventLoop is a reactor: it owns a poller, a timer queue and a wakeup
// fd, and runs the poll/dispatch/drain cycle on the OS thread that
// created it. At most one EventLoop exists per thread.
//
// Only RunInLoop, QueueInLoop, Quit, Wakeup, the timer methods and the
// read-only accessors may be called from other goroutines.
type EventLoop struct {
	name    string
	thread  *threadContext
	logger  logging.Logger
	clock   clock.Clock
	metrics *metrics.Metrics

	looping                atomic.Bool
	quit                   atomic.Bool
	callingPendingFunctors atomic.Bool
	iteration              atomic.Int64
	pollReturnTime         atomic.Time

	eventHandling        bool
	poller               netpoll.Poller
	timerQueue           *TimerQueue
	wakeupFd             int
	wakeupChannel        *Channel
	activeChannels       []netpoll.Channel
	currentActiveChannel *Channel

	mu              sync.Mutex
	pendingFunctors *queue.Queue // 其他线程提交的异步任务
	spareFunctors   *queue.Queue

	context interface{}
}

// NewEventLoop creates a loop owned by the calling goroutine, which is
// pinned to its OS thread until Close. Creating a second loop on the
// same thread is fatal.
func NewEventLoop(options ...Option) *EventLoop {
	opts := loadOptions(options...)
	el := &EventLoop{
		name:            opts.Name,
		logger:          opts.Logger,
		clock:           opts.Clock,
		metrics:         opts.Metrics,
		pendingFunctors: queue.New(),
		spareFunctors:   queue.New(),
	}
	thread, ok := bindThread(opts.Name, el)
	if !ok {
		el.logger.Fatalf("another EventLoop %s exists in this thread %d", thread.loop.name, thread.tid)
	}
	el.thread = thread

	var err error
	if el.poller, err = netpoll.NewDefaultPoller(); err != nil {
		el.logger.Fatalf("failed to create poller: %v", err)
	}
	if el.wakeupFd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		el.logger.Fatalf("failed to create eventfd: %v", err)
	}
	el.timerQueue = newTimerQueue(el)
	el.wakeupChannel = NewChannel(el, el.wakeupFd)
	el.wakeupChannel.SetReadCallback(func(time.Time) { el.handleWakeup() })
	el.wakeupChannel.EnableReading()

	el.logger.Debugf("EventLoop created %s in thread %d", el.name, thread.tid)
	return el
}

// Loop runs until Quit is observed. It must be called on the loop's
// own thread.
func (el *EventLoop) Loop() {
	el.AssertInLoopThread()
	if !el.looping.CompareAndSwap(false, true) {
		el.logger.Fatalf("EventLoop %s is already looping", el.name)
	}
	el.logger.Debugf("EventLoop %s start looping", el.name)

	for !el.quit.Load() {
		el.activeChannels = el.activeChannels[:0]
		var receiveTime time.Time
		el.activeChannels, receiveTime = el.poller.Poll(pollTimeMs, el.activeChannels)
		el.pollReturnTime.Store(receiveTime)
		el.iteration.Inc()
		el.metrics.LoopIteration()
		if logging.DebugEnabled() {
			el.printActiveChannels()
		}

		el.eventHandling = true
		for _, c := range el.activeChannels {
			el.currentActiveChannel = c.(*Channel)
			el.currentActiveChannel.HandleEvent(receiveTime)
		}
		el.currentActiveChannel = nil
		el.eventHandling = false

		el.doPendingFunctors()
	}

	el.logger.Debugf("EventLoop %s stop looping", el.name)
	el.quit.Store(false)
	el.looping.Store(false)
}

// Quit asks the loop to exit at the next iteration boundary.
func (el *EventLoop) Quit() {
	el.quit.Store(true)
	if !el.IsInLoopThread() {
		el.Wakeup()
	}
}

// Close runs the functors still queued, releases the loop's descriptors
// and unpins its thread. It must be called on the loop thread after Loop
// has returned.
func (el *EventLoop) Close() error {
	el.AssertInLoopThread()
	// functors queued while the last iteration was draining
	el.doPendingFunctors()
	el.wakeupChannel.DisableAll()
	el.wakeupChannel.Remove()
	err := multierr.Combine(
		el.timerQueue.close(),
		errors.Wrap(unix.Close(el.wakeupFd), "close eventfd"),
		el.poller.Close(),
	)
	unbindThread(el.thread)
	return err
}

// RunInLoop runs cb now when called on the loop thread, otherwise it
// queues cb for the loop.
func (el *EventLoop) RunInLoop(cb func()) {
	if el.IsInLoopThread() {
		cb()
	} else {
		el.QueueInLoop(cb)
	}
}

// QueueInLoop queues cb to run after the loop's next dispatch.
func (el *EventLoop) QueueInLoop(cb func()) {
	el.mu.Lock()
	el.pendingFunctors.Add(cb)
	el.mu.Unlock()

	if !el.IsInLoopThread() || el.callingPendingFunctors.Load() {
		el.Wakeup()
	}
}

// QueueSize reports the number of functors waiting for the loop.
func (el *EventLoop) QueueSize() int {
	el.mu.Lock()
	defer el.mu.Unlock()
	return el.pendingFunctors.Length()
}

// RunAt runs cb at time t.
func (el *EventLoop) RunAt(t time.Time, cb TimerCallback) TimerID {
	return el.timerQueue.addTimer(cb, t, 0)
}

// RunAfter runs cb after delay.
func (el *EventLoop) RunAfter(delay time.Duration, cb TimerCallback) TimerID {
	return el.RunAt(el.clock.Now().Add(delay), cb)
}

// RunEvery runs cb every interval.
func (el *EventLoop) RunEvery(interval time.Duration, cb TimerCallback) TimerID {
	return el.timerQueue.addTimer(cb, el.clock.Now().Add(interval), interval)
}

// Cancel cancels the timer. Cancelling a fired or cancelled timer is a no-op.
func (el *EventLoop) Cancel(id TimerID) {
	el.timerQueue.cancel(id)
}

// Wakeup forces a blocked poll to return.
func (el *EventLoop) Wakeup() {
	n, err := unix.Write(el.wakeupFd, wakeupToken[:])
	if n != len(wakeupToken) {
		el.logger.Errorf("EventLoop.Wakeup() writes %d bytes instead of 8: %v", n, err)
	}
}

func (el *EventLoop) handleWakeup() {
	var buf [8]byte
	n, err := unix.Read(el.wakeupFd, buf[:])
	if n != len(buf) && err != unix.EAGAIN {
		el.logger.Errorf("EventLoop.handleWakeup() reads %d bytes instead of 8: %v", n, err)
	}
}

func (el *EventLoop) updateChannel(ch *Channel) {
	if ch.OwnerLoop() != el {
		el.logger.Fatalf("channel fd = %d does not belong to EventLoop %s", ch.Fd(), el.name)
	}
	el.AssertInLoopThread()
	el.poller.UpdateChannel(ch)
}

func (el *EventLoop) removeChannel(ch *Channel) {
	if ch.OwnerLoop() != el {
		el.logger.Fatalf("channel fd = %d does not belong to EventLoop %s", ch.Fd(), el.name)
	}
	el.AssertInLoopThread()
	if el.eventHandling && el.currentActiveChannel != ch {
		for _, c := range el.activeChannels {
			if c == netpoll.Channel(ch) {
				el.logger.Fatalf("removing channel fd = %d while it is pending dispatch", ch.Fd())
			}
		}
	}
	el.poller.RemoveChannel(ch)
}

// HasChannel reports whether ch is registered with the loop's poller.
func (el *EventLoop) HasChannel(ch *Channel) bool {
	if ch.OwnerLoop() != el {
		return false
	}
	el.AssertInLoopThread()
	return el.poller.HasChannel(ch)
}

// IsInLoopThread reports whether the caller runs on the loop's thread.
func (el *EventLoop) IsInLoopThread() bool {
	return el.thread.tid == currentTid()
}

// AssertInLoopThread terminates the process when called off the loop thread.
func (el *EventLoop) AssertInLoopThread() {
	if !el.IsInLoopThread() {
		el.abortNotInLoopThread()
	}
}

func (el *EventLoop) abortNotInLoopThread() {
	el.logger.Fatalf("EventLoop %s was created in thread %d, current thread id = %d",
		el.name, el.thread.tid, currentTid())
}

// Name returns the name the loop was created with.
func (el *EventLoop) Name() string { return el.name }

// Iteration counts the completed poll cycles.
func (el *EventLoop) Iteration() int64 { return el.iteration.Load() }

// PollReturnTime is the time the last poll returned.
func (el *EventLoop) PollReturnTime() time.Time { return el.pollReturnTime.Load() }

// EventHandling reports whether the loop is dispatching ready channels.
func (el *EventLoop) EventHandling() bool { return el.eventHandling }

// SetContext attaches an arbitrary value to the loop.
func (el *EventLoop) SetContext(ctx interface{}) { el.context = ctx }

// Context returns the value set by SetContext.
func (el *EventLoop) Context() interface{} { return el.context }

// Logger returns the loop's logger.
func (el *EventLoop) Logger() logging.Logger { return el.logger }

// Clock returns the loop's time source.
func (el *EventLoop) Clock() clock.Clock { return el.clock }

func (el *EventLoop) doPendingFunctors() {
	el.callingPendingFunctors.Store(true)

	// swap under the lock, run outside it, so a functor may queue more work
	el.mu.Lock()
	functors := el.pendingFunctors
	el.pendingFunctors = el.spareFunctors
	el.mu.Unlock()

	n := 0
	for functors.Length() > 0 {
		functors.Remove().(func())()
		n++
	}
	el.spareFunctors = functors
	el.metrics.FunctorsRun(n)

	el.callingPendingFunctors.Store(false)
}

func (el *EventLoop) printActiveChannels() {
	var sb strings.Builder
	for i, c := range el.activeChannels {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString("{" + c.(*Channel).ReventsString() + "}")
	}
	el.logger.Debugf("EventLoop %s active channels: %s", el.name, sb.String())
}
