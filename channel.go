// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"time"

	"github.com/ysyzqq/evnet/internal/netpoll"
)

// liveness is implemented by owners that tie themselves to a Channel.
type liveness interface {
	live() bool
}

// Channel binds one fd to its interest set and event callbacks. It never
// owns the fd and never closes it. A Channel belongs to a single loop
// and is only touched from that loop's goroutine.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  uint32 // 关心的事件
	revents uint32 // poller返回的就绪事件
	index   int    // used by the poller
	logHup  bool

	tie           liveness
	eventHandling bool
	addedToLoop   bool

	readCallback  func(receiveTime time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// NewChannel creates a Channel for fd owned by loop.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:   loop,
		fd:     fd,
		index:  netpoll.IndexNew,
		logHup: true,
	}
}

func (ch *Channel) SetReadCallback(cb func(receiveTime time.Time)) { ch.readCallback = cb }
func (ch *Channel) SetWriteCallback(cb func())                     { ch.writeCallback = cb }
func (ch *Channel) SetCloseCallback(cb func())                     { ch.closeCallback = cb }
func (ch *Channel) SetErrorCallback(cb func())                     { ch.errorCallback = cb }

// Tie guards dispatch with the owner's liveness: once the owner has
// been destroyed, events are dropped instead of reaching its callbacks.
func (ch *Channel) Tie(owner liveness) {
	ch.tie = owner
}

func (ch *Channel) Fd() int                   { return ch.fd }
func (ch *Channel) Events() uint32            { return ch.events }
func (ch *Channel) SetRevents(revents uint32) { ch.revents = revents }
func (ch *Channel) Index() int                { return ch.index }
func (ch *Channel) SetIndex(idx int)          { ch.index = idx }
func (ch *Channel) OwnerLoop() *EventLoop     { return ch.loop }

func (ch *Channel) IsNoneEvent() bool { return ch.events == netpoll.NoneEvents }
func (ch *Channel) IsWriting() bool   { return ch.events&netpoll.WriteEvents != 0 }
func (ch *Channel) IsReading() bool   { return ch.events&netpoll.ReadEvents != 0 }

func (ch *Channel) EnableReading() {
	ch.events |= netpoll.ReadEvents
	ch.update()
}

func (ch *Channel) DisableReading() {
	ch.events &^= netpoll.ReadEvents
	ch.update()
}

func (ch *Channel) EnableWriting() {
	ch.events |= netpoll.WriteEvents
	ch.update()
}

func (ch *Channel) DisableWriting() {
	ch.events &^= netpoll.WriteEvents
	ch.update()
}

func (ch *Channel) DisableAll() {
	ch.events = netpoll.NoneEvents
	ch.update()
}

// DoNotLogHup silences the warning printed on POLLHUP.
func (ch *Channel) DoNotLogHup() { ch.logHup = false }

// Remove unregisters the channel from its loop. Interest must be
// disabled first.
func (ch *Channel) Remove() {
	if !ch.IsNoneEvent() {
		ch.loop.logger.Fatalf("Channel.Remove fd = %d with interest %s", ch.fd, ch.EventsString())
	}
	ch.addedToLoop = false
	ch.loop.removeChannel(ch)
}

func (ch *Channel) update() {
	ch.addedToLoop = true
	ch.loop.updateChannel(ch)
}

// HandleEvent dispatches the last observed readiness to the callbacks.
func (ch *Channel) HandleEvent(receiveTime time.Time) {
	if ch.tie != nil && !ch.tie.live() {
		return
	}
	ch.handleEventWithGuard(receiveTime)
}

func (ch *Channel) handleEventWithGuard(receiveTime time.Time) {
	ch.eventHandling = true
	defer func() { ch.eventHandling = false }()

	ch.loop.logger.Debugf("%s", ch.ReventsString())
	if ch.revents&netpoll.EventHup != 0 && ch.revents&netpoll.EventIn == 0 {
		if ch.logHup {
			ch.loop.logger.Warnf("fd = %d Channel.HandleEvent() POLLHUP", ch.fd)
		}
		if ch.closeCallback != nil {
			ch.closeCallback()
		}
	}
	if ch.revents&netpoll.EventNval != 0 {
		ch.loop.logger.Warnf("fd = %d Channel.HandleEvent() POLLNVAL", ch.fd)
	}
	if ch.revents&(netpoll.EventErr|netpoll.EventNval) != 0 && ch.errorCallback != nil {
		ch.errorCallback()
	}
	if ch.revents&(netpoll.EventIn|netpoll.EventPri|netpoll.EventRdHup) != 0 && ch.readCallback != nil {
		ch.readCallback(receiveTime)
	}
	if ch.revents&netpoll.EventOut != 0 && ch.writeCallback != nil {
		ch.writeCallback()
	}
}

// ReventsString renders the last observed readiness.
func (ch *Channel) ReventsString() string {
	return netpoll.EventsToString(ch.fd, ch.revents)
}

// EventsString renders the interest set.
func (ch *Channel) EventsString() string {
	return netpoll.EventsToString(ch.fd, ch.events)
}
