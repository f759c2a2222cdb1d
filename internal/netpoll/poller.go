// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

// Package netpoll implements the readiness multiplexers that drive an
// event loop: a poll(2) list scanner and an epoll(7) kernel table.
package netpoll

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// UsePollEnv forces the poll(2) based poller when present in the environment.
const UsePollEnv = "EVNET_USE_POLL"

// Interest and readiness bits. epoll shares the poll(2) values on Linux.
const (
	NoneEvents  uint32 = 0
	ReadEvents  uint32 = unix.POLLIN | unix.POLLPRI
	WriteEvents uint32 = unix.POLLOUT

	EventIn    uint32 = unix.POLLIN
	EventPri   uint32 = unix.POLLPRI
	EventOut   uint32 = unix.POLLOUT
	EventErr   uint32 = unix.POLLERR
	EventHup   uint32 = unix.POLLHUP
	EventNval  uint32 = unix.POLLNVAL
	EventRdHup uint32 = unix.POLLRDHUP
)

// IndexNew marks a channel the poller has never seen.
const IndexNew = -1

// Channel is the poller's view of an fd registration. The index slot is
// owned by the poller and means something different to each variant.
type Channel interface {
	Fd() int
	Events() uint32
	SetRevents(revents uint32)
	Index() int
	SetIndex(idx int)
}

// Poller turns a set of interests into a list of ready channels. A poller
// belongs to one event loop and must only be used from its goroutine.
type Poller interface {
	// Poll waits up to timeoutMs milliseconds, appends the ready channels
	// to active and returns it together with the time poll returned.
	Poll(timeoutMs int, active []Channel) ([]Channel, time.Time)
	// UpdateChannel registers ch or changes its interest set.
	UpdateChannel(ch Channel)
	// RemoveChannel forgets ch, which must have no interest left.
	RemoveChannel(ch Channel)
	// HasChannel reports whether ch is registered.
	HasChannel(ch Channel) bool
	// Close releases kernel resources held by the poller.
	Close() error
}

// NewDefaultPoller picks the poll(2) variant when UsePollEnv is set and the
// epoll variant otherwise.
func NewDefaultPoller() (Poller, error) {
	if _, ok := os.LookupEnv(UsePollEnv); ok {
		return NewPollPoller(), nil
	}
	return NewEpollPoller()
}

// EventsToString renders a bit set for trace logs, e.g. "7: IN OUT ".
func EventsToString(fd int, ev uint32) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d: ", fd)
	names := []struct {
		bit  uint32
		name string
	}{
		{EventIn, "IN"}, {EventPri, "PRI"}, {EventOut, "OUT"}, {EventHup, "HUP"},
		{EventRdHup, "RDHUP"}, {EventErr, "ERR"}, {EventNval, "NVAL"},
	}
	for _, n := range names {
		if ev&n.bit != 0 {
			sb.WriteString(n.name)
			sb.WriteByte(' ')
		}
	}
	return sb.String()
}
