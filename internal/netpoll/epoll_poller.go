// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package netpoll

import (
	"os"
	"time"

	"github.com/ysyzqq/evnet/pkg/logging"
	"golang.org/x/sys/unix"
)

// Channel index states in the epoll table.
const (
	indexAdded   = 1
	indexDeleted = 2

	initEventListSize = 16
)

// EpollPoller keeps the interest set in the kernel. A channel whose
// interest drops to none is deleted from epoll but kept in the map
// (indexDeleted) so re-enabling it is a plain ADD.
type EpollPoller struct {
	epfd     int
	events   []unix.EpollEvent
	channels map[int]Channel
}

// NewEpollPoller opens a new epoll instance.
func NewEpollPoller() (*EpollPoller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &EpollPoller{
		epfd:     fd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]Channel),
	}, nil
}

func (p *EpollPoller) Poll(timeoutMs int, active []Channel) ([]Channel, time.Time) {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	now := time.Now()
	switch {
	case n > 0:
		logging.Debugf("%d events happened", n)
		active = p.fillActiveChannels(n, active)
		if n == len(p.events) {
			p.events = make([]unix.EpollEvent, 2*len(p.events))
		}
	case n == 0:
		logging.Debugf("nothing happened")
	default:
		if err != unix.EINTR {
			logging.Errorf("EpollPoller.Poll: %v", err)
		}
	}
	return active, now
}

func (p *EpollPoller) fillActiveChannels(n int, active []Channel) []Channel {
	for i := 0; i < n; i++ {
		ev := &p.events[i]
		ch, ok := p.channels[int(ev.Fd)]
		if !ok {
			logging.Fatalf("EpollPoller: ready fd %d has no channel", ev.Fd)
		}
		ch.SetRevents(ev.Events)
		active = append(active, ch)
	}
	return active
}

func (p *EpollPoller) UpdateChannel(ch Channel) {
	fd := ch.Fd()
	switch idx := ch.Index(); idx {
	case IndexNew, indexDeleted:
		if idx == IndexNew {
			if _, ok := p.channels[fd]; ok {
				logging.Fatalf("EpollPoller: fd %d registered twice", fd)
			}
			p.channels[fd] = ch
		} else if p.channels[fd] != ch {
			logging.Fatalf("EpollPoller: fd %d owned by another channel", fd)
		}
		ch.SetIndex(indexAdded)
		p.update(unix.EPOLL_CTL_ADD, ch)
	case indexAdded:
		if p.channels[fd] != ch {
			logging.Fatalf("EpollPoller: fd %d owned by another channel", fd)
		}
		if ch.Events() == NoneEvents {
			p.update(unix.EPOLL_CTL_DEL, ch)
			ch.SetIndex(indexDeleted)
		} else {
			p.update(unix.EPOLL_CTL_MOD, ch)
		}
	default:
		logging.Fatalf("EpollPoller: fd %d has bad index %d", fd, idx)
	}
}

func (p *EpollPoller) RemoveChannel(ch Channel) {
	fd := ch.Fd()
	if p.channels[fd] != ch {
		logging.Fatalf("EpollPoller: removing unknown fd %d", fd)
	}
	if ch.Events() != NoneEvents {
		logging.Fatalf("EpollPoller: removing fd %d with interest %d", fd, ch.Events())
	}
	idx := ch.Index()
	if idx != indexAdded && idx != indexDeleted {
		logging.Fatalf("EpollPoller: fd %d has bad index %d", fd, idx)
	}
	delete(p.channels, fd)
	if idx == indexAdded {
		p.update(unix.EPOLL_CTL_DEL, ch)
	}
	ch.SetIndex(IndexNew)
}

func (p *EpollPoller) HasChannel(ch Channel) bool {
	c, ok := p.channels[ch.Fd()]
	return ok && c == ch
}

func (p *EpollPoller) update(op int, ch Channel) {
	ev := unix.EpollEvent{Events: ch.Events(), Fd: int32(ch.Fd())}
	if err := unix.EpollCtl(p.epfd, op, ch.Fd(), &ev); err != nil {
		if op == unix.EPOLL_CTL_DEL {
			logging.Errorf("epoll_ctl op = %s fd = %d: %v", opString(op), ch.Fd(), err)
		} else {
			logging.Fatalf("epoll_ctl op = %s fd = %d: %v", opString(op), ch.Fd(), err)
		}
	}
}

func (p *EpollPoller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.epfd))
}

func opString(op int) string {
	switch op {
	case unix.EPOLL_CTL_ADD:
		return "ADD"
	case unix.EPOLL_CTL_DEL:
		return "DEL"
	case unix.EPOLL_CTL_MOD:
		return "MOD"
	default:
		return "UNKNOWN"
	}
}
