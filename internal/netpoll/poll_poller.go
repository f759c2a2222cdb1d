// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package netpoll

import (
	"time"

	"github.com/ysyzqq/evnet/pkg/logging"
	"golang.org/x/sys/unix"
)

// PollPoller keeps the interest set as a flat pollfd list. The channel
// index is its slot in that list. A channel with no interest stays in the
// list with fd encoded as -fd-1 so the kernel skips it.
type PollPoller struct {
	pollfds  []unix.PollFd
	channels map[int]Channel
}

// NewPollPoller returns an empty poll(2) poller.
func NewPollPoller() *PollPoller {
	return &PollPoller{channels: make(map[int]Channel)}
}

func (p *PollPoller) Poll(timeoutMs int, active []Channel) ([]Channel, time.Time) {
	n, err := unix.Poll(p.pollfds, timeoutMs)
	now := time.Now()
	switch {
	case n > 0:
		logging.Debugf("%d events happened", n)
		active = p.fillActiveChannels(n, active)
	case n == 0:
		logging.Debugf("nothing happened")
	default:
		if err != unix.EINTR {
			logging.Errorf("PollPoller.Poll: %v", err)
		}
	}
	return active, now
}

func (p *PollPoller) fillActiveChannels(n int, active []Channel) []Channel {
	// 找到n个就绪的fd后就不用继续扫描了
	for i := 0; i < len(p.pollfds) && n > 0; i++ {
		pfd := &p.pollfds[i]
		if pfd.Revents <= 0 {
			continue
		}
		n--
		ch, ok := p.channels[int(pfd.Fd)]
		if !ok || ch.Fd() != int(pfd.Fd) {
			logging.Fatalf("PollPoller: ready fd %d has no channel", pfd.Fd)
		}
		ch.SetRevents(uint32(uint16(pfd.Revents)))
		active = append(active, ch)
	}
	return active
}

func (p *PollPoller) UpdateChannel(ch Channel) {
	fd := ch.Fd()
	if ch.Index() < 0 {
		if _, ok := p.channels[fd]; ok {
			logging.Fatalf("PollPoller: fd %d registered twice", fd)
		}
		p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(fd), Events: int16(ch.Events())})
		ch.SetIndex(len(p.pollfds) - 1)
		p.channels[fd] = ch
		return
	}

	idx := ch.Index()
	if p.channels[fd] != ch || idx >= len(p.pollfds) {
		logging.Fatalf("PollPoller: corrupt table for fd %d at index %d", fd, idx)
	}
	pfd := &p.pollfds[idx]
	if int(pfd.Fd) != fd && int(pfd.Fd) != -fd-1 {
		logging.Fatalf("PollPoller: slot %d holds fd %d, want %d", idx, pfd.Fd, fd)
	}
	pfd.Fd = int32(fd)
	pfd.Events = int16(ch.Events())
	pfd.Revents = 0
	if ch.Events() == NoneEvents {
		// 忽略这个pollfd
		pfd.Fd = int32(-fd - 1)
	}
}

func (p *PollPoller) RemoveChannel(ch Channel) {
	fd := ch.Fd()
	if p.channels[fd] != ch {
		logging.Fatalf("PollPoller: removing unknown fd %d", fd)
	}
	if ch.Events() != NoneEvents {
		logging.Fatalf("PollPoller: removing fd %d with interest %d", fd, ch.Events())
	}
	idx := ch.Index()
	if idx < 0 || idx >= len(p.pollfds) {
		logging.Fatalf("PollPoller: fd %d has bad index %d", fd, idx)
	}
	delete(p.channels, fd)

	last := len(p.pollfds) - 1
	if idx != last {
		// swap with the tail so removal stays O(1)
		tailFd := int(p.pollfds[last].Fd)
		p.pollfds[idx], p.pollfds[last] = p.pollfds[last], p.pollfds[idx]
		if tailFd < 0 {
			tailFd = -tailFd - 1
		}
		p.channels[tailFd].SetIndex(idx)
	}
	p.pollfds = p.pollfds[:last]
	ch.SetIndex(IndexNew)
}

func (p *PollPoller) HasChannel(ch Channel) bool {
	c, ok := p.channels[ch.Fd()]
	return ok && c == ch
}

func (p *PollPoller) Close() error { return nil }
