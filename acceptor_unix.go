// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/ysyzqq/evnet/internal/socket"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// NewConnectionCallback receives a freshly accepted, non-blocking fd.
type NewConnectionCallback func(fd int, peerAddr net.Addr)

type acceptFunc func(fd int) (nfd int, sa unix.Sockaddr, err error)

func accept4(fd int) (int, unix.Sockaddr, error) {
	return unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
}

// Acceptor owns a listening socket on the main reactor and hands every
// accepted fd to its callback.
type Acceptor struct {
	loop      *EventLoop
	ln        *listener
	channel   *Channel
	listening bool
	idleFd    int // 预留的fd, EMFILE时腾出来
	accept    acceptFunc

	newConnectionCallback NewConnectionCallback
}

// NewAcceptor binds addr. Accepting starts with Listen.
func NewAcceptor(loop *EventLoop, network, addr string, reusePort bool) (*Acceptor, error) {
	ln, err := initListener(network, addr, reusePort)
	if err != nil {
		return nil, err
	}
	idleFd, err := openIdleFd()
	if err != nil {
		return nil, multierr.Append(err, ln.close())
	}
	a := &Acceptor{
		loop:    loop,
		ln:      ln,
		channel: NewChannel(loop, ln.fd),
		idleFd:  idleFd,
		accept:  accept4,
	}
	a.channel.SetReadCallback(a.handleRead)
	return a, nil
}

func openIdleFd() (int, error) {
	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	return fd, errors.Wrap(err, "open idle fd")
}

// SetNewConnectionCallback sets the receiver of accepted fds. Without
// one every accepted fd is closed at once.
func (a *Acceptor) SetNewConnectionCallback(cb NewConnectionCallback) {
	a.newConnectionCallback = cb
}

// Listen starts watching the listening socket.
func (a *Acceptor) Listen() {
	a.loop.AssertInLoopThread()
	a.listening = true
	a.channel.EnableReading()
}

func (a *Acceptor) Listening() bool { return a.listening }

// Addr is the bound address, with the real port when 0 was asked for.
func (a *Acceptor) Addr() net.Addr { return a.ln.lnaddr }

// Close stops accepting and releases the listening socket.
func (a *Acceptor) Close() error {
	a.loop.AssertInLoopThread()
	if a.listening {
		a.channel.DisableAll()
		a.channel.Remove()
		a.listening = false
	}
	var err error
	if a.idleFd >= 0 {
		err = errors.Wrap(unix.Close(a.idleFd), "close idle fd")
		a.idleFd = -1
	}
	return multierr.Append(err, a.ln.close())
}

func (a *Acceptor) handleRead(time.Time) {
	a.loop.AssertInLoopThread()
	connfd, sa, err := a.accept(a.ln.fd)
	if err == nil {
		a.loop.metrics.Accepted()
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(connfd, socket.SockaddrToTCPOrUnixAddr(sa))
		} else {
			socket.Close(connfd)
		}
		return
	}
	if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
		return
	}

	a.loop.metrics.AcceptError()
	a.loop.logger.Errorf("Acceptor.handleRead on %s: %v", a.ln.lnaddr, err)
	if err == unix.EMFILE {
		// free the reserved fd to drain the pending connection, otherwise
		// the level-triggered listener keeps firing
		_ = unix.Close(a.idleFd)
		if fd, _, err := a.accept(a.ln.fd); err == nil {
			_ = unix.Close(fd)
		}
		if a.idleFd, err = openIdleFd(); err != nil {
			a.loop.logger.Errorf("Acceptor.handleRead: %v", err)
			a.idleFd = -1
		}
	}
}
