// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"net"
	"time"

	"github.com/ysyzqq/evnet/internal/socket"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type connectorState int32

const (
	connectorDisconnected connectorState = iota
	connectorConnecting
	connectorConnected
)

func (s connectorState) String() string {
	switch s {
	case connectorDisconnected:
		return "kDisconnected"
	case connectorConnecting:
		return "kConnecting"
	case connectorConnected:
		return "kConnected"
	default:
		return "unknown state"
	}
}

// Connector actively connects to a server, retrying with exponential
// backoff. It hands the connected fd to its callback and forgets it.
type Connector struct {
	loop       *EventLoop
	serverAddr *net.TCPAddr
	connect    atomic.Bool
	state      atomic.Int32
	channel    *Channel
	initDelay  time.Duration
	maxDelay   time.Duration
	retryDelay time.Duration
	retryTimer TimerID

	newConnectionCallback func(fd int)
}

// NewConnector creates a connector for serverAddr. Zero delays take the
// package defaults.
func NewConnector(loop *EventLoop, serverAddr *net.TCPAddr, initDelay, maxDelay time.Duration) *Connector {
	if initDelay <= 0 {
		initDelay = DefaultInitRetryDelay
	}
	if maxDelay < initDelay {
		maxDelay = DefaultMaxRetryDelay
		if maxDelay < initDelay {
			maxDelay = initDelay
		}
	}
	return &Connector{
		loop:       loop,
		serverAddr: serverAddr,
		initDelay:  initDelay,
		maxDelay:   maxDelay,
		retryDelay: initDelay,
	}
}

// SetNewConnectionCallback sets the receiver of connected fds.
func (cn *Connector) SetNewConnectionCallback(cb func(fd int)) {
	cn.newConnectionCallback = cb
}

// ServerAddress is the address being connected to.
func (cn *Connector) ServerAddress() *net.TCPAddr { return cn.serverAddr }

func (cn *Connector) getState() connectorState  { return connectorState(cn.state.Load()) }
func (cn *Connector) setState(s connectorState) { cn.state.Store(int32(s)) }

// Start begins connecting, from any goroutine.
func (cn *Connector) Start() {
	cn.connect.Store(true)
	cn.loop.RunInLoop(cn.startInLoop)
}

// Restart resets the backoff and connects again, loop thread only.
func (cn *Connector) Restart() {
	cn.reset()
	cn.connect.Store(true)
	cn.startInLoop()
}

// reset forgets the handed off connection so that a later Start dials
// again with the initial delay.
func (cn *Connector) reset() {
	cn.loop.AssertInLoopThread()
	cn.setState(connectorDisconnected)
	cn.retryDelay = cn.initDelay
}

// Stop gives up connecting. The in-flight attempt, if any, is torn
// down on the loop.
func (cn *Connector) Stop() {
	cn.connect.Store(false)
	cn.loop.QueueInLoop(cn.stopInLoop)
}

func (cn *Connector) startInLoop() {
	cn.loop.AssertInLoopThread()
	if cn.getState() != connectorDisconnected {
		cn.loop.logger.Errorf("Connector.startInLoop in state %s", cn.getState())
		return
	}
	if cn.connect.Load() {
		cn.doConnect()
	} else {
		cn.loop.logger.Debugf("Connector.startInLoop: do not connect")
	}
}

func (cn *Connector) stopInLoop() {
	cn.loop.AssertInLoopThread()
	cn.loop.Cancel(cn.retryTimer)
	cn.retryTimer = TimerID{}
	if cn.getState() == connectorConnecting {
		cn.setState(connectorDisconnected)
		fd := cn.removeAndResetChannel()
		socket.Close(fd)
	}
}

func (cn *Connector) doConnect() {
	sa, family := socket.TCPAddrToSockaddr(cn.serverAddr)
	fd, err := socket.CreateNonblocking(family)
	if err != nil {
		cn.loop.logger.Errorf("Connector.doConnect %s: %v", cn.serverAddr, err)
		cn.retry(-1)
		return
	}

	errno := unix.Errno(0)
	if err = socket.Connect(fd, sa); err != nil {
		if e, ok := err.(unix.Errno); ok {
			errno = e
		} else {
			errno = unix.EINVAL
		}
	}
	switch errno {
	case 0, unix.EINPROGRESS, unix.EINTR, unix.EISCONN:
		cn.connecting(fd)
	case unix.EAGAIN, unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.ECONNREFUSED, unix.ENETUNREACH:
		cn.retry(fd)
	case unix.EACCES, unix.EPERM, unix.EAFNOSUPPORT, unix.EALREADY, unix.EBADF, unix.EFAULT, unix.ENOTSOCK:
		cn.loop.logger.Errorf("connect error in Connector.doConnect %s: %v", cn.serverAddr, errno)
		socket.Close(fd)
	default:
		cn.loop.logger.Errorf("unexpected error in Connector.doConnect %s: %v", cn.serverAddr, errno)
		socket.Close(fd)
	}
}

func (cn *Connector) connecting(fd int) {
	cn.setState(connectorConnecting)
	if cn.channel != nil {
		cn.loop.logger.Fatalf("Connector.connecting with a live channel fd = %d", cn.channel.Fd())
	}
	cn.channel = NewChannel(cn.loop, fd)
	cn.channel.SetWriteCallback(cn.handleWrite)
	cn.channel.SetErrorCallback(cn.handleError)
	cn.channel.EnableWriting()
}

func (cn *Connector) removeAndResetChannel() int {
	cn.channel.DisableAll()
	cn.channel.Remove()
	fd := cn.channel.Fd()
	// the channel may be mid dispatch, drop the reference after it returns
	cn.loop.QueueInLoop(cn.resetChannel)
	return fd
}

func (cn *Connector) resetChannel() {
	cn.channel = nil
}

func (cn *Connector) handleWrite() {
	cn.loop.logger.Debugf("Connector.handleWrite state = %s", cn.getState())
	if cn.getState() != connectorConnecting {
		return
	}
	fd := cn.removeAndResetChannel()
	if errno := socket.Error(fd); errno != 0 {
		cn.loop.logger.Warnf("Connector.handleWrite - SO_ERROR = %d %v", int(errno), errno)
		cn.retry(fd)
	} else if socket.IsSelfConnect(fd) {
		cn.loop.logger.Warnf("Connector.handleWrite - self connect")
		cn.retry(fd)
	} else {
		cn.setState(connectorConnected)
		if cn.connect.Load() && cn.newConnectionCallback != nil {
			cn.newConnectionCallback(fd)
		} else {
			socket.Close(fd)
		}
	}
}

func (cn *Connector) handleError() {
	cn.loop.logger.Errorf("Connector.handleError state = %s", cn.getState())
	if cn.getState() == connectorConnecting {
		fd := cn.removeAndResetChannel()
		errno := socket.Error(fd)
		cn.loop.logger.Debugf("SO_ERROR = %d %v", int(errno), errno)
		cn.retry(fd)
	}
}

// retry closes fd, when valid, and schedules the next attempt.
func (cn *Connector) retry(fd int) {
	if fd >= 0 {
		socket.Close(fd)
	}
	cn.setState(connectorDisconnected)
	if !cn.connect.Load() {
		cn.loop.logger.Debugf("Connector.retry: do not connect")
		return
	}
	delay := cn.backoff()
	cn.loop.logger.Infof("Connector.retry - retry connecting to %s in %v", cn.serverAddr, delay)
	cn.loop.metrics.ConnectRetry()
	cn.retryTimer = cn.loop.RunAfter(delay, cn.startInLoop)
}

// backoff returns the delay before the next attempt and doubles it up
// to the cap.
func (cn *Connector) backoff() time.Duration {
	delay := cn.retryDelay
	cn.retryDelay *= 2
	if cn.retryDelay > cn.maxDelay {
		cn.retryDelay = cn.maxDelay
	}
	return delay
}
