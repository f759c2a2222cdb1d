// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"time"

	"github.com/ysyzqq/evnet/buffer"
	"github.com/ysyzqq/evnet/internal/socket"
	"github.com/ysyzqq/evnet/pkg/logging"
)

type (
	// TimerCallback is run by a loop when a timer expires.
	TimerCallback func()

	// ConnectionCallback fires when a connection goes up and again when
	// it goes down, check Connected to tell which.
	ConnectionCallback func(c *TCPConnection)

	// MessageCallback fires after bytes arrive. It consumes what it wants
	// from buf, the rest stays for the next read.
	MessageCallback func(c *TCPConnection, buf *buffer.Buffer, receiveTime time.Time)

	// WriteCompleteCallback fires when the output buffer drains.
	WriteCompleteCallback func(c *TCPConnection)

	// HighWaterMarkCallback fires when the output backlog crosses the
	// high-water mark from below.
	HighWaterMarkCallback func(c *TCPConnection, backlog int)

	// CloseCallback is the owner's hook into a connection's close path.
	CloseCallback func(c *TCPConnection)

	// ThreadInitCallback runs on a worker loop before it starts looping.
	ThreadInitCallback func(el *EventLoop)
)

// DefaultConnectionCallback logs the transition.
func DefaultConnectionCallback(c *TCPConnection) {
	state := "DOWN"
	if c.Connected() {
		state = "UP"
	}
	logging.Debugf("%s -> %s is %s", socket.IPPort(c.LocalAddr()), socket.IPPort(c.PeerAddr()), state)
}

// DefaultMessageCallback discards everything it receives.
func DefaultMessageCallback(_ *TCPConnection, buf *buffer.Buffer, _ time.Time) {
	buf.RetrieveAll()
}
