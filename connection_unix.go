// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"net"
	"time"
	"weak"

	"github.com/valyala/bytebufferpool"
	"github.com/ysyzqq/evnet/buffer"
	"github.com/ysyzqq/evnet/internal/socket"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// ConnState is the lifecycle state of a TCPConnection.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "kDisconnected"
	case StateConnecting:
		return "kConnecting"
	case StateConnected:
		return "kConnected"
	case StateDisconnecting:
		return "kDisconnecting"
	default:
		return "unknown state"
	}
}

// TCPConnection is one established TCP stream, served by a single loop
// for its whole life. Send, Shutdown, ForceClose and the read toggles
// may be called from any goroutine, everything else belongs to the loop.
type TCPConnection struct {
	loop      *EventLoop
	name      string
	state     atomic.Int32
	destroyed atomic.Bool
	reading   bool

	socket    *socket.Socket
	channel   *Channel
	localAddr net.Addr
	peerAddr  net.Addr

	inputBuffer   *buffer.Buffer // 入站缓冲
	outputBuffer  *buffer.Buffer // 出站缓冲
	highWaterMark int

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback

	context interface{} // user-defined context
}

// NewTCPConnection wraps a connected, non-blocking fd. The connection
// owns fd from now on and closes it in ConnectionDestroyed.
func NewTCPConnection(loop *EventLoop, name string, fd int, localAddr, peerAddr net.Addr) *TCPConnection {
	c := &TCPConnection{
		loop:          loop,
		name:          name,
		reading:       true,
		socket:        socket.New(fd),
		channel:       NewChannel(loop, fd),
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   buffer.New(),
		outputBuffer:  buffer.New(),
		highWaterMark: DefaultHighWaterMark,
	}
	c.state.Store(int32(StateConnecting))
	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)
	loop.logger.Debugf("TCPConnection::ctor[%s] fd = %d", name, fd)
	if err := c.socket.SetKeepAlive(true); err != nil {
		loop.logger.Warnf("TCPConnection[%s] SO_KEEPALIVE: %v", name, err)
	}
	return c
}

func (c *TCPConnection) live() bool { return !c.destroyed.Load() }

func (c *TCPConnection) Loop() *EventLoop             { return c.loop }
func (c *TCPConnection) Name() string                 { return c.name }
func (c *TCPConnection) LocalAddr() net.Addr          { return c.localAddr }
func (c *TCPConnection) PeerAddr() net.Addr           { return c.peerAddr }
func (c *TCPConnection) State() ConnState             { return ConnState(c.state.Load()) }
func (c *TCPConnection) Connected() bool              { return c.State() == StateConnected }
func (c *TCPConnection) Disconnected() bool           { return c.State() == StateDisconnected }
func (c *TCPConnection) InputBuffer() *buffer.Buffer  { return c.inputBuffer }
func (c *TCPConnection) OutputBuffer() *buffer.Buffer { return c.outputBuffer }
func (c *TCPConnection) Context() interface{}         { return c.context }
func (c *TCPConnection) SetContext(ctx interface{})   { c.context = ctx }
func (c *TCPConnection) IsReading() bool              { return c.reading }
func (c *TCPConnection) setState(s ConnState)         { c.state.Store(int32(s)) }
func (c *TCPConnection) casState(from, to ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *TCPConnection) SetConnectionCallback(cb ConnectionCallback) { c.connectionCallback = cb }
func (c *TCPConnection) SetMessageCallback(cb MessageCallback)       { c.messageCallback = cb }
func (c *TCPConnection) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	c.writeCompleteCallback = cb
}
func (c *TCPConnection) SetCloseCallback(cb CloseCallback) { c.closeCallback = cb }

// SetHighWaterMarkCallback fires cb whenever the output backlog crosses
// mark from below.
func (c *TCPConnection) SetHighWaterMarkCallback(cb HighWaterMarkCallback, mark int) {
	c.highWaterMarkCallback = cb
	c.highWaterMark = mark
}

// SetTCPNoDelay toggles Nagle's algorithm.
func (c *TCPConnection) SetTCPNoDelay(on bool) error {
	return c.socket.SetTCPNoDelay(on)
}

// SetKeepAlivePeriod sets the keep-alive probe interval.
func (c *TCPConnection) SetKeepAlivePeriod(d time.Duration) error {
	return c.socket.SetKeepAlivePeriod(int(d / time.Second))
}

// TCPInfo renders the kernel's TCP_INFO for the connection.
func (c *TCPConnection) TCPInfo() string {
	return c.socket.TCPInfoString()
}

// Send writes data, copying it first when called off the loop.
func (c *TCPConnection) Send(data []byte) {
	if c.State() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
		return
	}
	bb := bytebufferpool.Get()
	_, _ = bb.Write(data)
	c.loop.RunInLoop(func() {
		c.sendInLoop(bb.B)
		bytebufferpool.Put(bb)
	})
}

// SendString is Send for a string.
func (c *TCPConnection) SendString(s string) {
	if c.State() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop([]byte(s))
		return
	}
	bb := bytebufferpool.Get()
	_, _ = bb.WriteString(s)
	c.loop.RunInLoop(func() {
		c.sendInLoop(bb.B)
		bytebufferpool.Put(bb)
	})
}

// SendBuffer sends and consumes the readable bytes of buf.
func (c *TCPConnection) SendBuffer(buf *buffer.Buffer) {
	if c.State() != StateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(buf.Peek())
		buf.RetrieveAll()
		return
	}
	data := buf.RetrieveAllAsBytes()
	c.loop.RunInLoop(func() { c.sendInLoop(data) })
}

func (c *TCPConnection) sendInLoop(data []byte) {
	c.loop.AssertInLoopThread()
	if c.State() == StateDisconnected {
		c.loop.logger.Warnf("TCPConnection[%s] disconnected, give up writing", c.name)
		return
	}

	var (
		nwrote     int
		remaining  = len(data)
		faultError bool
	)
	// 出站缓冲为空时先尝试直接写
	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.channel.Fd(), data)
		if err == nil {
			nwrote = n
			remaining -= n
			c.loop.metrics.Written(n)
			if remaining == 0 && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
		} else if err != unix.EAGAIN {
			c.loop.logger.Errorf("TCPConnection[%s] sendInLoop: %v", c.name, err)
			if err == unix.EPIPE || err == unix.ECONNRESET {
				faultError = true
			}
		}
	}

	if !faultError && remaining > 0 {
		oldLen := c.outputBuffer.ReadableBytes()
		if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark && c.highWaterMarkCallback != nil {
			backlog := oldLen + remaining
			c.loop.metrics.HighWaterMark()
			c.loop.QueueInLoop(func() { c.highWaterMarkCallback(c, backlog) })
		}
		c.outputBuffer.Append(data[nwrote:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

// Shutdown half-closes the connection once the output buffer drains.
func (c *TCPConnection) Shutdown() {
	if c.casState(StateConnected, StateDisconnecting) {
		c.loop.RunInLoop(c.shutdownInLoop)
	}
}

func (c *TCPConnection) shutdownInLoop() {
	c.loop.AssertInLoopThread()
	if c.destroyed.Load() {
		return
	}
	if !c.channel.IsWriting() {
		c.socket.ShutdownWrite()
	}
}

// ForceClose closes the connection regardless of pending output.
func (c *TCPConnection) ForceClose() {
	if c.casState(StateConnected, StateDisconnecting) || c.State() == StateDisconnecting {
		c.loop.QueueInLoop(c.forceCloseInLoop)
	}
}

// ForceCloseWithDelay force closes after delay unless the connection is
// gone by then. The timer does not keep the connection alive.
func (c *TCPConnection) ForceCloseWithDelay(delay time.Duration) {
	if c.casState(StateConnected, StateDisconnecting) || c.State() == StateDisconnecting {
		wp := weak.Make(c)
		c.loop.RunAfter(delay, func() {
			if conn := wp.Value(); conn != nil {
				conn.ForceClose()
			}
		})
	}
}

func (c *TCPConnection) forceCloseInLoop() {
	c.loop.AssertInLoopThread()
	if s := c.State(); s == StateConnected || s == StateDisconnecting {
		c.handleClose()
	}
}

// StartRead resumes read interest.
func (c *TCPConnection) StartRead() {
	c.loop.RunInLoop(func() {
		if !c.reading || !c.channel.IsReading() {
			c.channel.EnableReading()
			c.reading = true
		}
	})
}

// StopRead drops read interest, the peer's data waits in the kernel.
func (c *TCPConnection) StopRead() {
	c.loop.RunInLoop(func() {
		if c.reading || c.channel.IsReading() {
			c.channel.DisableReading()
			c.reading = false
		}
	})
}

// ConnectionEstablished is called once by the owner on the connection's loop.
func (c *TCPConnection) ConnectionEstablished() {
	c.loop.AssertInLoopThread()
	if !c.casState(StateConnecting, StateConnected) {
		c.loop.logger.Fatalf("TCPConnection[%s] established in state %s", c.name, c.State())
	}
	c.channel.Tie(c)
	c.channel.EnableReading()
	c.loop.metrics.ConnectionUp()
	c.connectionCallback(c)
}

// ConnectionDestroyed is the last call the owner makes on the connection.
// Calls after the first are ignored.
func (c *TCPConnection) ConnectionDestroyed() {
	c.loop.AssertInLoopThread()
	if c.destroyed.Load() {
		return
	}
	if s := c.State(); s == StateConnected || s == StateDisconnecting {
		c.setState(StateDisconnected)
		c.loop.metrics.ConnectionDown()
		c.connectionCallback(c)
	}
	if !c.channel.IsNoneEvent() {
		c.channel.DisableAll()
	}
	c.channel.Remove()
	c.destroyed.Store(true)
	if err := c.socket.Close(); err != nil {
		c.loop.logger.Errorf("TCPConnection[%s] close: %v", c.name, err)
	}
	c.loop.logger.Debugf("TCPConnection::dtor[%s] fd = %d", c.name, c.channel.Fd())
}

func (c *TCPConnection) handleRead(receiveTime time.Time) {
	c.loop.AssertInLoopThread()
	n, err := c.inputBuffer.ReadFd(c.channel.Fd())
	switch {
	case n > 0:
		c.loop.metrics.Read(n)
		c.messageCallback(c, c.inputBuffer, receiveTime)
	case n == 0 && err == nil:
		c.handleClose()
	case err == unix.EAGAIN:
	default:
		c.loop.logger.Errorf("TCPConnection[%s] handleRead: %v", c.name, err)
		c.handleError()
		if err == unix.ECONNRESET || err == unix.EPIPE {
			c.handleClose()
		}
	}
}

func (c *TCPConnection) handleWrite() {
	c.loop.AssertInLoopThread()
	if !c.channel.IsWriting() {
		c.loop.logger.Debugf("Connection fd = %d is down, no more writing", c.channel.Fd())
		return
	}
	n, err := unix.Write(c.channel.Fd(), c.outputBuffer.Peek())
	if err != nil {
		if err != unix.EAGAIN {
			c.loop.logger.Errorf("TCPConnection[%s] handleWrite: %v", c.name, err)
		}
		return
	}
	c.outputBuffer.Retrieve(n)
	c.loop.metrics.Written(n)
	if c.outputBuffer.ReadableBytes() == 0 {
		c.channel.DisableWriting()
		if c.writeCompleteCallback != nil {
			c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
		}
		if c.State() == StateDisconnecting {
			c.shutdownInLoop()
		}
	}
}

func (c *TCPConnection) handleClose() {
	c.loop.AssertInLoopThread()
	s := c.State()
	if s != StateConnected && s != StateDisconnecting {
		return
	}
	c.loop.logger.Debugf("TCPConnection[%s] fd = %d state = %s closing", c.name, c.channel.Fd(), s)
	c.setState(StateDisconnected)
	c.channel.DisableAll()
	c.loop.metrics.ConnectionDown()

	c.connectionCallback(c)
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *TCPConnection) handleError() {
	errno := socket.Error(c.channel.Fd())
	c.loop.logger.Errorf("TCPConnection[%s] handleError SO_ERROR = %d %v", c.name, int(errno), errno)
}
