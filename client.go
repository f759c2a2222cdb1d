// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"fmt"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/ysyzqq/evnet/internal/socket"
	"go.uber.org/atomic"
)

// TCPClient keeps at most one connection to a server, established by a
// Connector and optionally re-established when it drops.
type TCPClient struct {
	loop      *EventLoop
	connector *Connector
	name      string
	opts      *Options

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback

	retry      atomic.Bool
	connect    atomic.Bool
	nextConnID int // loop thread only

	mu         sync.Mutex
	connection *TCPConnection
}

// NewTCPClient resolves addr and prepares a client on loop.
func NewTCPClient(loop *EventLoop, network, addr string, options ...Option) (*TCPClient, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, ErrUnsupportedProtocol
	}
	serverAddr, err := net.ResolveTCPAddr(network, addr)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidAddress, "resolve %s: %v", addr, err)
	}
	opts := loadOptions(options...)
	c := &TCPClient{
		loop:               loop,
		connector:          NewConnector(loop, serverAddr, opts.InitRetryDelay, opts.MaxRetryDelay),
		name:               opts.Name,
		opts:               opts,
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
		nextConnID:         1,
	}
	if c.name == "" {
		c.name = "TCPClient"
	}
	c.retry.Store(opts.Retry)
	c.connector.SetNewConnectionCallback(c.newConnection)
	loop.logger.Debugf("TCPClient::TCPClient[%s] - connector %s", c.name, serverAddr)
	return c, nil
}

func (c *TCPClient) Loop() *EventLoop { return c.loop }
func (c *TCPClient) Name() string     { return c.name }
func (c *TCPClient) Retry() bool      { return c.retry.Load() }

// EnableRetry makes the client reconnect after the connection drops.
func (c *TCPClient) EnableRetry() { c.retry.Store(true) }

// Connection returns the live connection, nil if there is none.
func (c *TCPClient) Connection() *TCPConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connection
}

func (c *TCPClient) SetConnectionCallback(cb ConnectionCallback)       { c.connectionCallback = cb }
func (c *TCPClient) SetMessageCallback(cb MessageCallback)             { c.messageCallback = cb }
func (c *TCPClient) SetWriteCompleteCallback(cb WriteCompleteCallback) { c.writeCompleteCallback = cb }

// SetHighWaterMarkCallback takes the HighWaterMark option as threshold.
func (c *TCPClient) SetHighWaterMarkCallback(cb HighWaterMarkCallback) {
	c.highWaterMarkCallback = cb
}

// Connect starts connecting, from any goroutine.
func (c *TCPClient) Connect() {
	c.loop.logger.Infof("TCPClient::connect[%s] - connecting to %s", c.name, socket.IPPort(c.connector.ServerAddress()))
	c.connect.Store(true)
	c.connector.Start()
}

// Disconnect half-closes the live connection.
func (c *TCPClient) Disconnect() {
	c.connect.Store(false)
	if conn := c.Connection(); conn != nil {
		conn.Shutdown()
	}
}

// Stop stops connecting, an established connection is left alone.
func (c *TCPClient) Stop() {
	c.connect.Store(false)
	c.connector.Stop()
}

// Close tears the client down: the live connection is force closed and
// destroyed, otherwise the connector is stopped.
func (c *TCPClient) Close() {
	c.connect.Store(false)
	conn := c.Connection()
	if conn == nil {
		c.connector.Stop()
		return
	}
	c.loop.RunInLoop(func() {
		conn.SetCloseCallback(func(conn *TCPConnection) {
			conn.Loop().QueueInLoop(conn.ConnectionDestroyed)
		})
		conn.ForceClose()
	})
}

func (c *TCPClient) newConnection(fd int) {
	c.loop.AssertInLoopThread()
	peerAddr := socket.PeerAddr(fd)
	connName := fmt.Sprintf("%s:%s#%d", c.name, socket.IPPort(peerAddr), c.nextConnID)
	c.nextConnID++

	conn := NewTCPConnection(c.loop, connName, fd, socket.LocalAddr(fd), peerAddr)
	conn.SetConnectionCallback(c.connectionCallback)
	conn.SetMessageCallback(c.messageCallback)
	conn.SetWriteCompleteCallback(c.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(c.highWaterMarkCallback, c.opts.HighWaterMark)
	conn.SetCloseCallback(c.removeConnection)
	if c.opts.TCPNoDelay {
		if err := conn.SetTCPNoDelay(true); err != nil {
			c.loop.logger.Warnf("TCPClient[%s] TCP_NODELAY: %v", c.name, err)
		}
	}

	c.mu.Lock()
	c.connection = conn
	c.mu.Unlock()
	conn.ConnectionEstablished()
}

func (c *TCPClient) removeConnection(conn *TCPConnection) {
	c.loop.AssertInLoopThread()
	c.mu.Lock()
	if c.connection == conn {
		c.connection = nil
	}
	c.mu.Unlock()

	c.loop.QueueInLoop(conn.ConnectionDestroyed)
	if c.retry.Load() && c.connect.Load() {
		c.loop.logger.Infof("TCPClient::connect[%s] - reconnecting to %s", c.name, socket.IPPort(c.connector.ServerAddress()))
		c.connector.Restart()
	} else {
		c.connector.reset()
	}
}
