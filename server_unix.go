// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"fmt"
	"net"
	"time"

	"github.com/ysyzqq/evnet/internal/socket"
	"go.uber.org/atomic"
)

// TCPServer accepts connections on its base loop (the main reactor) and
// spreads them over the loops of its thread pool (the sub reactors).
// A connection's I/O stays on the loop it was given.
type TCPServer struct {
	loop       *EventLoop // 主反应堆
	ipPort     string
	name       string
	opts       *Options
	acceptor   *Acceptor
	threadPool *EventLoopThreadPool // 副反应堆

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	threadInitCallback    ThreadInitCallback

	started     atomic.Bool
	nextConnID  int
	connections map[string]*TCPConnection // 连接名 -> 连接, 只在主反应堆访问
}

// NewTCPServer binds addr on network ("tcp", "tcp4" or "tcp6"). A bind
// failure is returned at once, the server never runs half initialized.
func NewTCPServer(loop *EventLoop, network, addr string, options ...Option) (*TCPServer, error) {
	opts := loadOptions(options...)
	acceptor, err := NewAcceptor(loop, network, addr, opts.ReusePort)
	if err != nil {
		return nil, err
	}
	s := &TCPServer{
		loop:               loop,
		ipPort:             socket.IPPort(acceptor.Addr()),
		name:               opts.Name,
		opts:               opts,
		acceptor:           acceptor,
		connectionCallback: DefaultConnectionCallback,
		messageCallback:    DefaultMessageCallback,
		threadInitCallback: opts.ThreadInitCallback,
		nextConnID:         1,
		connections:        make(map[string]*TCPConnection),
	}
	if s.name == "" {
		s.name = s.ipPort
	}
	s.threadPool = NewEventLoopThreadPool(loop, s.name, opts)
	acceptor.SetNewConnectionCallback(s.newConnection)
	return s, nil
}

func (s *TCPServer) Name() string                     { return s.name }
func (s *TCPServer) IPPort() string                   { return s.ipPort }
func (s *TCPServer) Addr() net.Addr                   { return s.acceptor.Addr() }
func (s *TCPServer) Loop() *EventLoop                 { return s.loop }
func (s *TCPServer) ThreadPool() *EventLoopThreadPool { return s.threadPool }

// SetThreadNum sets the number of I/O loops, call before Start.
//   - 0 means all I/O in the base loop, no thread will be created.
//   - N means a pool of N loops, new connections are assigned by the
//     load-balancing option.
func (s *TCPServer) SetThreadNum(n int) {
	if n < 0 {
		n = 0
	}
	s.threadPool.SetThreadNum(n)
}

func (s *TCPServer) SetThreadInitCallback(cb ThreadInitCallback)       { s.threadInitCallback = cb }
func (s *TCPServer) SetConnectionCallback(cb ConnectionCallback)       { s.connectionCallback = cb }
func (s *TCPServer) SetMessageCallback(cb MessageCallback)             { s.messageCallback = cb }
func (s *TCPServer) SetWriteCompleteCallback(cb WriteCompleteCallback) { s.writeCompleteCallback = cb }

// SetHighWaterMarkCallback applies to connections accepted afterwards,
// with the HighWaterMark option as the threshold.
func (s *TCPServer) SetHighWaterMarkCallback(cb HighWaterMarkCallback) {
	s.highWaterMarkCallback = cb
}

// Start starts the pool and begins accepting, on the base loop thread.
// It is safe to call Start once only.
func (s *TCPServer) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrServerStarted
	}
	if err := s.threadPool.Start(s.threadInitCallback); err != nil {
		return err
	}
	s.loop.RunInLoop(s.acceptor.Listen)
	s.loop.logger.Infof("TCPServer[%s] starts listening on %s with %d loops",
		s.name, s.ipPort, len(s.threadPool.GetAllLoops()))
	return nil
}

// Stop destroys all connections, closes the listener and stops the
// pool, on the base loop thread.
func (s *TCPServer) Stop() error {
	s.loop.AssertInLoopThread()
	s.loop.logger.Debugf("TCPServer[%s] stopping", s.name)
	for name, conn := range s.connections {
		delete(s.connections, name)
		conn.Loop().RunInLoop(conn.ConnectionDestroyed)
	}
	err := s.acceptor.Close()
	s.threadPool.Stop()
	return err
}

// NumConnections reports the live connections, base loop thread only.
func (s *TCPServer) NumConnections() int {
	s.loop.AssertInLoopThread()
	return len(s.connections)
}

func (s *TCPServer) newConnection(fd int, peerAddr net.Addr) {
	s.loop.AssertInLoopThread()
	var ioLoop *EventLoop
	switch s.opts.LB {
	case SourceAddrHash:
		ioLoop = s.threadPool.getLoopForAddr(peerAddr)
	default:
		ioLoop = s.threadPool.GetNextLoop()
	}
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)
	s.nextConnID++
	s.loop.logger.Infof("TCPServer::newConnection [%s] - new connection [%s] from %s",
		s.name, connName, socket.IPPort(peerAddr))

	conn := NewTCPConnection(ioLoop, connName, fd, socket.LocalAddr(fd), peerAddr)
	s.connections[connName] = conn
	conn.SetConnectionCallback(s.connectionCallback)
	conn.SetMessageCallback(s.messageCallback)
	conn.SetWriteCompleteCallback(s.writeCompleteCallback)
	conn.SetHighWaterMarkCallback(s.highWaterMarkCallback, s.opts.HighWaterMark)
	conn.SetCloseCallback(s.removeConnection)
	s.applySocketOptions(conn)
	ioLoop.RunInLoop(conn.ConnectionEstablished)
}

func (s *TCPServer) applySocketOptions(conn *TCPConnection) {
	if s.opts.TCPNoDelay {
		if err := conn.SetTCPNoDelay(true); err != nil {
			s.loop.logger.Warnf("TCPServer[%s] TCP_NODELAY on %s: %v", s.name, conn.Name(), err)
		}
	}
	if s.opts.TCPKeepAlive >= time.Second {
		if err := conn.SetKeepAlivePeriod(s.opts.TCPKeepAlive); err != nil {
			s.loop.logger.Warnf("TCPServer[%s] keep-alive on %s: %v", s.name, conn.Name(), err)
		}
	}
}

// removeConnection runs on the connection's loop and hops to the base
// loop to update the registry.
func (s *TCPServer) removeConnection(conn *TCPConnection) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

func (s *TCPServer) removeConnectionInLoop(conn *TCPConnection) {
	s.loop.AssertInLoopThread()
	s.loop.logger.Infof("TCPServer::removeConnectionInLoop [%s] - connection %s", s.name, conn.Name())
	delete(s.connections, conn.Name())
	// destroy after the connection's current dispatch has returned
	conn.Loop().QueueInLoop(conn.ConnectionDestroyed)
}
