// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysyzqq/evnet/buffer"
	"github.com/ysyzqq/evnet/pkg/logging"
)

// startClientLoop runs a loop on its own thread for the client side.
func startClientLoop(t *testing.T) (*EventLoop, func()) {
	t.Helper()
	pool, err := newLoopPool(1, logging.GetDefaultLogger())
	require.NoError(t, err)
	thread := NewEventLoopThread(pool, nil, WithName("client"))
	loop, err := thread.StartLoop()
	require.NoError(t, err)
	return loop, func() {
		thread.Stop()
		pool.Release()
	}
}

type connEvents struct {
	mu    sync.Mutex
	ups   []string
	downs []string
}

func (e *connEvents) record(c *TCPConnection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c.Connected() {
		e.ups = append(e.ups, c.Name())
	} else {
		e.downs = append(e.downs, c.Name())
	}
}

func (e *connEvents) snapshot() ([]string, []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ups...), append([]string(nil), e.downs...)
}

func TestServerPingPong(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	server, err := NewTCPServer(el, "tcp", "127.0.0.1:0",
		WithName("PingServer"), WithNumEventLoop(2), WithTCPNoDelay(true), WithTCPKeepAlive(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "PingServer", server.Name())
	assert.True(t, strings.HasPrefix(server.IPPort(), "127.0.0.1:"))

	var serverEvents connEvents
	server.SetConnectionCallback(func(c *TCPConnection) {
		assert.True(t, c.Loop().IsInLoopThread())
		assert.NotSame(t, el, c.Loop())
		serverEvents.record(c)
	})
	server.SetMessageCallback(func(c *TCPConnection, buf *buffer.Buffer, _ time.Time) {
		if buf.ReadableBytes() < 4 {
			return
		}
		if msg := buf.RetrieveAsString(4); msg == "PING" {
			c.SendString("PONG")
		}
	})
	require.NoError(t, server.Start())
	assert.ErrorIs(t, server.Start(), ErrServerStarted)

	clientLoop, stopClientLoop := startClientLoop(t)
	defer stopClientLoop()
	client, err := NewTCPClient(clientLoop, "tcp", server.IPPort(), WithName("PingClient"))
	require.NoError(t, err)

	var (
		clientEvents connEvents
		replyMu      sync.Mutex
		reply        string
	)
	client.SetConnectionCallback(func(c *TCPConnection) {
		clientEvents.record(c)
		if c.Connected() {
			c.SendString("PING")
		}
	})
	client.SetMessageCallback(func(c *TCPConnection, buf *buffer.Buffer, _ time.Time) {
		if buf.ReadableBytes() < 4 {
			return
		}
		replyMu.Lock()
		reply = buf.RetrieveAsString(4)
		replyMu.Unlock()
		client.Disconnect()
	})
	client.Connect()

	el.RunEvery(10*time.Millisecond, func() {
		if _, downs := serverEvents.snapshot(); len(downs) == 1 && server.NumConnections() == 0 {
			el.Quit()
		}
	})
	el.RunAfter(10*time.Second, el.Quit)
	el.Loop()

	connName := "PingServer-" + server.IPPort() + "#1"
	ups, downs := serverEvents.snapshot()
	assert.Equal(t, []string{connName}, ups)
	assert.Equal(t, []string{connName}, downs)

	replyMu.Lock()
	assert.Equal(t, "PONG", reply)
	replyMu.Unlock()

	clientUps, _ := clientEvents.snapshot()
	require.Len(t, clientUps, 1)
	assert.Equal(t, "PingClient:"+server.IPPort()+"#1", clientUps[0])

	assert.NoError(t, server.Stop())
}

func TestServerRejectsBusyAddress(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	first, err := NewTCPServer(el, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Equal(t, first.IPPort(), first.Name())

	_, err = NewTCPServer(el, "tcp", first.IPPort())
	assert.Error(t, err)
	assert.NoError(t, first.Stop())
}

func TestClientRejectsBadAddress(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	_, err := NewTCPClient(el, "tcp", "127.0.0.1:notaport")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = NewTCPClient(el, "unix", "/tmp/sock")
	assert.ErrorIs(t, err, ErrUnsupportedProtocol)

	client, err := NewTCPClient(el, "tcp", "127.0.0.1:1")
	require.NoError(t, err)
	assert.Equal(t, "TCPClient", client.Name())
	assert.False(t, client.Retry())
	client.EnableRetry()
	assert.True(t, client.Retry())
	assert.Nil(t, client.Connection())
}

func TestClientConnectsAgainAfterDisconnect(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	server, err := NewTCPServer(el, "tcp", "127.0.0.1:0", WithName("AgainServer"))
	require.NoError(t, err)
	var serverEvents connEvents
	server.SetConnectionCallback(serverEvents.record)
	require.NoError(t, server.Start())

	client, err := NewTCPClient(el, "tcp", server.IPPort(), WithName("AgainClient"))
	require.NoError(t, err)
	var clientEvents connEvents
	client.SetConnectionCallback(func(c *TCPConnection) {
		clientEvents.record(c)
		ups, downs := clientEvents.snapshot()
		switch {
		case c.Connected():
			client.Disconnect()
		case len(downs) == 1:
			el.RunAfter(50*time.Millisecond, client.Connect)
		case len(ups) == 2:
			el.QueueInLoop(el.Quit)
		}
	})
	client.Connect()

	el.RunAfter(10*time.Second, el.Quit)
	el.Loop()

	prefix := "AgainClient:" + server.IPPort()
	ups, downs := clientEvents.snapshot()
	assert.Equal(t, []string{prefix + "#1", prefix + "#2"}, ups)
	assert.Equal(t, []string{prefix + "#1", prefix + "#2"}, downs)
	assert.Nil(t, client.Connection())
	assert.Equal(t, connectorDisconnected, client.connector.getState())

	serverUps, _ := serverEvents.snapshot()
	assert.Len(t, serverUps, 2)
	assert.NoError(t, server.Stop())
}
