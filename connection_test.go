// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysyzqq/evnet/buffer"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// tcpPair returns a non-blocking fd for the accepted end of a loopback
// connection together with the dialing end.
func tcpPair(t *testing.T) (int, net.Addr, net.Addr, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	peer, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	conn, err := ln.Accept()
	require.NoError(t, err)
	defer conn.Close()

	f, err := conn.(*net.TCPConn).File()
	require.NoError(t, err)
	defer f.Close()
	fd, err := unix.Dup(int(f.Fd()))
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fd, true))
	return fd, conn.LocalAddr(), conn.RemoteAddr(), peer
}

type connRecorder struct {
	ups, downs int
	closes     int
	received   bytes.Buffer
}

func newTestConnection(t *testing.T, el *EventLoop, rec *connRecorder) (*TCPConnection, net.Conn) {
	t.Helper()
	fd, local, remote, peer := tcpPair(t)
	c := NewTCPConnection(el, "test#1", fd, local, remote)
	c.SetConnectionCallback(func(c *TCPConnection) {
		if c.Connected() {
			rec.ups++
		} else {
			rec.downs++
		}
	})
	c.SetMessageCallback(func(_ *TCPConnection, buf *buffer.Buffer, _ time.Time) {
		rec.received.Write(buf.RetrieveAllAsBytes())
	})
	assert.Equal(t, StateConnecting, c.State())
	c.ConnectionEstablished()
	assert.Equal(t, StateConnected, c.State())
	return c, peer
}

func TestConnStateString(t *testing.T) {
	assert.Equal(t, "kDisconnected", StateDisconnected.String())
	assert.Equal(t, "kConnecting", StateConnecting.String())
	assert.Equal(t, "kConnected", StateConnected.String())
	assert.Equal(t, "kDisconnecting", StateDisconnecting.String())
}

func TestConnectionLifecycle(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	var rec connRecorder
	c, peer := newTestConnection(t, el, &rec)
	defer peer.Close()
	c.SetCloseCallback(func(c *TCPConnection) {
		rec.closes++
		el.QueueInLoop(c.ConnectionDestroyed)
		el.QueueInLoop(el.Quit)
	})
	assert.Equal(t, 1, rec.ups)

	c.SendString("hello")
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	p := make([]byte, 5)
	_, err := io.ReadFull(peer, p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(p))

	_, err = peer.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, peer.Close())

	guard := el.RunAfter(5*time.Second, el.Quit)
	el.Loop()
	el.Cancel(guard)

	assert.Equal(t, "abc", rec.received.String())
	assert.Equal(t, 1, rec.ups)
	assert.Equal(t, 1, rec.downs)
	assert.Equal(t, 1, rec.closes)
	assert.Equal(t, StateDisconnected, c.State())
	assert.False(t, c.live())

	// a destroyed connection drops late sends
	c.SendString("late")
	c.Shutdown()
	c.ForceClose()
	assert.Equal(t, 1, rec.downs)
}

func TestConnectionHighWaterMarkFiresOncePerCrossing(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	var rec connRecorder
	c, peer := newTestConnection(t, el, &rec)
	defer peer.Close()

	var backlogs []int
	c.SetHighWaterMarkCallback(func(_ *TCPConnection, backlog int) {
		backlogs = append(backlogs, backlog)
	}, 10)

	// keep everything in the output buffer
	c.channel.EnableWriting()
	c.SendString("12345")
	c.SendString("67890")
	c.SendString("abcde")
	el.doPendingFunctors()
	assert.Equal(t, []int{10}, backlogs)
	assert.Equal(t, 15, c.OutputBuffer().ReadableBytes())

	c.OutputBuffer().RetrieveAll()
	c.SendString(strings.Repeat("x", 20))
	el.doPendingFunctors()
	assert.Equal(t, []int{10, 20}, backlogs)

	c.ForceClose()
	el.doPendingFunctors()
	assert.Equal(t, 1, rec.downs)
	c.ConnectionDestroyed()
}

func TestConnectionShutdownWaitsForOutput(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	var rec connRecorder
	c, peer := newTestConnection(t, el, &rec)
	defer peer.Close()
	completed := 0
	c.SetWriteCompleteCallback(func(*TCPConnection) { completed++ })
	c.SetCloseCallback(func(c *TCPConnection) {
		el.QueueInLoop(c.ConnectionDestroyed)
		el.QueueInLoop(el.Quit)
	})

	c.channel.EnableWriting()
	c.SendString("tail")
	c.Shutdown()
	assert.Equal(t, StateDisconnecting, c.State())

	// shutdown is deferred while the channel is writing
	c.handleWrite()
	assert.False(t, c.channel.IsWriting())
	assert.Zero(t, c.OutputBuffer().ReadableBytes())
	el.doPendingFunctors()
	assert.Equal(t, 1, completed)

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	got, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(got))

	require.NoError(t, peer.Close())
	guard := el.RunAfter(5*time.Second, el.Quit)
	el.Loop()
	el.Cancel(guard)
	assert.Equal(t, 1, rec.downs)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectionDestroyedWhileDisconnecting(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	var rec connRecorder
	c, peer := newTestConnection(t, el, &rec)
	defer peer.Close()

	c.channel.EnableWriting()
	c.SendString("tail")
	c.Shutdown()
	require.Equal(t, StateDisconnecting, c.State())

	c.ConnectionDestroyed()
	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 1, rec.downs)
	assert.False(t, el.HasChannel(c.channel))
	assert.False(t, c.live())

	// a second teardown, e.g. server stop racing the close path
	c.ConnectionDestroyed()
	assert.Equal(t, 1, rec.downs)

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := io.ReadAll(peer)
	assert.NoError(t, err)
}

func TestConnectionSendFromOtherGoroutines(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	var rec connRecorder
	c, peer := newTestConnection(t, el, &rec)
	defer peer.Close()

	const (
		senders = 4
		rounds  = 1000
		chunk   = 100
	)
	total := senders * rounds * chunk
	received := make(chan []byte, 1)
	go func() {
		p := make([]byte, total)
		_ = peer.SetReadDeadline(time.Now().Add(10 * time.Second))
		n, _ := io.ReadFull(peer, p)
		received <- p[:n]
	}()

	var g errgroup.Group
	for i := 0; i < senders; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, chunk)
		g.Go(func() error {
			for j := 0; j < rounds; j++ {
				c.Send(payload)
			}
			return nil
		})
	}

	done := make(chan []byte, 1)
	go func() {
		_ = g.Wait()
		done <- <-received
		el.Quit()
	}()
	guard := el.RunAfter(15*time.Second, el.Quit)
	el.Loop()
	el.Cancel(guard)

	var got []byte
	select {
	case got = <-done:
	case <-time.After(5 * time.Second):
	}
	require.Len(t, got, total)
	for i := 0; i < senders; i++ {
		assert.Equal(t, rounds*chunk, bytes.Count(got, []byte{byte('a' + i)}))
	}

	c.ForceClose()
	el.doPendingFunctors()
	c.ConnectionDestroyed()
	assert.Equal(t, 1, rec.downs)
}

func TestConnectionForceCloseWithDelay(t *testing.T) {
	el, mock := newMockLoop(t)
	defer closeTestLoop(t, el)

	var rec connRecorder
	c, peer := newTestConnection(t, el, &rec)
	defer peer.Close()

	c.ForceCloseWithDelay(time.Second)
	assert.Equal(t, StateDisconnecting, c.State())
	assert.Equal(t, 1, el.timerQueue.Len())

	mock.Add(999 * time.Millisecond)
	el.timerQueue.runExpired(mock.Now())
	el.doPendingFunctors()
	assert.Zero(t, rec.downs)

	mock.Add(time.Millisecond)
	el.timerQueue.runExpired(mock.Now())
	el.doPendingFunctors()
	assert.Equal(t, 1, rec.downs)
	assert.Equal(t, StateDisconnected, c.State())
	c.ConnectionDestroyed()

	require.NoError(t, peer.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := peer.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestConnectionForceCloseWithDelayAfterDestroy(t *testing.T) {
	el, mock := newMockLoop(t)
	defer closeTestLoop(t, el)

	var rec connRecorder
	c, peer := newTestConnection(t, el, &rec)
	defer peer.Close()
	closes := 0
	c.SetCloseCallback(func(*TCPConnection) { closes++ })

	c.ForceCloseWithDelay(time.Second)
	require.Equal(t, 1, el.timerQueue.Len())
	c.ConnectionDestroyed()
	assert.Equal(t, 1, rec.downs)

	mock.Add(time.Second)
	el.timerQueue.runExpired(mock.Now())
	el.doPendingFunctors()
	assert.Zero(t, el.timerQueue.Len())
	assert.Equal(t, 1, rec.downs)
	assert.Zero(t, closes)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestConnectionStopAndStartRead(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	var rec connRecorder
	c, peer := newTestConnection(t, el, &rec)
	defer peer.Close()

	c.StopRead()
	assert.False(t, c.IsReading())
	assert.False(t, c.channel.IsReading())
	c.StartRead()
	assert.True(t, c.IsReading())
	assert.True(t, c.channel.IsReading())

	c.ForceClose()
	el.doPendingFunctors()
	c.ConnectionDestroyed()
}
