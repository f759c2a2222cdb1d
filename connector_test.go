// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func loopbackAddr(port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestConnectorBackoff(t *testing.T) {
	tests := []struct {
		name      string
		init, max time.Duration
		want      []time.Duration
	}{
		{
			name: "defaults",
			want: []time.Duration{
				500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second,
				8 * time.Second, 16 * time.Second, 30 * time.Second, 30 * time.Second,
			},
		},
		{
			name: "capped early",
			init: 100 * time.Millisecond,
			max:  250 * time.Millisecond,
			want: []time.Duration{
				100 * time.Millisecond, 200 * time.Millisecond,
				250 * time.Millisecond, 250 * time.Millisecond,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cn := NewConnector(nil, loopbackAddr(1), tt.init, tt.max)
			got := make([]time.Duration, 0, len(tt.want))
			for range tt.want {
				got = append(got, cn.backoff())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConnectorRestartResetsBackoff(t *testing.T) {
	el, _ := newMockLoop(t)
	defer closeTestLoop(t, el)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cn := NewConnector(el, ln.Addr().(*net.TCPAddr), 100*time.Millisecond, time.Second)
	cn.backoff()
	cn.backoff()
	require.Equal(t, 400*time.Millisecond, cn.retryDelay)

	cn.Restart()
	assert.Equal(t, 100*time.Millisecond, cn.retryDelay)
	assert.Equal(t, connectorConnecting, cn.getState())

	cn.Stop()
	el.doPendingFunctors()
	assert.Equal(t, connectorDisconnected, cn.getState())
	// the channel reference is dropped one round later
	el.doPendingFunctors()
	assert.Nil(t, cn.channel)
}

func TestConnectorStopCancelsRetry(t *testing.T) {
	el, mock := newMockLoop(t)
	defer closeTestLoop(t, el)

	cn := NewConnector(el, loopbackAddr(1), time.Second, 0)
	cn.connect.Store(true)
	cn.retry(-1)
	assert.Equal(t, 1, el.timerQueue.Len())
	assert.True(t, cn.retryTimer.Valid())

	cn.Stop()
	el.doPendingFunctors()
	assert.Zero(t, el.timerQueue.Len())
	assert.False(t, cn.retryTimer.Valid())

	mock.Add(time.Minute)
	el.timerQueue.runExpired(mock.Now())
	assert.Equal(t, connectorDisconnected, cn.getState())
}

func TestConnectorConnects(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := ln.Accept(); err == nil {
			accepted <- c
		}
	}()

	cn := NewConnector(el, ln.Addr().(*net.TCPAddr), 0, 0)
	connected := -1
	cn.SetNewConnectionCallback(func(fd int) {
		connected = fd
		el.Quit()
	})
	cn.Start()

	guard := el.RunAfter(5*time.Second, el.Quit)
	el.Loop()
	el.Cancel(guard)

	require.GreaterOrEqual(t, connected, 0)
	defer unix.Close(connected)
	assert.Equal(t, connectorConnected, cn.getState())

	peer := <-accepted
	defer peer.Close()
	sa, err := unix.Getsockname(connected)
	require.NoError(t, err)
	assert.Equal(t, peer.RemoteAddr().(*net.TCPAddr).Port, sa.(*unix.SockaddrInet4).Port)
}

func TestConnectorRetriesRefusedConnection(t *testing.T) {
	el := newTestLoop(t)
	defer closeTestLoop(t, el)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	require.NoError(t, ln.Close())

	cn := NewConnector(el, addr, 10*time.Millisecond, 40*time.Millisecond)
	cn.SetNewConnectionCallback(func(fd int) {
		t.Error("connected to a closed port")
		_ = unix.Close(fd)
	})
	cn.Start()
	el.RunAfter(200*time.Millisecond, func() {
		cn.Stop()
		el.RunAfter(20*time.Millisecond, el.Quit)
	})
	el.Loop()

	assert.Equal(t, 40*time.Millisecond, cn.retryDelay)
	assert.Equal(t, connectorDisconnected, cn.getState())
	assert.Zero(t, el.timerQueue.Len())
}
