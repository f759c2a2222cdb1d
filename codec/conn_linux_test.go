// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package codec

import (
	"net"
	"testing"
	"time"

	"github.com/smallnest/goframe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysyzqq/evnet"
)

func TestLengthFieldEchoOverConnection(t *testing.T) {
	loop := evnet.NewEventLoop(evnet.WithName("codec-test"))
	defer func() { assert.NoError(t, loop.Close()) }()

	ec := goframe.EncoderConfig{LengthFieldLength: 4}
	dc := goframe.DecoderConfig{LengthFieldLength: 4, InitialBytesToStrip: 4}
	cc := NewLengthFieldBasedFrameCodec(ec, dc)

	server, err := evnet.NewTCPServer(loop, "tcp", "127.0.0.1:0", evnet.WithName("FrameEcho"), evnet.WithNumEventLoop(1))
	require.NoError(t, err)
	server.SetMessageCallback(MessageCallback(cc, func(c *evnet.TCPConnection, frame []byte, _ time.Time) {
		assert.NoError(t, Send(c, cc, frame))
	}))
	require.NoError(t, server.Start())

	payloads := []string{"first", "", "third frame is a little longer"}
	results := make(chan []string, 1)
	go func() {
		defer loop.Quit()
		conn, err := net.Dial("tcp", server.IPPort())
		if !assert.NoError(t, err) {
			results <- nil
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

		fc := goframe.NewLengthFieldBasedFrameConn(ec, dc, conn)
		for _, p := range payloads {
			if !assert.NoError(t, fc.WriteFrame([]byte(p))) {
				results <- nil
				return
			}
		}
		var got []string
		for range payloads {
			frame, err := fc.ReadFrame()
			if !assert.NoError(t, err) {
				break
			}
			got = append(got, string(frame))
		}
		results <- got
	}()

	loop.RunAfter(10*time.Second, loop.Quit)
	loop.Loop()
	assert.Equal(t, payloads, <-results)
	assert.NoError(t, server.Stop())
}

func TestMessageCallbackShutsDownOnDecodeError(t *testing.T) {
	loop := evnet.NewEventLoop(evnet.WithName("codec-error"))
	defer func() { assert.NoError(t, loop.Close()) }()

	// a 1 byte length field cannot carry a negative adjusted length
	cc := NewLengthFieldBasedFrameCodec(
		goframe.EncoderConfig{LengthFieldLength: 1},
		goframe.DecoderConfig{LengthFieldLength: 1, LengthAdjustment: -5},
	)
	server, err := evnet.NewTCPServer(loop, "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server.SetMessageCallback(MessageCallback(cc, func(*evnet.TCPConnection, []byte, time.Time) {
		t.Error("no frame expected")
	}))
	require.NoError(t, server.Start())

	closed := make(chan error, 1)
	go func() {
		defer loop.Quit()
		conn, err := net.Dial("tcp", server.IPPort())
		if err != nil {
			closed <- err
			return
		}
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		_, _ = conn.Write([]byte{0x01, 'x'})
		_, err = conn.Read(make([]byte, 1))
		closed <- err
	}()

	loop.RunAfter(10*time.Second, loop.Quit)
	loop.Loop()
	assert.Error(t, <-closed)
	assert.NoError(t, server.Stop())
}
