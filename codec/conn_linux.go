// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package codec

import (
	"time"

	"github.com/ysyzqq/evnet"
	"github.com/ysyzqq/evnet/buffer"
)

// FrameCallback receives one decoded frame.
type FrameCallback func(c *evnet.TCPConnection, frame []byte, receiveTime time.Time)

// MessageCallback adapts a frame callback to the connection's byte
// stream. A decode error is logged and the connection is shut down.
func MessageCallback(cc Codec, cb FrameCallback) evnet.MessageCallback {
	return func(c *evnet.TCPConnection, buf *buffer.Buffer, receiveTime time.Time) {
		for buf.ReadableBytes() > 0 {
			frame, err := cc.Decode(buf)
			if err != nil {
				c.Loop().Logger().Errorf("codec: connection %s: %v", c.Name(), err)
				buf.RetrieveAll()
				c.Shutdown()
				return
			}
			if frame == nil {
				return
			}
			cb(c, frame, receiveTime)
		}
	}
}

// Send encodes payload and sends the frame on c.
func Send(c *evnet.TCPConnection, cc Codec, payload []byte) error {
	frame, err := cc.Encode(payload)
	if err != nil {
		return err
	}
	c.Send(frame)
	return nil
}
