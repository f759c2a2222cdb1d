// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package codec splits the byte stream of a connection into frames and
// frames outgoing payloads.
package codec

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/smallnest/goframe"
	"github.com/ysyzqq/evnet/buffer"
)

var (
	// ErrUnsupportedLength occurs when unsupported lengthFieldLength is from input data.
	ErrUnsupportedLength = errors.New("unsupported lengthFieldLength. (expected: 1, 2, 3, 4, or 8)")
	// ErrTooLessLength occurs when adjusted frame length is less than zero.
	ErrTooLessLength = errors.New("adjusted frame length is less than zero")
	// ErrInvalidFixedLength occurs when the output data have invalid fixed length.
	ErrInvalidFixedLength = errors.New("invalid fixed length of []byte")
)

// Codec frames payloads. Decode returns a nil frame and a nil error when
// buf does not hold a whole frame yet, the partial bytes stay in buf. An
// empty frame decodes to a non-nil empty slice.
type Codec interface {
	Encode(payload []byte) ([]byte, error)
	Decode(buf *buffer.Buffer) ([]byte, error)
}

// LineBasedFrameCodec encodes/decodes line-separated frames, "\r\n"
// on the wire.
type LineBasedFrameCodec struct{}

func (LineBasedFrameCodec) Encode(payload []byte) ([]byte, error) {
	return append(append(make([]byte, 0, len(payload)+2), payload...), '\r', '\n'), nil
}

func (LineBasedFrameCodec) Decode(buf *buffer.Buffer) ([]byte, error) {
	idx := buf.FindCRLF()
	if idx < 0 {
		return nil, nil
	}
	frame := make([]byte, idx)
	copy(frame, buf.Peek())
	buf.Retrieve(idx + 2)
	return frame, nil
}

// DelimiterBasedFrameCodec encodes/decodes frames ended by a delimiter.
type DelimiterBasedFrameCodec struct {
	delimiter byte
}

// NewDelimiterBasedFrameCodec instantiates and returns a codec with a specific delimiter.
func NewDelimiterBasedFrameCodec(delimiter byte) *DelimiterBasedFrameCodec {
	return &DelimiterBasedFrameCodec{delimiter}
}

func (cc *DelimiterBasedFrameCodec) Encode(payload []byte) ([]byte, error) {
	return append(append(make([]byte, 0, len(payload)+1), payload...), cc.delimiter), nil
}

func (cc *DelimiterBasedFrameCodec) Decode(buf *buffer.Buffer) ([]byte, error) {
	idx := bytes.IndexByte(buf.Peek(), cc.delimiter)
	if idx < 0 {
		return nil, nil
	}
	frame := make([]byte, idx)
	copy(frame, buf.Peek())
	buf.Retrieve(idx + 1)
	return frame, nil
}

// FixedLengthFrameCodec encodes/decodes fixed-length frames.
type FixedLengthFrameCodec struct {
	frameLength int
}

// NewFixedLengthFrameCodec instantiates and returns a codec with fixed length.
// frameLength must be positive.
func NewFixedLengthFrameCodec(frameLength int) *FixedLengthFrameCodec {
	if frameLength <= 0 {
		panic("codec: non-positive fixed frame length")
	}
	return &FixedLengthFrameCodec{frameLength}
}

func (cc *FixedLengthFrameCodec) Encode(payload []byte) ([]byte, error) {
	if len(payload)%cc.frameLength != 0 {
		return nil, ErrInvalidFixedLength
	}
	return payload, nil
}

func (cc *FixedLengthFrameCodec) Decode(buf *buffer.Buffer) ([]byte, error) {
	if buf.ReadableBytes() < cc.frameLength {
		return nil, nil
	}
	frame := make([]byte, cc.frameLength)
	copy(frame, buf.Peek())
	buf.Retrieve(cc.frameLength)
	return frame, nil
}

// LengthFieldBasedFrameCodec is the refactoring from
// https://github.com/smallnest/goframe/blob/master/length_field_based_frameconn.go,
// licensed by Apache License 2.0.
// It encodes/decodes frames into/from TCP stream with value of the length field in the message.
type LengthFieldBasedFrameCodec struct {
	encoderConfig goframe.EncoderConfig
	decoderConfig goframe.DecoderConfig
}

// NewLengthFieldBasedFrameCodec instantiates and returns a codec based on the length field.
// It is the go implementation of netty LengthFieldBasedFrameecoder and LengthFieldPrepender.
// you can see javadoc of them to learn more details.
func NewLengthFieldBasedFrameCodec(ec goframe.EncoderConfig, dc goframe.DecoderConfig) *LengthFieldBasedFrameCodec {
	if ec.ByteOrder == nil {
		ec.ByteOrder = binary.BigEndian
	}
	if dc.ByteOrder == nil {
		dc.ByteOrder = binary.BigEndian
	}
	return &LengthFieldBasedFrameCodec{encoderConfig: ec, decoderConfig: dc}
}

func (cc *LengthFieldBasedFrameCodec) Encode(payload []byte) ([]byte, error) {
	var out []byte
	length := len(payload) + cc.encoderConfig.LengthAdjustment
	if cc.encoderConfig.LengthIncludesLengthFieldLength {
		length += cc.encoderConfig.LengthFieldLength
	}
	if length < 0 {
		return nil, ErrTooLessLength
	}

	order := cc.encoderConfig.ByteOrder
	switch cc.encoderConfig.LengthFieldLength {
	case 1:
		if length >= 256 {
			return nil, errors.Errorf("length does not fit into a byte: %d", length)
		}
		out = []byte{byte(length)}
	case 2:
		if length >= 65536 {
			return nil, errors.Errorf("length does not fit into a short integer: %d", length)
		}
		out = make([]byte, 2)
		order.PutUint16(out, uint16(length))
	case 3:
		if length >= 16777216 {
			return nil, errors.Errorf("length does not fit into a medium integer: %d", length)
		}
		out = writeUint24(order, length)
	case 4:
		out = make([]byte, 4)
		order.PutUint32(out, uint32(length))
	case 8:
		out = make([]byte, 8)
		order.PutUint64(out, uint64(length))
	default:
		return nil, ErrUnsupportedLength
	}
	return append(out, payload...), nil
}

func (cc *LengthFieldBasedFrameCodec) Decode(buf *buffer.Buffer) ([]byte, error) {
	dc := cc.decoderConfig
	lengthFieldEndOffset := dc.LengthFieldOffset + dc.LengthFieldLength
	data := buf.Peek()
	if len(data) < lengthFieldEndOffset {
		return nil, nil
	}

	var frameLength uint64
	lenBuf := data[dc.LengthFieldOffset:lengthFieldEndOffset]
	switch dc.LengthFieldLength {
	case 1:
		frameLength = uint64(lenBuf[0])
	case 2:
		frameLength = uint64(dc.ByteOrder.Uint16(lenBuf))
	case 3:
		frameLength = readUint24(dc.ByteOrder, lenBuf)
	case 4:
		frameLength = uint64(dc.ByteOrder.Uint32(lenBuf))
	case 8:
		frameLength = dc.ByteOrder.Uint64(lenBuf)
	default:
		return nil, ErrUnsupportedLength
	}

	total := int64(frameLength) + int64(dc.LengthAdjustment) + int64(lengthFieldEndOffset)
	if total < int64(lengthFieldEndOffset) {
		return nil, ErrTooLessLength
	}
	if total < int64(dc.InitialBytesToStrip) {
		return nil, errors.Errorf("frame length %d is less than initialBytesToStrip %d", total, dc.InitialBytesToStrip)
	}
	if int64(len(data)) < total {
		return nil, nil
	}
	frame := make([]byte, total-int64(dc.InitialBytesToStrip))
	copy(frame, data[dc.InitialBytesToStrip:total])
	buf.Retrieve(int(total))
	return frame, nil
}

func readUint24(byteOrder binary.ByteOrder, b []byte) uint64 {
	_ = b[2]
	if byteOrder == binary.LittleEndian {
		return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16
	}
	return uint64(b[2]) | uint64(b[1])<<8 | uint64(b[0])<<16
}

func writeUint24(byteOrder binary.ByteOrder, v int) []byte {
	b := make([]byte, 3)
	if byteOrder == binary.LittleEndian {
		b[0] = byte(v)
		b[1] = byte(v >> 8)
		b[2] = byte(v >> 16)
	} else {
		b[2] = byte(v)
		b[1] = byte(v >> 8)
		b[0] = byte(v >> 16)
	}
	return b
}
