// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package buffer provides the growable byte buffer used for connection
// input and output.
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	|                   |     (CONTENT)    |                  |
//	+-------------------+------------------+------------------+
//	|                   |                  |                  |
//	0      <=      readerIndex   <=   writerIndex    <=     len
package buffer

import (
	"bytes"
	"encoding/binary"
)

const (
	// CheapPrepend is the room reserved in front of the readable bytes.
	CheapPrepend = 8
	// InitialSize is the default writable capacity of a new Buffer.
	InitialSize = 1024

	extraBufSize = 65536
)

var crlf = []byte("\r\n")

// Buffer is not safe for concurrent use, a connection only touches its
// buffers from its own loop.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

// New returns a Buffer with InitialSize writable bytes.
func New() *Buffer {
	return NewSize(InitialSize)
}

// NewSize returns a Buffer with size writable bytes.
func NewSize(size int) *Buffer {
	return &Buffer{
		buf:         make([]byte, CheapPrepend+size),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

func (b *Buffer) ReadableBytes() int    { return b.writerIndex - b.readerIndex }
func (b *Buffer) WritableBytes() int    { return len(b.buf) - b.writerIndex }
func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Cap returns the size of the underlying storage.
func (b *Buffer) Cap() int { return len(b.buf) }

// Peek returns the readable bytes without consuming them. The slice is
// only valid until the next mutation of b.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// FindCRLF returns the offset of the first "\r\n" in the readable bytes,
// or -1.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// FindCRLFFrom searches from offset start within the readable bytes.
func (b *Buffer) FindCRLFFrom(start int) int {
	if start < 0 || start > b.ReadableBytes() {
		return -1
	}
	idx := bytes.Index(b.Peek()[start:], crlf)
	if idx < 0 {
		return -1
	}
	return start + idx
}

// FindEOL returns the offset of the first '\n' in the readable bytes, or -1.
func (b *Buffer) FindEOL() int {
	return bytes.IndexByte(b.Peek(), '\n')
}

// Retrieve consumes n readable bytes.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveUntil consumes the readable bytes before offset end.
func (b *Buffer) RetrieveUntil(end int) {
	b.Retrieve(end)
}

func (b *Buffer) RetrieveInt64() { b.Retrieve(8) }
func (b *Buffer) RetrieveInt32() { b.Retrieve(4) }
func (b *Buffer) RetrieveInt16() { b.Retrieve(2) }
func (b *Buffer) RetrieveInt8()  { b.Retrieve(1) }

// RetrieveAll discards all readable bytes.
func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

// RetrieveAllAsString consumes everything and returns it as a string.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAsString consumes n bytes and returns them as a string.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

// RetrieveAllAsBytes consumes everything and returns a copy of it.
func (b *Buffer) RetrieveAllAsBytes() []byte {
	out := make([]byte, b.ReadableBytes())
	copy(out, b.Peek())
	b.RetrieveAll()
	return out
}

// Append copies data after the readable bytes, growing when needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	b.writerIndex += copy(b.buf[b.writerIndex:], data)
}

// AppendString appends s.
func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	b.writerIndex += copy(b.buf[b.writerIndex:], s)
}

// Write implements io.Writer.
func (b *Buffer) Write(p []byte) (int, error) {
	b.Append(p)
	return len(p), nil
}

// WriteString implements io.StringWriter.
func (b *Buffer) WriteString(s string) (int, error) {
	b.AppendString(s)
	return len(s), nil
}

// EnsureWritable makes room for at least n writable bytes.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

// BeginWrite returns the writable region.
func (b *Buffer) BeginWrite() []byte {
	return b.buf[b.writerIndex:]
}

// HasWritten commits n bytes written into BeginWrite's region.
func (b *Buffer) HasWritten(n int) {
	b.writerIndex += n
}

// Unwrite drops the last n readable bytes.
func (b *Buffer) Unwrite(n int) {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	b.writerIndex -= n
}

func (b *Buffer) AppendInt64(x int64) {
	b.EnsureWritable(8)
	binary.BigEndian.PutUint64(b.buf[b.writerIndex:], uint64(x))
	b.writerIndex += 8
}

func (b *Buffer) AppendInt32(x int32) {
	b.EnsureWritable(4)
	binary.BigEndian.PutUint32(b.buf[b.writerIndex:], uint32(x))
	b.writerIndex += 4
}

func (b *Buffer) AppendInt16(x int16) {
	b.EnsureWritable(2)
	binary.BigEndian.PutUint16(b.buf[b.writerIndex:], uint16(x))
	b.writerIndex += 2
}

func (b *Buffer) AppendInt8(x int8) {
	b.Append([]byte{byte(x)})
}

// PeekInt64 reads a network-order int64 without consuming it.
// It panics if fewer than 8 bytes are readable.
func (b *Buffer) PeekInt64() int64 {
	b.mustHave(8)
	return int64(binary.BigEndian.Uint64(b.Peek()))
}

func (b *Buffer) PeekInt32() int32 {
	b.mustHave(4)
	return int32(binary.BigEndian.Uint32(b.Peek()))
}

func (b *Buffer) PeekInt16() int16 {
	b.mustHave(2)
	return int16(binary.BigEndian.Uint16(b.Peek()))
}

func (b *Buffer) PeekInt8() int8 {
	b.mustHave(1)
	return int8(b.buf[b.readerIndex])
}

func (b *Buffer) ReadInt64() int64 {
	x := b.PeekInt64()
	b.RetrieveInt64()
	return x
}

func (b *Buffer) ReadInt32() int32 {
	x := b.PeekInt32()
	b.RetrieveInt32()
	return x
}

func (b *Buffer) ReadInt16() int16 {
	x := b.PeekInt16()
	b.RetrieveInt16()
	return x
}

func (b *Buffer) ReadInt8() int8 {
	x := b.PeekInt8()
	b.RetrieveInt8()
	return x
}

// Prepend writes data right in front of the readable bytes.
// It panics if there is not enough prependable room.
func (b *Buffer) Prepend(data []byte) {
	if len(data) > b.PrependableBytes() {
		panic("buffer: prepend overflows the reserved area")
	}
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

func (b *Buffer) PrependInt64(x int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(x))
	b.Prepend(tmp[:])
}

func (b *Buffer) PrependInt32(x int32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], uint32(x))
	b.Prepend(tmp[:])
}

func (b *Buffer) PrependInt16(x int16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(x))
	b.Prepend(tmp[:])
}

func (b *Buffer) PrependInt8(x int8) {
	b.Prepend([]byte{byte(x)})
}

// Shrink reallocates the storage to hold the readable bytes plus reserve.
func (b *Buffer) Shrink(reserve int) {
	nb := NewSize(b.ReadableBytes() + reserve)
	nb.Append(b.Peek())
	*b = *nb
}

func (b *Buffer) mustHave(n int) {
	if b.ReadableBytes() < n {
		panic("buffer: not enough readable bytes")
	}
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		nb := make([]byte, growCap(len(b.buf), b.writerIndex+n))
		copy(nb, b.buf[:b.writerIndex])
		b.buf = nb
		return
	}
	// 挪动可读数据到前面, 腾出空间
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

func growCap(cur, need int) int {
	c := cur
	if c == 0 {
		c = CheapPrepend + InitialSize
	}
	for c < need {
		c *= 2
	}
	return c
}
