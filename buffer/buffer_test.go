// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package buffer

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendRetrieve(t *testing.T) {
	buf := New()
	assert.Equal(t, 0, buf.ReadableBytes())
	assert.Equal(t, InitialSize, buf.WritableBytes())
	assert.Equal(t, CheapPrepend, buf.PrependableBytes())

	str := strings.Repeat("x", 200)
	buf.AppendString(str)
	assert.Equal(t, len(str), buf.ReadableBytes())
	assert.Equal(t, InitialSize-len(str), buf.WritableBytes())

	str2 := buf.RetrieveAsString(50)
	assert.Equal(t, 50, len(str2))
	assert.Equal(t, len(str)-len(str2), buf.ReadableBytes())
	assert.Equal(t, CheapPrepend+len(str2), buf.PrependableBytes())

	buf.AppendString(str)
	assert.Equal(t, 2*len(str)-len(str2), buf.ReadableBytes())

	rest := buf.RetrieveAllAsString()
	assert.Equal(t, 350, len(rest))
	assert.Equal(t, 0, buf.ReadableBytes())
	assert.Equal(t, InitialSize, buf.WritableBytes())
}

func TestRoundTripSizes(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for _, n := range []int{0, 1, 17, InitialSize - 1, InitialSize, InitialSize + 1, 5*InitialSize + 3} {
		data := make([]byte, n)
		r.Read(data)

		buf := New()
		buf.Append(data)
		require.Equal(t, n, buf.ReadableBytes())
		got := buf.RetrieveAllAsBytes()
		assert.True(t, bytes.Equal(data, got), "size %d", n)
		assert.Equal(t, 0, buf.ReadableBytes())
	}
}

func TestGrowAndInsideGrow(t *testing.T) {
	buf := New()
	buf.AppendString(strings.Repeat("y", 400))
	buf.Retrieve(50)
	buf.AppendString(strings.Repeat("z", 1000))
	assert.Equal(t, 1350, buf.ReadableBytes())

	// reuses the retrieved room instead of growing
	buf2 := New()
	buf2.AppendString(strings.Repeat("y", 800))
	buf2.Retrieve(500)
	capBefore := buf2.Cap()
	buf2.AppendString(strings.Repeat("z", 300))
	assert.Equal(t, capBefore, buf2.Cap())
	assert.Equal(t, 600, buf2.ReadableBytes())
	assert.Equal(t, CheapPrepend, buf2.PrependableBytes())
}

func TestShrink(t *testing.T) {
	buf := New()
	buf.AppendString(strings.Repeat("y", 2000))
	buf.Retrieve(1500)
	buf.Shrink(0)
	assert.Equal(t, 500, buf.ReadableBytes())
	assert.Equal(t, 0, buf.WritableBytes())
	assert.Equal(t, strings.Repeat("y", 500), buf.RetrieveAllAsString())
}

func TestNetworkOrderInts(t *testing.T) {
	buf := New()
	buf.AppendInt32(0x01020304)
	assert.Equal(t, []byte{1, 2, 3, 4}, buf.Peek())
	buf.AppendInt64(-2)
	buf.AppendInt16(-3)
	buf.AppendInt8(-4)

	assert.Equal(t, int32(0x01020304), buf.PeekInt32())
	assert.Equal(t, int32(0x01020304), buf.ReadInt32())
	assert.Equal(t, int64(-2), buf.ReadInt64())
	assert.Equal(t, int16(-3), buf.ReadInt16())
	assert.Equal(t, int8(-4), buf.ReadInt8())
	assert.Equal(t, 0, buf.ReadableBytes())
	assert.Panics(t, func() { buf.PeekInt8() })
}

func TestPrepend(t *testing.T) {
	buf := New()
	buf.AppendString("hello")
	buf.PrependInt32(5)
	assert.Equal(t, CheapPrepend-4, buf.PrependableBytes())
	assert.Equal(t, int32(5), buf.ReadInt32())
	assert.Equal(t, "hello", buf.RetrieveAllAsString())
	assert.Panics(t, func() { buf.Prepend(make([]byte, CheapPrepend+1)) })
}

func TestFindCRLFAndEOL(t *testing.T) {
	buf := New()
	buf.AppendString("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	assert.Equal(t, 14, buf.FindCRLF())
	assert.Equal(t, 23, buf.FindCRLFFrom(16))
	assert.Equal(t, -1, buf.FindCRLFFrom(100))
	assert.Equal(t, 15, buf.FindEOL())

	buf.RetrieveUntil(buf.FindCRLF() + 2)
	assert.Equal(t, "Host: x\r\n\r\n", string(buf.Peek()))
}

func TestUnwriteAndBeginWrite(t *testing.T) {
	buf := New()
	n := copy(buf.BeginWrite(), "abcdef")
	buf.HasWritten(n)
	buf.Unwrite(2)
	assert.Equal(t, "abcd", string(buf.Peek()))
}
