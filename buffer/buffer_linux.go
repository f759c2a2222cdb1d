// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package buffer

import "golang.org/x/sys/unix"

// ReadFd reads whatever fd has ready in a single readv: first into the
// writable region, spilling the rest into a 64KiB scratch array that is
// appended afterwards, so a small buffer never truncates a large read.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [extraBufSize]byte
	writable := b.WritableBytes()
	iovs := [][]byte{b.buf[b.writerIndex:]}
	// 可写空间已经够大时不使用额外的栈缓冲
	if writable < extraBufSize {
		iovs = append(iovs, extra[:])
	}
	n, err := unix.Readv(fd, iovs)
	if n <= 0 {
		return n, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}
