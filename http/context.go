// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package http

import (
	"bytes"
	"strconv"
	"time"

	"github.com/ysyzqq/evnet/buffer"
)

type parseState int

const (
	expectRequestLine parseState = iota
	expectHeaders
	expectBody
	gotAll
)

// Context is the per-connection request parser. It resumes where the
// previous read stopped.
type Context struct {
	state         parseState
	request       *Request
	contentLength int
}

// NewContext returns a parser waiting for a request line.
func NewContext() *Context {
	return &Context{request: NewRequest()}
}

func (ctx *Context) GotAll() bool      { return ctx.state == gotAll }
func (ctx *Context) Request() *Request { return ctx.request }

// Reset readies the parser for the next request on the connection.
func (ctx *Context) Reset() {
	ctx.state = expectRequestLine
	ctx.request = NewRequest()
	ctx.contentLength = 0
}

// ParseRequest consumes as much of buf as it can. It returns false on a
// malformed request.
func (ctx *Context) ParseRequest(buf *buffer.Buffer, receiveTime time.Time) bool {
	for {
		switch ctx.state {
		case expectRequestLine:
			crlf := buf.FindCRLF()
			if crlf < 0 {
				return true
			}
			if !ctx.processRequestLine(buf.Peek()[:crlf]) {
				return false
			}
			ctx.request.SetReceiveTime(receiveTime)
			buf.Retrieve(crlf + 2)
			ctx.state = expectHeaders
		case expectHeaders:
			crlf := buf.FindCRLF()
			if crlf < 0 {
				return true
			}
			line := buf.Peek()[:crlf]
			if colon := bytes.IndexByte(line, ':'); colon >= 0 {
				ctx.request.AddHeader(string(line[:colon]), string(line[colon+1:]))
				buf.Retrieve(crlf + 2)
				continue
			}
			buf.Retrieve(crlf + 2)
			if !ctx.startBody() {
				return false
			}
		case expectBody:
			if buf.ReadableBytes() < ctx.contentLength {
				return true
			}
			body := make([]byte, ctx.contentLength)
			copy(body, buf.Peek())
			buf.Retrieve(ctx.contentLength)
			ctx.request.setBody(body)
			ctx.state = gotAll
		case gotAll:
			return true
		}
	}
}

func (ctx *Context) startBody() bool {
	cl := ctx.request.Header("Content-Length")
	if cl == "" {
		ctx.state = gotAll
		return true
	}
	n, err := strconv.Atoi(cl)
	if err != nil || n < 0 {
		return false
	}
	ctx.contentLength = n
	ctx.state = expectBody
	return true
}

// processRequestLine parses "METHOD path[?query] HTTP/1.x".
func (ctx *Context) processRequestLine(line []byte) bool {
	space := bytes.IndexByte(line, ' ')
	if space < 0 || !ctx.request.SetMethod(string(line[:space])) {
		return false
	}
	rest := line[space+1:]
	space = bytes.IndexByte(rest, ' ')
	if space < 0 {
		return false
	}
	target := rest[:space]
	if question := bytes.IndexByte(target, '?'); question >= 0 {
		ctx.request.SetPath(string(target[:question]))
		ctx.request.SetQuery(string(target[question:]))
	} else {
		ctx.request.SetPath(string(target))
	}

	version := rest[space+1:]
	if len(version) != 8 || !bytes.HasPrefix(version, []byte("HTTP/1.")) {
		return false
	}
	switch version[7] {
	case '1':
		ctx.request.SetVersion(HTTP11)
	case '0':
		ctx.request.SetVersion(HTTP10)
	default:
		return false
	}
	return true
}
