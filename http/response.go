// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package http

import (
	"slices"
	"strconv"

	"github.com/valyala/bytebufferpool"
	"github.com/ysyzqq/evnet/buffer"
)

// StatusCode is an HTTP response status.
type StatusCode int

const (
	StatusUnknown          StatusCode = 0
	StatusOK               StatusCode = 200
	StatusMovedPermanently StatusCode = 301
	StatusBadRequest       StatusCode = 400
	StatusNotFound         StatusCode = 404
)

// Response is an HTTP response under construction.
type Response struct {
	headers         map[string]string
	statusCode      StatusCode
	statusMessage   string
	closeConnection bool
	omitBody        bool
	body            []byte
}

// NewResponse returns a response that closes the connection when
// closeConn is set.
func NewResponse(closeConn bool) *Response {
	return &Response{
		headers:         make(map[string]string),
		closeConnection: closeConn,
	}
}

func (r *Response) SetStatusCode(code StatusCode) { r.statusCode = code }
func (r *Response) StatusCode() StatusCode        { return r.statusCode }
func (r *Response) SetStatusMessage(msg string)   { r.statusMessage = msg }
func (r *Response) SetCloseConnection(on bool)    { r.closeConnection = on }
func (r *Response) CloseConnection() bool         { return r.closeConnection }
func (r *Response) SetContentType(ct string)      { r.AddHeader("Content-Type", ct) }
func (r *Response) AddHeader(key, value string)   { r.headers[key] = value }
func (r *Response) SetBody(body []byte)           { r.body = body }
func (r *Response) SetBodyString(body string)     { r.body = []byte(body) }
func (r *Response) Body() []byte                  { return r.body }

// AppendToBuffer serializes the response into output. Headers are
// written in key order.
func (r *Response) AppendToBuffer(output *buffer.Buffer) {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	_, _ = bb.WriteString("HTTP/1.1 ")
	bb.B = strconv.AppendInt(bb.B, int64(r.statusCode), 10)
	_ = bb.WriteByte(' ')
	_, _ = bb.WriteString(r.statusMessage)
	_, _ = bb.WriteString("\r\n")
	if r.closeConnection {
		_, _ = bb.WriteString("Connection: close\r\n")
	} else {
		_, _ = bb.WriteString("Content-Length: ")
		bb.B = strconv.AppendInt(bb.B, int64(len(r.body)), 10)
		_, _ = bb.WriteString("\r\nConnection: Keep-Alive\r\n")
	}

	keys := make([]string, 0, len(r.headers))
	for k := range r.headers {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		_, _ = bb.WriteString(k)
		_, _ = bb.WriteString(": ")
		_, _ = bb.WriteString(r.headers[k])
		_, _ = bb.WriteString("\r\n")
	}
	_, _ = bb.WriteString("\r\n")
	if !r.omitBody {
		_, _ = bb.Write(r.body)
	}
	output.Append(bb.B)
}
