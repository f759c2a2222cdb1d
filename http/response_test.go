// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package http

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/ysyzqq/evnet/buffer"
)

func TestResponseKeepAlive(t *testing.T) {
	resp := NewResponse(false)
	resp.SetStatusCode(StatusOK)
	resp.SetStatusMessage("OK")
	resp.SetContentType("text/plain")
	resp.AddHeader("Server", "evnet")
	resp.SetBodyString("hello")

	buf := buffer.New()
	resp.AppendToBuffer(buf)
	assert.Equal(t, "HTTP/1.1 200 OK\r\n"+
		"Content-Length: 5\r\n"+
		"Connection: Keep-Alive\r\n"+
		"Content-Type: text/plain\r\n"+
		"Server: evnet\r\n"+
		"\r\n"+
		"hello", buf.RetrieveAllAsString())
}

func TestResponseClose(t *testing.T) {
	resp := NewResponse(false)
	NotFound(nil, resp)
	assert.True(t, resp.CloseConnection())
	assert.Equal(t, StatusNotFound, resp.StatusCode())

	buf := buffer.New()
	resp.AppendToBuffer(buf)
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\nConnection: close\r\n\r\n", buf.RetrieveAllAsString())
}

func TestResponseWithoutBody(t *testing.T) {
	resp := NewResponse(false)
	resp.SetStatusCode(StatusOK)
	resp.SetStatusMessage("OK")
	resp.SetBodyString("hidden")
	resp.omitBody = true

	buf := buffer.New()
	resp.AppendToBuffer(buf)
	assert.Equal(t, "HTTP/1.1 200 OK\r\nContent-Length: 6\r\nConnection: Keep-Alive\r\n\r\n", buf.RetrieveAllAsString())
	assert.Equal(t, "hidden", string(resp.Body()))
}
