// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package http

import (
	"time"

	"github.com/ysyzqq/evnet"
	"github.com/ysyzqq/evnet/buffer"
)

// Callback fills resp for req.
type Callback func(req *Request, resp *Response)

// NotFound answers every request with 404 and closes the connection.
func NotFound(_ *Request, resp *Response) {
	resp.SetStatusCode(StatusNotFound)
	resp.SetStatusMessage("Not Found")
	resp.SetCloseConnection(true)
}

// Server serves HTTP requests through a TCPServer.
type Server struct {
	server   *evnet.TCPServer
	callback Callback
}

// NewServer binds addr on loop.
func NewServer(loop *evnet.EventLoop, addr string, options ...evnet.Option) (*Server, error) {
	ts, err := evnet.NewTCPServer(loop, "tcp", addr, options...)
	if err != nil {
		return nil, err
	}
	s := &Server{server: ts, callback: NotFound}
	ts.SetConnectionCallback(s.onConnection)
	ts.SetMessageCallback(s.onMessage)
	return s, nil
}

func (s *Server) TCPServer() *evnet.TCPServer { return s.server }
func (s *Server) SetHTTPCallback(cb Callback) { s.callback = cb }
func (s *Server) SetThreadNum(n int)          { s.server.SetThreadNum(n) }

// Start begins serving, on the loop thread.
func (s *Server) Start() error {
	s.server.Loop().Logger().Warnf("HttpServer[%s] starts listening on %s", s.server.Name(), s.server.IPPort())
	return s.server.Start()
}

// Stop closes the listener and every connection, on the loop thread.
func (s *Server) Stop() error {
	return s.server.Stop()
}

func (s *Server) onConnection(c *evnet.TCPConnection) {
	if c.Connected() {
		c.SetContext(NewContext())
	}
}

func (s *Server) onMessage(c *evnet.TCPConnection, buf *buffer.Buffer, receiveTime time.Time) {
	ctx := c.Context().(*Context)
	for {
		if !ctx.ParseRequest(buf, receiveTime) {
			c.SendString("HTTP/1.1 400 Bad Request\r\n\r\n")
			c.Shutdown()
			buf.RetrieveAll()
			return
		}
		if !ctx.GotAll() {
			return
		}
		s.onRequest(c, ctx.Request())
		ctx.Reset()
		if buf.ReadableBytes() == 0 || !c.Connected() {
			return
		}
	}
}

func (s *Server) onRequest(c *evnet.TCPConnection, req *Request) {
	connection := req.Header("Connection")
	closeConn := connection == "close" ||
		(req.Version() == HTTP10 && connection != "Keep-Alive")
	resp := NewResponse(closeConn)
	s.callback(req, resp)
	// HEAD gets the headers of GET, Content-Length included, and no body
	resp.omitBody = req.Method() == MethodHead

	out := buffer.New()
	resp.AppendToBuffer(out)
	c.SendBuffer(out)
	if resp.CloseConnection() {
		c.Shutdown()
	}
}
