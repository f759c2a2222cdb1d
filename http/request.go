// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package http is a small HTTP/1.x server layered on evnet's TCPServer.
// It parses request lines, headers and Content-Length bodies, and writes
// responses with keep-alive or close semantics.
package http

import (
	"strings"
	"time"
)

// Method is an HTTP request method.
type Method int

const (
	MethodInvalid Method = iota
	MethodGet
	MethodPost
	MethodHead
	MethodPut
	MethodDelete
)

func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodHead:
		return "HEAD"
	case MethodPut:
		return "PUT"
	case MethodDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Version is an HTTP protocol version.
type Version int

const (
	VersionUnknown Version = iota
	HTTP10
	HTTP11
)

// Request is a parsed HTTP request.
type Request struct {
	method      Method
	version     Version
	path        string
	query       string
	receiveTime time.Time
	headers     map[string]string
	body        []byte
}

// NewRequest returns an empty request.
func NewRequest() *Request {
	return &Request{headers: make(map[string]string)}
}

// SetMethod parses m and reports whether it is supported.
func (r *Request) SetMethod(m string) bool {
	switch m {
	case "GET":
		r.method = MethodGet
	case "POST":
		r.method = MethodPost
	case "HEAD":
		r.method = MethodHead
	case "PUT":
		r.method = MethodPut
	case "DELETE":
		r.method = MethodDelete
	default:
		r.method = MethodInvalid
	}
	return r.method != MethodInvalid
}

func (r *Request) Method() Method             { return r.method }
func (r *Request) SetVersion(v Version)       { r.version = v }
func (r *Request) Version() Version           { return r.version }
func (r *Request) SetPath(p string)           { r.path = p }
func (r *Request) Path() string               { return r.path }
func (r *Request) SetQuery(q string)          { r.query = q }
func (r *Request) Query() string              { return r.query }
func (r *Request) SetReceiveTime(t time.Time) { r.receiveTime = t }
func (r *Request) ReceiveTime() time.Time     { return r.receiveTime }
func (r *Request) Headers() map[string]string { return r.headers }
func (r *Request) Body() []byte               { return r.body }
func (r *Request) setBody(b []byte)           { r.body = b }

// AddHeader stores a header line, trimming blanks around the value.
func (r *Request) AddHeader(field, value string) {
	r.headers[field] = strings.TrimSpace(value)
}

// Header returns the value of field, "" when absent.
func (r *Request) Header(field string) string {
	return r.headers[field]
}
