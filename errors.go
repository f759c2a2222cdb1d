// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package evnet

import "github.com/pkg/errors"

var (
	// ErrServerStarted occurs when Start is called twice on a started server.
	ErrServerStarted = errors.New("evnet: server already started")
	// ErrInvalidAddress occurs when an address cannot be resolved to TCP.
	ErrInvalidAddress = errors.New("evnet: invalid TCP address")
	// ErrPoolStarted occurs when a thread pool is started twice.
	ErrPoolStarted = errors.New("evnet: loop pool already started")
	// ErrUnsupportedProtocol occurs when trying to use protocol that is
	// not supported.
	ErrUnsupportedProtocol = errors.New("evnet: only tcp, tcp4 and tcp6 are supported")
)
