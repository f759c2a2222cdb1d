// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"net"
	"os"
	"sync"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

type listener struct {
	f             *os.File     // 监听的文件
	fd            int          // non-blocking dup of the listening socket
	ln            net.Listener // 内部的网络监听
	once          sync.Once
	lnaddr        net.Addr
	addr, network string
}

// initListener binds and listens through the net package, with
// SO_REUSEPORT when asked, then detaches the fd for the acceptor.
func initListener(network, addr string, reusePort bool) (*listener, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, ErrUnsupportedProtocol
	}

	ln := &listener{network: network, addr: addr}
	var err error
	if reusePort {
		ln.ln, err = reuseport.Listen(network, addr)
	} else {
		ln.ln, err = net.Listen(network, addr)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s://%s", network, addr)
	}
	ln.lnaddr = ln.ln.Addr()
	if err = ln.system(); err != nil {
		return nil, err
	}
	return ln, nil
}

// system takes the net listener and detaches it from it's parent
// event loop, grabs the file descriptor, and makes it non-blocking.
func (ln *listener) system() error {
	tcpln, ok := ln.ln.(*net.TCPListener)
	if !ok {
		_ = ln.close()
		return ErrUnsupportedProtocol
	}
	var err error
	if ln.f, err = tcpln.File(); err != nil {
		_ = ln.close()
		return errors.Wrap(err, "detach listener fd")
	}
	ln.fd = int(ln.f.Fd())
	if err = unix.SetNonblock(ln.fd, true); err != nil {
		_ = ln.close()
		return errors.Wrap(os.NewSyscallError("fcntl nonblock", err), "detach listener fd")
	}
	return nil
}

func (ln *listener) close() (err error) {
	ln.once.Do(func() {
		if ln.f != nil {
			err = multierr.Append(err, ln.f.Close())
		}
		if ln.ln != nil {
			err = multierr.Append(err, ln.ln.Close())
		}
	})
	return
}
