// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

// Package socket wraps the non-blocking socket syscalls used by the
// acceptor, connector and connections.
package socket

import (
	"fmt"
	"net"
	"os"

	"github.com/ysyzqq/evnet/pkg/logging"
	"golang.org/x/sys/unix"
)

// Socket owns a socket fd and closes it on Close.
type Socket struct {
	fd int
}

// New takes ownership of fd.
func New(fd int) *Socket {
	return &Socket{fd: fd}
}

func (s *Socket) Fd() int { return s.fd }

// ShutdownWrite half-closes the socket.
func (s *Socket) ShutdownWrite() {
	if err := unix.Shutdown(s.fd, unix.SHUT_WR); err != nil {
		logging.Errorf("socket.ShutdownWrite fd = %d: %v", s.fd, err)
	}
}

func (s *Socket) SetTCPNoDelay(on bool) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, boolint(on)))
}

func (s *Socket) SetKeepAlive(on bool) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, boolint(on)))
}

// SetKeepAlivePeriod enables keep-alive probing every secs seconds.
func (s *Socket) SetKeepAlivePeriod(secs int) error {
	if err := s.SetKeepAlive(true); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, secs); err != nil {
		return os.NewSyscallError("setsockopt", err)
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, secs))
}

// TCPInfo returns the kernel's TCP_INFO for the socket.
func (s *Socket) TCPInfo() (*unix.TCPInfo, error) {
	info, err := unix.GetsockoptTCPInfo(s.fd, unix.IPPROTO_TCP, unix.TCP_INFO)
	return info, os.NewSyscallError("getsockopt", err)
}

// TCPInfoString renders the interesting TCP_INFO fields.
func (s *Socket) TCPInfoString() string {
	info, err := s.TCPInfo()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("unrecovered=%d rto=%d ato=%d snd_mss=%d rcv_mss=%d lost=%d retrans=%d rtt=%d rttvar=%d sshthresh=%d cwnd=%d total_retrans=%d",
		info.Retransmits, info.Rto, info.Ato, info.Snd_mss, info.Rcv_mss, info.Lost,
		info.Retrans, info.Rtt, info.Rttvar, info.Snd_ssthresh, info.Snd_cwnd, info.Total_retrans)
}

func (s *Socket) Close() error {
	return os.NewSyscallError("close", unix.Close(s.fd))
}

// CreateNonblocking opens a non-blocking, close-on-exec TCP socket.
func CreateNonblocking(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	return fd, os.NewSyscallError("socket", err)
}

// CreateNonblockingOrDie is CreateNonblocking that treats failure as fatal.
func CreateNonblockingOrDie(family int) int {
	fd, err := CreateNonblocking(family)
	if err != nil {
		logging.Fatalf("socket.CreateNonblockingOrDie: %v", err)
	}
	return fd
}

// Connect starts a connect; with a non-blocking fd EINPROGRESS is the
// normal result. The raw errno is returned so callers can classify it.
func Connect(fd int, sa unix.Sockaddr) error {
	return unix.Connect(fd, sa)
}

// Close closes fd, logging failures.
func Close(fd int) {
	if err := unix.Close(fd); err != nil {
		logging.Errorf("socket.Close fd = %d: %v", fd, err)
	}
}

// Error returns the pending SO_ERROR of fd.
func Error(fd int) unix.Errno {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno
		}
		return unix.EINVAL
	}
	return unix.Errno(v)
}

// LocalAddr returns the bound address of fd.
func LocalAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		logging.Errorf("socket.LocalAddr fd = %d: %v", fd, err)
		return nil
	}
	return SockaddrToTCPOrUnixAddr(sa)
}

// PeerAddr returns the remote address of fd.
func PeerAddr(fd int) net.Addr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		logging.Errorf("socket.PeerAddr fd = %d: %v", fd, err)
		return nil
	}
	return SockaddrToTCPOrUnixAddr(sa)
}

// IsSelfConnect reports whether the kernel connected fd to itself, which
// happens when the ephemeral port picked equals the destination port.
func IsSelfConnect(fd int) bool {
	local, err := unix.Getsockname(fd)
	if err != nil {
		return false
	}
	peer, err := unix.Getpeername(fd)
	if err != nil {
		return false
	}
	switch l := local.(type) {
	case *unix.SockaddrInet4:
		p, ok := peer.(*unix.SockaddrInet4)
		return ok && l.Port == p.Port && l.Addr == p.Addr
	case *unix.SockaddrInet6:
		p, ok := peer.(*unix.SockaddrInet6)
		return ok && l.Port == p.Port && l.Addr == p.Addr
	}
	return false
}

func boolint(b bool) int {
	if b {
		return 1
	}
	return 0
}
