// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

// Command echo runs an echo server, optionally line framed, and can
// expose the reactor metrics for prometheus.
package main

import (
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ysyzqq/evnet"
	"github.com/ysyzqq/evnet/buffer"
	"github.com/ysyzqq/evnet/codec"
	"github.com/ysyzqq/evnet/pkg/logging"
)

func main() {
	var (
		addr        string
		threads     int
		lines       bool
		reusePort   bool
		hashLB      bool
		metricsAddr string
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:2007", "address to listen on")
	flag.IntVar(&threads, "threads", 0, "number of I/O loops, 0 serves on the main loop")
	flag.BoolVar(&lines, "lines", false, "echo CRLF terminated lines instead of raw bytes")
	flag.BoolVar(&reusePort, "reuseport", false, "set SO_REUSEPORT on the listener")
	flag.BoolVar(&hashLB, "hash", false, "pick I/O loops by source address hash")
	flag.StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address")
	flag.Parse()
	defer logging.Cleanup()

	reg := prometheus.NewRegistry()
	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			logging.Error(http.ListenAndServe(metricsAddr, mux))
		}()
	}

	lb := evnet.RoundRobin
	if hashLB {
		lb = evnet.SourceAddrHash
	}
	loop := evnet.NewEventLoop(evnet.WithName("echo-main"), evnet.WithMetrics(reg))
	server, err := evnet.NewTCPServer(loop, "tcp", addr,
		evnet.WithName("EchoServer"),
		evnet.WithNumEventLoop(threads),
		evnet.WithLoadBalancing(lb),
		evnet.WithReusePort(reusePort),
		evnet.WithTCPNoDelay(true),
		evnet.WithMetrics(reg),
	)
	if err != nil {
		logging.Fatalf("echo: %v", err)
	}

	server.SetConnectionCallback(func(c *evnet.TCPConnection) {
		logging.Infof("EchoServer - %s -> %s is %s", c.PeerAddr(), c.LocalAddr(), c.State())
	})
	if lines {
		lc := codec.LineBasedFrameCodec{}
		server.SetMessageCallback(codec.MessageCallback(lc, func(c *evnet.TCPConnection, frame []byte, _ time.Time) {
			if err := codec.Send(c, lc, frame); err != nil {
				logging.Errorf("echo: %v", err)
			}
		}))
	} else {
		server.SetMessageCallback(func(c *evnet.TCPConnection, buf *buffer.Buffer, _ time.Time) {
			c.SendBuffer(buf)
		})
	}
	if err = server.Start(); err != nil {
		logging.Fatalf("echo: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		loop.Quit()
	}()

	loop.Loop()
	logging.Error(server.Stop())
	logging.Error(loop.Close())
}
