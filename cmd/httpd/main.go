// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

// Command httpd serves a hello page on top of the evnet http package.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ysyzqq/evnet"
	"github.com/ysyzqq/evnet/http"
	"github.com/ysyzqq/evnet/pkg/logging"
)

func onRequest(req *http.Request, resp *http.Response) {
	logging.Debugf("Headers %s %s", req.Method(), req.Path())
	switch req.Path() {
	case "/":
		resp.SetStatusCode(http.StatusOK)
		resp.SetStatusMessage("OK")
		resp.SetContentType("text/html")
		resp.AddHeader("Server", "evnet")
		resp.SetBodyString("<html><head><title>This is title</title></head>" +
			"<body><h1>Hello</h1>Now is " + time.Now().Format(time.RFC3339) +
			"</body></html>")
	case "/hello":
		resp.SetStatusCode(http.StatusOK)
		resp.SetStatusMessage("OK")
		resp.SetContentType("text/plain")
		resp.AddHeader("Server", "evnet")
		resp.SetBodyString("hello, world!\n")
	default:
		http.NotFound(req, resp)
	}
}

func main() {
	var (
		addr    string
		threads int
	)
	flag.StringVar(&addr, "addr", "127.0.0.1:8000", "address to listen on")
	flag.IntVar(&threads, "threads", 0, "number of I/O loops")
	flag.Parse()
	defer logging.Cleanup()

	loop := evnet.NewEventLoop(evnet.WithName("httpd-main"))
	server, err := http.NewServer(loop, addr, evnet.WithName("httpd"), evnet.WithNumEventLoop(threads))
	if err != nil {
		logging.Fatalf("httpd: %v", err)
	}
	server.SetHTTPCallback(onRequest)
	if err = server.Start(); err != nil {
		logging.Fatalf("httpd: %v", err)
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
