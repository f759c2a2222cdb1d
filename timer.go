// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package evnet

import (
	"time"

	"go.uber.org/atomic"
)

var numCreated atomic.Int64

// NumCreated reports how many timers the process has created.
func NumCreated() int64 { return numCreated.Load() }

// Timer is a scheduled callback. Only expiration changes after creation,
// when a repeating timer is restarted.
type Timer struct {
	callback   TimerCallback
	expiration int64 // unix microseconds
	interval   time.Duration
	repeat     bool
	sequence   int64
	index      int // position in the timer heap, -1 when not queued
}

func newTimer(cb TimerCallback, when time.Time, interval time.Duration) *Timer {
	return &Timer{
		callback:   cb,
		expiration: when.UnixMicro(),
		interval:   interval,
		repeat:     interval > 0,
		sequence:   numCreated.Inc(),
		index:      -1,
	}
}

func (t *Timer) run() { t.callback() }

// Expiration returns the time the timer fires next.
func (t *Timer) Expiration() time.Time { return time.UnixMicro(t.expiration) }

func (t *Timer) Repeat() bool    { return t.repeat }
func (t *Timer) Sequence() int64 { return t.sequence }

func (t *Timer) restart(now time.Time) {
	if t.repeat {
		t.expiration = now.Add(t.interval).UnixMicro()
	} else {
		t.expiration = 0
	}
}

// TimerID identifies a timer for cancellation. The sequence keeps a
// cancelled timer from being confused with a later one.
type TimerID struct {
	timer    *Timer
	sequence int64
}

// Valid reports whether the id refers to a timer at all.
func (id TimerID) Valid() bool { return id.timer != nil }

func (id TimerID) key() timerKey { return timerKey{id.timer, id.sequence} }

type timerKey struct {
	timer    *Timer
	sequence int64
}

// timerHeap orders timers by expiration then sequence.
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].expiration != h[j].expiration {
		return h[i].expiration < h[j].expiration
	}
	return h[i].sequence < h[j].sequence
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
