// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes prometheus collectors for event loops, timers
// and connections.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "evnet"

// Metrics groups the collectors updated by the reactor. All methods are
// safe on a nil receiver.
type Metrics struct {
	loopIterations      prometheus.Counter
	functorsRun         prometheus.Counter
	timersFired         prometheus.Counter
	timersActive        prometheus.Gauge
	connectionsAccepted prometheus.Counter
	acceptErrors        prometheus.Counter
	connectionsActive   prometheus.Gauge
	bytesRead           prometheus.Counter
	bytesWritten        prometheus.Counter
	highWaterMarks      prometheus.Counter
	connectRetries      prometheus.Counter
}

var discard = New(nil)

// Discard returns a shared set of collectors that is not registered
// anywhere.
func Discard() *Metrics { return discard }

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered. Collectors already present in reg are reused.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		loopIterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "iterations_total",
			Help: "Poll/dispatch/drain iterations completed by all event loops.",
		}),
		functorsRun: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "loop", Name: "pending_functors_total",
			Help: "Queued functors executed by event loops.",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "timer", Name: "fired_total",
			Help: "Timer callbacks invoked.",
		}),
		timersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "timer", Name: "active",
			Help: "Timers currently scheduled.",
		}),
		connectionsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "accepted_total",
			Help: "Connections accepted by acceptors.",
		}),
		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "accept_errors_total",
			Help: "Failed accept calls.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "connections_active",
			Help: "Established connections not yet destroyed.",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "read_bytes_total",
			Help: "Bytes read from connections.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "written_bytes_total",
			Help: "Bytes written to connections.",
		}),
		highWaterMarks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "high_water_mark_total",
			Help: "Times an output backlog crossed its high-water mark.",
		}),
		connectRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tcp", Name: "connect_retries_total",
			Help: "Connection attempts rescheduled by connectors.",
		}),
	}
	if reg != nil {
		m.loopIterations = register(reg, m.loopIterations)
		m.functorsRun = register(reg, m.functorsRun)
		m.timersFired = register(reg, m.timersFired)
		m.timersActive = register(reg, m.timersActive)
		m.connectionsAccepted = register(reg, m.connectionsAccepted)
		m.acceptErrors = register(reg, m.acceptErrors)
		m.connectionsActive = register(reg, m.connectionsActive)
		m.bytesRead = register(reg, m.bytesRead)
		m.bytesWritten = register(reg, m.bytesWritten)
		m.highWaterMarks = register(reg, m.highWaterMarks)
		m.connectRetries = register(reg, m.connectRetries)
	}
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) LoopIteration() {
	if m != nil {
		m.loopIterations.Inc()
	}
}

func (m *Metrics) FunctorsRun(n int) {
	if m != nil && n > 0 {
		m.functorsRun.Add(float64(n))
	}
}

func (m *Metrics) TimerFired() {
	if m != nil {
		m.timersFired.Inc()
	}
}

func (m *Metrics) TimersActive(delta int) {
	if m != nil {
		m.timersActive.Add(float64(delta))
	}
}

func (m *Metrics) Accepted() {
	if m != nil {
		m.connectionsAccepted.Inc()
	}
}

func (m *Metrics) AcceptError() {
	if m != nil {
		m.acceptErrors.Inc()
	}
}

func (m *Metrics) ConnectionUp() {
	if m != nil {
		m.connectionsActive.Inc()
	}
}

func (m *Metrics) ConnectionDown() {
	if m != nil {
		m.connectionsActive.Dec()
	}
}

func (m *Metrics) Read(n int) {
	if m != nil && n > 0 {
		m.bytesRead.Add(float64(n))
	}
}

func (m *Metrics) Written(n int) {
	if m != nil && n > 0 {
		m.bytesWritten.Add(float64(n))
	}
}

func (m *Metrics) HighWaterMark() {
	if m != nil {
		m.highWaterMarks.Inc()
	}
}

func (m *Metrics) ConnectRetry() {
	if m != nil {
		m.connectRetries.Inc()
	}
}
