// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := New(reg)
	b := New(reg)

	a.Accepted()
	b.Accepted()
	assert.Equal(t, 2.0, testutil.ToFloat64(a.connectionsAccepted))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.LoopIteration()
		m.Read(10)
		m.ConnectionUp()
		m.ConnectionDown()
	})
}

func TestCounters(t *testing.T) {
	m := New(nil)
	m.Read(3)
	m.Read(0)
	m.Written(5)
	m.TimersActive(2)
	m.TimersActive(-1)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.bytesRead))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.bytesWritten))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timersActive))
}
