// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.DebugLevel, parseLevel("trace"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel(" warn "))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestNewLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, flush := NewLogger(zapcore.AddSync(&buf), zapcore.WarnLevel)
	logger.Infof("hidden %d", 1)
	logger.Warnf("shown %d", 2)
	require.NoError(t, flush())

	out := buf.String()
	assert.NotContains(t, out, "hidden 1")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "WARN")
}

func TestSwapDefaultLogger(t *testing.T) {
	prev, prevFlush := GetDefaultLogger(), defaultFlusher
	defer SetDefaultLoggerAndFlusher(prev, prevFlush)

	var buf bytes.Buffer
	logger, flush := NewLogger(zapcore.AddSync(&buf), zapcore.DebugLevel)
	SetDefaultLoggerAndFlusher(logger, flush)

	Error(nil)
	Error(errors.New("boom"))
	Cleanup()
	assert.Contains(t, buf.String(), "boom")
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("error occurs")))
}

func TestCallerIsTheLoggingSite(t *testing.T) {
	prev, prevFlush := GetDefaultLogger(), defaultFlusher
	defer SetDefaultLoggerAndFlusher(prev, prevFlush)

	var direct, helper bytes.Buffer
	logger, flush := NewLogger(zapcore.AddSync(&direct), zapcore.DebugLevel)
	logger.Infof("direct")
	require.NoError(t, flush())
	assert.Contains(t, direct.String(), "logging/logger_test.go:")

	logger, flush = NewLogger(zapcore.AddSync(&helper), zapcore.DebugLevel)
	SetDefaultLoggerAndFlusher(logger, flush)
	Infof("helper")
	Error(errors.New("boom"))
	Cleanup()
	assert.Equal(t, 2, bytes.Count(helper.Bytes(), []byte("logging/logger_test.go:")))
	assert.NotContains(t, helper.String(), "logging/logger.go:")
}
