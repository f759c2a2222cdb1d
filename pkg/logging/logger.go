// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package logging is the leveled logging facility shared by every evnet
// component.
//
// The default logger writes to stderr through zap. Two environment
// variables tune it at start-up:
//
//	EVNET_LOGGING_LEVEL  debug | info | warn | error   (default info)
//	EVNET_LOGGING_FILE   path of a file to append to instead of stderr
//
// Components accept their own Logger through evnet.WithLogger, anything
// that satisfies the Logger interface can be plugged in.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is used for logging formatted messages.
type Logger interface {
	// Debugf logs messages at DEBUG level.
	Debugf(format string, args ...interface{})
	// Infof logs messages at INFO level.
	Infof(format string, args ...interface{})
	// Warnf logs messages at WARN level.
	Warnf(format string, args ...interface{})
	// Errorf logs messages at ERROR level.
	Errorf(format string, args ...interface{})
	// Fatalf logs messages at FATAL level and terminates the process.
	Fatalf(format string, args ...interface{})
}

// Flusher flushes any buffered log entries.
type Flusher = func() error

const (
	levelEnv = "EVNET_LOGGING_LEVEL"
	fileEnv  = "EVNET_LOGGING_FILE"
)

var (
	mu             sync.RWMutex
	defaultLogger  Logger
	helperLogger   Logger // defaultLogger reporting the caller of the package-level helpers
	defaultFlusher Flusher
	defaultLevel   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

func init() {
	if lvl, ok := os.LookupEnv(levelEnv); ok {
		defaultLevel.SetLevel(parseLevel(lvl))
	}

	ws := zapcore.Lock(os.Stderr)
	if path, ok := os.LookupEnv(fileEnv); ok && path != "" {
		if f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			ws = zapcore.Lock(f)
		}
	}
	l := newZapLogger(ws, defaultLevel)
	defaultLogger = l.Sugar()
	helperLogger = skipHelperFrame(defaultLogger)
	defaultFlusher = l.Sync
}

func newZapLogger(ws zapcore.WriteSyncer, level zapcore.LevelEnabler) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ws, level)
	return zap.New(core, zap.AddCaller())
}

func skipHelperFrame(l Logger) Logger {
	if s, ok := l.(*zap.SugaredLogger); ok {
		return s.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar()
	}
	return l
}

func getHelperLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return helperLogger
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// NewLogger builds a zap-backed Logger writing to ws at the given level.
func NewLogger(ws zapcore.WriteSyncer, level zapcore.Level) (Logger, Flusher) {
	l := newZapLogger(ws, level)
	return l.Sugar(), l.Sync
}

// SetLevel changes the level of the default logger.
func SetLevel(level zapcore.Level) {
	defaultLevel.SetLevel(level)
}

// DebugEnabled reports whether the default logger emits DEBUG entries.
func DebugEnabled() bool {
	return defaultLevel.Enabled(zapcore.DebugLevel)
}

// GetDefaultLogger returns the default logger.
func GetDefaultLogger() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// SetDefaultLoggerAndFlusher replaces the default logger and its flusher.
func SetDefaultLoggerAndFlusher(logger Logger, flusher Flusher) {
	mu.Lock()
	defaultLogger, defaultFlusher = logger, flusher
	helperLogger = skipHelperFrame(logger)
	mu.Unlock()
}

// Cleanup flushes the default logger.
func Cleanup() {
	mu.RLock()
	f := defaultFlusher
	mu.RUnlock()
	if f != nil {
		_ = f()
	}
}

// Error prints err if it's not nil.
func Error(err error) {
	if err != nil {
		getHelperLogger().Errorf("error occurs during runtime, %v", err)
	}
}

// Debugf logs messages at DEBUG level.
func Debugf(format string, args ...interface{}) {
	getHelperLogger().Debugf(format, args...)
}

// Infof logs messages at INFO level.
func Infof(format string, args ...interface{}) {
	getHelperLogger().Infof(format, args...)
}

// Warnf logs messages at WARN level.
func Warnf(format string, args ...interface{}) {
	getHelperLogger().Warnf(format, args...)
}

// Errorf logs messages at ERROR level.
func Errorf(format string, args ...interface{}) {
	getHelperLogger().Errorf(format, args...)
}

// Fatalf logs messages at FATAL level and exits.
func Fatalf(format string, args ...interface{}) {
	getHelperLogger().Fatalf(format, args...)
}
