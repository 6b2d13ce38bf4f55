package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// NewTestAppender returns an appender that writes entries through `tb.Log` so log lines are
// associated with the test that produced them.
func NewTestAppender(tb testing.TB) Appender {
	return zaptest.NewLogger(tb, zaptest.Level(zapcore.DebugLevel)).Core()
}

// NewTestLogger returns a new logger that outputs Debug+ logs to the test object.
func NewTestLogger(tb testing.TB) Logger {
	return newImpl("", NewAtomicLevelAt(DEBUG), NewTestAppender(tb))
}

// NewObservedTestLogger is like NewTestLogger but also saves logs to an in memory observer.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	observerCore, observedLogs := observer.New(zapcore.DebugLevel)
	return newImpl("", NewAtomicLevelAt(DEBUG), NewTestAppender(tb), observerCore), observedLogs
}
