package logging

import (
	"testing"

	"go.viam.com/test"
	"go.uber.org/zap/zapcore"
)

func TestObservedLevels(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	logger.Debugw("debug", "k", 1)
	logger.Info("info")
	test.That(t, logs.Len(), test.ShouldEqual, 2)

	logger.SetLevel(WARN)
	test.That(t, logger.GetLevel(), test.ShouldEqual, WARN)
	test.That(t, logger.Level(), test.ShouldEqual, zapcore.WarnLevel)
	logger.Info("dropped")
	logger.Warnf("kept %d", 3)
	test.That(t, logs.Len(), test.ShouldEqual, 3)
	test.That(t, logs.All()[2].Message, test.ShouldEqual, "kept 3")
}

func TestSublogger(t *testing.T) {
	logger, logs := NewObservedTestLogger(t)
	sub := logger.Sublogger("calib")
	sub.Infow("hello", "views", 3)
	sub.Sublogger("lm").Info("step")

	entries := logs.All()
	test.That(t, entries, test.ShouldHaveLength, 2)
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "calib")
	test.That(t, entries[0].ContextMap()["views"], test.ShouldEqual, int64(3))
	test.That(t, entries[1].LoggerName, test.ShouldEqual, "calib.lm")

	// Subloggers start at the parent's level but are adjusted independently.
	sub.SetLevel(ERROR)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)
}

func TestLevelStrings(t *testing.T) {
	for _, level := range []Level{DEBUG, INFO, WARN, ERROR} {
		parsed, err := LevelFromString(level.String())
		test.That(t, err, test.ShouldBeNil)
		test.That(t, parsed, test.ShouldEqual, level)
	}
	_, err := LevelFromString("loud")
	test.That(t, err, test.ShouldNotBeNil)

	level, err := LevelFromString("warning")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, level, test.ShouldEqual, WARN)
}
