package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerLevels(t *testing.T) {
	testCases := []struct {
		level    string
		expected zapcore.Level
	}{
		{level: "debug", expected: zapcore.DebugLevel},
		{level: "", expected: zapcore.InfoLevel},
		{level: "WARNING", expected: zapcore.WarnLevel},
		{level: "error", expected: zapcore.ErrorLevel},
		{level: "nonsense", expected: zapcore.InfoLevel},
	}
	for _, testCase := range testCases {
		logger, err := NewLogger(testCase.level, FormatJSON)
		if err != nil {
			t.Fatalf("level %q: unexpected error %v", testCase.level, err)
		}
		if !logger.Core().Enabled(testCase.expected) {
			t.Fatalf("level %q: expected %s to be enabled", testCase.level, testCase.expected)
		}
		if testCase.expected > zapcore.DebugLevel && logger.Core().Enabled(testCase.expected-1) {
			t.Fatalf("level %q: expected %s to be disabled", testCase.level, testCase.expected-1)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	if _, err := NewLogger("info", FormatConsole); err != nil {
		t.Fatalf("console format failed: %v", err)
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("expected unsupported format error")
	}
}
