package logging

import (
	"go.uber.org/zap/zapcore"
)

// TraceLevel sits below Debug. The wire codec uses it for payload dumps, so
// it should stay disabled outside of protocol debugging.
const TraceLevel = zapcore.Level(-2)

// LevelFromString parses a level name, accepting "trace" in addition to the
// zap names.
func LevelFromString(level string) (zapcore.Level, error) {
	if level == "trace" {
		return TraceLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}
