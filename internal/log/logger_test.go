package log

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInitLoggerLevels(t *testing.T) {
	tests := []struct {
		debug bool
		want  map[zapcore.Level]bool
	}{
		{false, map[zapcore.Level]bool{zapcore.DebugLevel: false, zapcore.InfoLevel: false, zapcore.WarnLevel: true}},
		{true, map[zapcore.Level]bool{zapcore.DebugLevel: true, zapcore.InfoLevel: true, zapcore.WarnLevel: true}},
	}
	for _, tt := range tests {
		InitLogger(tt.debug)
		core := GetLogger().Desugar().Core()
		for lvl, want := range tt.want {
			if got := core.Enabled(lvl); got != want {
				t.Errorf("debug=%v: %s enabled=%v, want %v", tt.debug, lvl, got, want)
			}
		}
	}
	InitLogger(false)
}
