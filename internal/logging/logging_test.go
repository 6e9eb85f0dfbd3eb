package logging

import (
	"testing"

	"hl-funding-arb/internal/config"

	"go.uber.org/zap/zapcore"
)

func TestNewLevels(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"WARN":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"bogus": zapcore.InfoLevel,
		"":      zapcore.InfoLevel,
	}
	for in, want := range cases {
		log := New(config.LoggingConfig{Level: in})
		if !log.Core().Enabled(want) {
			t.Fatalf("level %q: expected %s enabled", in, want)
		}
		if want > zapcore.DebugLevel && log.Core().Enabled(want-1) {
			t.Fatalf("level %q: expected %s disabled", in, want-1)
		}
	}
}
