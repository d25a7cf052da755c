package zaplog

import (
	"testing"

	"github.com/AnishMulay/sandgate/internal/log_service"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapLogService_Metadata(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	ls := NewZapLogServiceFromLogger(zap.New(core))

	ls.Info(log_service.LogEvent{
		Message:  "device allocated",
		Metadata: map[string]any{"deviceId": 7, "backend": "pool-A"},
	})

	entries := logs.FilterMessage("device allocated").All()
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["backend"] != "pool-A" {
		t.Errorf("backend = %v, want pool-A", ctx["backend"])
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Errorf("level = %v, want info", entries[0].Level)
	}
}

func TestToZapLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{log_service.DebugLevel, zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{log_service.WarnLevel, zapcore.WarnLevel},
		{log_service.ErrorLevel, zapcore.ErrorLevel},
		{"bogus", zapcore.DebugLevel},
	}

	for _, tt := range tests {
		if got := toZapLevel(tt.in); got != tt.want {
			t.Errorf("toZapLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
