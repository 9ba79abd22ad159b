package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func resetLogger() {
	mu.Lock()
	logger = nil
	mu.Unlock()
}

func TestInitLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"", zapcore.InfoLevel},
		{"unknown", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			resetLogger()
			if err := InitLogger(tt.level, "console", ""); err != nil {
				t.Fatalf("InitLogger(%q) error = %v", tt.level, err)
			}

			core := Log().Desugar().Core()
			if !core.Enabled(tt.want) {
				t.Errorf("level %v should be enabled for %q", tt.want, tt.level)
			}
			if tt.want > zapcore.DebugLevel && core.Enabled(tt.want-1) {
				t.Errorf("level %v should be disabled for %q", tt.want-1, tt.level)
			}
		})
	}
}

func TestInitLoggerJSONFormat(t *testing.T) {
	resetLogger()
	if err := InitLogger("info", "json", ""); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}

	Info("json formatted log")
}

func TestInitLoggerWithFile(t *testing.T) {
	resetLogger()

	logFile := filepath.Join(t.TempDir(), "api.log")
	if err := InitLogger("info", "json", logFile); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}

	Infof("stats updated in %s", "12ms")
	Sync()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "stats updated in 12ms") {
		t.Errorf("log file = %q, want entry", string(data))
	}
}

func TestInitLoggerInvalidFile(t *testing.T) {
	resetLogger()

	if err := InitLogger("info", "console", "/nonexistent/path/api.log"); err == nil {
		t.Error("InitLogger() should return error for invalid file path")
	}
}

func TestLogReturnsDefaultLogger(t *testing.T) {
	resetLogger()

	if Log() == nil {
		t.Error("Log() should return a logger even when not initialized")
	}
}

func TestSetCoreCapturesEntries(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetCore(core)
	defer resetLogger()

	Debugf("debug %d", 1)
	Infof("info %d", 2)
	Warnf("warn %d", 3)
	Errorf("error %d", 4)

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("captured %d entries, want 4", len(entries))
	}

	want := []string{"debug 1", "info 2", "warn 3", "error 4"}
	for i, e := range entries {
		if e.Message != want[i] {
			t.Errorf("entry[%d] = %q, want %q", i, e.Message, want[i])
		}
	}
}

func TestNamed(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	SetCore(core)
	defer resetLogger()

	Named("live").Infof("broadcast to %d", 3)

	entries := logs.FilterMessage("broadcast to 3").All()
	if len(entries) != 1 {
		t.Fatalf("captured %d entries, want 1", len(entries))
	}
	if entries[0].LoggerName != "live" {
		t.Errorf("LoggerName = %q, want live", entries[0].LoggerName)
	}
}

func BenchmarkInfof(b *testing.B) {
	resetLogger()
	InitLogger("error", "console", "")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Infof("benchmark %s %d", "message", i)
	}
}
