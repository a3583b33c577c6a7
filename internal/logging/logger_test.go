package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/example/aigate/internal/config"
)

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		l, err := New(config.LoggingConfig{Level: level})
		if err != nil {
			t.Fatalf("level %s: unexpected error: %v", level, err)
		}
		if l == nil {
			t.Fatalf("level %s: nil logger", level)
		}
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if parseLevel("bogus") != zapcore.InfoLevel {
		t.Error("unknown level must fall back to info")
	}
	if parseLevel("error") != zapcore.ErrorLevel {
		t.Error("error level not parsed")
	}
}

func TestFileOutputWithRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aigate.log")

	l, err := New(config.LoggingConfig{
		Level:  "info",
		Output: path,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l.Info("startup", zap.String("component", "test"))
	l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), "startup") {
		t.Errorf("log file missing entry: %s", data)
	}
}

func TestSetGlobal(t *testing.T) {
	old := Global()
	defer SetGlobal(old)

	l := zap.NewNop()
	SetGlobal(l)
	if Global() != l {
		t.Error("SetGlobal did not replace global logger")
	}
}
