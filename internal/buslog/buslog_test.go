package buslog_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/openchassis/canbus/internal/buslog"
)

func TestLoggerDefault(t *testing.T) {
	buslog.SetLogger(nil)
	if buslog.Logger() == nil {
		t.Fatal("Logger() returned nil")
	}
	// The default is cached across calls.
	if buslog.Logger() != buslog.Logger() {
		t.Error("default logger not cached")
	}
}

func TestSetLogger(t *testing.T) {
	var buf bytes.Buffer
	custom := slog.New(slog.NewTextHandler(&buf, nil))
	buslog.SetLogger(custom)
	defer buslog.SetLogger(nil)

	if buslog.Logger() != custom {
		t.Fatal("custom logger not installed")
	}
	buslog.Logger().Info("hello")
	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("log output = %q, want it to contain %q", buf.String(), "hello")
	}

	buslog.SetLogger(nil)
	if buslog.Logger() == custom {
		t.Error("SetLogger(nil) did not reset to the default")
	}
}
