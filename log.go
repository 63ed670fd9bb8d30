package canbus

import (
	"log/slog"

	"github.com/openchassis/canbus/internal/buslog"
)

// SetLogger replaces the package-level logger used by all canbus packages,
// letting applications integrate the stack's logging with their own
// infrastructure. The provided logger should already carry any desired
// attributes; canbus adds none.
//
// If l is nil, the logger resets to the default: slog.Default() with a
// "component" attribute, re-derived on the next use and then cached. Call
// SetLogger(nil) after slog.SetDefault() to pick up changes.
//
// SetLogger is safe to call concurrently with other canbus operations.
func SetLogger(l *slog.Logger) {
	buslog.SetLogger(l)
}
