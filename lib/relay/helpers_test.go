package relay

import (
	"io"
	"log/slog"
)

// discardLogger returns a logger that writes nowhere, used by tests that
// need a *slog.Logger but don't want to assert on log output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
