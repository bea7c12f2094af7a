package testutil

import (
	"log/slog"
	"os"
)

// Logger returns a text logger for tests. Set LEAF_TEST_DEBUG=1 to see
// debug output.
func Logger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("LEAF_TEST_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
