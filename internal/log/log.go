package log

import (
	"log/slog"
	"os"
)

// Setup initializes the global slog.Logger: Debug level (with source
// file/line attached to every record) when debug is set, Info when
// verbose is set, Warn otherwise. It also installs the logger as
// slog's package-level default.
func Setup(debug bool, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	if debug {
		level = slog.LevelDebug
	}

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level, AddSource: debug})
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
