// Package logging builds the agent logger. Records always go to the chosen
// terminal handler; when the systemd journal is reachable they are fanned out
// there as well with journal-style field names.
package logging

import (
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
	slogjournal "github.com/systemd/slog-journal"
)

// New creates a logger for the given level and format ("text" or "json").
// Unknown levels fall back to info.
func New(level, format string) *slog.Logger {
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var terminal slog.Handler
	if format == "json" {
		terminal = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		terminal = slog.NewTextHandler(os.Stdout, opts)
	}

	handlers := []slog.Handler{terminal}

	journal, err := slogjournal.NewHandler(&slogjournal.Options{
		Level: lvl,
		ReplaceGroup: func(key string) string {
			return journalKey(key)
		},
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			a.Key = journalKey(a.Key)
			return a
		},
	})
	if err == nil {
		handlers = append(handlers, journal)
	}

	if len(handlers) == 1 {
		return slog.New(terminal)
	}
	return slog.New(slogmulti.Fanout(handlers...))
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// journalKey maps an attribute key onto the journal field charset
// (uppercase ASCII, digits and underscores).
func journalKey(key string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(key) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
