// Package logging builds slog loggers and carries request-scoped fields
// through a context.
package logging

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

type ctxKey struct{}

// New builds a logger writing to w. format is "json" or "text"; unknown
// levels fall back to info.
func New(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a context whose logger carries the given attributes in
// addition to any already attached.
func With(ctx context.Context, args ...any) context.Context {
	return context.WithValue(ctx, ctxKey{}, FromContext(ctx, nil).With(args...))
}

// Scoped returns a context whose logger is the one already attached to ctx,
// or base when there is none, extended with args.
func Scoped(ctx context.Context, base *slog.Logger, args ...any) context.Context {
	return Into(ctx, FromContext(ctx, base).With(args...))
}

// FromContext returns the logger attached to ctx, or base (or the default
// logger when base is nil) if none is attached.
func FromContext(ctx context.Context, base *slog.Logger) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	if base != nil {
		return base
	}
	return slog.Default()
}

// Into attaches logger to ctx.
func Into(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}
