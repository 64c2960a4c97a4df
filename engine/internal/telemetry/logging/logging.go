package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"batcom/engine/internal/telemetry/tracing"
)

// Logger is a minimal leveled interface the subsystems log through. Every
// method injects the trace/span IDs carried by the context so log lines
// correlate with telemetry events from the same decision cycle.
type Logger interface {
	DebugCtx(ctx context.Context, msg string, attrs ...any)
	InfoCtx(ctx context.Context, msg string, attrs ...any)
	WarnCtx(ctx context.Context, msg string, attrs ...any)
	ErrorCtx(ctx context.Context, msg string, attrs ...any)
}

type correlatedLogger struct{ base *slog.Logger }

// New returns a correlated Logger wrapping base, or the process default
// when nil.
func New(base *slog.Logger) Logger {
	if base == nil {
		base = slog.Default()
	}
	return &correlatedLogger{base: base}
}

// NewLeveled builds a stderr text logger honoring the configured level
// (DEBUG, INFO, WARN, ERROR).
func NewLeveled(level string) Logger {
	return New(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: ParseLevel(level)})))
}

// ParseLevel maps config strings onto slog levels, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func correlate(ctx context.Context, attrs []any) []any {
	traceID, spanID := tracing.ExtractIDs(ctx)
	if traceID != "" || spanID != "" {
		attrs = append(attrs, slog.String("trace_id", traceID), slog.String("span_id", spanID))
	}
	return attrs
}

func (l *correlatedLogger) DebugCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.DebugContext(ctx, msg, correlate(ctx, attrs)...)
}

func (l *correlatedLogger) InfoCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.InfoContext(ctx, msg, correlate(ctx, attrs)...)
}

func (l *correlatedLogger) WarnCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.WarnContext(ctx, msg, correlate(ctx, attrs)...)
}

func (l *correlatedLogger) ErrorCtx(ctx context.Context, msg string, attrs ...any) {
	l.base.ErrorContext(ctx, msg, correlate(ctx, attrs)...)
}

// Nop returns a logger that discards everything; used in tests.
func Nop() Logger {
	return New(slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.Level(127)})))
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
