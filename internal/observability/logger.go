// Package observability carries the service's logging, tracing, and metrics
// plumbing for the query pipeline and its HTTP surface.
package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/sqlbridge/sqlbridge/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// NewLogger builds the service logger from config. Debug profiles get source
// locations; production stays lean.
func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	opts := &slog.HandlerOptions{
		Level:     cfg.Observability.LogLevel,
		AddSource: cfg.Observability.LogLevel <= slog.LevelDebug,
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}
	return slog.New(handler).With(
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	)
}

// TraceLogger returns the logger with the request's trace id attached, so
// pipeline log lines correlate with the HTTP access log.
func TraceLogger(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := TraceIDFromContext(ctx); id != "" {
		return logger.With(slog.String("trace_id", id))
	}
	return logger
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	value, ok := ctx.Value(traceIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
