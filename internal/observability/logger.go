package observability

import (
	"context"
	"io"
	"log/slog"

	"github.com/duckmesh/duckshare/internal/config"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

func NewLogger(cfg config.Config, writer io.Writer) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	var handler slog.Handler
	if cfg.Observability.LogJSON {
		handler = slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	} else {
		handler = slog.NewTextHandler(writer, &slog.HandlerOptions{Level: cfg.Observability.LogLevel})
	}
	attrs := []any{
		slog.String("service", cfg.Service.Name),
		slog.String("profile", string(cfg.Profile)),
	}
	if cfg.Sharing.SigningMode != "" {
		attrs = append(attrs, slog.String("signing_mode", string(cfg.Sharing.SigningMode)))
	}
	return slog.New(handler).With(attrs...)
}

// NewCLILogger is the logger for client-side tools. They have no service
// config, so only warnings are shown unless debug is set.
func NewCLILogger(writer io.Writer, debug bool) *slog.Logger {
	if writer == nil {
		writer = io.Discard
	}
	level := slog.LevelWarn
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{Level: level}))
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
