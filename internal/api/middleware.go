package api

import (
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// NewLoggingMiddleware logs every request at a level derived from the status:
// server errors at error, client errors at warn, the rest at info. Event
// streams are logged when they close.
func NewLoggingMiddleware(logger *slog.Logger) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		start := time.Now()

		attrs := []slog.Attr{
			slog.String("method", ctx.Method()),
			slog.String("path", ctx.URL().Path),
			slog.String("remote_addr", ctx.RemoteAddr()),
		}
		u := ctx.URL()
		query := u.Query()
		query.Del("auth")
		if encoded := query.Encode(); encoded != "" {
			attrs = append(attrs, slog.String("query", encoded))
		}

		next(ctx)

		status := ctx.Status()
		attrs = append(attrs,
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		)

		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		}
		logger.LogAttrs(ctx.Context(), level, "HTTP request completed", attrs...)
	}
}
