package observability

import (
	"context"
	"log/slog"
	"time"
)

type sessionKey struct{}

// WithSession tags ctx with the call session id.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

func SessionFrom(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}

// StartSpan times one stage of a call, e.g. asr/connect or llm/infer. The
// returned func must be called exactly once with the stage's outcome.
func StartSpan(ctx context.Context, component, operation string) (context.Context, func(error)) {
	h := current()
	if h.metrics == nil && !h.tracing {
		return ctx, func(error) {}
	}

	var attrs []slog.Attr
	if h.tracing && h.logger != nil {
		attrs = []slog.Attr{
			slog.String("component", component),
			slog.String("operation", operation),
		}
		if id := SessionFrom(ctx); id != "" {
			attrs = append(attrs, slog.String("session", id))
		}
		h.logger.LogAttrs(ctx, slog.LevelDebug, "span start", attrs...)
	}

	start := time.Now()
	return ctx, func(err error) {
		elapsed := time.Since(start)
		h.metrics.Stage(component, operation, err, elapsed)
		if attrs == nil {
			return
		}
		level := slog.LevelDebug
		end := append(attrs, slog.Duration("duration", elapsed))
		if err != nil {
			level = slog.LevelWarn
			end = append(end, slog.Any("error", err))
		}
		h.logger.LogAttrs(ctx, level, "span end", end...)
	}
}
