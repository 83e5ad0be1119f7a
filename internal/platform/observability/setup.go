package observability

import (
	"context"
	"log/slog"
	"sync"
)

type Config struct {
	// Tracing logs every span at debug level. Span durations are recorded in
	// the stage histogram either way.
	Tracing bool
}

// ShutdownFunc uninstalls what Setup installed.
type ShutdownFunc func(context.Context) error

type hooks struct {
	logger  *slog.Logger
	tracing bool
	metrics *Metrics
}

var (
	hooksMu   sync.RWMutex
	installed hooks
)

func current() hooks {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return installed
}

// Setup builds the Prometheus collectors and installs them, together with the
// span logger, as the target of StartSpan.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (*Metrics, ShutdownFunc, error) {
	metrics := NewMetrics()

	hooksMu.Lock()
	installed = hooks{logger: logger, tracing: cfg.Tracing, metrics: metrics}
	hooksMu.Unlock()

	if logger != nil {
		logger.InfoContext(ctx, "[指标] Prometheus 指标已启用", slog.Bool("tracing", cfg.Tracing))
	}

	shutdown := func(context.Context) error {
		hooksMu.Lock()
		if installed.metrics == metrics {
			installed = hooks{}
		}
		hooksMu.Unlock()
		return nil
	}
	return metrics, shutdown, nil
}

// Tracing reports whether spans are being logged.
func Tracing() bool {
	h := current()
	return h.tracing && h.logger != nil
}
