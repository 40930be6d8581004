package realtime

import (
	"log/slog"

	"github.com/novelytical/realtime/internal/logging"
)

// Option configures a Pool with optional dependencies.
type Option func(*poolOptions)

// poolOptions holds optional Pool configuration.
type poolOptions struct {
	logger  Logger
	metrics MetricsCollector
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for NewPool
//
// Example:
//
//	logger := zap.NewExample().Sugar()
//	pool, _ := realtime.NewPool(&cfg, opener, realtime.WithLogger(logger))
func WithLogger(logger Logger) Option {
	return func(o *poolOptions) {
		o.logger = logger
	}
}

// WithSlogLogger sets a logger backed by Go's standard log/slog package.
//
// Parameters:
//   - logger: slog.Logger to adapt; nil uses slog.Default()
//
// Returns:
//   - Option: Functional option for NewPool
//
// Example:
//
//	handler := slog.NewJSONHandler(os.Stdout, nil)
//	pool, _ := realtime.NewPool(&cfg, opener, realtime.WithSlogLogger(slog.New(handler)))
func WithSlogLogger(logger *slog.Logger) Option {
	return func(o *poolOptions) {
		if logger == nil {
			o.logger = logging.NewSlogDefault()
			return
		}
		o.logger = logging.NewSlog(logger)
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewPool
//
// Example:
//
//	collector := metrics.NewPrometheus(nil, "novelytical")
//	pool, _ := realtime.NewPool(&cfg, opener, realtime.WithMetrics(collector))
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *poolOptions) {
		o.metrics = metrics
	}
}
