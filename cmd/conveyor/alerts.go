package main

import (
	"log/slog"

	"github.com/rcommerce/conveyor/metrics"
)

// metricsAlertLogger logs alert transitions.
func metricsAlertLogger(logger *slog.Logger) metrics.Option {
	return metrics.OnAlert(func(a metrics.Alert) {
		attrs := []any{
			slog.String("rule", a.Rule.Name),
			slog.String("kind", string(a.Rule.Kind)),
			slog.Float64("value", a.Value),
			slog.Float64("threshold", a.Rule.Threshold),
		}
		if a.Rule.Queue != "" {
			attrs = append(attrs, slog.String("queue", a.Rule.Queue))
		}
		if a.Firing {
			logger.Warn("alert firing", attrs...)
			return
		}
		logger.Info("alert resolved", attrs...)
	})
}
