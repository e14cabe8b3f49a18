package audit

import (
	"context"
	"log/slog"
)

// Event is one audit trail entry.
type Event struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *Event) error
}

// RecorderFunc adapts a function to a Recorder.
type RecorderFunc func(ctx context.Context, event *Event) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// LogRecorder writes events as structured log records. Critical events
// are logged at error level, warnings at warn, the rest at info.
func LogRecorder(logger *slog.Logger) Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return RecorderFunc(func(ctx context.Context, evt *Event) error {
		level := slog.LevelInfo
		switch evt.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityCritical:
			level = slog.LevelError
		}

		attrs := make([]slog.Attr, 0, len(evt.Metadata)+4)
		attrs = append(attrs,
			slog.String("action", evt.Action),
			slog.String(evt.Resource, evt.ResourceID),
			slog.String("outcome", evt.Outcome),
		)
		if evt.Reason != "" {
			attrs = append(attrs, slog.String("reason", evt.Reason))
		}
		for k, v := range evt.Metadata {
			if k == "error" {
				continue
			}
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(ctx, level, "audit", attrs...)
		return nil
	})
}
