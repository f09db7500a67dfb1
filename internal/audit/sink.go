// Package audit is the fire-and-forget alert/audit sink consumed by the
// streaming client and the gap monitor. Recording never returns an error to
// the caller; delivery problems are logged and dropped.
package audit

import (
	"context"

	"goldflow/logger"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Event is one audit/alert record.
type Event struct {
	Category string
	Severity Severity
	Metric   string
	Value    float64
	Metadata map[string]string
}

// Sink receives audit events. Implementations must not block the caller on
// slow delivery and must swallow their own failures.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// LogSink writes audit events to the structured log only.
type LogSink struct {
	log *logger.Log
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.GetLogger()}
}

func (s *LogSink) Record(_ context.Context, event Event) {
	fields := logger.Fields{
		"category": event.Category,
		"severity": string(event.Severity),
		"metric":   event.Metric,
		"value":    event.Value,
	}
	for key, value := range event.Metadata {
		fields[key] = value
	}
	s.log.WithComponent("audit").WithFields(fields).Info("audit event")
}
