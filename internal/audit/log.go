package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes events to a zap logger.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	fields := []zap.Field{
		zap.String("type", "audit"),
		zap.String("event", ev.Type),
		zap.String("event_id", ev.ID),
		zap.Time("occurred_at", ev.OccurredAt),
	}
	if ev.Subject != "" {
		fields = append(fields, zap.String("subject", ev.Subject))
	}
	if ev.RequestID != "" {
		fields = append(fields, zap.String("request_id", ev.RequestID))
	}
	if len(ev.Fields) > 0 {
		fields = append(fields, zap.Any("fields", ev.Fields))
	}
	p.logger.Info("audit", fields...)
	return nil
}
