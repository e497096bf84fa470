package notify

import (
	"context"

	"vigilant/core"

	"go.uber.org/zap"
)

// LogSink writes every alert to the application log
type LogSink struct {
	logger *zap.SugaredLogger
}

// NewLogSink creates a sink that logs alerts
func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, alerts []core.Alert) error {
	for _, a := range alerts {
		s.logger.Warnw("Security alert",
			"id", a.ID,
			"server", a.ServerName,
			"rule", a.RuleName,
			"severity", a.Severity,
			"ip", a.IPAddress,
			"user", a.Username,
			"occurred_at", a.OccurredAt,
			"message", a.Message)
	}
	return nil
}
