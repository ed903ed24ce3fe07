package alert

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ChannelPipe/internal/models"
)

// LogSink writes events to the log.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(ctx context.Context, evt models.AlertEvent) error {
	level := slog.LevelInfo
	switch evt.Severity {
	case models.SeverityWarning:
		level = slog.LevelWarn
	case models.SeverityCritical:
		level = slog.LevelError
	}
	attrs := []any{"alert_kind", evt.Kind, "severity", evt.Severity}
	for k, v := range evt.Context {
		attrs = append(attrs, k, v)
	}
	s.logger.Log(ctx, level, evt.Message, attrs...)
	return nil
}

// Poster posts a titled text message, as notify.Teams does.
type Poster interface {
	Post(ctx context.Context, title, text string) error
}

// TeamsSink posts events to a Teams channel.
type TeamsSink struct {
	poster Poster
}

// NewTeamsSink creates a TeamsSink.
func NewTeamsSink(p Poster) *TeamsSink {
	return &TeamsSink{poster: p}
}

func (s *TeamsSink) Name() string { return "teams" }

func (s *TeamsSink) Send(ctx context.Context, evt models.AlertEvent) error {
	return s.poster.Post(ctx, "ChannelPipe alert: "+string(evt.Kind), format(evt))
}
