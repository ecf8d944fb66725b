package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/ig2spotify/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or when no history store is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.String("account", evt.Account),
		}
		switch evt.Stage {
		case progress.StageRunStage:
			fields = append(fields, zap.String("state", evt.State))
		case progress.StageItemDone:
			fields = append(fields,
				zap.String("file_name", evt.FileName),
				zap.String("status", evt.ItemStatus),
				zap.Duration("dur", evt.Dur),
			)
		case progress.StageRunDone, progress.StageRunError:
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
