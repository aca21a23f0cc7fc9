package emit

import (
	"log/slog"
)

// LogEmitter writes events as structured log records through slog.
//
// Each event becomes one record at Debug level (Error level when the event
// carries an "error" meta key), with run_id, step and node_id attributes and
// the remaining meta flattened alongside.
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter. A nil logger falls back to
// slog.Default().
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit writes the event as a log record.
func (l *LogEmitter) Emit(event Event) {
	attrs := make([]any, 0, 6+2*len(event.Meta))
	attrs = append(attrs,
		slog.String("run_id", event.RunID),
		slog.Int("step", event.Step),
	)
	if event.NodeID != "" {
		attrs = append(attrs, slog.String("node_id", event.NodeID))
	}
	for k, v := range event.Meta {
		attrs = append(attrs, slog.Any(k, v))
	}

	if _, failed := event.Meta["error"]; failed {
		l.logger.Error(event.Msg, attrs...)
		return
	}
	l.logger.Debug(event.Msg, attrs...)
}
