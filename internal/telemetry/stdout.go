package telemetry

import (
	"github.com/rjboer/usemu/internal/logging"
)

// Reporter captures frame events.
type Reporter interface {
	ReportFrame(ev FrameEvent)
}

// StdoutReporter logs every frame event.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) ReportFrame(ev FrameEvent) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "seq", Value: ev.Seq},
		{Key: "burst", Value: ev.Burst},
		{Key: "dataset_index", Value: ev.DatasetIndex},
		{Key: "rms", Value: ev.RMS},
	}
	if ev.RunID != "" {
		fields = append(fields, logging.Field{Key: "run", Value: ev.RunID})
	}
	r.logger.Debug("frame", fields...)
}
