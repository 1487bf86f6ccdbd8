package service

import (
	"context"

	"judgecore/pkg/utils/logger"

	"go.uber.org/zap"
)

// LogMetricsRecorder emits one structured log line per sandbox phase.
// Log aggregation is the metrics backend here.
type LogMetricsRecorder struct{}

// NewLogMetricsRecorder creates a recorder.
func NewLogMetricsRecorder() *LogMetricsRecorder {
	return &LogMetricsRecorder{}
}

// ObserveCompile logs one compile phase.
func (LogMetricsRecorder) ObserveCompile(ctx context.Context, languageID string, ok bool, timeMs int64, memoryKB int64) {
	logger.Info(ctx, "sandbox compile",
		zap.String("language_id", languageID),
		zap.Bool("ok", ok),
		zap.Int64("time_ms", timeMs),
		zap.Int64("memory_kb", memoryKB))
}

// ObserveRun logs one run phase.
func (LogMetricsRecorder) ObserveRun(ctx context.Context, languageID string, outcome string, timeMs int64, memoryKB int64, outputKB int64) {
	logger.Info(ctx, "sandbox run",
		zap.String("language_id", languageID),
		zap.String("outcome", outcome),
		zap.Int64("time_ms", timeMs),
		zap.Int64("memory_kb", memoryKB),
		zap.Int64("output_kb", outputKB))
}
