package sandbox

import (
	"context"

	"judgecore/internal/judge/sandbox/result"
)

// StatusUpdate carries intermediate execution progress.
type StatusUpdate struct {
	SubmissionID string
	Phase        result.Phase
	Language     string
	ReceivedAt   int64
	FinishedAt   int64
}

// StatusReporter observes phase transitions while the worker holds a
// submission.
type StatusReporter interface {
	ReportStatus(ctx context.Context, update StatusUpdate) error
}
