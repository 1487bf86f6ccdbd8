// Package sandbox defines the public call interface used by the judge service.
package sandbox

import (
	"context"

	"judgecore/internal/judge/sandbox/result"
)

// Service is the high-level sandbox entrypoint used by the judge layer.
type Service interface {
	Execute(ctx context.Context, req ExecRequest) (result.ExecutionResult, error)
	Kill(ctx context.Context, submissionID string) error
}

// Killer terminates every process belonging to a submission. The
// sandbox engine implements it through its cgroup registry.
type Killer interface {
	KillSubmission(ctx context.Context, submissionID string) error
}

// ExecRequest carries everything needed to execute one submission.
// SourcePath must point to a local file prepared before the call; the
// worker stages it into a disposable workspace of its own and never
// writes outside WorkRoot.
type ExecRequest struct {
	SubmissionID string
	LanguageID   string

	// WorkRoot is the host path used to create the per-submission workspace.
	WorkRoot   string
	SourcePath string

	// Stdin is fed to the program byte for byte. Empty means the
	// program reads EOF immediately.
	Stdin []byte

	// TimeLimitMs and MemoryLimitMB override the run profile defaults
	// when positive. Language multipliers still apply on top.
	TimeLimitMs   int64
	MemoryLimitMB int64

	// ExtraCompileFlags must be filtered by the caller before use.
	ExtraCompileFlags []string

	// ReceivedAt is when the pipeline accepted the submission, unix seconds.
	ReceivedAt int64
}
