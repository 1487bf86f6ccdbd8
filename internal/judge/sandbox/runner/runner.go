package runner

import (
	"context"

	"judgecore/internal/judge/sandbox/profile"
	"judgecore/internal/judge/sandbox/result"
	"judgecore/internal/judge/sandbox/spec"
)

// CompileRequest describes one compilation task.
type CompileRequest struct {
	SubmissionID      string
	Language          profile.LanguageSpec
	Profile           profile.TaskProfile
	WorkDir           string
	SourcePath        string
	ExtraCompileFlags []string
	Limits            spec.ResourceLimit
}

// RunRequest describes one execution task. The program reads InputPath
// on stdin and its stdout is captured inside WorkDir.
type RunRequest struct {
	SubmissionID string
	TestID       string
	Language     profile.LanguageSpec
	Profile      profile.TaskProfile
	WorkDir      string
	InputPath    string
	Limits       spec.ResourceLimit
}

// Runner orchestrates compile and run workflows.
type Runner interface {
	Compile(ctx context.Context, req CompileRequest) (result.CompileResult, error)
	Run(ctx context.Context, req RunRequest) (result.RunResult, result.Outcome, error)
}
