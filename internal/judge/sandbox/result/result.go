// Package result defines sandbox execution outcomes and raw run data.
package result

// Phase represents the stage a submission is in while the worker holds it.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseCompiling Phase = "Compiling"
	PhaseRunning   Phase = "Running"
	PhaseFinished  Phase = "Finished"
	PhaseFailed    Phase = "Failed"
)

// Outcome classifies how an execution ended. The sandbox never inspects
// program output, so a completed outcome only means the process ran to
// the end within its limits. Output comparison happens downstream.
type Outcome string

const (
	OutcomeCompleted      Outcome = "completed"
	OutcomeTimedOut       Outcome = "timed-out"
	OutcomeMemoryExceeded Outcome = "memory-exceeded"
	OutcomeOutputExceeded Outcome = "output-exceeded"
	OutcomeCrashed        Outcome = "crashed"
	OutcomeCompileError   Outcome = "compile-error"
	OutcomeSystemError    Outcome = "system-error"
)

// RunResult captures raw sandbox execution data.
type RunResult struct {
	ExitCode   int
	TimeMs     int64
	WallTimeMs int64
	MemoryKB   int64
	OutputKB   int64
	Stdout     string
	Stderr     string
	OomKilled  bool
}

// CompileResult contains compilation outcomes. Log holds a bounded
// excerpt of the compiler output; the workspace it was written to is
// destroyed when the worker returns.
type CompileResult struct {
	OK       bool
	ExitCode int
	TimeMs   int64
	MemoryKB int64
	Log      string
	Error    string
}

// ExecutionResult is the worker response for one submission.
// Run is nil when compilation failed before anything could execute.
type ExecutionResult struct {
	SubmissionID string
	Language     string
	Outcome      Outcome
	Compile      *CompileResult
	Run          *RunResult
	ReceivedAt   int64
	FinishedAt   int64
}
