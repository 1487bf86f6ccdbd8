package sandbox

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"judgecore/internal/judge/sandbox/config"
	"judgecore/internal/judge/sandbox/profile"
	"judgecore/internal/judge/sandbox/result"
	"judgecore/internal/judge/sandbox/runner"
	"judgecore/internal/judge/sandbox/spec"
	appErr "judgecore/pkg/errors"
)

const (
	compileDirName = "compile"
	runDirName     = "run"
	stdinFileName  = "input.txt"
	runTestID      = "run"

	// Headroom the wall timer grants beyond the CPU budget before the
	// process group is killed.
	wallClockGraceMs = 1000
)

// Worker executes one submission at a time inside a workspace that is
// created fresh and destroyed on every exit path.
type Worker struct {
	runner         runner.Runner
	langRepo       config.LanguageSpecRepository
	profileRepo    config.TaskProfileRepository
	statusReporter StatusReporter
	killer         Killer
}

// NewWorker creates a new worker with required dependencies.
func NewWorker(
	runner runner.Runner,
	langRepo config.LanguageSpecRepository,
	profileRepo config.TaskProfileRepository,
) *Worker {
	return &Worker{
		runner:      runner,
		langRepo:    langRepo,
		profileRepo: profileRepo,
	}
}

// SetStatusReporter injects a status reporter for intermediate updates.
func (w *Worker) SetStatusReporter(reporter StatusReporter) {
	w.statusReporter = reporter
}

// SetKiller injects the engine handle used to terminate submissions.
func (w *Worker) SetKiller(killer Killer) {
	w.killer = killer
}

var _ Service = (*Worker)(nil)

// Execute runs the compile and run workflow for one submission.
// A compile error is a regular result, not an error return. The error
// return is reserved for faults of the sandbox itself so the caller
// can decide whether redelivery makes sense.
func (w *Worker) Execute(ctx context.Context, req ExecRequest) (result.ExecutionResult, error) {
	if err := validateExecRequest(req); err != nil {
		return result.ExecutionResult{}, err
	}
	if w.runner == nil || w.langRepo == nil || w.profileRepo == nil {
		return result.ExecutionResult{}, appErr.New(appErr.JudgeSystemError).WithMessage("worker dependencies are not initialized")
	}

	lang, err := w.langRepo.GetLanguageSpec(ctx, req.LanguageID)
	if err != nil {
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "load language spec failed")
	}
	if lang.SourceFile == "" {
		return result.ExecutionResult{}, appErr.New(appErr.JudgeSystemError).WithMessage("language source file is not configured")
	}
	if lang.CompileEnabled && lang.BinaryFile == "" {
		return result.ExecutionResult{}, appErr.New(appErr.JudgeSystemError).WithMessage("language binary file is not configured")
	}

	runProfile, err := w.profileRepo.GetTaskProfile(ctx, profile.TaskTypeRun, lang.ID)
	if err != nil {
		return result.ExecutionResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "load run profile failed")
	}

	var compileProfile profile.TaskProfile
	if lang.CompileEnabled {
		compileProfile, err = w.profileRepo.GetTaskProfile(ctx, profile.TaskTypeCompile, lang.ID)
		if err != nil {
			return result.ExecutionResult{}, appErr.Wrapf(err, appErr.JudgeSystemError, "load compile profile failed")
		}
	}

	receivedAt := req.ReceivedAt
	if receivedAt == 0 {
		receivedAt = time.Now().Unix()
	}
	execRes := result.ExecutionResult{
		SubmissionID: req.SubmissionID,
		Language:     lang.ID,
		ReceivedAt:   receivedAt,
	}

	// A redelivered submission must never see files from an earlier
	// attempt, so any leftover workspace is wiped before use.
	submissionRoot := filepath.Join(req.WorkRoot, req.SubmissionID)
	if err := os.RemoveAll(submissionRoot); err != nil {
		return execRes, appErr.Wrapf(err, appErr.JudgeSystemError, "reset submission work root failed")
	}
	if err := os.MkdirAll(submissionRoot, 0755); err != nil {
		return execRes, appErr.Wrapf(err, appErr.JudgeSystemError, "create submission work root failed")
	}
	defer func() {
		_ = os.RemoveAll(submissionRoot)
	}()

	if lang.CompileEnabled {
		w.reportPhase(ctx, req, result.PhaseCompiling, receivedAt, 0)
		compileDir := filepath.Join(submissionRoot, compileDirName)
		if err := os.MkdirAll(compileDir, 0755); err != nil {
			return execRes, appErr.Wrapf(err, appErr.JudgeSystemError, "create compile workdir failed")
		}
		compileReq := runner.CompileRequest{
			SubmissionID:      req.SubmissionID,
			Language:          lang,
			Profile:           compileProfile,
			WorkDir:           compileDir,
			SourcePath:        req.SourcePath,
			ExtraCompileFlags: req.ExtraCompileFlags,
			Limits:            spec.ResourceLimit{},
		}
		compileRes, compileErr := w.runner.Compile(ctx, compileReq)
		execRes.Compile = &compileRes
		if compileErr != nil {
			execRes.Outcome = result.OutcomeSystemError
			execRes.FinishedAt = time.Now().Unix()
			w.reportPhase(ctx, req, result.PhaseFailed, receivedAt, execRes.FinishedAt)
			return execRes, compileErr
		}
		if !compileRes.OK {
			execRes.Outcome = result.OutcomeCompileError
			execRes.FinishedAt = time.Now().Unix()
			w.reportPhase(ctx, req, result.PhaseFinished, receivedAt, execRes.FinishedAt)
			return execRes, nil
		}
	}

	runDir := filepath.Join(submissionRoot, runDirName)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return execRes, appErr.Wrapf(err, appErr.JudgeSystemError, "create run workdir failed")
	}

	if lang.CompileEnabled {
		src := filepath.Join(submissionRoot, compileDirName, lang.BinaryFile)
		if err := stageFile(src, filepath.Join(runDir, lang.BinaryFile), 0755); err != nil {
			return execRes, err
		}
	} else {
		if err := stageFile(req.SourcePath, filepath.Join(runDir, lang.SourceFile), 0644); err != nil {
			return execRes, err
		}
	}

	stdinPath := filepath.Join(runDir, stdinFileName)
	if err := os.WriteFile(stdinPath, req.Stdin, 0644); err != nil {
		return execRes, appErr.Wrapf(err, appErr.JudgeSystemError, "write stdin file failed")
	}

	w.reportPhase(ctx, req, result.PhaseRunning, receivedAt, 0)
	runReq := runner.RunRequest{
		SubmissionID: req.SubmissionID,
		TestID:       runTestID,
		Language:     lang,
		Profile:      runProfile,
		WorkDir:      runDir,
		InputPath:    stdinPath,
		Limits:       requestLimits(req),
	}
	runRes, outcome, runErr := w.runner.Run(ctx, runReq)
	execRes.Run = &runRes
	execRes.FinishedAt = time.Now().Unix()
	if runErr != nil {
		execRes.Outcome = result.OutcomeSystemError
		w.reportPhase(ctx, req, result.PhaseFailed, receivedAt, execRes.FinishedAt)
		return execRes, runErr
	}

	execRes.Outcome = outcome
	w.reportPhase(ctx, req, result.PhaseFinished, receivedAt, execRes.FinishedAt)
	return execRes, nil
}

// Kill terminates all processes of a submission currently executing.
func (w *Worker) Kill(ctx context.Context, submissionID string) error {
	if submissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if w.killer == nil {
		return appErr.New(appErr.JudgeSystemError).WithMessage("kill requires an engine handle")
	}
	return w.killer.KillSubmission(ctx, submissionID)
}

func (w *Worker) reportPhase(ctx context.Context, req ExecRequest, phase result.Phase, receivedAt, finishedAt int64) {
	if w.statusReporter == nil {
		return
	}
	_ = w.statusReporter.ReportStatus(ctx, StatusUpdate{
		SubmissionID: req.SubmissionID,
		Phase:        phase,
		Language:     req.LanguageID,
		ReceivedAt:   receivedAt,
		FinishedAt:   finishedAt,
	})
}

func validateExecRequest(req ExecRequest) error {
	if req.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	if req.LanguageID == "" {
		return appErr.ValidationError("language_id", "required")
	}
	if req.WorkRoot == "" {
		return appErr.ValidationError("work_root", "required")
	}
	if req.SourcePath == "" {
		return appErr.ValidationError("source_path", "required")
	}
	return nil
}

func requestLimits(req ExecRequest) spec.ResourceLimit {
	limits := spec.ResourceLimit{}
	if req.TimeLimitMs > 0 {
		limits.CPUTimeMs = req.TimeLimitMs
		limits.WallTimeMs = req.TimeLimitMs + wallClockGraceMs
	}
	if req.MemoryLimitMB > 0 {
		limits.MemoryMB = req.MemoryLimitMB
	}
	return limits
}

func stageFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "open staged file failed")
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "create staged file failed")
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "copy staged file failed")
	}
	if err := dstFile.Chmod(mode); err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "chmod staged file failed")
	}
	return nil
}
