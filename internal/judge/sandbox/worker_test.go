package sandbox_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"judgecore/internal/judge/sandbox"
	"judgecore/internal/judge/sandbox/profile"
	"judgecore/internal/judge/sandbox/result"
	"judgecore/internal/judge/sandbox/runner"
	pkgerrors "judgecore/pkg/errors"
)

// fakeRunner records requests and lets tests observe the workspace
// through onCompile/onRun while it still exists. The worker removes
// the whole submission directory before Execute returns.
type fakeRunner struct {
	compileRes  result.CompileResult
	compileErr  error
	onCompile   func(req runner.CompileRequest)
	runRes      result.RunResult
	runOutcome  result.Outcome
	runErr      error
	onRun       func(req runner.RunRequest)
	compileReqs []runner.CompileRequest
	runReqs     []runner.RunRequest
}

func (f *fakeRunner) Compile(ctx context.Context, req runner.CompileRequest) (result.CompileResult, error) {
	f.compileReqs = append(f.compileReqs, req)
	if f.onCompile != nil {
		f.onCompile(req)
	}
	return f.compileRes, f.compileErr
}

func (f *fakeRunner) Run(ctx context.Context, req runner.RunRequest) (result.RunResult, result.Outcome, error) {
	f.runReqs = append(f.runReqs, req)
	if f.onRun != nil {
		f.onRun(req)
	}
	if f.runErr != nil {
		return f.runRes, result.OutcomeSystemError, f.runErr
	}
	outcome := f.runOutcome
	if outcome == "" {
		outcome = result.OutcomeCompleted
	}
	return f.runRes, outcome, nil
}

type fakeLangRepo struct {
	spec profile.LanguageSpec
	err  error
}

func (f fakeLangRepo) GetLanguageSpec(ctx context.Context, id string) (profile.LanguageSpec, error) {
	return f.spec, f.err
}

type fakeProfileRepo struct {
	profiles map[profile.TaskType]profile.TaskProfile
	err      error
}

func (f fakeProfileRepo) GetTaskProfile(ctx context.Context, taskType profile.TaskType, languageID string) (profile.TaskProfile, error) {
	if f.err != nil {
		return profile.TaskProfile{}, f.err
	}
	if prof, ok := f.profiles[taskType]; ok {
		return prof, nil
	}
	return profile.TaskProfile{}, pkgerrors.New(pkgerrors.NotFound)
}

type fakeReporter struct {
	updates []sandbox.StatusUpdate
}

func (f *fakeReporter) ReportStatus(ctx context.Context, update sandbox.StatusUpdate) error {
	f.updates = append(f.updates, update)
	return nil
}

type fakeKiller struct {
	killed []string
	err    error
}

func (f *fakeKiller) KillSubmission(ctx context.Context, submissionID string) error {
	f.killed = append(f.killed, submissionID)
	return f.err
}

func compiledLang() profile.LanguageSpec {
	return profile.LanguageSpec{
		ID:             "cpp",
		SourceFile:     "main.cpp",
		BinaryFile:     "main",
		CompileEnabled: true,
	}
}

func interpretedLang() profile.LanguageSpec {
	return profile.LanguageSpec{
		ID:             "python",
		SourceFile:     "main.py",
		CompileEnabled: false,
	}
}

func bothProfiles() fakeProfileRepo {
	return fakeProfileRepo{profiles: map[profile.TaskType]profile.TaskProfile{
		profile.TaskTypeCompile: {TaskType: profile.TaskTypeCompile},
		profile.TaskTypeRun:     {TaskType: profile.TaskTypeRun},
	}}
}

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

func assertRemoved(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); err == nil {
		t.Fatalf("expected %s to be removed", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stat %s: %v", path, err)
	}
}

func TestWorkerCompileFail(t *testing.T) {
	workRoot := t.TempDir()
	sourcePath := writeSource(t, workRoot, "main.cpp", "int main( {")

	r := &fakeRunner{compileRes: result.CompileResult{OK: false, ExitCode: 1, Log: "syntax error"}}
	reporter := &fakeReporter{}
	worker := sandbox.NewWorker(r, fakeLangRepo{spec: compiledLang()}, bothProfiles())
	worker.SetStatusReporter(reporter)

	res, err := worker.Execute(context.Background(), sandbox.ExecRequest{
		SubmissionID: "sub-1",
		LanguageID:   "cpp",
		WorkRoot:     workRoot,
		SourcePath:   sourcePath,
		Stdin:        []byte("1\n"),
	})
	if err != nil {
		t.Fatalf("expected compile failure to return nil error, got %v", err)
	}
	if res.Outcome != result.OutcomeCompileError {
		t.Fatalf("expected compile-error outcome, got %s", res.Outcome)
	}
	if res.Compile == nil || res.Compile.OK {
		t.Fatalf("expected failed compile result, got %+v", res.Compile)
	}
	if res.Run != nil {
		t.Fatalf("expected no run result, got %+v", res.Run)
	}
	if len(r.runReqs) != 0 {
		t.Fatalf("expected no run calls, got %d", len(r.runReqs))
	}
	if len(reporter.updates) != 2 ||
		reporter.updates[0].Phase != result.PhaseCompiling ||
		reporter.updates[1].Phase != result.PhaseFinished {
		t.Fatalf("unexpected phase sequence: %+v", reporter.updates)
	}
	assertRemoved(t, filepath.Join(workRoot, "sub-1"))
}

func TestWorkerCompiledFlow(t *testing.T) {
	workRoot := t.TempDir()
	sourcePath := writeSource(t, workRoot, "main.cpp", "int main() {return 0;}")

	r := &fakeRunner{
		compileRes: result.CompileResult{OK: true},
		runRes:     result.RunResult{ExitCode: 0, TimeMs: 42, Stdout: "3\n"},
		runOutcome: result.OutcomeCompleted,
	}
	r.onCompile = func(req runner.CompileRequest) {
		if err := os.WriteFile(filepath.Join(req.WorkDir, "main"), []byte("binary"), 0755); err != nil {
			t.Fatalf("write fake binary: %v", err)
		}
	}
	r.onRun = func(req runner.RunRequest) {
		data, err := os.ReadFile(filepath.Join(req.WorkDir, "main"))
		if err != nil {
			t.Fatalf("expected staged binary: %v", err)
		}
		if string(data) != "binary" {
			t.Fatalf("unexpected staged binary content: %q", data)
		}
		info, err := os.Stat(filepath.Join(req.WorkDir, "main"))
		if err != nil {
			t.Fatalf("stat staged binary: %v", err)
		}
		if info.Mode()&0111 == 0 {
			t.Fatalf("expected staged binary to be executable, mode %v", info.Mode())
		}
		stdin, err := os.ReadFile(req.InputPath)
		if err != nil {
			t.Fatalf("expected stdin file: %v", err)
		}
		if string(stdin) != "1 2\n" {
			t.Fatalf("unexpected stdin content: %q", stdin)
		}
	}

	reporter := &fakeReporter{}
	worker := sandbox.NewWorker(r, fakeLangRepo{spec: compiledLang()}, bothProfiles())
	worker.SetStatusReporter(reporter)

	res, err := worker.Execute(context.Background(), sandbox.ExecRequest{
		SubmissionID:  "sub-2",
		LanguageID:    "cpp",
		WorkRoot:      workRoot,
		SourcePath:    sourcePath,
		Stdin:         []byte("1 2\n"),
		TimeLimitMs:   1500,
		MemoryLimitMB: 128,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Outcome != result.OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %s", res.Outcome)
	}
	if res.Run == nil || res.Run.TimeMs != 42 {
		t.Fatalf("unexpected run result: %+v", res.Run)
	}
	if res.FinishedAt == 0 {
		t.Fatalf("expected finished timestamp")
	}

	if len(r.runReqs) != 1 {
		t.Fatalf("expected 1 run call, got %d", len(r.runReqs))
	}
	runReq := r.runReqs[0]
	if runReq.TestID != "run" {
		t.Fatalf("unexpected run test id: %s", runReq.TestID)
	}
	wantDir := filepath.Join(workRoot, "sub-2", "run")
	if runReq.WorkDir != wantDir {
		t.Fatalf("expected run workdir %s, got %s", wantDir, runReq.WorkDir)
	}
	if runReq.Limits.CPUTimeMs != 1500 {
		t.Fatalf("expected CPUTimeMs 1500, got %d", runReq.Limits.CPUTimeMs)
	}
	if runReq.Limits.WallTimeMs != 2500 {
		t.Fatalf("expected WallTimeMs 2500, got %d", runReq.Limits.WallTimeMs)
	}
	if runReq.Limits.MemoryMB != 128 {
		t.Fatalf("expected MemoryMB 128, got %d", runReq.Limits.MemoryMB)
	}

	if len(reporter.updates) != 3 ||
		reporter.updates[0].Phase != result.PhaseCompiling ||
		reporter.updates[1].Phase != result.PhaseRunning ||
		reporter.updates[2].Phase != result.PhaseFinished {
		t.Fatalf("unexpected phase sequence: %+v", reporter.updates)
	}
	assertRemoved(t, filepath.Join(workRoot, "sub-2"))
}

func TestWorkerInterpretedStagesSource(t *testing.T) {
	workRoot := t.TempDir()
	source := "print(sum(map(int, input().split())))"
	sourcePath := writeSource(t, workRoot, "solution.py", source)

	r := &fakeRunner{runOutcome: result.OutcomeCompleted}
	r.onRun = func(req runner.RunRequest) {
		data, err := os.ReadFile(filepath.Join(req.WorkDir, "main.py"))
		if err != nil {
			t.Fatalf("expected staged source: %v", err)
		}
		if string(data) != source {
			t.Fatalf("unexpected staged source: %q", data)
		}
	}

	reporter := &fakeReporter{}
	worker := sandbox.NewWorker(r, fakeLangRepo{spec: interpretedLang()}, bothProfiles())
	worker.SetStatusReporter(reporter)

	res, err := worker.Execute(context.Background(), sandbox.ExecRequest{
		SubmissionID: "sub-3",
		LanguageID:   "python",
		WorkRoot:     workRoot,
		SourcePath:   sourcePath,
	})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if res.Compile != nil {
		t.Fatalf("expected no compile result for interpreted language")
	}
	if len(r.compileReqs) != 0 {
		t.Fatalf("expected no compile calls, got %d", len(r.compileReqs))
	}
	if len(reporter.updates) != 2 ||
		reporter.updates[0].Phase != result.PhaseRunning ||
		reporter.updates[1].Phase != result.PhaseFinished {
		t.Fatalf("unexpected phase sequence: %+v", reporter.updates)
	}
}

func TestWorkerRunFault(t *testing.T) {
	workRoot := t.TempDir()
	sourcePath := writeSource(t, workRoot, "solution.py", "print(1)")

	r := &fakeRunner{runErr: errors.New("cgroup unavailable")}
	reporter := &fakeReporter{}
	worker := sandbox.NewWorker(r, fakeLangRepo{spec: interpretedLang()}, bothProfiles())
	worker.SetStatusReporter(reporter)

	res, err := worker.Execute(context.Background(), sandbox.ExecRequest{
		SubmissionID: "sub-4",
		LanguageID:   "python",
		WorkRoot:     workRoot,
		SourcePath:   sourcePath,
	})
	if err == nil {
		t.Fatalf("expected sandbox fault to propagate")
	}
	if res.Outcome != result.OutcomeSystemError {
		t.Fatalf("expected system-error outcome, got %s", res.Outcome)
	}
	if last := reporter.updates[len(reporter.updates)-1]; last.Phase != result.PhaseFailed {
		t.Fatalf("expected final phase Failed, got %s", last.Phase)
	}
	assertRemoved(t, filepath.Join(workRoot, "sub-4"))
}

func TestWorkerWipesStaleWorkspace(t *testing.T) {
	workRoot := t.TempDir()
	sourcePath := writeSource(t, workRoot, "solution.py", "print(1)")

	leftover := filepath.Join(workRoot, "sub-5", "run", "leftover.txt")
	if err := os.MkdirAll(filepath.Dir(leftover), 0755); err != nil {
		t.Fatalf("prepare stale workspace: %v", err)
	}
	if err := os.WriteFile(leftover, []byte("old attempt"), 0644); err != nil {
		t.Fatalf("write stale file: %v", err)
	}

	r := &fakeRunner{runOutcome: result.OutcomeCompleted}
	r.onRun = func(req runner.RunRequest) {
		if _, err := os.Stat(leftover); !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected stale file to be wiped, stat err: %v", err)
		}
	}

	worker := sandbox.NewWorker(r, fakeLangRepo{spec: interpretedLang()}, bothProfiles())
	if _, err := worker.Execute(context.Background(), sandbox.ExecRequest{
		SubmissionID: "sub-5",
		LanguageID:   "python",
		WorkRoot:     workRoot,
		SourcePath:   sourcePath,
	}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if len(r.runReqs) != 1 {
		t.Fatalf("expected 1 run call, got %d", len(r.runReqs))
	}
}

func TestWorkerKill(t *testing.T) {
	killer := &fakeKiller{}
	worker := sandbox.NewWorker(&fakeRunner{}, fakeLangRepo{}, fakeProfileRepo{})
	worker.SetKiller(killer)

	if err := worker.Kill(context.Background(), "sub-9"); err != nil {
		t.Fatalf("kill failed: %v", err)
	}
	if len(killer.killed) != 1 || killer.killed[0] != "sub-9" {
		t.Fatalf("expected kill delegation, got %v", killer.killed)
	}

	if err := worker.Kill(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty submission id")
	}

	bare := sandbox.NewWorker(&fakeRunner{}, fakeLangRepo{}, fakeProfileRepo{})
	err := bare.Kill(context.Background(), "sub-9")
	if err == nil {
		t.Fatalf("expected error without engine handle")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.JudgeSystemError {
		t.Fatalf("expected JudgeSystemError, got %v", got)
	}
}

func TestWorkerInvalidRequest(t *testing.T) {
	worker := sandbox.NewWorker(&fakeRunner{}, fakeLangRepo{}, fakeProfileRepo{})
	_, err := worker.Execute(context.Background(), sandbox.ExecRequest{})
	if err == nil {
		t.Fatalf("expected error for invalid request")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.ValidationFailed {
		t.Fatalf("expected ValidationFailed, got %v", got)
	}
}

func TestWorkerUnknownLanguage(t *testing.T) {
	workRoot := t.TempDir()
	sourcePath := writeSource(t, workRoot, "solution.xyz", "?")

	worker := sandbox.NewWorker(
		&fakeRunner{},
		fakeLangRepo{err: pkgerrors.New(pkgerrors.LanguageNotSupported)},
		bothProfiles(),
	)
	_, err := worker.Execute(context.Background(), sandbox.ExecRequest{
		SubmissionID: "sub-6",
		LanguageID:   "xyz",
		WorkRoot:     workRoot,
		SourcePath:   sourcePath,
	})
	if err == nil {
		t.Fatalf("expected error for unknown language")
	}
	if got := pkgerrors.GetCode(err); got != pkgerrors.JudgeSystemError {
		t.Fatalf("expected JudgeSystemError, got %v", got)
	}
}
