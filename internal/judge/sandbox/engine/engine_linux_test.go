//go:build linux

package engine_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"judgecore/internal/judge/sandbox/engine"
	"judgecore/internal/judge/sandbox/result"
	"judgecore/internal/judge/sandbox/security"
	"judgecore/internal/judge/sandbox/spec"
)

type staticResolver struct {
	profile security.IsolationProfile
	err     error
}

func (r staticResolver) Resolve(profile string) (security.IsolationProfile, error) {
	if r.err != nil {
		return security.IsolationProfile{}, r.err
	}
	return r.profile, nil
}

func TestLinuxEngineRun(t *testing.T) {
	helperPath := buildStubHelper(t)
	resolver := staticResolver{profile: security.IsolationProfile{}}

	cases := []struct {
		name   string
		run    func(t *testing.T) (result.RunResult, error)
		verify func(t *testing.T, res result.RunResult, err error)
	}{
		{
			name: "cgroup_limits_applied",
			run: func(t *testing.T) (result.RunResult, error) {
				workDir := t.TempDir()
				stdoutPath := filepath.Join(workDir, "stdout.txt")
				stderrPath := filepath.Join(workDir, "stderr.txt")
				cgroupRoot := filepath.Join(workDir, "cgroup")

				cfg := engine.Config{
					CgroupRoot:   cgroupRoot,
					HelperPath:   helperPath,
					EnableCgroup: true,
				}
				eng, err := engine.NewEngine(cfg, resolver)
				if err != nil {
					t.Fatalf("create engine: %v", err)
				}

				runSpec := spec.RunSpec{
					SubmissionID: "sub-limits",
					TestID:       "t-limits",
					WorkDir:      workDir,
					Cmd:          []string{"/bin/sh", "-c", "echo ok; sleep 0.3"},
					StdoutPath:   stdoutPath,
					StderrPath:   stderrPath,
					Profile:      "default",
					Limits: spec.ResourceLimit{
						MemoryMB: 16,
						PIDs:     5,
					},
				}

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				resultCh := make(chan result.RunResult, 1)
				errCh := make(chan error, 1)
				go func() {
					res, runErr := eng.Run(ctx, runSpec)
					resultCh <- res
					errCh <- runErr
				}()

				runDir, err := waitForRunDir(cgroupRoot, runSpec.SubmissionID, 2*time.Second)
				if err != nil {
					t.Fatalf("wait for cgroup directory: %v", err)
				}

				if data, err := os.ReadFile(filepath.Join(runDir, "pids.max")); err != nil {
					t.Fatalf("read pids.max: %v", err)
				} else if strings.TrimSpace(string(data)) != "5" {
					t.Fatalf("unexpected pids.max: %q", strings.TrimSpace(string(data)))
				}

				if data, err := os.ReadFile(filepath.Join(runDir, "memory.max")); err != nil {
					t.Fatalf("read memory.max: %v", err)
				} else if strings.TrimSpace(string(data)) != "16777216" {
					t.Fatalf("unexpected memory.max: %q", strings.TrimSpace(string(data)))
				}

				if data, err := os.ReadFile(filepath.Join(runDir, "cpu.max")); err != nil {
					t.Fatalf("read cpu.max: %v", err)
				} else if strings.TrimSpace(string(data)) != "max 100000" {
					t.Fatalf("unexpected cpu.max: %q", strings.TrimSpace(string(data)))
				}

				res := <-resultCh
				runErr := <-errCh
				return res, runErr
			},
			verify: func(t *testing.T, res result.RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if res.ExitCode != 0 {
					t.Fatalf("expected exit code 0, got %d", res.ExitCode)
				}
			},
		},
		{
			name: "stats_and_resource_lifecycle",
			run: func(t *testing.T) (result.RunResult, error) {
				workDir := t.TempDir()
				stdoutPath := filepath.Join(workDir, "stdout.txt")
				stderrPath := filepath.Join(workDir, "stderr.txt")
				cgroupRoot := filepath.Join(workDir, "cgroup")

				cfg := engine.Config{
					CgroupRoot:   cgroupRoot,
					HelperPath:   helperPath,
					EnableCgroup: true,
				}
				eng, err := engine.NewEngine(cfg, resolver)
				if err != nil {
					t.Fatalf("create engine: %v", err)
				}

				runSpec := spec.RunSpec{
					SubmissionID: "sub-1",
					TestID:       "t1",
					WorkDir:      workDir,
					Cmd:          []string{"/bin/sh", "-c", "echo hello; echo oops 1>&2; sleep 0.5"},
					StdoutPath:   stdoutPath,
					StderrPath:   stderrPath,
					Profile:      "default",
					Limits: spec.ResourceLimit{
						WallTimeMs: 2000,
					},
				}

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				resultCh := make(chan result.RunResult, 1)
				errCh := make(chan error, 1)
				go func() {
					res, runErr := eng.Run(ctx, runSpec)
					resultCh <- res
					errCh <- runErr
				}()

				runDir, err := waitForRunDir(cgroupRoot, runSpec.SubmissionID, 2*time.Second)
				if err != nil {
					t.Fatalf("wait for cgroup directory: %v", err)
				}

				killPath := filepath.Join(runDir, "cgroup.kill")
				if err := os.WriteFile(killPath, []byte("0"), 0600); err != nil {
					t.Fatalf("prepare cgroup.kill: %v", err)
				}

				if err := eng.KillSubmission(ctx, runSpec.SubmissionID); err != nil {
					t.Fatalf("kill submission: %v", err)
				}

				if data, err := os.ReadFile(killPath); err != nil {
					t.Fatalf("read cgroup.kill: %v", err)
				} else if strings.TrimSpace(string(data)) != "1" {
					t.Fatalf("unexpected cgroup.kill value: %q", strings.TrimSpace(string(data)))
				}

				res := <-resultCh
				runErr := <-errCh

				if _, err := os.Stat(runDir); err == nil {
					t.Fatalf("expected cgroup directory to be cleaned up")
				} else if !errors.Is(err, os.ErrNotExist) {
					t.Fatalf("stat cgroup directory: %v", err)
				}

				return res, runErr
			},
			verify: func(t *testing.T, res result.RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if res.ExitCode != 0 {
					t.Fatalf("expected exit code 0, got %d", res.ExitCode)
				}
				if !strings.Contains(res.Stdout, "hello") {
					t.Fatalf("stdout missing expected content: %q", res.Stdout)
				}
				if !strings.Contains(res.Stderr, "oops") {
					t.Fatalf("stderr missing expected content: %q", res.Stderr)
				}
				if res.WallTimeMs <= 0 {
					t.Fatalf("expected wall time to be positive, got %d", res.WallTimeMs)
				}
			},
		},
		{
			name: "stdout_stderr_truncation",
			run: func(t *testing.T) (result.RunResult, error) {
				workDir := t.TempDir()
				stdoutPath := filepath.Join(workDir, "stdout.txt")
				stderrPath := filepath.Join(workDir, "stderr.txt")

				cfg := engine.Config{
					HelperPath:           helperPath,
					StdoutStderrMaxBytes: 8,
				}
				eng, err := engine.NewEngine(cfg, resolver)
				if err != nil {
					t.Fatalf("create engine: %v", err)
				}

				runSpec := spec.RunSpec{
					SubmissionID: "sub-output",
					TestID:       "t-output",
					WorkDir:      workDir,
					Cmd:          []string{"/bin/sh", "-c", "printf '0123456789'; printf 'abcdefghij' 1>&2"},
					StdoutPath:   stdoutPath,
					StderrPath:   stderrPath,
					Profile:      "default",
					Limits: spec.ResourceLimit{
						WallTimeMs: 2000,
					},
				}

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				return eng.Run(ctx, runSpec)
			},
			verify: func(t *testing.T, res result.RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if res.ExitCode != 0 {
					t.Fatalf("expected exit code 0, got %d", res.ExitCode)
				}
				if len(res.Stdout) != 8 {
					t.Fatalf("expected stdout length 8, got %d", len(res.Stdout))
				}
				if len(res.Stderr) != 8 {
					t.Fatalf("expected stderr length 8, got %d", len(res.Stderr))
				}
			},
		},
		{
			name: "cpu_time_accounted",
			run: func(t *testing.T) (result.RunResult, error) {
				workDir := t.TempDir()
				stdoutPath := filepath.Join(workDir, "stdout.txt")
				stderrPath := filepath.Join(workDir, "stderr.txt")

				cfg := engine.Config{
					HelperPath: helperPath,
				}
				eng, err := engine.NewEngine(cfg, resolver)
				if err != nil {
					t.Fatalf("create engine: %v", err)
				}

				runSpec := spec.RunSpec{
					SubmissionID: "sub-cpu",
					TestID:       "t-cpu",
					WorkDir:      workDir,
					Cmd:          []string{"/bin/sh", "-c", `i=0; while [ "$i" -lt 200000 ]; do i=$((i+1)); done`},
					StdoutPath:   stdoutPath,
					StderrPath:   stderrPath,
					Profile:      "default",
					Limits: spec.ResourceLimit{
						WallTimeMs: 10000,
					},
				}

				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()

				return eng.Run(ctx, runSpec)
			},
			verify: func(t *testing.T, res result.RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if res.ExitCode != 0 {
					t.Fatalf("expected exit code 0, got %d", res.ExitCode)
				}
				if res.TimeMs <= 0 {
					t.Fatalf("expected cpu time to be accounted, got %d", res.TimeMs)
				}
				if res.MemoryKB <= 0 {
					t.Fatalf("expected memory usage to be accounted, got %d", res.MemoryKB)
				}
			},
		},
		{
			name: "timeout_kills_process",
			run: func(t *testing.T) (result.RunResult, error) {
				workDir := t.TempDir()
				stdoutPath := filepath.Join(workDir, "stdout.txt")
				stderrPath := filepath.Join(workDir, "stderr.txt")

				cfg := engine.Config{
					HelperPath: helperPath,
				}
				eng, err := engine.NewEngine(cfg, resolver)
				if err != nil {
					t.Fatalf("create engine: %v", err)
				}

				runSpec := spec.RunSpec{
					SubmissionID: "sub-timeout",
					TestID:       "t-timeout",
					WorkDir:      workDir,
					Cmd:          []string{"/bin/sh", "-c", "sleep 2"},
					StdoutPath:   stdoutPath,
					StderrPath:   stderrPath,
					Profile:      "default",
					Limits: spec.ResourceLimit{
						WallTimeMs: 100,
					},
				}

				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				return eng.Run(ctx, runSpec)
			},
			verify: func(t *testing.T, res result.RunResult, err error) {
				if err != nil {
					t.Fatalf("run failed: %v", err)
				}
				if res.ExitCode != -1 {
					t.Fatalf("expected timeout exit code -1, got %d", res.ExitCode)
				}
				if res.WallTimeMs <= 0 {
					t.Fatalf("expected wall time to be positive, got %d", res.WallTimeMs)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.run(t)
			tc.verify(t, res, err)
		})
	}
}

func TestLinuxEngineValidatesSpec(t *testing.T) {
	eng, err := engine.NewEngine(engine.Config{HelperPath: "sandbox-init"}, staticResolver{})
	if err != nil {
		t.Fatalf("create engine: %v", err)
	}

	_, err = eng.Run(context.Background(), spec.RunSpec{
		SubmissionID: "sub-1",
		TestID:       "t1",
		WorkDir:      "/tmp",
		Cmd:          []string{"/bin/true"},
	})
	if err == nil {
		t.Fatalf("expected error for missing profile")
	}
}

func waitForRunDir(root, submissionID string, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	submissionDir := filepath.Join(root, submissionID)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(submissionDir)
		if err == nil {
			for _, entry := range entries {
				if entry.IsDir() {
					return filepath.Join(submissionDir, entry.Name()), nil
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for cgroup directory")
}

// buildStubHelper compiles a minimal stand-in for cmd/sandbox-init
// that honors the stdin protocol but skips namespaces and chroot, so
// the engine can be exercised without privileges.
func buildStubHelper(t *testing.T) string {
	t.Helper()
	helperDir := filepath.Join(t.TempDir(), "helper")
	if err := os.MkdirAll(helperDir, 0755); err != nil {
		t.Fatalf("create helper dir: %v", err)
	}

	goMod := []byte("module sandboxstub\n\ngo 1.22\n")
	if err := os.WriteFile(filepath.Join(helperDir, "go.mod"), goMod, 0644); err != nil {
		t.Fatalf("write helper go.mod: %v", err)
	}

	if err := os.WriteFile(filepath.Join(helperDir, "main.go"), []byte(stubHelperSource), 0644); err != nil {
		t.Fatalf("write helper main.go: %v", err)
	}

	helperPath := filepath.Join(helperDir, "sandbox-init")
	cmd := exec.Command("go", "build", "-o", helperPath, ".")
	cmd.Dir = helperDir
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build helper failed: %v: %s", err, string(output))
	}
	return helperPath
}

const stubHelperSource = `package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
)

type initRequest struct {
	RunSpec runSpec
}

type runSpec struct {
	WorkDir    string
	Cmd        []string
	Env        []string
	StdinPath  string
	StdoutPath string
	StderrPath string
}

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run() error {
	var req initRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if len(req.RunSpec.Cmd) == 0 {
		return fmt.Errorf("command is required")
	}
	if req.RunSpec.WorkDir == "" {
		return fmt.Errorf("work dir is required")
	}

	stdinFile, err := openInput(req.RunSpec.StdinPath)
	if err != nil {
		return err
	}
	defer stdinFile.Close()
	stdoutFile, err := openOutput(req.RunSpec.StdoutPath)
	if err != nil {
		return err
	}
	defer stdoutFile.Close()
	stderrFile, err := openOutput(req.RunSpec.StderrPath)
	if err != nil {
		return err
	}
	defer stderrFile.Close()

	cmd := exec.Command(req.RunSpec.Cmd[0], req.RunSpec.Cmd[1:]...)
	cmd.Dir = req.RunSpec.WorkDir
	cmd.Stdin = stdinFile
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	if len(req.RunSpec.Env) > 0 {
		cmd.Env = req.RunSpec.Env
	} else {
		cmd.Env = []string{"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"}
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run command: %w", err)
	}
	return nil
}

func openInput(path string) (*os.File, error) {
	if path == "" {
		path = "/dev/null"
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open stdin: %w", err)
	}
	return f, nil
}

func openOutput(path string) (*os.File, error) {
	if path == "" {
		path = "/dev/null"
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open stdout: %w", err)
	}
	return f, nil
}
`
