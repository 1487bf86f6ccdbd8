package service_test

import (
	"context"
	"testing"

	"judgecore/internal/judge/sandbox"
	"judgecore/internal/judge/sandbox/result"
	"judgecore/internal/judge/service"
)

func TestActiveRegistry(t *testing.T) {
	ctx := context.Background()
	reg := service.NewActiveRegistry()

	if err := reg.ReportStatus(ctx, sandbox.StatusUpdate{SubmissionID: "a", Phase: result.PhaseCompiling, Language: "cpp", ReceivedAt: 100}); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if err := reg.ReportStatus(ctx, sandbox.StatusUpdate{SubmissionID: "b", Phase: result.PhaseRunning, Language: "python", ReceivedAt: 50}); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 active submissions, got %d", len(list))
	}
	if list[0].SubmissionID != "b" || list[1].SubmissionID != "a" {
		t.Fatalf("list not ordered by receive time: %+v", list)
	}
	if list[1].Phase != string(result.PhaseCompiling) || list[1].LanguageID != "cpp" {
		t.Fatalf("unexpected entry: %+v", list[1])
	}

	// Phase updates keep the language recorded earlier.
	if err := reg.ReportStatus(ctx, sandbox.StatusUpdate{SubmissionID: "a", Phase: result.PhaseRunning, ReceivedAt: 100}); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	list = reg.List()
	if list[1].Phase != string(result.PhaseRunning) || list[1].LanguageID != "cpp" {
		t.Fatalf("phase update lost state: %+v", list[1])
	}

	// Terminal phases remove the entry.
	if err := reg.ReportStatus(ctx, sandbox.StatusUpdate{SubmissionID: "b", Phase: result.PhaseFinished}); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if err := reg.ReportStatus(ctx, sandbox.StatusUpdate{SubmissionID: "a", Phase: result.PhaseFailed}); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if remaining := reg.List(); len(remaining) != 0 {
		t.Fatalf("terminal phases must clear entries: %+v", remaining)
	}

	// Updates without an id are ignored.
	if err := reg.ReportStatus(ctx, sandbox.StatusUpdate{Phase: result.PhaseRunning}); err != nil {
		t.Fatalf("ReportStatus: %v", err)
	}
	if remaining := reg.List(); len(remaining) != 0 {
		t.Fatalf("empty id must not register: %+v", remaining)
	}
}
