package db

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
)

func TestIsNoRows(t *testing.T) {
	if !IsNoRows(sql.ErrNoRows) {
		t.Fatal("expected sql.ErrNoRows to match")
	}
	if !IsNoRows(fmt.Errorf("scan failed: %w", sql.ErrNoRows)) {
		t.Fatal("expected wrapped sql.ErrNoRows to match")
	}
	if IsNoRows(fmt.Errorf("boom")) {
		t.Fatal("expected unrelated error not to match")
	}
}

func TestIsDuplicateEntry(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'sub-1' for key 'submissions.PRIMARY'"}
	if !IsDuplicateEntry(dup) {
		t.Fatal("expected duplicate entry error to match")
	}
	if !IsDuplicateEntry(fmt.Errorf("insert failed: %w", dup)) {
		t.Fatal("expected wrapped duplicate entry error to match")
	}
	if IsDuplicateEntry(&mysql.MySQLError{Number: 1213}) {
		t.Fatal("expected deadlock error not to match")
	}
	if IsDuplicateEntry(fmt.Errorf("boom")) {
		t.Fatal("expected unrelated error not to match")
	}
}

func TestUniqueViolation(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'sub-1' for key 'submissions.PRIMARY'"}
	key, ok := UniqueViolation(dup)
	if !ok {
		t.Fatal("expected unique violation to be detected")
	}
	if key != "submissions.PRIMARY" {
		t.Fatalf("expected key submissions.PRIMARY, got %q", key)
	}

	if _, ok := UniqueViolation(fmt.Errorf("boom")); ok {
		t.Fatal("expected non-mysql error to be ignored")
	}
}

func TestExtractDuplicateKeyName(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"Duplicate entry 'a' for key 'uk_submission_id'", "uk_submission_id"},
		{"Duplicate entry 'a' for key `uk_submission_id`", "uk_submission_id"},
		{"no marker here", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ExtractDuplicateKeyName(tt.message); got != tt.want {
			t.Fatalf("ExtractDuplicateKeyName(%q) = %q, want %q", tt.message, got, tt.want)
		}
	}
}
