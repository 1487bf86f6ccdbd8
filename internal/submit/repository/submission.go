package repository

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"judgecore/internal/common/cache"
	"judgecore/internal/common/db"
)

const (
	defaultSubmissionCacheTTL      = 30 * time.Minute
	defaultSubmissionCacheEmptyTTL = 5 * time.Minute
	submissionCacheKeyPrefix       = "submission:"
)

var (
	ErrSubmissionNotFound   = errors.New("submission not found")
	ErrDuplicateSubmission  = errors.New("submission already exists")
	ErrIllegalTransition    = errors.New("illegal status transition")
	ErrMissingTransitionArg = errors.New("transition requires from and to statuses")
)

// Submission lifecycle statuses. A record is created Queued, claimed
// Running by exactly one worker, and ends Completed or Failed. Terminal
// statuses are immutable.
const (
	StatusQueued    = "Queued"
	StatusRunning   = "Running"
	StatusCompleted = "Completed"
	StatusFailed    = "Failed"
)

// TerminalStatus reports whether a status admits no further transitions.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

var legalTransitions = map[string]map[string]bool{
	StatusQueued:  {StatusRunning: true, StatusFailed: true},
	StatusRunning: {StatusCompleted: true, StatusFailed: true},
}

// SubmissionRecord mirrors one row of the submissions table.
type SubmissionRecord struct {
	SubmissionID string     `json:"submission_id"`
	Status       string     `json:"status"`
	Verdict      string     `json:"verdict,omitempty"`
	LanguageID   string     `json:"language_id"`
	CallbackURL  string     `json:"callback_url,omitempty"`
	SourceKey    string     `json:"source_key"`
	ArtifactKey  string     `json:"artifact_key,omitempty"`
	TimeMs       int64      `json:"time_ms"`
	MemoryKB     int64      `json:"memory_kb"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// TransitionUpdate carries the result fields written alongside a terminal
// status change. A nil update writes the status columns only.
type TransitionUpdate struct {
	Verdict     string
	TimeMs      int64
	MemoryKB    int64
	ArtifactKey string
}

// SubmissionStore defines submission state persistence.
//
// Transition is the concurrency primitive of the whole pipeline: a single
// compare-and-set UPDATE keyed on the current status. The false return
// means another writer got there first and the caller must skip its write.
type SubmissionStore interface {
	Create(ctx context.Context, tx db.Transaction, record *SubmissionRecord) error
	Get(ctx context.Context, tx db.Transaction, submissionID string) (*SubmissionRecord, error)
	Transition(ctx context.Context, tx db.Transaction, submissionID, from, to string, update *TransitionUpdate) (bool, error)
}

// MySQLSubmissionStore implements SubmissionStore with MySQL plus a Redis
// cache-aside layer for reads.
type MySQLSubmissionStore struct {
	db       db.Database
	cache    cache.Cache
	ttl      time.Duration
	emptyTTL time.Duration
}

// NewSubmissionStore creates a submission store with default cache TTLs.
func NewSubmissionStore(database db.Database, cacheClient cache.Cache) SubmissionStore {
	return NewSubmissionStoreWithTTL(database, cacheClient, defaultSubmissionCacheTTL, defaultSubmissionCacheEmptyTTL)
}

// NewSubmissionStoreWithTTL creates a submission store with custom TTLs.
func NewSubmissionStoreWithTTL(database db.Database, cacheClient cache.Cache, ttl, emptyTTL time.Duration) SubmissionStore {
	if ttl <= 0 {
		ttl = defaultSubmissionCacheTTL
	}
	if emptyTTL <= 0 {
		emptyTTL = defaultSubmissionCacheEmptyTTL
	}
	return &MySQLSubmissionStore{
		db:       database,
		cache:    cacheClient,
		ttl:      ttl,
		emptyTTL: emptyTTL,
	}
}

const submissionColumns = "submission_id, status, verdict, language_id, callback_url, source_key, artifact_key, time_ms, memory_kb, created_at, started_at, finished_at"

// Create inserts a submission record with status Queued. A primary key
// collision maps to ErrDuplicateSubmission so intake can answer replays
// with a conflict instead of a server error.
func (r *MySQLSubmissionStore) Create(ctx context.Context, tx db.Transaction, record *SubmissionRecord) error {
	if record == nil {
		return errors.New("record is nil")
	}
	if record.SubmissionID == "" {
		return errors.New("submissionID is required")
	}
	if record.LanguageID == "" {
		return errors.New("languageID is required")
	}
	if record.SourceKey == "" {
		return errors.New("sourceKey is required")
	}
	if record.Status == "" {
		record.Status = StatusQueued
	}
	if record.Status != StatusQueued {
		return ErrIllegalTransition
	}

	query := `
		INSERT INTO submissions
		(submission_id, status, language_id, callback_url, source_key)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := db.GetQuerier(r.db, tx).Exec(
		ctx,
		query,
		record.SubmissionID,
		record.Status,
		record.LanguageID,
		record.CallbackURL,
		record.SourceKey,
	)
	if err != nil {
		if db.IsDuplicateEntry(err) {
			return ErrDuplicateSubmission
		}
		return err
	}
	if r.cache != nil && tx == nil {
		// Clear any cached null left by a poll that raced the insert.
		_ = r.cache.Del(ctx, submissionCacheKey(record.SubmissionID))
	}
	return nil
}

// Get retrieves a submission by id, through the cache when one is wired
// and the call is not part of a transaction.
func (r *MySQLSubmissionStore) Get(ctx context.Context, tx db.Transaction, submissionID string) (*SubmissionRecord, error) {
	if submissionID == "" {
		return nil, errors.New("submissionID is required")
	}
	if r.cache != nil && tx == nil {
		record, err := cache.GetWithCached[*SubmissionRecord](
			ctx,
			r.cache,
			submissionCacheKey(submissionID),
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.emptyTTL),
			func(record *SubmissionRecord) bool { return record == nil },
			marshalRecord,
			unmarshalRecord,
			func(ctx context.Context) (*SubmissionRecord, error) {
				record, err := r.getFromDB(ctx, nil, submissionID)
				if err != nil {
					if errors.Is(err, ErrSubmissionNotFound) {
						return nil, nil
					}
					return nil, err
				}
				return record, nil
			},
		)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, ErrSubmissionNotFound
		}
		return record, nil
	}
	return r.getFromDB(ctx, tx, submissionID)
}

// Transition performs the compare-and-set status move. It returns true
// when exactly one row changed, false when the current status no longer
// matched (another worker won the race, or the record is gone).
func (r *MySQLSubmissionStore) Transition(ctx context.Context, tx db.Transaction, submissionID, from, to string, update *TransitionUpdate) (bool, error) {
	if submissionID == "" {
		return false, errors.New("submissionID is required")
	}
	if from == "" || to == "" {
		return false, ErrMissingTransitionArg
	}
	if !legalTransitions[from][to] {
		return false, ErrIllegalTransition
	}
	if r.cache != nil && tx == nil {
		var moved bool
		err := cache.UpdateCached(ctx, r.cache, submissionCacheKey(submissionID), func(ctx context.Context) error {
			var err error
			moved, err = r.transitionInDB(ctx, nil, submissionID, from, to, update)
			return err
		})
		return moved, err
	}
	return r.transitionInDB(ctx, tx, submissionID, from, to, update)
}

func (r *MySQLSubmissionStore) transitionInDB(ctx context.Context, tx db.Transaction, submissionID, from, to string, update *TransitionUpdate) (bool, error) {
	sets := []string{"status = ?"}
	args := []interface{}{to}
	switch to {
	case StatusRunning:
		sets = append(sets, "started_at = NOW()")
	case StatusCompleted, StatusFailed:
		sets = append(sets, "finished_at = NOW()")
		if update != nil {
			if update.Verdict != "" {
				sets = append(sets, "verdict = ?")
				args = append(args, update.Verdict)
			}
			if update.TimeMs > 0 {
				sets = append(sets, "time_ms = ?")
				args = append(args, update.TimeMs)
			}
			if update.MemoryKB > 0 {
				sets = append(sets, "memory_kb = ?")
				args = append(args, update.MemoryKB)
			}
			if update.ArtifactKey != "" {
				sets = append(sets, "artifact_key = ?")
				args = append(args, update.ArtifactKey)
			}
		}
	}
	query := "UPDATE submissions SET " + strings.Join(sets, ", ") + " WHERE submission_id = ? AND status = ?"
	args = append(args, submissionID, from)

	res, err := db.GetQuerier(r.db, tx).Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (r *MySQLSubmissionStore) getFromDB(ctx context.Context, tx db.Transaction, submissionID string) (*SubmissionRecord, error) {
	query := "SELECT " + submissionColumns + " FROM submissions WHERE submission_id = ? LIMIT 1"
	row := db.GetQuerier(r.db, tx).QueryRow(ctx, query, submissionID)
	record := &SubmissionRecord{}
	var (
		verdict     *string
		callbackURL *string
		artifactKey *string
		timeMs      *int64
		memoryKB    *int64
	)
	if err := row.Scan(
		&record.SubmissionID,
		&record.Status,
		&verdict,
		&record.LanguageID,
		&callbackURL,
		&record.SourceKey,
		&artifactKey,
		&timeMs,
		&memoryKB,
		&record.CreatedAt,
		&record.StartedAt,
		&record.FinishedAt,
	); err != nil {
		if db.IsNoRows(err) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	if verdict != nil {
		record.Verdict = *verdict
	}
	if callbackURL != nil {
		record.CallbackURL = *callbackURL
	}
	if artifactKey != nil {
		record.ArtifactKey = *artifactKey
	}
	if timeMs != nil {
		record.TimeMs = *timeMs
	}
	if memoryKB != nil {
		record.MemoryKB = *memoryKB
	}
	return record, nil
}

func submissionCacheKey(submissionID string) string {
	return submissionCacheKeyPrefix + submissionID
}

func marshalRecord(record *SubmissionRecord) string {
	if record == nil {
		return ""
	}
	data, err := json.Marshal(record)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalRecord(data string) (*SubmissionRecord, error) {
	if data == "" || data == cache.NullCacheValue {
		return nil, nil
	}
	var record SubmissionRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, err
	}
	return &record, nil
}
