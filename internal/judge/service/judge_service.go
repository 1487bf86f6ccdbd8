package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"judgecore/internal/common/mq"
	"judgecore/internal/common/storage"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/repository"
	"judgecore/internal/judge/sandbox"
	"judgecore/internal/judge/sandbox/result"
	"judgecore/internal/judge/verdict"
	subrepo "judgecore/internal/submit/repository"
	appErr "judgecore/pkg/errors"
	"judgecore/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	sourceFileName = "source.code"

	// stagingDirName lives beside the per-submission workspaces. The
	// worker wipes WorkRoot/<id> before executing, so staged sources
	// must not live inside it. Submission ids are UUIDs and cannot
	// collide with the name.
	stagingDirName = "staging"
)

// Service drives dequeued submissions through claim, execute, evaluate,
// persist and publish. One instance serves every consumer slot of the
// judge process; the semaphore bounds how many submissions execute at
// once regardless of consumer concurrency.
type Service struct {
	worker       sandbox.Service
	store        subrepo.SubmissionStore
	publisher    repository.ResultPublisher
	feed         *repository.VerdictFeed
	archiver     repository.ArtifactArchiver
	storage      storage.ObjectStorage
	queue        mq.MessageQueue
	sourceBucket string
	workRoot     string
	retryTopic   string
	deadLetter   string

	workerTimeout  time.Duration
	storageTimeout time.Duration
	storeTimeout   time.Duration

	poolRetryMax      int
	poolRetryBase     time.Duration
	poolRetryMaxDelay time.Duration

	limiter *mq.TokenLimiter
}

// Config holds service dependencies and settings.
type Config struct {
	Worker          sandbox.Service
	Store           subrepo.SubmissionStore
	Publisher       repository.ResultPublisher
	Feed            *repository.VerdictFeed
	Archiver        repository.ArtifactArchiver
	Storage         storage.ObjectStorage
	Queue           mq.MessageQueue
	SourceBucket    string
	WorkRoot        string
	RetryTopic      string
	DeadLetterTopic string

	WorkerTimeout  time.Duration
	StorageTimeout time.Duration
	StoreTimeout   time.Duration

	WorkerPoolSize     int
	PoolRetryMax       int
	PoolRetryBaseDelay time.Duration
	PoolRetryMaxDelay  time.Duration
}

// NewService creates a new judge service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Worker == nil {
		return nil, fmt.Errorf("worker is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("result publisher is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.WorkRoot == "" {
		return nil, fmt.Errorf("work root is required")
	}
	poolSize := cfg.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Service{
		worker:            cfg.Worker,
		store:             cfg.Store,
		publisher:         cfg.Publisher,
		feed:              cfg.Feed,
		archiver:          cfg.Archiver,
		storage:           cfg.Storage,
		queue:             cfg.Queue,
		sourceBucket:      cfg.SourceBucket,
		workRoot:          cfg.WorkRoot,
		retryTopic:        cfg.RetryTopic,
		deadLetter:        cfg.DeadLetterTopic,
		workerTimeout:     cfg.WorkerTimeout,
		storageTimeout:    cfg.StorageTimeout,
		storeTimeout:      cfg.StoreTimeout,
		poolRetryMax:      cfg.PoolRetryMax,
		poolRetryBase:     cfg.PoolRetryBaseDelay,
		poolRetryMaxDelay: cfg.PoolRetryMaxDelay,
		limiter:           mq.NewTokenLimiter(poolSize),
	}, nil
}

// HandleMessage processes one dequeued submission. Returning nil acks the
// message; returning an error leaves it to the consumer's retry and dead
// letter handling.
func (s *Service) HandleMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var payload model.SubmissionMessage
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		// A payload that does not decode never will; drop it.
		logger.Warn(ctx, "drop malformed submission message",
			zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	if payload.SubmissionID == "" || payload.LanguageID == "" {
		logger.Warn(ctx, "drop submission message missing required fields",
			zap.String("message_id", msg.ID))
		return nil
	}
	if payload.SourceKey == "" && payload.SourceCode == "" {
		logger.Warn(ctx, "drop submission message without source",
			zap.String("submission_id", payload.SubmissionID))
		return nil
	}

	received := time.Now().Unix()

	// Admission before the claim: a pool-full requeue must leave the
	// record Queued so the retried delivery can still claim it.
	if err := s.acquireSlot(ctx, payload.SubmissionID); err != nil {
		if appErr.GetCode(err) == appErr.JudgeQueueFull {
			return s.requeueForPoolFull(ctx, msg)
		}
		return err
	}
	defer s.releaseSlot()

	claimed, err := s.transition(ctx, payload.SubmissionID, subrepo.StatusQueued, subrepo.StatusRunning, nil)
	if err != nil {
		return err
	}
	if !claimed {
		proceed, err := s.resolveLostClaim(ctx, payload.SubmissionID)
		if err != nil || !proceed {
			return err
		}
	}

	stagingDir := filepath.Join(s.workRoot, stagingDirName, payload.SubmissionID)
	defer func() {
		_ = os.RemoveAll(stagingDir)
	}()
	sourcePath, err := s.prepareSource(ctx, payload, stagingDir)
	if err != nil {
		return s.handleFailure(ctx, payload.SubmissionID, payload.CallbackURL, err)
	}

	ctxWorker := ctx
	if s.workerTimeout > 0 {
		var cancel context.CancelFunc
		ctxWorker, cancel = context.WithTimeout(ctx, s.workerTimeout)
		defer cancel()
	}
	res, err := s.worker.Execute(ctxWorker, sandbox.ExecRequest{
		SubmissionID:  payload.SubmissionID,
		LanguageID:    payload.LanguageID,
		WorkRoot:      s.workRoot,
		SourcePath:    sourcePath,
		Stdin:         []byte(payload.Stdin),
		TimeLimitMs:   payload.TimeLimitMs,
		MemoryLimitMB: payload.MemoryLimitMB,
		ReceivedAt:    received,
	})
	if err != nil {
		return s.handleFailure(ctx, payload.SubmissionID, payload.CallbackURL, err)
	}

	actual := ""
	if res.Run != nil {
		actual = res.Run.Stdout
	}
	v, err := verdict.Evaluate(res.Outcome, actual, payload.ExpectedOutput, verdict.ComparePolicy(payload.ComparePolicy))
	if err != nil {
		return s.handleFailure(ctx, payload.SubmissionID, payload.CallbackURL, err)
	}

	update := &subrepo.TransitionUpdate{Verdict: string(v)}
	if res.Run != nil {
		update.TimeMs = res.Run.TimeMs
		update.MemoryKB = res.Run.MemoryKB
	}
	update.ArtifactKey = s.archiveArtifacts(ctx, payload.SubmissionID, res, v)

	won, err := s.transition(ctx, payload.SubmissionID, subrepo.StatusRunning, subrepo.StatusCompleted, update)
	if err != nil {
		return err
	}
	if !won {
		// Another worker wrote the terminal state first; its result stands.
		logger.Info(ctx, "terminal write lost the race",
			zap.String("submission_id", payload.SubmissionID))
		return nil
	}

	finishedAt := res.FinishedAt
	if finishedAt == 0 {
		finishedAt = time.Now().Unix()
	}
	resultMsg := model.ResultMessage{
		SubmissionID: payload.SubmissionID,
		Status:       subrepo.StatusCompleted,
		Verdict:      string(v),
		TimeMs:       update.TimeMs,
		MemoryKB:     update.MemoryKB,
		CallbackURL:  payload.CallbackURL,
		FinishedAt:   finishedAt,
	}
	if err := s.publisher.PublishResult(ctx, resultMsg); err != nil {
		// The record is terminal. Returning the error retries the
		// message; the retry lands in resolveLostClaim which republishes
		// from the record, so the result is not lost.
		return err
	}
	s.pushFeed(ctx, resultMsg, payload.LanguageID)

	logger.Info(ctx, "submission judged",
		zap.String("submission_id", payload.SubmissionID),
		zap.String("language_id", payload.LanguageID),
		zap.String("verdict", string(v)),
		zap.Int64("time_ms", update.TimeMs),
		zap.Int64("memory_kb", update.MemoryKB))
	return nil
}

// resolveLostClaim decides what to do when the Queued to Running claim
// found the record already moved on. Terminal records are republished and
// acked so a crash between the terminal write and the publish cannot
// swallow a result; the callback delivery marker absorbs the duplicates
// this can produce. A record still Running belonged to a worker that lost
// its lease, so this delivery adopts it and runs again.
func (s *Service) resolveLostClaim(ctx context.Context, submissionID string) (bool, error) {
	record, err := s.store.Get(ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, subrepo.ErrSubmissionNotFound) {
			logger.Warn(ctx, "dequeued submission has no record",
				zap.String("submission_id", submissionID))
			return false, nil
		}
		return false, err
	}
	if subrepo.TerminalStatus(record.Status) {
		if err := s.publishFromRecord(ctx, record); err != nil {
			return false, err
		}
		logger.Info(ctx, "skip already finished submission",
			zap.String("submission_id", submissionID),
			zap.String("status", record.Status))
		return false, nil
	}
	logger.Warn(ctx, "adopt submission from lost lease",
		zap.String("submission_id", submissionID))
	return true, nil
}

func (s *Service) publishFromRecord(ctx context.Context, record *subrepo.SubmissionRecord) error {
	finishedAt := time.Now().Unix()
	if record.FinishedAt != nil {
		finishedAt = record.FinishedAt.Unix()
	}
	return s.publisher.PublishResult(ctx, model.ResultMessage{
		SubmissionID: record.SubmissionID,
		Status:       record.Status,
		Verdict:      record.Verdict,
		TimeMs:       record.TimeMs,
		MemoryKB:     record.MemoryKB,
		CallbackURL:  record.CallbackURL,
		FinishedAt:   finishedAt,
	})
}

func (s *Service) prepareSource(ctx context.Context, payload model.SubmissionMessage, stagingDir string) (string, error) {
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "create source dir failed")
	}
	filePath := filepath.Join(stagingDir, sourceFileName)
	if payload.SourceKey != "" {
		if err := s.downloadSource(ctx, payload, filePath); err != nil {
			return "", err
		}
		return filePath, nil
	}
	data := []byte(payload.SourceCode)
	if err := verifyDigest(data, payload.SourceSHA256); err != nil {
		return "", err
	}
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return "", appErr.Wrapf(err, appErr.JudgeSystemError, "write source file failed")
	}
	return filePath, nil
}

func (s *Service) downloadSource(ctx context.Context, payload model.SubmissionMessage, filePath string) error {
	ctxStorage := ctx
	if s.storageTimeout > 0 {
		var cancel context.CancelFunc
		ctxStorage, cancel = context.WithTimeout(ctx, s.storageTimeout)
		defer cancel()
	}
	reader, err := s.storage.GetObject(ctxStorage, s.sourceBucket, payload.SourceKey)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "download source failed")
	}
	defer reader.Close()

	file, err := os.Create(filePath)
	if err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "create source file failed")
	}
	defer file.Close()

	hasher := sha256.New()
	tee := io.TeeReader(reader, hasher)
	if _, err := io.Copy(file, tee); err != nil {
		return appErr.Wrapf(err, appErr.JudgeSystemError, "write source file failed")
	}
	if payload.SourceSHA256 != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, payload.SourceSHA256) {
			return appErr.New(appErr.ChecksumMismatch).WithMessage("source hash mismatch")
		}
	}
	return nil
}

func verifyDigest(data []byte, expected string) error {
	if expected == "" {
		return nil
	}
	sum := sha256.Sum256(data)
	if !strings.EqualFold(hex.EncodeToString(sum[:]), expected) {
		return appErr.New(appErr.ChecksumMismatch).WithMessage("source hash mismatch")
	}
	return nil
}

// transition runs the store CAS under the configured store timeout.
func (s *Service) transition(ctx context.Context, submissionID, from, to string, update *subrepo.TransitionUpdate) (bool, error) {
	ctxStore := ctx
	if s.storeTimeout > 0 {
		var cancel context.CancelFunc
		ctxStore, cancel = context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
	}
	return s.store.Transition(ctxStore, nil, submissionID, from, to, update)
}

// archiveArtifacts bundles run outputs for inspection. Best effort: any
// failure logs a warning and the submission completes without an
// artifact key.
func (s *Service) archiveArtifacts(ctx context.Context, submissionID string, res result.ExecutionResult, v verdict.Verdict) string {
	if s.archiver == nil {
		return ""
	}
	summary := struct {
		SubmissionID string `json:"submission_id"`
		LanguageID   string `json:"language_id"`
		Outcome      string `json:"outcome"`
		Verdict      string `json:"verdict"`
		TimeMs       int64  `json:"time_ms"`
		MemoryKB     int64  `json:"memory_kb"`
		ExitCode     int    `json:"exit_code"`
		FinishedAt   int64  `json:"finished_at"`
	}{
		SubmissionID: submissionID,
		LanguageID:   res.Language,
		Outcome:      string(res.Outcome),
		Verdict:      string(v),
		FinishedAt:   res.FinishedAt,
	}
	files := make([]repository.ArtifactFile, 0, 4)
	if res.Compile != nil && res.Compile.Log != "" {
		files = append(files, repository.ArtifactFile{Name: "compile.log", Data: []byte(res.Compile.Log)})
	}
	if res.Run != nil {
		summary.TimeMs = res.Run.TimeMs
		summary.MemoryKB = res.Run.MemoryKB
		summary.ExitCode = res.Run.ExitCode
		if res.Run.Stdout != "" {
			files = append(files, repository.ArtifactFile{Name: "stdout.txt", Data: []byte(res.Run.Stdout)})
		}
		if res.Run.Stderr != "" {
			files = append(files, repository.ArtifactFile{Name: "stderr.txt", Data: []byte(res.Run.Stderr)})
		}
	}
	payload, err := json.Marshal(summary)
	if err == nil {
		files = append(files, repository.ArtifactFile{Name: "result.json", Data: payload})
	}

	ctxStorage := ctx
	if s.storageTimeout > 0 {
		var cancel context.CancelFunc
		ctxStorage, cancel = context.WithTimeout(ctx, s.storageTimeout)
		defer cancel()
	}
	key, err := s.archiver.Archive(ctxStorage, submissionID, files)
	if err != nil {
		logger.Warn(ctx, "archive artifacts failed",
			zap.String("submission_id", submissionID), zap.Error(err))
		return ""
	}
	return key
}

func (s *Service) pushFeed(ctx context.Context, resultMsg model.ResultMessage, languageID string) {
	if s.feed == nil {
		return
	}
	entry := model.FeedEntry{
		SubmissionID: resultMsg.SubmissionID,
		Verdict:      resultMsg.Verdict,
		LanguageID:   languageID,
		TimeMs:       resultMsg.TimeMs,
		MemoryKB:     resultMsg.MemoryKB,
		FinishedAt:   resultMsg.FinishedAt,
	}
	if err := s.feed.Push(ctx, entry); err != nil {
		logger.Warn(ctx, "push verdict feed failed",
			zap.String("submission_id", resultMsg.SubmissionID), zap.Error(err))
	}
}
