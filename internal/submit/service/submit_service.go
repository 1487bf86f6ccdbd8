package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"judgecore/internal/common/cache"
	"judgecore/internal/common/mq"
	"judgecore/internal/common/storage"
	"judgecore/internal/judge/model"
	sandboxcfg "judgecore/internal/judge/sandbox/config"
	"judgecore/internal/judge/verdict"
	"judgecore/internal/submit/repository"
	appErr "judgecore/pkg/errors"
	"judgecore/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	idempotencyKeyPrefix = "submit:idempotency:"
	rateIPKeyPrefix      = "submit:rate:ip:"
	defaultSourcePrefix  = "source"
	processingMarker     = "processing"

	defaultMaxCodeBytes     = 256 << 10
	defaultMaxExpectedBytes = 256 << 10
	defaultIdempotencyTTL   = 10 * time.Minute
)

// Default execution ceilings applied when a submission omits them, and
// the bounds client-supplied values are clamped into.
const (
	defaultTimeLimitMs   = 2000
	defaultMemoryLimitMB = 256
	floorTimeLimitMs     = 100
	ceilTimeLimitMs      = 10000
	floorMemoryLimitMB   = 16
	ceilMemoryLimitMB    = 1024
)

// LimitBounds clamps client-supplied execution ceilings. Zero fields
// fall back to the package defaults.
type LimitBounds struct {
	MinTimeMs   int64
	MaxTimeMs   int64
	MinMemoryMB int64
	MaxMemoryMB int64
}

// RateLimitConfig holds per-IP throttling configuration.
type RateLimitConfig struct {
	IPMax  int
	Window time.Duration
}

// TimeoutConfig holds timeout settings for external calls.
type TimeoutConfig struct {
	DB      time.Duration
	Cache   time.Duration
	MQ      time.Duration
	Storage time.Duration
}

// Config holds submit service dependencies and settings.
type Config struct {
	Store     repository.SubmissionStore
	Languages sandboxcfg.LanguageSpecRepository
	Storage   storage.ObjectStorage
	Queue     mq.MessageQueue
	Cache     cache.Cache

	SubmissionsTopic string
	SourceBucket     string
	SourceKeyPrefix  string
	MaxCodeBytes     int
	MaxExpectedBytes int
	Limits           LimitBounds
	IdempotencyTTL   time.Duration
	RateLimit        RateLimitConfig
	Timeouts         TimeoutConfig
}

// SubmitService handles submission intake: validation, source archiving,
// record creation and dispatch to the submissions topic.
type SubmitService struct {
	store     repository.SubmissionStore
	languages sandboxcfg.LanguageSpecRepository
	storage   storage.ObjectStorage
	queue     mq.MessageQueue
	cache     cache.Cache

	submissionsTopic string
	sourceBucket     string
	sourceKeyPrefix  string
	maxCodeBytes     int
	maxExpectedBytes int
	limits           LimitBounds
	idempotencyTTL   time.Duration
	rateLimit        RateLimitConfig
	timeouts         TimeoutConfig
}

// SubmitInput describes a submission request.
type SubmitInput struct {
	SubmissionID   string
	LanguageID     string
	SourceCode     string
	Stdin          string
	ExpectedOutput string
	ComparePolicy  string
	TimeLimitMs    int64
	MemoryLimitMB  int64
	CallbackURL    string
	IdempotencyKey string
	ClientIP       string
}

// SubmitReceipt is what intake answers with: the id to poll and the
// status the record was left in.
type SubmitReceipt struct {
	SubmissionID string `json:"submission_id"`
	Status       string `json:"status"`
}

// NewSubmitService creates a new submit service.
func NewSubmitService(cfg Config) (*SubmitService, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("submission store is required")
	}
	if cfg.Languages == nil {
		return nil, fmt.Errorf("language repository is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("message queue is required")
	}
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.SubmissionsTopic == "" {
		return nil, fmt.Errorf("submissions topic is required")
	}
	if cfg.SourceBucket == "" {
		return nil, fmt.Errorf("source bucket is required")
	}
	if cfg.SourceKeyPrefix == "" {
		cfg.SourceKeyPrefix = defaultSourcePrefix
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = defaultMaxCodeBytes
	}
	if cfg.MaxExpectedBytes <= 0 {
		cfg.MaxExpectedBytes = defaultMaxExpectedBytes
	}
	if cfg.Limits.MinTimeMs <= 0 {
		cfg.Limits.MinTimeMs = floorTimeLimitMs
	}
	if cfg.Limits.MaxTimeMs <= 0 {
		cfg.Limits.MaxTimeMs = ceilTimeLimitMs
	}
	if cfg.Limits.MinMemoryMB <= 0 {
		cfg.Limits.MinMemoryMB = floorMemoryLimitMB
	}
	if cfg.Limits.MaxMemoryMB <= 0 {
		cfg.Limits.MaxMemoryMB = ceilMemoryLimitMB
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	return &SubmitService{
		store:            cfg.Store,
		languages:        cfg.Languages,
		storage:          cfg.Storage,
		queue:            cfg.Queue,
		cache:            cfg.Cache,
		submissionsTopic: cfg.SubmissionsTopic,
		sourceBucket:     cfg.SourceBucket,
		sourceKeyPrefix:  cfg.SourceKeyPrefix,
		maxCodeBytes:     cfg.MaxCodeBytes,
		maxExpectedBytes: cfg.MaxExpectedBytes,
		limits:           cfg.Limits,
		idempotencyTTL:   cfg.IdempotencyTTL,
		rateLimit:        cfg.RateLimit,
		timeouts:         cfg.Timeouts,
	}, nil
}

// Submit validates a submission, archives its source, creates the Queued
// record and publishes it to the submissions topic.
func (s *SubmitService) Submit(ctx context.Context, input SubmitInput) (SubmitReceipt, error) {
	normalized, err := s.validateInput(ctx, input)
	if err != nil {
		return SubmitReceipt{}, err
	}
	if err := s.checkRateLimit(ctx, normalized.ClientIP); err != nil {
		return SubmitReceipt{}, err
	}

	acquired, existingID, err := s.acquireIdempotency(ctx, normalized.IdempotencyKey)
	if err != nil {
		return SubmitReceipt{}, err
	}
	if !acquired && existingID != "" {
		return s.replayReceipt(ctx, existingID)
	}

	submissionID := resolveSubmissionID(normalized.SubmissionID)
	sourceKey := s.buildSourceKey(submissionID)
	sourceHash := hashSource(normalized.SourceCode)
	submittedAt := time.Now()

	if err := s.uploadSource(ctx, sourceKey, normalized.SourceCode); err != nil {
		s.releaseIdempotency(ctx, normalized.IdempotencyKey, acquired)
		return SubmitReceipt{}, err
	}

	record := &repository.SubmissionRecord{
		SubmissionID: submissionID,
		Status:       repository.StatusQueued,
		LanguageID:   normalized.LanguageID,
		CallbackURL:  normalized.CallbackURL,
		SourceKey:    sourceKey,
	}
	if err := s.createRecord(ctx, record); err != nil {
		s.releaseIdempotency(ctx, normalized.IdempotencyKey, acquired)
		return SubmitReceipt{}, err
	}

	if err := s.publishSubmission(ctx, submissionID, sourceKey, sourceHash, normalized, submittedAt); err != nil {
		// The record exists but no worker will ever see it. Park it
		// Failed so the client is not left polling Queued forever.
		s.parkFailedRecord(ctx, submissionID)
		s.releaseIdempotency(ctx, normalized.IdempotencyKey, acquired)
		return SubmitReceipt{}, err
	}

	s.finalizeIdempotency(ctx, normalized.IdempotencyKey, submissionID, acquired)
	logger.Info(ctx, "submission accepted",
		zap.String("submission_id", submissionID),
		zap.String("language_id", normalized.LanguageID),
	)
	return SubmitReceipt{SubmissionID: submissionID, Status: repository.StatusQueued}, nil
}

// Status returns the record for one submission, for client polling.
func (s *SubmitService) Status(ctx context.Context, submissionID string) (*repository.SubmissionRecord, error) {
	submissionID = strings.TrimSpace(submissionID)
	if submissionID == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	record, err := s.store.Get(ctxDB.ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return nil, appErr.New(appErr.SubmissionNotFound).WithMessage("submission not found")
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return record, nil
}

func (s *SubmitService) validateInput(ctx context.Context, input SubmitInput) (SubmitInput, error) {
	input.SubmissionID = strings.TrimSpace(input.SubmissionID)
	input.LanguageID = strings.TrimSpace(input.LanguageID)
	input.CallbackURL = strings.TrimSpace(input.CallbackURL)
	input.IdempotencyKey = strings.TrimSpace(input.IdempotencyKey)

	if input.LanguageID == "" {
		return input, appErr.ValidationError("language", "required")
	}
	if _, err := s.languages.GetLanguageSpec(ctx, input.LanguageID); err != nil {
		return input, err
	}
	if strings.TrimSpace(input.SourceCode) == "" {
		return input, appErr.ValidationError("source_code", "required")
	}
	if len(input.SourceCode) > s.maxCodeBytes {
		return input, appErr.New(appErr.CodeTooLarge).WithMessage("source code too large")
	}
	if len(input.ExpectedOutput) > s.maxExpectedBytes {
		return input, appErr.New(appErr.ExpectedOutputTooLarge).WithMessage("expected output too large")
	}
	if input.CallbackURL != "" {
		if err := validateCallbackURL(input.CallbackURL); err != nil {
			return input, err
		}
	}
	if !verdict.ValidPolicy(verdict.ComparePolicy(input.ComparePolicy)) {
		return input, appErr.ValidationError("compare_policy", "invalid")
	}
	input.TimeLimitMs = clampLimit(input.TimeLimitMs, defaultTimeLimitMs, s.limits.MinTimeMs, s.limits.MaxTimeMs)
	input.MemoryLimitMB = clampLimit(input.MemoryLimitMB, defaultMemoryLimitMB, s.limits.MinMemoryMB, s.limits.MaxMemoryMB)
	return input, nil
}

func (s *SubmitService) acquireIdempotency(ctx context.Context, key string) (bool, string, error) {
	if key == "" {
		return true, "", nil
	}
	cacheKey := idempotencyKeyPrefix + key
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	existing, err := s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}

	ok, err := s.cache.SetNX(ctxCache.ctx, cacheKey, processingMarker, s.idempotencyTTL)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "reserve idempotency key failed")
	}
	if ok {
		return true, "", nil
	}
	existing, err = s.cache.Get(ctxCache.ctx, cacheKey)
	if err != nil {
		return false, "", appErr.Wrapf(err, appErr.CacheError, "read idempotency key failed")
	}
	if existing != "" && existing != processingMarker {
		return false, existing, nil
	}
	return false, "", appErr.New(appErr.TooManyRequests).WithMessage("request is processing")
}

func (s *SubmitService) finalizeIdempotency(ctx context.Context, key, submissionID string, acquired bool) {
	if !acquired || key == "" {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Set(ctxCache.ctx, idempotencyKeyPrefix+key, submissionID, s.idempotencyTTL); err != nil {
		logger.Warn(ctx, "update idempotency key failed", zap.Error(err))
	}
}

func (s *SubmitService) releaseIdempotency(ctx context.Context, key string, acquired bool) {
	if !acquired || key == "" {
		return
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()
	if err := s.cache.Del(ctxCache.ctx, idempotencyKeyPrefix+key); err != nil {
		logger.Warn(ctx, "release idempotency key failed", zap.Error(err))
	}
}

func (s *SubmitService) replayReceipt(ctx context.Context, submissionID string) (SubmitReceipt, error) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	record, err := s.store.Get(ctxDB.ctx, nil, submissionID)
	if err != nil {
		if errors.Is(err, repository.ErrSubmissionNotFound) {
			return SubmitReceipt{}, appErr.New(appErr.TooManyRequests).WithMessage("request is processing")
		}
		return SubmitReceipt{}, appErr.Wrapf(err, appErr.DatabaseError, "get submission failed")
	}
	return SubmitReceipt{SubmissionID: record.SubmissionID, Status: record.Status}, nil
}

func (s *SubmitService) checkRateLimit(ctx context.Context, clientIP string) error {
	if s.rateLimit.Window <= 0 || s.rateLimit.IPMax <= 0 || clientIP == "" {
		return nil
	}
	ctxCache := withTimeout(ctx, s.timeouts.Cache)
	defer ctxCache.cancel()

	key := rateIPKeyPrefix + clientIP
	count, err := s.cache.Incr(ctxCache.ctx, key)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "rate limit check failed")
	}
	if count == 1 {
		_ = s.cache.Expire(ctxCache.ctx, key, s.rateLimit.Window)
	}
	if int(count) > s.rateLimit.IPMax {
		return appErr.New(appErr.SubmitTooFrequently).WithMessage("submit too frequently")
	}
	return nil
}

func (s *SubmitService) uploadSource(ctx context.Context, objectKey, source string) error {
	sizeBytes := int64(len(source))
	reader := io.NopCloser(strings.NewReader(source))
	defer reader.Close()
	ctxStorage := withTimeout(ctx, s.timeouts.Storage)
	defer ctxStorage.cancel()
	if err := s.storage.PutObject(ctxStorage.ctx, s.sourceBucket, objectKey, reader, sizeBytes, "text/plain; charset=utf-8"); err != nil {
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "upload source failed")
	}
	return nil
}

func (s *SubmitService) createRecord(ctx context.Context, record *repository.SubmissionRecord) error {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	if err := s.store.Create(ctxDB.ctx, nil, record); err != nil {
		if errors.Is(err, repository.ErrDuplicateSubmission) {
			return appErr.New(appErr.DuplicateSubmission).WithMessage("submission id already exists")
		}
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "create submission failed")
	}
	return nil
}

func (s *SubmitService) publishSubmission(ctx context.Context, submissionID, sourceKey, sourceHash string, input SubmitInput, submittedAt time.Time) error {
	payload := model.SubmissionMessage{
		SubmissionID:   submissionID,
		LanguageID:     input.LanguageID,
		SourceKey:      sourceKey,
		SourceSHA256:   sourceHash,
		Stdin:          input.Stdin,
		ExpectedOutput: input.ExpectedOutput,
		ComparePolicy:  input.ComparePolicy,
		TimeLimitMs:    input.TimeLimitMs,
		MemoryLimitMB:  input.MemoryLimitMB,
		CallbackURL:    input.CallbackURL,
		SubmittedAt:    submittedAt.Unix(),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "encode submission message failed")
	}
	message := mq.NewMessage(body)
	message.ID = submissionID

	ctxMQ := withTimeout(ctx, s.timeouts.MQ)
	defer ctxMQ.cancel()
	if err := s.queue.Publish(ctxMQ.ctx, s.submissionsTopic, message); err != nil {
		return appErr.Wrapf(err, appErr.SubmissionCreateFailed, "publish submission failed")
	}
	return nil
}

func (s *SubmitService) parkFailedRecord(ctx context.Context, submissionID string) {
	ctxDB := withTimeout(ctx, s.timeouts.DB)
	defer ctxDB.cancel()
	update := &repository.TransitionUpdate{Verdict: string(verdict.VerdictInternalError)}
	if _, err := s.store.Transition(ctxDB.ctx, nil, submissionID, repository.StatusQueued, repository.StatusFailed, update); err != nil {
		logger.Warn(ctx, "park failed submission failed",
			zap.String("submission_id", submissionID),
			zap.Error(err),
		)
	}
}

func (s *SubmitService) buildSourceKey(submissionID string) string {
	return fmt.Sprintf("%s/%s", s.sourceKeyPrefix, submissionID)
}

// resolveSubmissionID accepts client ids that look like UUIDs and
// replaces everything else. The receipt carries the effective id either
// way.
func resolveSubmissionID(clientID string) string {
	if clientID == "" {
		return uuid.NewString()
	}
	if _, err := uuid.Parse(clientID); err != nil {
		return uuid.NewString()
	}
	return clientID
}

func validateCallbackURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return appErr.New(appErr.InvalidCallbackURL).WithMessage("callback url is not a valid url")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return appErr.New(appErr.InvalidCallbackURL).WithMessage("callback url must be http or https")
	}
	if parsed.Host == "" {
		return appErr.New(appErr.InvalidCallbackURL).WithMessage("callback url has no host")
	}
	return nil
}

func clampLimit(value, def, floor, ceil int64) int64 {
	if value <= 0 {
		value = def
	}
	if value < floor {
		value = floor
	}
	if ceil > 0 && value > ceil {
		value = ceil
	}
	return value
}

func hashSource(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}

type timeoutCtx struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func withTimeout(ctx context.Context, timeout time.Duration) timeoutCtx {
	if timeout <= 0 {
		return timeoutCtx{ctx: ctx, cancel: func() {}}
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	return timeoutCtx{ctx: ctxTimeout, cancel: cancel}
}
