package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"judgecore/internal/common/cache"
	"judgecore/internal/common/mq"
	"judgecore/internal/judge/model"
	appErr "judgecore/pkg/errors"
	"judgecore/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	deliveryMarkerPrefix = "callback:delivered:"
	attemptTrailPrefix   = "callback:attempts:"

	defaultPostTimeout = 5 * time.Second
	defaultMarkerTTL   = 24 * time.Hour
	defaultTrailTTL    = 24 * time.Hour
	defaultTrailLimit  = 20
)

// CallbackPayload is the JSON body POSTed to client webhooks. Field
// names are the external contract; do not rename.
type CallbackPayload struct {
	SubmissionID string `json:"submissionId"`
	Status       string `json:"status"`
	Verdict      string `json:"verdict"`
}

// CallbackAttempt is one row of the per-submission attempt trail kept in
// Redis for operators. Ephemeral; the trail expires with its TTL.
type CallbackAttempt struct {
	SubmissionID string `json:"submission_id"`
	URL          string `json:"url"`
	Attempt      int    `json:"attempt"`
	HTTPStatus   int    `json:"http_status,omitempty"`
	Error        string `json:"error,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// Config holds callback service dependencies and settings.
type Config struct {
	Cache      cache.Cache
	HTTPClient *http.Client

	PostTimeout time.Duration
	MarkerTTL   time.Duration
	TrailTTL    time.Duration
	TrailLimit  int64
}

// CallbackService consumes the results topic and notifies client
// webhooks. Delivery is at-least-once from the queue; the Redis marker
// written after a successful POST makes redeliveries ack without a
// second notification.
type CallbackService struct {
	cache       cache.Cache
	client      *http.Client
	postTimeout time.Duration
	markerTTL   time.Duration
	trailTTL    time.Duration
	trailLimit  int64
}

// NewCallbackService creates a new callback service.
func NewCallbackService(cfg Config) (*CallbackService, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if cfg.PostTimeout <= 0 {
		cfg.PostTimeout = defaultPostTimeout
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = defaultMarkerTTL
	}
	if cfg.TrailTTL <= 0 {
		cfg.TrailTTL = defaultTrailTTL
	}
	if cfg.TrailLimit <= 0 {
		cfg.TrailLimit = defaultTrailLimit
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.PostTimeout}
	}
	return &CallbackService{
		cache:       cfg.Cache,
		client:      client,
		postTimeout: cfg.PostTimeout,
		markerTTL:   cfg.MarkerTTL,
		trailTTL:    cfg.TrailTTL,
		trailLimit:  cfg.TrailLimit,
	}, nil
}

// HandleResultMessage processes one result from the results topic.
// Returning nil acks the message; returning an error leaves it unacked
// for redelivery and, after the retry budget, the dead-letter topic.
func (s *CallbackService) HandleResultMessage(ctx context.Context, msg *mq.Message) error {
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	var result model.ResultMessage
	if err := json.Unmarshal(msg.Body, &result); err != nil {
		logger.Warn(ctx, "drop undecodable result message", zap.Error(err))
		return nil
	}
	if result.SubmissionID == "" {
		logger.Warn(ctx, "drop result message without submission id")
		return nil
	}
	if result.CallbackURL == "" {
		return nil
	}

	delivered, err := s.alreadyDelivered(ctx, result.SubmissionID)
	if err != nil {
		return err
	}
	if delivered {
		logger.Info(ctx, "skip already delivered callback",
			zap.String("submission_id", result.SubmissionID),
		)
		return nil
	}

	attempt := msg.RetryCount + 1
	httpStatus, postErr := s.post(ctx, result)
	s.recordAttempt(ctx, result, attempt, httpStatus, postErr)
	if postErr != nil {
		logger.Warn(ctx, "callback delivery failed",
			zap.String("submission_id", result.SubmissionID),
			zap.Int("attempt", attempt),
			zap.Int("http_status", httpStatus),
			zap.Error(postErr),
		)
		return postErr
	}

	s.markDelivered(ctx, result.SubmissionID)
	logger.Info(ctx, "callback delivered",
		zap.String("submission_id", result.SubmissionID),
		zap.String("verdict", result.Verdict),
		zap.Int("attempt", attempt),
	)
	return nil
}

func (s *CallbackService) alreadyDelivered(ctx context.Context, submissionID string) (bool, error) {
	value, err := s.cache.Get(ctx, deliveryMarkerPrefix+submissionID)
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "read delivery marker failed")
	}
	return value != "", nil
}

// markDelivered is best effort on purpose: the POST already succeeded,
// and returning an error here would force the one redelivery the marker
// exists to prevent.
func (s *CallbackService) markDelivered(ctx context.Context, submissionID string) {
	key := deliveryMarkerPrefix + submissionID
	if _, err := s.cache.SetNX(ctx, key, time.Now().Format(time.RFC3339), s.markerTTL); err != nil {
		logger.Warn(ctx, "write delivery marker failed",
			zap.String("submission_id", submissionID),
			zap.Error(err),
		)
	}
}

func (s *CallbackService) post(ctx context.Context, result model.ResultMessage) (int, error) {
	payload := CallbackPayload{
		SubmissionID: result.SubmissionID,
		Status:       result.Status,
		Verdict:      result.Verdict,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CallbackDeliveryFailed, "encode callback payload failed")
	}

	ctxPost, cancel := context.WithTimeout(ctx, s.postTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctxPost, http.MethodPost, result.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CallbackDeliveryFailed, "build callback request failed")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, appErr.Wrapf(err, appErr.CallbackTimeout, "callback endpoint timed out")
		}
		return 0, appErr.Wrapf(err, appErr.CallbackDeliveryFailed, "callback request failed")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, appErr.Newf(appErr.CallbackRejected, "callback endpoint answered %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (s *CallbackService) recordAttempt(ctx context.Context, result model.ResultMessage, attempt, httpStatus int, postErr error) {
	entry := CallbackAttempt{
		SubmissionID: result.SubmissionID,
		URL:          result.CallbackURL,
		Attempt:      attempt,
		HTTPStatus:   httpStatus,
		Timestamp:    time.Now().Unix(),
	}
	if postErr != nil {
		entry.Error = postErr.Error()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		logger.Warn(ctx, "encode callback attempt failed", zap.Error(err))
		return
	}

	key := attemptTrailPrefix + result.SubmissionID
	err = s.cache.Pipeline(ctx, func(pipe cache.Pipeliner) error {
		if err := pipe.RPush(key, string(payload)); err != nil {
			return err
		}
		if err := pipe.LTrim(key, -s.trailLimit, -1); err != nil {
			return err
		}
		return pipe.Expire(key, s.trailTTL)
	})
	if err != nil {
		logger.Warn(ctx, "record callback attempt failed",
			zap.String("submission_id", result.SubmissionID),
			zap.Error(err),
		)
	}
}

// AttemptTrail returns the recorded attempts for one submission, oldest
// first.
func (s *CallbackService) AttemptTrail(ctx context.Context, submissionID string) ([]CallbackAttempt, error) {
	if submissionID == "" {
		return nil, appErr.ValidationError("submission_id", "required")
	}
	raw, err := s.cache.LRange(ctx, attemptTrailPrefix+submissionID, 0, -1)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "read attempt trail failed")
	}
	attempts := make([]CallbackAttempt, 0, len(raw))
	for _, item := range raw {
		var entry CallbackAttempt
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		attempts = append(attempts, entry)
	}
	return attempts, nil
}
