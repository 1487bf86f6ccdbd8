package service

import (
	"context"
	"strconv"
	"time"

	"judgecore/internal/common/mq"
	appErr "judgecore/pkg/errors"
	"judgecore/pkg/utils/logger"

	"go.uber.org/zap"
)

// poolRetryHeader counts how many times a submission was requeued because
// every execution slot was busy. It is separate from the consumer level
// retry count, which tracks handler failures.
const poolRetryHeader = "x-pool-retry"

// slotWait bounds how long a dequeued submission waits for a free
// execution slot before it goes back to the queue.
const slotWait = 2 * time.Second

func (s *Service) acquireSlot(ctx context.Context, submissionID string) error {
	waitCtx, cancel := context.WithTimeout(ctx, slotWait)
	defer cancel()
	if err := s.limiter.Acquire(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Info(ctx, "no execution slot available",
			zap.String("submission_id", submissionID))
		return appErr.New(appErr.JudgeQueueFull).WithMessage("worker pool is full")
	}
	return nil
}

func (s *Service) releaseSlot() {
	s.limiter.Release()
}

func (s *Service) requeueForPoolFull(ctx context.Context, msg *mq.Message) error {
	return RequeueForPoolFull(ctx, s.queue, s.retryTopic, s.deadLetter, s.poolRetryMax, s.poolRetryBase, s.poolRetryMaxDelay, msg)
}

// ParsePoolRetryCount reads the pool retry header. Missing or mangled
// values count as zero.
func ParsePoolRetryCount(headers map[string]string) int {
	raw, ok := headers[poolRetryHeader]
	if !ok {
		return 0
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

// CloneMessageForRetry copies a message for republication with the pool
// retry header set to retryCount. The consumer level retry counter resets
// so the clone gets a full handler retry budget on its next delivery.
func CloneMessageForRetry(msg *mq.Message, retryCount int) *mq.Message {
	if msg == nil {
		return mq.NewMessage(nil)
	}
	out := &mq.Message{
		Body:       msg.Body,
		Headers:    make(map[string]string, len(msg.Headers)+1),
		Timestamp:  time.Now(),
		Priority:   msg.Priority,
		RetryCount: 0,
		MaxRetries: msg.MaxRetries,
		Expiration: msg.Expiration,
	}
	for k, v := range msg.Headers {
		out.Headers[k] = v
	}
	out.Headers[poolRetryHeader] = strconv.Itoa(retryCount)
	return out
}

// ComputePoolBackoff returns the wait before the next requeue: base
// doubled retryCount times, capped at max. A max of zero means uncapped.
func ComputePoolBackoff(retryCount int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < retryCount; i++ {
		if max > 0 && delay > max/2 {
			return max
		}
		delay <<= 1
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}

// RequeueForPoolFull sends a submission that found no free slot back
// through the retry topic after a backoff, or to the dead letter topic
// once the requeue budget is spent. The caller acks the original message
// on a nil return; the submission lives on as the republished clone.
func RequeueForPoolFull(ctx context.Context, queue mq.MessageQueue, retryTopic, deadLetter string, maxRetry int, baseDelay, maxDelay time.Duration, msg *mq.Message) error {
	if queue == nil || retryTopic == "" {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("retry queue is not configured")
	}
	if msg == nil {
		return appErr.New(appErr.InvalidParams).WithMessage("message is nil")
	}
	retryCount := ParsePoolRetryCount(msg.Headers)
	if maxRetry > 0 && retryCount >= maxRetry {
		if deadLetter == "" {
			logger.Warn(ctx, "requeue budget spent and no dead letter topic",
				zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID))
			return appErr.New(appErr.JudgeQueueFull).WithMessage("worker pool is full")
		}
		logger.Warn(ctx, "requeue budget spent, dead lettering submission",
			zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID), zap.String("topic", deadLetter))
		return queue.Publish(ctx, deadLetter, CloneMessageForRetry(msg, retryCount))
	}
	delay := ComputePoolBackoff(retryCount, baseDelay, maxDelay)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			logger.Warn(ctx, "requeue backoff canceled",
				zap.Int("retry_count", retryCount), zap.String("message_id", msg.ID), zap.Duration("delay", delay))
			return ctx.Err()
		case <-timer.C:
		}
	}
	logger.Info(ctx, "pool full, requeue submission",
		zap.Int("retry_count", retryCount+1), zap.String("message_id", msg.ID),
		zap.Duration("delay", delay), zap.String("topic", retryTopic))
	return queue.Publish(ctx, retryTopic, CloneMessageForRetry(msg, retryCount+1))
}
