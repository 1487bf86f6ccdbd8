package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"judgecore/internal/common/mq"
	"judgecore/internal/judge/model"
	appErr "judgecore/pkg/errors"
)

// ResultPublisher announces terminal submission results for async
// consumers, the callback service first among them.
type ResultPublisher interface {
	PublishResult(ctx context.Context, result model.ResultMessage) error
}

// MQResultPublisher publishes results to a message queue topic.
type MQResultPublisher struct {
	queue mq.MessageQueue
	topic string
}

// NewMQResultPublisher creates a new MQ result publisher.
func NewMQResultPublisher(queue mq.MessageQueue, topic string) *MQResultPublisher {
	return &MQResultPublisher{queue: queue, topic: topic}
}

// PublishResult publishes one terminal result. The message id is the
// submission id so downstream consumers dedupe naturally.
func (p *MQResultPublisher) PublishResult(ctx context.Context, result model.ResultMessage) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("result publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("results topic is required")
	}
	if result.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = result.SubmissionID
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFailed, "publish result failed")
	}
	return nil
}
