package repository_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"judgecore/internal/common/mq"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/repository"
	appErr "judgecore/pkg/errors"
)

type publishedMessage struct {
	topic   string
	message *mq.Message
}

type fakeQueue struct {
	published  []publishedMessage
	publishErr error
}

func (q *fakeQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, publishedMessage{topic: topic, message: message})
	return nil
}

func (q *fakeQueue) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	return nil
}

func (q *fakeQueue) Subscribe(ctx context.Context, topic string, handler mq.HandlerFunc) error {
	return nil
}

func (q *fakeQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	return nil
}

func (q *fakeQueue) Start() error                    { return nil }
func (q *fakeQueue) Stop() error                     { return nil }
func (q *fakeQueue) Pause() error                    { return nil }
func (q *fakeQueue) Resume() error                   { return nil }
func (q *fakeQueue) Ping(ctx context.Context) error  { return nil }
func (q *fakeQueue) Close() error                    { return nil }

func TestPublishResult(t *testing.T) {
	queue := &fakeQueue{}
	publisher := repository.NewMQResultPublisher(queue, "judge.results")

	result := model.ResultMessage{
		SubmissionID: "sub-1",
		Status:       "Completed",
		Verdict:      "Accepted",
		TimeMs:       42,
		MemoryKB:     2048,
		CallbackURL:  "http://cb.example/hook",
		FinishedAt:   1700000000,
	}
	if err := publisher.PublishResult(context.Background(), result); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}
	if len(queue.published) != 1 {
		t.Fatalf("expected 1 message, got %d", len(queue.published))
	}
	sent := queue.published[0]
	if sent.topic != "judge.results" {
		t.Fatalf("unexpected topic %q", sent.topic)
	}
	if sent.message.ID != "sub-1" {
		t.Fatalf("message id must be the submission id, got %q", sent.message.ID)
	}
	var decoded model.ResultMessage
	if err := json.Unmarshal(sent.message.Body, &decoded); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if decoded != result {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestPublishResultValidation(t *testing.T) {
	ctx := context.Background()

	publisher := repository.NewMQResultPublisher(&fakeQueue{}, "judge.results")
	if err := publisher.PublishResult(ctx, model.ResultMessage{}); appErr.GetCode(err) != appErr.ValidationFailed {
		t.Fatalf("expected validation error, got %v", err)
	}

	unconfigured := repository.NewMQResultPublisher(nil, "judge.results")
	if err := unconfigured.PublishResult(ctx, model.ResultMessage{SubmissionID: "sub-1"}); appErr.GetCode(err) != appErr.ServiceUnavailable {
		t.Fatalf("expected service unavailable, got %v", err)
	}

	topicless := repository.NewMQResultPublisher(&fakeQueue{}, "")
	if err := topicless.PublishResult(ctx, model.ResultMessage{SubmissionID: "sub-1"}); appErr.GetCode(err) != appErr.InvalidParams {
		t.Fatalf("expected invalid params, got %v", err)
	}
}

func TestPublishResultBrokerError(t *testing.T) {
	brokerErr := errors.New("broker down")
	publisher := repository.NewMQResultPublisher(&fakeQueue{publishErr: brokerErr}, "judge.results")

	err := publisher.PublishResult(context.Background(), model.ResultMessage{SubmissionID: "sub-1"})
	if appErr.GetCode(err) != appErr.QueuePublishFailed {
		t.Fatalf("expected publish failure code, got %v", err)
	}
	if !errors.Is(err, brokerErr) {
		t.Fatalf("broker error must stay in the chain: %v", err)
	}
}
