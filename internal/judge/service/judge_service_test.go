package service_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"judgecore/internal/common/db"
	"judgecore/internal/common/mq"
	"judgecore/internal/common/storage"
	"judgecore/internal/judge/model"
	"judgecore/internal/judge/repository"
	"judgecore/internal/judge/sandbox"
	"judgecore/internal/judge/sandbox/result"
	"judgecore/internal/judge/service"
	subrepo "judgecore/internal/submit/repository"
	appErr "judgecore/pkg/errors"
)

type transitionCall struct {
	submissionID string
	from         string
	to           string
	update       *subrepo.TransitionUpdate
}

type transitionReply struct {
	ok  bool
	err error
}

// fakeStore replays canned transition replies in order; an exhausted
// reply list means every further transition succeeds.
type fakeStore struct {
	mu          sync.Mutex
	transitions []transitionCall
	replies     []transitionReply
	record      *subrepo.SubmissionRecord
	getErr      error
}

func (f *fakeStore) Create(ctx context.Context, tx db.Transaction, record *subrepo.SubmissionRecord) error {
	return nil
}

func (f *fakeStore) Get(ctx context.Context, tx db.Transaction, submissionID string) (*subrepo.SubmissionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	if f.record == nil {
		return nil, subrepo.ErrSubmissionNotFound
	}
	return f.record, nil
}

func (f *fakeStore) Transition(ctx context.Context, tx db.Transaction, submissionID, from, to string, update *subrepo.TransitionUpdate) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, transitionCall{submissionID: submissionID, from: from, to: to, update: update})
	if len(f.replies) == 0 {
		return true, nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply.ok, reply.err
}

func (f *fakeStore) calls() []transitionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transitionCall, len(f.transitions))
	copy(out, f.transitions)
	return out
}

type fakeWorker struct {
	mu     sync.Mutex
	reqs   []sandbox.ExecRequest
	staged [][]byte
	res    result.ExecutionResult
	err    error
	block  chan struct{}
	killed []string
}

func (f *fakeWorker) Execute(ctx context.Context, req sandbox.ExecRequest) (result.ExecutionResult, error) {
	// The staging directory is wiped when HandleMessage returns, so
	// the source must be read here, while the path is still live.
	source, _ := os.ReadFile(req.SourcePath)
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.staged = append(f.staged, source)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return result.ExecutionResult{}, ctx.Err()
		}
	}
	if f.err != nil {
		return result.ExecutionResult{}, f.err
	}
	res := f.res
	res.SubmissionID = req.SubmissionID
	res.Language = req.LanguageID
	return res, nil
}

func (f *fakeWorker) Kill(ctx context.Context, submissionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, submissionID)
	return nil
}

func (f *fakeWorker) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeWorker) requests() []sandbox.ExecRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sandbox.ExecRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

func (f *fakeWorker) stagedSource() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.staged))
	copy(out, f.staged)
	return out
}

// fakePublisher records successful publishes; queued errors fail calls in
// order before anything is recorded.
type fakePublisher struct {
	mu      sync.Mutex
	results []model.ResultMessage
	errs    []error
}

func (f *fakePublisher) PublishResult(ctx context.Context, res model.ResultMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.results = append(f.results, res)
	return nil
}

func (f *fakePublisher) published() []model.ResultMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.ResultMessage, len(f.results))
	copy(out, f.results)
	return out
}

type publishedMessage struct {
	topic string
	msg   *mq.Message
}

type fakeQueue struct {
	mu        sync.Mutex
	published []publishedMessage
}

func (f *fakeQueue) Publish(ctx context.Context, topic string, message *mq.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMessage{topic: topic, msg: message})
	return nil
}

func (f *fakeQueue) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	return nil
}

func (f *fakeQueue) Subscribe(ctx context.Context, topic string, handler mq.HandlerFunc) error {
	return nil
}

func (f *fakeQueue) SubscribeWithOptions(ctx context.Context, topic string, handler mq.HandlerFunc, opts *mq.SubscribeOptions) error {
	return nil
}

func (f *fakeQueue) Start() error                   { return nil }
func (f *fakeQueue) Stop() error                    { return nil }
func (f *fakeQueue) Pause() error                   { return nil }
func (f *fakeQueue) Resume() error                  { return nil }
func (f *fakeQueue) Ping(ctx context.Context) error { return nil }
func (f *fakeQueue) Close() error                   { return nil }

func (f *fakeQueue) messages() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]publishedMessage, len(f.published))
	copy(out, f.published)
	return out
}

type fakeStorage struct {
	objects map[string][]byte
}

func (f *fakeStorage) GetObject(ctx context.Context, bucket, objectKey string) (storage.ObjectReader, error) {
	data, ok := f.objects[bucket+"/"+objectKey]
	if !ok {
		return nil, errors.New("object not found")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	return nil
}

func (f *fakeStorage) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	return storage.ObjectStat{}, nil
}

type fakeArchiver struct {
	mu    sync.Mutex
	files map[string][]repository.ArtifactFile
	err   error
}

func (f *fakeArchiver) Archive(ctx context.Context, submissionID string, files []repository.ArtifactFile) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	if f.files == nil {
		f.files = make(map[string][]repository.ArtifactFile)
	}
	f.files[submissionID] = files
	return "artifacts/" + submissionID + ".tar.zst", nil
}

func (f *fakeArchiver) bundle(submissionID string) []repository.ArtifactFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[submissionID]
}

type testEnv struct {
	store     *fakeStore
	worker    *fakeWorker
	publisher *fakePublisher
	queue     *fakeQueue
	storage   *fakeStorage
	archiver  *fakeArchiver
	svc       *service.Service
}

func completedRun(stdout string, timeMs, memoryKB int64) result.ExecutionResult {
	return result.ExecutionResult{
		Outcome:    result.OutcomeCompleted,
		Compile:    &result.CompileResult{OK: true},
		Run:        &result.RunResult{Stdout: stdout, TimeMs: timeMs, MemoryKB: memoryKB},
		FinishedAt: time.Now().Unix(),
	}
}

func newTestEnv(t *testing.T, mutate func(*service.Config)) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     &fakeStore{},
		worker:    &fakeWorker{res: completedRun("", 0, 0)},
		publisher: &fakePublisher{},
		queue:     &fakeQueue{},
		storage:   &fakeStorage{objects: map[string][]byte{}},
		archiver:  &fakeArchiver{},
	}
	cfg := service.Config{
		Worker:             env.worker,
		Store:              env.store,
		Publisher:          env.publisher,
		Archiver:           env.archiver,
		Storage:            env.storage,
		Queue:              env.queue,
		SourceBucket:       "submissions",
		WorkRoot:           t.TempDir(),
		RetryTopic:         "judge.submissions.retry",
		DeadLetterTopic:    "judge.submissions.dlq",
		WorkerPoolSize:     1,
		PoolRetryMax:       3,
		PoolRetryBaseDelay: time.Millisecond,
		PoolRetryMaxDelay:  4 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := service.NewService(cfg)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	env.svc = svc
	return env
}

func submissionMsg(t *testing.T, payload model.SubmissionMessage) *mq.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	msg := mq.NewMessage(body)
	msg.ID = payload.SubmissionID
	return msg
}

func TestHandleMessageAccepted(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.res = completedRun("3\n", 42, 2048)

	msg := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-1",
		LanguageID:     "python",
		SourceCode:     "print(1+2)",
		Stdin:          "ignored",
		ExpectedOutput: "3\n",
		TimeLimitMs:    1500,
		MemoryLimitMB:  128,
		CallbackURL:    "http://cb.example/hook",
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	calls := env.store.calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 transitions, got %d", len(calls))
	}
	if calls[0].from != subrepo.StatusQueued || calls[0].to != subrepo.StatusRunning || calls[0].update != nil {
		t.Fatalf("unexpected claim transition: %+v", calls[0])
	}
	final := calls[1]
	if final.from != subrepo.StatusRunning || final.to != subrepo.StatusCompleted {
		t.Fatalf("unexpected terminal transition: %+v", final)
	}
	if final.update == nil || final.update.Verdict != "Accepted" {
		t.Fatalf("expected Accepted verdict, got %+v", final.update)
	}
	if final.update.TimeMs != 42 || final.update.MemoryKB != 2048 {
		t.Fatalf("unexpected run metrics: %+v", final.update)
	}
	if final.update.ArtifactKey != "artifacts/sub-1.tar.zst" {
		t.Fatalf("unexpected artifact key %q", final.update.ArtifactKey)
	}

	reqs := env.worker.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 exec request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.TimeLimitMs != 1500 || req.MemoryLimitMB != 128 {
		t.Fatalf("limits not forwarded: %+v", req)
	}
	if string(req.Stdin) != "ignored" {
		t.Fatalf("stdin not forwarded: %q", req.Stdin)
	}
	staged := env.worker.stagedSource()
	if len(staged) != 1 || string(staged[0]) != "print(1+2)" {
		t.Fatalf("unexpected staged source %q", staged)
	}

	published := env.publisher.published()
	if len(published) != 1 {
		t.Fatalf("expected 1 result publish, got %d", len(published))
	}
	res := published[0]
	if res.SubmissionID != "sub-1" || res.Status != subrepo.StatusCompleted || res.Verdict != "Accepted" {
		t.Fatalf("unexpected result message: %+v", res)
	}
	if res.CallbackURL != "http://cb.example/hook" {
		t.Fatalf("callback url not forwarded: %q", res.CallbackURL)
	}
}

func TestHandleMessageWrongAnswer(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.res = completedRun("2\n", 5, 100)

	msg := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-2",
		LanguageID:     "python",
		SourceCode:     "print(2)",
		ExpectedOutput: "3\n",
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	calls := env.store.calls()
	final := calls[len(calls)-1]
	if final.to != subrepo.StatusCompleted {
		t.Fatalf("wrong answers complete, got %+v", final)
	}
	if final.update.Verdict != "WrongAnswer" {
		t.Fatalf("expected WrongAnswer, got %q", final.update.Verdict)
	}
}

func TestHandleMessageCompileError(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.res = result.ExecutionResult{
		Outcome: result.OutcomeCompileError,
		Compile: &result.CompileResult{OK: false, ExitCode: 1, Log: "main.cpp:1: error"},
	}

	msg := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-3",
		LanguageID:     "cpp",
		SourceCode:     "int main( {",
		ExpectedOutput: "3\n",
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	calls := env.store.calls()
	final := calls[len(calls)-1]
	if final.update.Verdict != "CompileError" {
		t.Fatalf("expected CompileError, got %q", final.update.Verdict)
	}
	if final.update.TimeMs != 0 || final.update.MemoryKB != 0 {
		t.Fatalf("compile errors carry no run metrics: %+v", final.update)
	}

	var names []string
	for _, file := range env.archiver.bundle("sub-3") {
		names = append(names, file.Name)
	}
	foundLog := false
	for _, name := range names {
		if name == "compile.log" {
			foundLog = true
		}
	}
	if !foundLog {
		t.Fatalf("compile log missing from artifact bundle: %v", names)
	}
}

func TestHandleMessageMalformed(t *testing.T) {
	env := newTestEnv(t, nil)

	msg := mq.NewMessage([]byte("{not json"))
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("malformed payload must ack, got %v", err)
	}

	missing := submissionMsg(t, model.SubmissionMessage{LanguageID: "cpp"})
	if err := env.svc.HandleMessage(context.Background(), missing); err != nil {
		t.Fatalf("missing fields must ack, got %v", err)
	}

	noSource := submissionMsg(t, model.SubmissionMessage{SubmissionID: "sub-4", LanguageID: "cpp"})
	if err := env.svc.HandleMessage(context.Background(), noSource); err != nil {
		t.Fatalf("missing source must ack, got %v", err)
	}

	if len(env.store.calls()) != 0 {
		t.Fatalf("store touched for dropped messages: %+v", env.store.calls())
	}
	if env.worker.requestCount() != 0 {
		t.Fatalf("worker called for dropped messages")
	}
}

func TestHandleMessageSkipsFinishedSubmission(t *testing.T) {
	env := newTestEnv(t, nil)
	finishedAt := time.Now().Add(-time.Minute)
	env.store.replies = []transitionReply{{ok: false}}
	env.store.record = &subrepo.SubmissionRecord{
		SubmissionID: "sub-5",
		Status:       subrepo.StatusCompleted,
		Verdict:      "Accepted",
		TimeMs:       10,
		MemoryKB:     512,
		CallbackURL:  "http://cb.example/hook",
		FinishedAt:   &finishedAt,
	}

	msg := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-5",
		LanguageID:     "python",
		SourceCode:     "print(3)",
		ExpectedOutput: "3\n",
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("redelivery of finished submission must ack, got %v", err)
	}
	if env.worker.requestCount() != 0 {
		t.Fatalf("finished submission re-executed")
	}

	// The redelivery republishes from the record so a crash between the
	// terminal write and the original publish loses nothing.
	published := env.publisher.published()
	if len(published) != 1 {
		t.Fatalf("expected healed republish, got %d messages", len(published))
	}
	if published[0].Verdict != "Accepted" || published[0].Status != subrepo.StatusCompleted {
		t.Fatalf("unexpected republished result: %+v", published[0])
	}
	if published[0].CallbackURL != "http://cb.example/hook" {
		t.Fatalf("republished callback url: %q", published[0].CallbackURL)
	}
}

func TestHandleMessageDropsUnknownRecord(t *testing.T) {
	env := newTestEnv(t, nil)
	env.store.replies = []transitionReply{{ok: false}}

	msg := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-6",
		LanguageID:     "python",
		SourceCode:     "print(3)",
		ExpectedOutput: "3\n",
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("unknown record must ack, got %v", err)
	}
	if env.worker.requestCount() != 0 {
		t.Fatalf("worker called for unknown record")
	}
	if len(env.publisher.published()) != 0 {
		t.Fatalf("nothing to publish for unknown record")
	}
}

func TestHandleMessageAdoptsLostLease(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.res = completedRun("3\n", 7, 300)
	env.store.replies = []transitionReply{{ok: false}, {ok: true}}
	env.store.record = &subrepo.SubmissionRecord{
		SubmissionID: "sub-7",
		Status:       subrepo.StatusRunning,
	}

	msg := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-7",
		LanguageID:     "python",
		SourceCode:     "print(3)",
		ExpectedOutput: "3\n",
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("adopted lease must finish, got %v", err)
	}
	if env.worker.requestCount() != 1 {
		t.Fatalf("adopted submission not executed")
	}
	calls := env.store.calls()
	final := calls[len(calls)-1]
	if final.from != subrepo.StatusRunning || final.to != subrepo.StatusCompleted {
		t.Fatalf("unexpected terminal transition after adoption: %+v", final)
	}
	if len(env.publisher.published()) != 1 {
		t.Fatalf("adopted submission result not published")
	}
}

func TestHandleMessageDownloadsSource(t *testing.T) {
	env := newTestEnv(t, nil)
	source := []byte("print(40+2)\n")
	digest := sha256.Sum256(source)
	env.storage.objects["submissions/source/sub-8"] = source
	env.worker.res = completedRun("42\n", 1, 1)

	msg := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-8",
		LanguageID:     "python",
		SourceKey:      "source/sub-8",
		SourceSHA256:   hex.EncodeToString(digest[:]),
		ExpectedOutput: "42\n",
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	reqs := env.worker.requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 exec request, got %d", len(reqs))
	}
	staged := env.worker.stagedSource()
	if len(staged) != 1 || !bytes.Equal(staged[0], source) {
		t.Fatalf("staged source mismatch: %q", staged)
	}
}

func TestHandleMessageSourceHashMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	env.storage.objects["submissions/source/sub-9"] = []byte("tampered")

	msg := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-9",
		LanguageID:     "python",
		SourceKey:      "source/sub-9",
		SourceSHA256:   "0000000000000000000000000000000000000000000000000000000000000000",
		ExpectedOutput: "42\n",
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("hash mismatch is final and must ack, got %v", err)
	}

	calls := env.store.calls()
	final := calls[len(calls)-1]
	if final.from != subrepo.StatusRunning || final.to != subrepo.StatusFailed {
		t.Fatalf("expected Failed transition, got %+v", final)
	}
	if final.update.Verdict != "InternalError" {
		t.Fatalf("expected InternalError verdict, got %q", final.update.Verdict)
	}
	published := env.publisher.published()
	if len(published) != 1 || published[0].Status != subrepo.StatusFailed {
		t.Fatalf("failure result not published: %+v", published)
	}
	if env.worker.requestCount() != 0 {
		t.Fatalf("tampered source must never execute")
	}
}

func TestHandleMessageWorkerFault(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.err = appErr.New(appErr.JudgeSystemError).WithMessage("cgroup setup failed")

	msg := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-10",
		LanguageID:     "python",
		SourceCode:     "print(3)",
		ExpectedOutput: "3\n",
	})
	err := env.svc.HandleMessage(context.Background(), msg)
	if err == nil {
		t.Fatalf("sandbox faults must redeliver")
	}
	if appErr.GetCode(err) != appErr.JudgeSystemError {
		t.Fatalf("unexpected error code %d", appErr.GetCode(err))
	}

	calls := env.store.calls()
	final := calls[len(calls)-1]
	if final.to != subrepo.StatusFailed || final.update.Verdict != "InternalError" {
		t.Fatalf("fault not recorded as Failed: %+v", final)
	}
}

func TestHandleMessageStoreWriteFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.res = completedRun("3\n", 1, 1)
	storeErr := errors.New("connection reset")
	env.store.replies = []transitionReply{{ok: true}, {err: storeErr}}

	msg := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-11",
		LanguageID:     "python",
		SourceCode:     "print(3)",
		ExpectedOutput: "3\n",
	})
	err := env.svc.HandleMessage(context.Background(), msg)
	if err == nil {
		t.Fatalf("terminal store failure must redeliver")
	}
	if !errors.Is(err, storeErr) {
		t.Fatalf("expected store error, got %v", err)
	}
	if len(env.publisher.published()) != 0 {
		t.Fatalf("nothing may publish before the terminal write lands")
	}
}

func TestHandleMessagePublishFailureThenHeal(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.res = completedRun("3\n", 9, 256)
	env.publisher.errs = []error{errors.New("broker down")}

	msg := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-12",
		LanguageID:     "python",
		SourceCode:     "print(3)",
		ExpectedOutput: "3\n",
		CallbackURL:    "http://cb.example/hook",
	})
	if err := env.svc.HandleMessage(context.Background(), msg); err == nil {
		t.Fatalf("publish failure must redeliver")
	}

	// The redelivery finds the record terminal and republishes from it.
	finishedAt := time.Now()
	env.store.replies = []transitionReply{{ok: false}}
	env.store.record = &subrepo.SubmissionRecord{
		SubmissionID: "sub-12",
		Status:       subrepo.StatusCompleted,
		Verdict:      "Accepted",
		TimeMs:       9,
		MemoryKB:     256,
		CallbackURL:  "http://cb.example/hook",
		FinishedAt:   &finishedAt,
	}
	if err := env.svc.HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("healing redelivery: %v", err)
	}
	published := env.publisher.published()
	if len(published) != 1 {
		t.Fatalf("expected exactly one successful publish, got %d", len(published))
	}
	if published[0].Verdict != "Accepted" {
		t.Fatalf("unexpected healed result: %+v", published[0])
	}
	if env.worker.requestCount() != 1 {
		t.Fatalf("healing redelivery must not re-execute")
	}
}

func TestHandleMessagePoolFullRequeues(t *testing.T) {
	env := newTestEnv(t, nil)
	env.worker.res = completedRun("3\n", 1, 1)
	env.worker.block = make(chan struct{})

	first := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-13a",
		LanguageID:     "python",
		SourceCode:     "print(3)",
		ExpectedOutput: "3\n",
	})
	done := make(chan error, 1)
	go func() {
		done <- env.svc.HandleMessage(context.Background(), first)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for env.worker.requestCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first submission never reached the worker")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := submissionMsg(t, model.SubmissionMessage{
		SubmissionID:   "sub-13b",
		LanguageID:     "python",
		SourceCode:     "print(3)",
		ExpectedOutput: "3\n",
	})
	if err := env.svc.HandleMessage(context.Background(), second); err != nil {
		t.Fatalf("pool-full requeue must ack the original, got %v", err)
	}

	requeued := env.queue.messages()
	if len(requeued) != 1 {
		t.Fatalf("expected 1 requeued message, got %d", len(requeued))
	}
	if requeued[0].topic != "judge.submissions.retry" {
		t.Fatalf("requeued to %q", requeued[0].topic)
	}
	if got := service.ParsePoolRetryCount(requeued[0].msg.Headers); got != 1 {
		t.Fatalf("expected pool retry count 1, got %d", got)
	}
	for _, call := range env.store.calls() {
		if call.submissionID == "sub-13b" {
			t.Fatalf("requeued submission must stay Queued, saw transition %+v", call)
		}
	}

	close(env.worker.block)
	if err := <-done; err != nil {
		t.Fatalf("first submission failed: %v", err)
	}
}
