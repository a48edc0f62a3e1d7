package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/ticketpipe-io/ticketpipe/internal/models"
	"github.com/ticketpipe-io/ticketpipe/internal/pipeline"
)

type fakeQueue struct {
	mu        sync.Mutex
	claimable []*models.Message
	claimErr  map[string]error
	claims    []string
	completed map[string]string
	failed    map[string]string
}

func newFakeQueue(msgs ...*models.Message) *fakeQueue {
	return &fakeQueue{
		claimable: msgs,
		claimErr:  map[string]error{},
		completed: map[string]string{},
		failed:    map[string]string{},
	}
}

func (q *fakeQueue) ListClaimable(_ context.Context, limit int) ([]*models.Message, error) {
	if limit < len(q.claimable) {
		return q.claimable[:limit], nil
	}
	return q.claimable, nil
}

func (q *fakeQueue) Claim(_ context.Context, id string, _ pipeline.Stage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err, ok := q.claimErr[id]; ok {
		return err
	}
	q.claims = append(q.claims, id)
	return nil
}

func (q *fakeQueue) CompleteStage(_ context.Context, id string, _ pipeline.Stage, output string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed[id] = output
	return nil
}

func (q *fakeQueue) FailStage(_ context.Context, id string, _ pipeline.Stage, detail string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = detail
	return nil
}

type fakeHandler struct {
	stage  pipeline.Stage
	output string
	err    error

	mu   sync.Mutex
	seen []Input
}

func (h *fakeHandler) Stage() pipeline.Stage { return h.stage }

func (h *fakeHandler) Execute(_ context.Context, in Input) (string, error) {
	h.mu.Lock()
	h.seen = append(h.seen, in)
	h.mu.Unlock()
	return h.output, h.err
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestDispatcherPassCompletesStage(t *testing.T) {
	msg := &models.Message{
		ID:     "msg-1",
		Status: models.StatusFetched,
		Body:   "transcript body",
	}
	queue := newFakeQueue(msg)
	handler := &fakeHandler{stage: pipeline.StageOCR, output: "recognized text"}
	d := NewDispatcher(queue, []Handler{handler}, WithDispatcherLogger(discardLogger()))

	if err := d.Pass(context.Background(), 10); err != nil {
		t.Fatalf("pass: %v", err)
	}
	d.Wait()

	if len(queue.claims) != 1 || queue.claims[0] != "msg-1" {
		t.Fatalf("expected one claim for msg-1, got %v", queue.claims)
	}
	if got := queue.completed["msg-1"]; got != "recognized text" {
		t.Fatalf("expected completion output recorded, got %q", got)
	}
	if len(handler.seen) != 1 || handler.seen[0].Payload != "transcript body" {
		t.Fatalf("handler input not built from message body: %+v", handler.seen)
	}
}

func TestDispatcherHandlerFailureRecordsDetail(t *testing.T) {
	msg := &models.Message{ID: "msg-2", Status: models.StatusOCRSuccess}
	queue := newFakeQueue(msg)
	handler := &fakeHandler{stage: pipeline.StageSummary, err: fmt.Errorf("summarizer returned 503")}
	d := NewDispatcher(queue, []Handler{handler}, WithDispatcherLogger(discardLogger()))

	if err := d.Pass(context.Background(), 10); err != nil {
		t.Fatalf("pass: %v", err)
	}
	d.Wait()

	if _, ok := queue.completed["msg-2"]; ok {
		t.Fatal("failed handler must not record success")
	}
	if got := queue.failed["msg-2"]; got != "summarizer returned 503" {
		t.Fatalf("expected failure detail recorded, got %q", got)
	}
}

func TestDispatcherLostClaimSkipped(t *testing.T) {
	first := &models.Message{ID: "msg-3", Status: models.StatusFetched}
	second := &models.Message{ID: "msg-4", Status: models.StatusFetched}
	queue := newFakeQueue(first, second)
	queue.claimErr["msg-3"] = pipeline.ErrConflict
	handler := &fakeHandler{stage: pipeline.StageOCR, output: "ok"}
	d := NewDispatcher(queue, []Handler{handler}, WithDispatcherLogger(discardLogger()))

	if err := d.Pass(context.Background(), 10); err != nil {
		t.Fatalf("pass: %v", err)
	}
	d.Wait()

	if _, ok := queue.completed["msg-3"]; ok {
		t.Fatal("lost claim must not run the handler")
	}
	if got := queue.completed["msg-4"]; got != "ok" {
		t.Fatalf("remaining message should still run, got %q", got)
	}
}

type blockingHandler struct {
	stage   pipeline.Stage
	release chan struct{}
}

func (h *blockingHandler) Stage() pipeline.Stage { return h.stage }

func (h *blockingHandler) Execute(ctx context.Context, _ Input) (string, error) {
	<-h.release
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "slow but fine", nil
}

func TestDispatcherHandlerSurvivesPassCancellation(t *testing.T) {
	msg := &models.Message{ID: "msg-slow", Status: models.StatusFetched}
	queue := newFakeQueue(msg)
	handler := &blockingHandler{stage: pipeline.StageOCR, release: make(chan struct{})}
	d := NewDispatcher(queue, []Handler{handler}, WithDispatcherLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Pass(ctx, 10); err != nil {
		t.Fatalf("pass: %v", err)
	}
	// The scheduling context dies right after launch, the way a timed
	// dispatch tick does. The handler is still mid-call.
	cancel()
	close(handler.release)
	d.Wait()

	if got := queue.failed["msg-slow"]; got != "" {
		t.Fatalf("cancelled pass must not fail a running handler, got %q", got)
	}
	if got := queue.completed["msg-slow"]; got != "slow but fine" {
		t.Fatalf("expected slow handler outcome recorded, got %q", got)
	}
}

func TestDispatcherNoHandlerSkips(t *testing.T) {
	msg := &models.Message{ID: "msg-5", Status: models.StatusOCRSuccess}
	queue := newFakeQueue(msg)
	d := NewDispatcher(queue, nil, WithDispatcherLogger(discardLogger()))

	if err := d.Pass(context.Background(), 10); err != nil {
		t.Fatalf("pass: %v", err)
	}
	d.Wait()

	if len(queue.claims) != 0 {
		t.Fatalf("message without a handler must not be claimed, got %v", queue.claims)
	}
}

func TestDispatcherScanErrorPropagates(t *testing.T) {
	queue := newFakeQueue()
	d := NewDispatcher(queue, nil, WithDispatcherLogger(discardLogger()))

	wantErr := errors.New("db gone")
	broken := &erroringQueue{fakeQueue: queue, listErr: wantErr}
	d.queue = broken

	if err := d.Pass(context.Background(), 10); !errors.Is(err, wantErr) {
		t.Fatalf("expected scan error surfaced, got %v", err)
	}
}

type erroringQueue struct {
	*fakeQueue
	listErr error
}

func (q *erroringQueue) ListClaimable(context.Context, int) ([]*models.Message, error) {
	return nil, q.listErr
}
