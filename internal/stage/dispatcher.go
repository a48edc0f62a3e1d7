package stage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ticketpipe-io/ticketpipe/internal/metrics"
	"github.com/ticketpipe-io/ticketpipe/internal/models"
	"github.com/ticketpipe-io/ticketpipe/internal/pipeline"
)

type messageQueue interface {
	ListClaimable(ctx context.Context, limit int) ([]*models.Message, error)
	Claim(ctx context.Context, id string, stage pipeline.Stage) error
	CompleteStage(ctx context.Context, id string, stage pipeline.Stage, output string) error
	FailStage(ctx context.Context, id string, stage pipeline.Stage, detail string) error
}

// Dispatcher claims ready messages and hands them to stage handlers
// asynchronously. The claim is the only synchronous database work; the
// handler itself never runs inside the scheduler loop.
type Dispatcher struct {
	queue    messageQueue
	handlers map[pipeline.Stage]Handler
	logger   *log.Logger
	wg       sync.WaitGroup
}

// DispatcherOption customizes a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the dispatch logger.
func WithDispatcherLogger(logger *log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher wires a dispatcher over the message queue.
func NewDispatcher(queue messageQueue, handlers []Handler, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:    queue,
		handlers: make(map[pipeline.Stage]Handler, len(handlers)),
		logger:   log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
	}
	for _, h := range handlers {
		d.handlers[h.Stage()] = h
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Pass scans claimable messages once, claims each and launches its
// handler. Lost claim races are skipped silently; any other per-message
// error is logged with the message id and the pass continues.
func (d *Dispatcher) Pass(ctx context.Context, limit int) error {
	ready, err := d.queue.ListClaimable(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to scan claimable messages: %w", err)
	}

	for _, msg := range ready {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stage, err := pipeline.StageFor(msg.Status)
		if err != nil {
			d.logger.Printf("message %s: %v", msg.ID, err)
			continue
		}
		handler, ok := d.handlers[stage]
		if !ok {
			d.logger.Printf("message %s: no handler for stage %s", msg.ID, stage)
			continue
		}

		if err := d.queue.Claim(ctx, msg.ID, stage); err != nil {
			if errors.Is(err, pipeline.ErrConflict) || errors.Is(err, pipeline.ErrNotFound) {
				continue
			}
			d.logger.Printf("message %s: claim failed: %v", msg.ID, err)
			continue
		}
		metrics.StageDispatched.WithLabelValues(string(stage)).Inc()

		in := BuildInput(msg, stage)
		d.wg.Add(1)
		// The handler outlives the pass: a stage call may block far
		// longer than the scheduler tick that launched it, and the
		// outcome write-back must land even after the pass context is
		// cancelled. Wait() is the only thing that bounds it.
		go d.run(context.WithoutCancel(ctx), handler, stage, in)
	}
	return nil
}

// run executes one claimed stage and reports the outcome back into the
// state machine. Handler failure is terminal for the message.
func (d *Dispatcher) run(ctx context.Context, handler Handler, stage pipeline.Stage, in Input) {
	defer d.wg.Done()

	output, err := handler.Execute(ctx, in)
	if err != nil {
		metrics.StageCompleted.WithLabelValues(string(stage), "failed").Inc()
		if failErr := d.queue.FailStage(ctx, in.MessageID, stage, err.Error()); failErr != nil {
			d.logger.Printf("message %s: record %s failure: %v", in.MessageID, stage, failErr)
		}
		return
	}
	metrics.StageCompleted.WithLabelValues(string(stage), "success").Inc()
	if err := d.queue.CompleteStage(ctx, in.MessageID, stage, output); err != nil {
		d.logger.Printf("message %s: record %s success: %v", in.MessageID, stage, err)
	}
}

// Wait blocks until every launched handler reported back. Shutdown path.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
