package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ticketpipe-io/ticketpipe/internal/metrics"
	"github.com/ticketpipe-io/ticketpipe/internal/models"
	"github.com/ticketpipe-io/ticketpipe/internal/pipeline"
	"github.com/ticketpipe-io/ticketpipe/internal/runner"
)

const recoveryBatch = 100

type stuckMessages interface {
	ListStuck(ctx context.Context, stage pipeline.Stage, cutoff time.Time, limit int) ([]*models.Message, error)
	ResetForRetry(ctx context.Context, id string, stage pipeline.Stage, claimedBefore time.Time) error
	FailExhausted(ctx context.Context, id string, stage pipeline.Stage, claimedBefore time.Time) error
}

// RecoveryTask returns messages stuck in a _PROCESSING state to their
// predecessor success state, or fails them once retries are exhausted.
// Safe to run concurrently with dispatch: every transition is
// compare-and-set on both status and claim time.
type RecoveryTask struct {
	repo          stuckMessages
	stageTimeouts map[pipeline.Stage]time.Duration
	maxRetries    int
	schedule      string
	timeout       time.Duration
	logger        *log.Logger
	now           func() time.Time
}

// NewRecoveryTask creates the recovery task.
func NewRecoveryTask(repo stuckMessages, stageTimeouts map[pipeline.Stage]time.Duration, maxRetries int, schedule string) runner.Task {
	if schedule == "" {
		schedule = "0 * * * * *"
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &RecoveryTask{
		repo:          repo,
		stageTimeouts: stageTimeouts,
		maxRetries:    maxRetries,
		schedule:      schedule,
		timeout:       2 * time.Minute,
		logger:        log.New(log.Writer(), "[RECOVERY] ", log.LstdFlags),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Name returns the task name
func (t *RecoveryTask) Name() string {
	return "recovery"
}

// Schedule returns the cron schedule expression
func (t *RecoveryTask) Schedule() string {
	return t.schedule
}

// Timeout returns the task timeout
func (t *RecoveryTask) Timeout() time.Duration {
	return t.timeout
}

// Run sweeps every stage for timed-out claims
func (t *RecoveryTask) Run(ctx context.Context) error {
	var firstErr error
	for _, s := range pipeline.Stages {
		if err := t.recoverStage(ctx, s); err != nil {
			t.logger.Printf("stage %s: %v", s, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (t *RecoveryTask) recoverStage(ctx context.Context, s pipeline.Stage) error {
	stageTimeout, ok := t.stageTimeouts[s]
	if !ok || stageTimeout <= 0 {
		return fmt.Errorf("no timeout configured for stage %s", s)
	}
	cutoff := t.now().Add(-stageTimeout)

	stuck, err := t.repo.ListStuck(ctx, s, cutoff, recoveryBatch)
	if err != nil {
		return fmt.Errorf("failed to list stuck messages: %w", err)
	}

	for _, msg := range stuck {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg.RetryCount >= t.maxRetries {
			err = t.repo.FailExhausted(ctx, msg.ID, s, cutoff)
			if err == nil {
				metrics.MessagesRecovered.WithLabelValues("exhausted").Inc()
				t.logger.Printf("message %s: %s retries exhausted after %d attempts", msg.ID, s, msg.RetryCount)
			}
		} else {
			err = t.repo.ResetForRetry(ctx, msg.ID, s, cutoff)
			if err == nil {
				metrics.MessagesRecovered.WithLabelValues("reset").Inc()
				t.logger.Printf("message %s: reset from %s (attempt %d)", msg.ID, s, msg.RetryCount+1)
			}
		}
		if err != nil {
			// A lost race means dispatch or another recovery pass got
			// there first; anything else is logged and the sweep goes on.
			if !errorIsBenign(err) {
				t.logger.Printf("message %s: recover: %v", msg.ID, err)
			}
		}
	}
	return nil
}

func errorIsBenign(err error) bool {
	return err == nil ||
		errors.Is(err, pipeline.ErrConflict) ||
		errors.Is(err, pipeline.ErrNotFound)
}
