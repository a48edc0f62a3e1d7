package tasks

import (
	"context"
	"time"

	"github.com/ticketpipe-io/ticketpipe/internal/runner"
	"github.com/ticketpipe-io/ticketpipe/internal/stage"
)

// DispatchTask scans claimable messages and hands them to their stage
// handlers. The scan-and-claim is quick; handler execution happens
// asynchronously inside the dispatcher.
type DispatchTask struct {
	dispatcher *stage.Dispatcher
	schedule   string
	timeout    time.Duration
	limit      int
}

// NewDispatchTask creates the dispatch task.
func NewDispatchTask(dispatcher *stage.Dispatcher, schedule string, timeout time.Duration, limit int) runner.Task {
	if schedule == "" {
		schedule = "*/10 * * * * *"
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	if limit <= 0 {
		limit = 50
	}
	return &DispatchTask{dispatcher: dispatcher, schedule: schedule, timeout: timeout, limit: limit}
}

// Name returns the task name
func (t *DispatchTask) Name() string {
	return "dispatch"
}

// Schedule returns the cron schedule expression
func (t *DispatchTask) Schedule() string {
	return t.schedule
}

// Timeout returns the task timeout
func (t *DispatchTask) Timeout() time.Duration {
	return t.timeout
}

// Run performs one dispatch pass
func (t *DispatchTask) Run(ctx context.Context) error {
	return t.dispatcher.Pass(ctx, t.limit)
}
