// Package tasks holds the scheduled jobs: ingest, dispatch, recovery
// and cleanup. Each task is a thin schedule-and-timeout wrapper over a
// component that owns the actual work.
package tasks

import (
	"context"
	"time"

	"github.com/ticketpipe-io/ticketpipe/internal/ingest"
	"github.com/ticketpipe-io/ticketpipe/internal/runner"
)

// IngestTask runs one ingestion pass: scan the file-store inbox and
// pull every mailbox-mode tenant's account.
type IngestTask struct {
	router   *ingest.Router
	schedule string
	timeout  time.Duration
}

// NewIngestTask creates the ingest task.
func NewIngestTask(router *ingest.Router, schedule string, timeout time.Duration) runner.Task {
	if schedule == "" {
		schedule = "*/30 * * * * *"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &IngestTask{router: router, schedule: schedule, timeout: timeout}
}

// Name returns the task name
func (t *IngestTask) Name() string {
	return "ingest"
}

// Schedule returns the cron schedule expression
func (t *IngestTask) Schedule() string {
	return t.schedule
}

// Timeout returns the task timeout
func (t *IngestTask) Timeout() time.Duration {
	return t.timeout
}

// Run performs one ingestion pass
func (t *IngestTask) Run(ctx context.Context) error {
	return t.router.Run(ctx)
}
