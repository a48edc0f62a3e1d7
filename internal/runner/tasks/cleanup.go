package tasks

import (
	"context"
	"log"
	"time"

	"github.com/ticketpipe-io/ticketpipe/internal/cleanup"
	"github.com/ticketpipe-io/ticketpipe/internal/config"
	"github.com/ticketpipe-io/ticketpipe/internal/filestore"
	"github.com/ticketpipe-io/ticketpipe/internal/runner"
)

// CleanupTask ages out file-store zones and prunes the cleanup-run
// history. One zone failing never stops the remaining zones.
type CleanupTask struct {
	manager  *cleanup.Manager
	cfg      config.CleanupConfig
	schedule string
	logger   *log.Logger
}

// NewCleanupTask creates the cleanup task.
func NewCleanupTask(manager *cleanup.Manager, cfg config.CleanupConfig) runner.Task {
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = "0 0 3 * * *"
	}
	return &CleanupTask{
		manager:  manager,
		cfg:      cfg,
		schedule: schedule,
		logger:   log.New(log.Writer(), "[CLEANUP-TASK] ", log.LstdFlags),
	}
}

// Name returns the task name
func (t *CleanupTask) Name() string {
	return "cleanup"
}

// Schedule returns the cron schedule expression
func (t *CleanupTask) Schedule() string {
	return t.schedule
}

// Timeout returns the task timeout
func (t *CleanupTask) Timeout() time.Duration {
	return 30 * time.Minute
}

// Run cleans every zone with its configured max age, then prunes runs
func (t *CleanupTask) Run(ctx context.Context) error {
	zoneAges := map[filestore.Zone]time.Duration{
		filestore.ZoneInbox:     t.cfg.InboxMaxAge,
		filestore.ZoneProcessed: t.cfg.ProcessedMaxAge,
		filestore.ZoneFailed:    t.cfg.FailedMaxAge,
	}

	var firstErr error
	for _, zone := range filestore.Zones {
		maxAge := zoneAges[zone]
		if maxAge <= 0 {
			continue
		}
		if _, err := t.manager.CleanFileStore(ctx, zone, maxAge, false); err != nil {
			t.logger.Printf("zone %s: %v", zone, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if t.cfg.RunRetention > 0 {
		if _, err := t.manager.CleanStaleRecords(ctx, t.cfg.RunRetention); err != nil {
			t.logger.Printf("prune runs: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
