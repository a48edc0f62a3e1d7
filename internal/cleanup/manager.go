// Package cleanup reclaims file-store space and prunes old audit rows.
// Every pass, successful or not, leaves a CleanupRun record behind.
package cleanup

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ticketpipe-io/ticketpipe/internal/filestore"
	"github.com/ticketpipe-io/ticketpipe/internal/metrics"
	"github.com/ticketpipe-io/ticketpipe/internal/models"
)

// DefaultInboxGrace is how long an unparsed inbox file is left alone
// before age-based deletion applies to it. Files younger than this and
// never attempted are counted skipped_referenced.
const DefaultInboxGrace = 30 * time.Minute

type runRecorder interface {
	Record(ctx context.Context, run *models.CleanupRun) error
	PruneBatch(ctx context.Context, cutoff time.Time, batchSize int) (int64, error)
}

type referenceChecker interface {
	InFlight(ctx context.Context, id string) (bool, error)
}

// Manager drives the cleanup passes over the file store and the run table.
type Manager struct {
	files      *filestore.Store
	runs       runRecorder
	refs       referenceChecker
	inboxGrace time.Duration
	batchSize  int
	logger     *log.Logger
	now        func() time.Time
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger overrides the cleanup logger.
func WithManagerLogger(logger *log.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithInboxGrace overrides the unparsed-inbox grace period.
func WithInboxGrace(grace time.Duration) ManagerOption {
	return func(m *Manager) {
		if grace > 0 {
			m.inboxGrace = grace
		}
	}
}

// WithBatchSize overrides the record-prune batch size.
func WithBatchSize(size int) ManagerOption {
	return func(m *Manager) {
		if size > 0 {
			m.batchSize = size
		}
	}
}

// WithManagerClock overrides the manager clock.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager wires a cleanup manager over the file store, the run table
// and the message table, which is consulted before a processed file is
// deleted.
func NewManager(files *filestore.Store, runs runRecorder, refs referenceChecker, opts ...ManagerOption) *Manager {
	m := &Manager{
		files:      files,
		runs:       runs,
		refs:       refs,
		inboxGrace: DefaultInboxGrace,
		batchSize:  500,
		logger:     log.New(log.Writer(), "[CLEANUP] ", log.LstdFlags),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CleanFileStore deletes file pairs in zone older than maxAge. Inbox
// files still inside the grace period are skipped, not deleted: they may
// be mid-ingestion and the next scan pass owns them. Processed files
// whose message record has not reached a terminal status are skipped
// too; stage handlers still read them. With dryRun the walk computes
// the same stats but deletes nothing.
func (m *Manager) CleanFileStore(ctx context.Context, zone filestore.Zone, maxAge time.Duration, dryRun bool) (*models.CleanupRun, error) {
	run := &models.CleanupRun{
		RunType:   models.RunTypeFileStore,
		Zone:      string(zone),
		DryRun:    dryRun,
		StartedAt: m.now(),
	}
	cutoff := run.StartedAt.Add(-maxAge)
	graceCutoff := run.StartedAt.Add(-m.inboxGrace)

	var firstErr error
	err := m.files.ListZone(zone, func(f filestore.StagedFile) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		run.Inspected++

		age := f.ModTime
		if !f.Meta.ReceivedAt.IsZero() && f.Meta.ReceivedAt.Before(age) {
			age = f.Meta.ReceivedAt
		}
		if !age.Before(cutoff) {
			return nil
		}
		if zone == filestore.ZoneInbox && f.ModTime.After(graceCutoff) {
			run.SkippedReferenced++
			return nil
		}
		if zone == filestore.ZoneProcessed && m.refs != nil {
			inFlight, err := m.refs.InFlight(ctx, f.Meta.ID)
			if err != nil {
				run.ErrorCount++
				if firstErr == nil {
					firstErr = err
					run.ErrorDetail = err.Error()
				}
				m.logger.Printf("zone %s: check %s: %v", zone, f.Meta.ID, err)
				return nil
			}
			if inFlight {
				run.SkippedReferenced++
				return nil
			}
		}

		if !dryRun {
			if err := m.files.Purge(f.Meta.ID, zone); err != nil {
				run.ErrorCount++
				if firstErr == nil {
					firstErr = err
					run.ErrorDetail = err.Error()
				}
				m.logger.Printf("zone %s: purge %s: %v", zone, f.Meta.ID, err)
				return nil
			}
			metrics.FilesCleaned.WithLabelValues(string(zone)).Inc()
		}
		run.Deleted++
		run.FreedBytes += f.Meta.Size
		return nil
	})
	if err != nil {
		run.ErrorCount++
		if firstErr == nil {
			firstErr = err
			run.ErrorDetail = err.Error()
		}
	}
	run.FinishedAt = m.now()

	if recErr := m.runs.Record(ctx, run); recErr != nil {
		m.logger.Printf("zone %s: record run: %v", zone, recErr)
		if firstErr == nil {
			firstErr = recErr
		}
	}
	m.logger.Printf("zone %s: inspected=%d deleted=%d skipped=%d freed=%d dry_run=%v",
		zone, run.Inspected, run.Deleted, run.SkippedReferenced, run.FreedBytes, dryRun)
	return run, firstErr
}

// CleanStaleRecords prunes cleanup_runs rows finished before retention
// ago, in bounded batches so the delete never runs long.
func (m *Manager) CleanStaleRecords(ctx context.Context, retention time.Duration) (*models.CleanupRun, error) {
	run := &models.CleanupRun{
		RunType:   models.RunTypeRecords,
		StartedAt: m.now(),
	}
	cutoff := run.StartedAt.Add(-retention)

	var firstErr error
	for {
		if ctx.Err() != nil {
			firstErr = ctx.Err()
			break
		}
		n, err := m.runs.PruneBatch(ctx, cutoff, m.batchSize)
		run.Deleted += int(n)
		if err != nil {
			run.ErrorCount++
			run.ErrorDetail = err.Error()
			firstErr = err
			break
		}
		if int(n) < m.batchSize {
			break
		}
	}
	run.Inspected = run.Deleted
	run.FinishedAt = m.now()

	if recErr := m.runs.Record(ctx, run); recErr != nil {
		m.logger.Printf("record prune run: %v", recErr)
		if firstErr == nil {
			firstErr = recErr
		}
	}
	if firstErr != nil {
		return run, fmt.Errorf("failed to prune stale records: %w", firstErr)
	}
	return run, nil
}
