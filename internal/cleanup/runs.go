package cleanup

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ticketpipe-io/ticketpipe/internal/models"
)

// RunRepository persists the audit trail of cleanup and recovery passes.
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository creates a run repository over the shared database handle.
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Record inserts one finished run. Every pass records, including passes
// that ended in partial failure.
func (r *RunRepository) Record(ctx context.Context, run *models.CleanupRun) error {
	query := r.db.Rebind(`
		INSERT INTO cleanup_runs (
			run_type, zone, dry_run, started_at, finished_at,
			inspected, deleted, skipped_referenced, freed_bytes,
			error_count, error_detail
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	res, err := r.db.ExecContext(ctx, query,
		run.RunType,
		run.Zone,
		run.DryRun,
		run.StartedAt,
		run.FinishedAt,
		run.Inspected,
		run.Deleted,
		run.SkippedReferenced,
		run.FreedBytes,
		run.ErrorCount,
		run.ErrorDetail,
	)
	if err != nil {
		return fmt.Errorf("failed to record cleanup run: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

// ListRecent returns the newest runs, newest first.
func (r *RunRepository) ListRecent(ctx context.Context, limit int) ([]*models.CleanupRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := r.db.Rebind(`
		SELECT id, run_type, zone, dry_run, started_at, finished_at,
		       inspected, deleted, skipped_referenced, freed_bytes,
		       error_count, error_detail
		FROM cleanup_runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`)
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list cleanup runs: %w", err)
	}
	defer rows.Close()

	var out []*models.CleanupRun
	for rows.Next() {
		var run models.CleanupRun
		if err := rows.Scan(
			&run.ID,
			&run.RunType,
			&run.Zone,
			&run.DryRun,
			&run.StartedAt,
			&run.FinishedAt,
			&run.Inspected,
			&run.Deleted,
			&run.SkippedReferenced,
			&run.FreedBytes,
			&run.ErrorCount,
			&run.ErrorDetail,
		); err != nil {
			return nil, fmt.Errorf("failed to scan cleanup run: %w", err)
		}
		out = append(out, &run)
	}
	return out, rows.Err()
}

// PruneBatch deletes at most batchSize runs finished before cutoff and
// reports how many went. Callers loop until a short batch comes back so
// one pass never holds a long-running delete.
func (r *RunRepository) PruneBatch(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	query := r.db.Rebind(`
		DELETE FROM cleanup_runs
		WHERE id IN (
			SELECT id FROM (
				SELECT id FROM cleanup_runs
				WHERE finished_at < ?
				ORDER BY finished_at ASC
				LIMIT ?
			) stale
		)
	`)
	res, err := r.db.ExecContext(ctx, query, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to prune cleanup runs: %w", err)
	}
	return res.RowsAffected()
}
