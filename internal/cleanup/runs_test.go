package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ticketpipe-io/ticketpipe/internal/models"
)

func newTestRuns(t *testing.T) (*RunRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewRunRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestRecordAssignsID(t *testing.T) {
	repo, mock := newTestRuns(t)
	run := &models.CleanupRun{
		RunType:    models.RunTypeFileStore,
		Zone:       "processed",
		StartedAt:  testNow,
		FinishedAt: testNow.Add(2 * time.Second),
		Inspected:  10,
		Deleted:    4,
		FreedBytes: 2048,
	}

	mock.ExpectExec("INSERT INTO cleanup_runs").
		WithArgs(run.RunType, run.Zone, run.DryRun, run.StartedAt, run.FinishedAt,
			run.Inspected, run.Deleted, run.SkippedReferenced, run.FreedBytes,
			run.ErrorCount, run.ErrorDetail).
		WillReturnResult(sqlmock.NewResult(42, 1))

	if err := repo.Record(context.Background(), run); err != nil {
		t.Fatalf("record: %v", err)
	}
	if run.ID != 42 {
		t.Fatalf("expected assigned id 42, got %d", run.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPruneBatchReportsAffected(t *testing.T) {
	repo, mock := newTestRuns(t)
	cutoff := testNow.Add(-30 * 24 * time.Hour)

	mock.ExpectExec("DELETE FROM cleanup_runs").
		WithArgs(cutoff, 500).
		WillReturnResult(sqlmock.NewResult(0, 500))

	n, err := repo.PruneBatch(context.Background(), cutoff, 500)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 500 {
		t.Fatalf("expected 500 pruned, got %d", n)
	}
}

func TestListRecentScansRows(t *testing.T) {
	repo, mock := newTestRuns(t)

	rows := sqlmock.NewRows([]string{
		"id", "run_type", "zone", "dry_run", "started_at", "finished_at",
		"inspected", "deleted", "skipped_referenced", "freed_bytes",
		"error_count", "error_detail",
	}).AddRow(2, models.RunTypeRecords, "", false, testNow, testNow, 5, 5, 0, 0, 0, "").
		AddRow(1, models.RunTypeFileStore, "inbox", true, testNow.Add(-time.Hour), testNow.Add(-time.Hour), 3, 1, 2, 512, 0, "")

	mock.ExpectQuery("SELECT (.+) FROM cleanup_runs").
		WithArgs(20).
		WillReturnRows(rows)

	got, err := repo.ListRecent(context.Background(), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != 2 || got[1].Zone != "inbox" {
		t.Fatalf("unexpected runs: %+v", got)
	}
}
