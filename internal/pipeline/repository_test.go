package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/ticketpipe-io/ticketpipe/internal/models"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestRepo(t *testing.T) (*MessageRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	repo := NewMessageRepository(sqlx.NewDb(db, "sqlmock"), WithClock(func() time.Time { return testNow }))
	return repo, mock
}

func messageRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "recipient", "sender", "subject", "body",
		"attachments", "status", "stage_outputs", "error_detail", "retry_count",
		"claimed_at", "received_at", "updated_at",
	})
}

func TestClaimWinsRace(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec("UPDATE messages").
		WithArgs(models.StatusOCRProcessing, testNow, testNow, "m-1", models.StatusFetched).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Claim(context.Background(), "m-1", StageOCR); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestClaimLostRaceIsConflict(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec("UPDATE messages").
		WithArgs(models.StatusOCRProcessing, testNow, testNow, "m-1", models.StatusFetched).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := repo.Claim(context.Background(), "m-1", StageOCR)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestClaimVanishedMessageIsNotFound(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec("UPDATE messages").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	err := repo.Claim(context.Background(), "ghost", StageOCR)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFailStageStoresErrorDetail(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectExec("UPDATE messages").
		WithArgs(models.StatusOCRFailed, "ocr backend returned 502", testNow, "m-1", models.StatusOCRProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.FailStage(context.Background(), "m-1", StageOCR, "ocr backend returned 502"); err != nil {
		t.Fatalf("FailStage: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCompleteStageRejectsWrongStatus(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery("SELECT").
		WithArgs("m-1").
		WillReturnRows(messageRows().
			AddRow("m-1", 7, "support@example.com", "a@example.com", "subj", "body",
				nil, models.StatusFetched, nil, nil, 0, nil, testNow, testNow))

	err := repo.CompleteStage(context.Background(), "m-1", StageOCR, "text")
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestResetForRetryKeyedOnClaimCutoff(t *testing.T) {
	repo, mock := newTestRepo(t)
	cutoff := testNow.Add(-10 * time.Minute)

	mock.ExpectExec("UPDATE messages").
		WithArgs(models.StatusFetched, testNow, "m-1", models.StatusOCRProcessing, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.ResetForRetry(context.Background(), "m-1", StageOCR, cutoff); err != nil {
		t.Fatalf("ResetForRetry: %v", err)
	}

	// Second pass finds nothing stuck: zero rows, row still present.
	mock.ExpectExec("UPDATE messages").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("m-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err := repo.ResetForRetry(context.Background(), "m-1", StageOCR, cutoff)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on repeat reset, got %v", err)
	}
}

func TestManualResetValidatesTargetAndCurrentStatus(t *testing.T) {
	repo, mock := newTestRepo(t)

	// Illegal target: no database work at all.
	err := repo.ManualReset(context.Background(), "m-1", models.StatusIssueSuccess)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Message not in a failed status.
	mock.ExpectQuery("SELECT").
		WithArgs("m-1").
		WillReturnRows(messageRows().
			AddRow("m-1", 7, "r", "s", "subj", "body",
				nil, models.StatusOCRProcessing, nil, nil, 1, testNow, testNow, testNow))
	err = repo.ManualReset(context.Background(), "m-1", models.StatusFetched)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	// Failed at SUMMARY resets to OCR_SUCCESS, nothing else.
	mock.ExpectQuery("SELECT").
		WithArgs("m-2").
		WillReturnRows(messageRows().
			AddRow("m-2", 7, "r", "s", "subj", "body",
				nil, models.StatusSummaryFailed, nil, "boom", 2, nil, testNow, testNow))
	err = repo.ManualReset(context.Background(), "m-2", models.StatusFetched)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	mock.ExpectQuery("SELECT").
		WithArgs("m-2").
		WillReturnRows(messageRows().
			AddRow("m-2", 7, "r", "s", "subj", "body",
				nil, models.StatusSummaryFailed, nil, "boom", 2, nil, testNow, testNow))
	mock.ExpectExec("UPDATE messages").
		WithArgs(models.StatusOCRSuccess, testNow, "m-2", models.StatusSummaryFailed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := repo.ManualReset(context.Background(), "m-2", models.StatusOCRSuccess); err != nil {
		t.Fatalf("ManualReset: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestCountByStatus(t *testing.T) {
	repo, mock := newTestRepo(t)

	mock.ExpectQuery("SELECT status").
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("FETCHED", 3).
			AddRow("OCR_FAILED", 1))

	counts, err := repo.CountByStatus(context.Background())
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts[models.StatusFetched] != 3 || counts[models.StatusOCRFailed] != 1 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestInFlightByStatus(t *testing.T) {
	repo, mock := newTestRepo(t)
	ctx := context.Background()

	cases := []struct {
		status   models.Status
		inFlight bool
	}{
		{models.StatusFetched, true},
		{models.StatusOCRProcessing, true},
		{models.StatusSummarySuccess, true},
		{models.StatusIssueSuccess, false},
		{models.StatusOCRFailed, false},
	}
	for _, tc := range cases {
		mock.ExpectQuery("SELECT status FROM messages").
			WithArgs("m-1").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(tc.status)))

		got, err := repo.InFlight(ctx, "m-1")
		if err != nil {
			t.Fatalf("InFlight(%s): %v", tc.status, err)
		}
		if got != tc.inFlight {
			t.Fatalf("InFlight(%s) = %v, want %v", tc.status, got, tc.inFlight)
		}
	}

	// A vanished record holds no claim on its file.
	mock.ExpectQuery("SELECT status FROM messages").
		WithArgs("m-gone").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	got, err := repo.InFlight(ctx, "m-gone")
	if err != nil {
		t.Fatalf("InFlight: %v", err)
	}
	if got {
		t.Fatal("missing record must not be in flight")
	}
}
