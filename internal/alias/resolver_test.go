package alias

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newTestResolver(t *testing.T) (*Resolver, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewResolver(sqlx.NewDb(db, "sqlmock"), "example.com"), mock
}

func TestResolvePrimaryAddressBeforeAliases(t *testing.T) {
	r, mock := newTestResolver(t)

	mock.ExpectQuery("SELECT active FROM tenants").
		WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"active"}).AddRow(true))

	tenantID, err := r.Resolve(context.Background(), "T-42@Example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tenantID != 42 {
		t.Fatalf("unexpected tenant: %d", tenantID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResolveFallsBackToAliasRow(t *testing.T) {
	r, mock := newTestResolver(t)

	mock.ExpectQuery("SELECT tenant_id").
		WithArgs("support", "example.com", true).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(7))

	tenantID, err := r.Resolve(context.Background(), "support@example.com")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tenantID != 7 {
		t.Fatalf("unexpected tenant: %d", tenantID)
	}
}

func TestResolveUnknownRecipient(t *testing.T) {
	r, mock := newTestResolver(t)

	mock.ExpectQuery("SELECT tenant_id").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}))

	_, err := r.Resolve(context.Background(), "nobody@example.com")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, err = r.Resolve(context.Background(), "not-an-address")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed address, got %v", err)
	}
}

func TestRegisterConflictRegardlessOfOwner(t *testing.T) {
	r, mock := newTestResolver(t)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("support", "example.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	// Same pair, same tenant that owns it: still a conflict.
	_, err := r.Register(context.Background(), 7, "support")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRegisterReservedPrimaryLocalPart(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Register(context.Background(), 7, "t-99")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestRegisterThenReleaseFreesLocalPart(t *testing.T) {
	r, mock := newTestResolver(t)
	ctx := context.Background()

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("support", "example.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO aliases").
		WithArgs(7, "support", "example.com", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(11, 1))

	a, err := r.Register(ctx, 7, "Support")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if a.LocalPart != "support" || a.ID != 11 {
		t.Fatalf("unexpected alias: %+v", a)
	}

	mock.ExpectQuery("SELECT tenant_id FROM aliases").
		WithArgs(11).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(7))
	mock.ExpectExec("DELETE FROM aliases").
		WithArgs(11).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := r.Release(ctx, 11, 7); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// A third tenant can now take the freed pair.
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("support", "example.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO aliases").
		WithArgs(9, "support", "example.com", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(12, 1))

	if _, err := r.Register(ctx, 9, "support"); err != nil {
		t.Fatalf("Register after release: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRegisterRaceLoserGetsConflict(t *testing.T) {
	r, mock := newTestResolver(t)

	// Both racing registrations pass the pre-check; the second insert
	// hits the unique index on (local_part, domain).
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("support", "example.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO aliases").
		WithArgs(9, "support", "example.com", true, sqlmock.AnyArg()).
		WillReturnError(errors.New("UNIQUE constraint failed: aliases.local_part, aliases.domain"))

	_, err := r.Register(context.Background(), 9, "support")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for race loser, got %v", err)
	}
}

func TestReleaseByNonOwnerIsForbidden(t *testing.T) {
	r, mock := newTestResolver(t)

	mock.ExpectQuery("SELECT tenant_id FROM aliases").
		WithArgs(11).
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id"}).AddRow(7))

	err := r.Release(context.Background(), 11, 9)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
