// Package tenant loads tenant settings and mailbox accounts. Jobs read a
// fresh snapshot per iteration rather than holding global mutable state.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ticketpipe-io/ticketpipe/internal/models"
)

// ErrNotFound marks a missing tenant or mailbox account.
var ErrNotFound = errors.New("tenant not found")

// Repository reads tenants and their mailbox accounts.
type Repository struct {
	db *sqlx.DB
}

// NewRepository creates a tenant repository.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// ListActive returns a settings snapshot of every active tenant.
func (r *Repository) ListActive(ctx context.Context) ([]*models.Tenant, error) {
	query := r.db.Rebind(`
		SELECT id, name, ingest_mode, language, scene, active, created_at
		FROM tenants
		WHERE active = ?
		ORDER BY id ASC
	`)
	rows, err := r.db.QueryContext(ctx, query, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []*models.Tenant
	for rows.Next() {
		var t models.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.IngestMode, &t.Language, &t.Scene, &t.Active, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Get loads one tenant by id.
func (r *Repository) Get(ctx context.Context, id int) (*models.Tenant, error) {
	var t models.Tenant
	query := r.db.Rebind(`
		SELECT id, name, ingest_mode, language, scene, active, created_at
		FROM tenants
		WHERE id = ?
	`)
	err := r.db.QueryRowContext(ctx, query, id).
		Scan(&t.ID, &t.Name, &t.IngestMode, &t.Language, &t.Scene, &t.Active, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %d: %w", id, err)
	}
	return &t, nil
}

// MailboxAccount loads the pull account of a mailbox-mode tenant.
func (r *Repository) MailboxAccount(ctx context.Context, tenantID int) (*models.MailboxAccount, error) {
	var (
		acc        models.MailboxAccount
		lastSeenAt sql.NullTime
	)
	query := r.db.Rebind(`
		SELECT id, tenant_id, kind, host, port, username, password, folder, last_seen_at
		FROM mailbox_accounts
		WHERE tenant_id = ?
	`)
	err := r.db.QueryRowContext(ctx, query, tenantID).
		Scan(&acc.ID, &acc.TenantID, &acc.Kind, &acc.Host, &acc.Port,
			&acc.Username, &acc.Password, &acc.Folder, &lastSeenAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: no mailbox account for tenant %d", ErrNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mailbox account for tenant %d: %w", tenantID, err)
	}
	if lastSeenAt.Valid {
		t := lastSeenAt.Time
		acc.LastSeenAt = &t
	}
	return &acc, nil
}

// AdvanceWatermark moves the incremental low-watermark forward. Keyed on
// the previous value so two overlapping pulls cannot move it backwards.
func (r *Repository) AdvanceWatermark(ctx context.Context, accountID int, from *time.Time, to time.Time) error {
	var (
		res sql.Result
		err error
	)
	if from == nil {
		query := r.db.Rebind(`
			UPDATE mailbox_accounts
			SET last_seen_at = ?
			WHERE id = ? AND last_seen_at IS NULL
		`)
		res, err = r.db.ExecContext(ctx, query, to, accountID)
	} else {
		query := r.db.Rebind(`
			UPDATE mailbox_accounts
			SET last_seen_at = ?
			WHERE id = ? AND last_seen_at = ?
		`)
		res, err = r.db.ExecContext(ctx, query, to, accountID, *from)
	}
	if err != nil {
		return fmt.Errorf("failed to advance watermark for account %d: %w", accountID, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: account %d watermark moved concurrently", ErrNotFound, accountID)
	}
	return nil
}
