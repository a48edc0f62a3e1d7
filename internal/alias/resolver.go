// Package alias maps recipient addresses to owning tenants. A tenant is
// reachable via its implicit primary address (derived from the tenant id)
// and via any number of registered aliases; (local_part, domain) is
// globally unique across tenants for as long as the alias row exists.
// Release deletes the row, freeing the pair for anyone immediately.
package alias

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ticketpipe-io/ticketpipe/internal/models"
)

var (
	// ErrNotFound marks a recipient no tenant owns.
	ErrNotFound = errors.New("no tenant for recipient")
	// ErrConflict marks an already-registered (local_part, domain) pair.
	ErrConflict = errors.New("alias already registered")
	// ErrForbidden marks a release attempt by a non-owning tenant.
	ErrForbidden = errors.New("alias owned by another tenant")
)

// DefaultPrimaryPrefix is the local-part prefix of derived primary
// addresses: tenant 42 answers at "t-42@<domain>".
const DefaultPrimaryPrefix = "t-"

// Resolver resolves recipients and manages alias registrations. Resolve
// is read-only and safe for concurrent use by many ingestion workers.
type Resolver struct {
	db            *sqlx.DB
	domain        string
	primaryPrefix string
}

// ResolverOption customizes a Resolver.
type ResolverOption func(*Resolver)

// WithPrimaryPrefix overrides the derived primary address prefix.
func WithPrimaryPrefix(prefix string) ResolverOption {
	return func(r *Resolver) {
		if prefix != "" {
			r.primaryPrefix = prefix
		}
	}
}

// NewResolver creates a resolver for the given service domain.
func NewResolver(db *sqlx.DB, domain string, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		db:            db,
		domain:        strings.ToLower(domain),
		primaryPrefix: DefaultPrimaryPrefix,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps a recipient address to its owning tenant id. Derived
// primary addresses are checked before alias rows.
func (r *Resolver) Resolve(ctx context.Context, recipient string) (int, error) {
	localPart, domain, err := splitAddress(recipient)
	if err != nil {
		return 0, err
	}

	if domain == r.domain {
		if id, ok := r.primaryTenant(localPart); ok {
			var active bool
			query := r.db.Rebind(`SELECT active FROM tenants WHERE id = ?`)
			err := r.db.QueryRowContext(ctx, query, id).Scan(&active)
			if err == nil && active {
				return id, nil
			}
			if err != nil && err != sql.ErrNoRows {
				return 0, fmt.Errorf("failed to look up tenant %d: %w", id, err)
			}
		}
	}

	var tenantID int
	query := r.db.Rebind(`
		SELECT tenant_id
		FROM aliases
		WHERE local_part = ? AND domain = ? AND active = ?
	`)
	err = r.db.QueryRowContext(ctx, query, localPart, domain, true).Scan(&tenantID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, recipient)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to resolve %s: %w", recipient, err)
	}
	return tenantID, nil
}

// primaryTenant parses a derived primary local-part ("t-42" -> 42).
func (r *Resolver) primaryTenant(localPart string) (int, bool) {
	rest, ok := strings.CutPrefix(localPart, r.primaryPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.Atoi(rest)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Register claims a local-part for a tenant on the service domain.
// Uniqueness is global: a pair held by any tenant, including the
// requester, yields ErrConflict.
func (r *Resolver) Register(ctx context.Context, tenantID int, localPart string) (*models.Alias, error) {
	localPart = strings.ToLower(strings.TrimSpace(localPart))
	if localPart == "" {
		return nil, fmt.Errorf("%w: empty local part", ErrConflict)
	}
	if _, ok := r.primaryTenant(localPart); ok {
		return nil, fmt.Errorf("%w: %s is a reserved primary address", ErrConflict, localPart)
	}

	var taken int
	query := r.db.Rebind(`
		SELECT COUNT(*)
		FROM aliases
		WHERE local_part = ? AND domain = ?
	`)
	if err := r.db.QueryRowContext(ctx, query, localPart, r.domain).Scan(&taken); err != nil {
		return nil, fmt.Errorf("failed to check alias %s: %w", localPart, err)
	}
	if taken > 0 {
		return nil, fmt.Errorf("%w: %s@%s", ErrConflict, localPart, r.domain)
	}

	now := time.Now().UTC()
	insert := r.db.Rebind(`
		INSERT INTO aliases (tenant_id, local_part, domain, active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`)
	res, err := r.db.ExecContext(ctx, insert, tenantID, localPart, r.domain, true, now)
	if err != nil {
		// The unique index on (local_part, domain) backs up the
		// pre-check under concurrent registration: of two racing
		// inserts exactly one lands, the other maps to Conflict.
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: %s@%s", ErrConflict, localPart, r.domain)
		}
		return nil, fmt.Errorf("failed to register alias %s: %w", localPart, err)
	}

	a := &models.Alias{
		TenantID:  tenantID,
		LocalPart: localPart,
		Domain:    r.domain,
		Active:    true,
		CreatedAt: now,
	}
	if id, err := res.LastInsertId(); err == nil {
		a.ID = int(id)
	}
	return a, nil
}

// Release removes an alias, freeing the local-part for immediate
// re-registration by anyone. Only the owning tenant may release. The
// row is deleted rather than flagged so the unique index never blocks
// a later registration of the same pair.
func (r *Resolver) Release(ctx context.Context, aliasID, requestingTenantID int) error {
	var ownerID int
	query := r.db.Rebind(`SELECT tenant_id FROM aliases WHERE id = ?`)
	err := r.db.QueryRowContext(ctx, query, aliasID).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: alias %d", ErrNotFound, aliasID)
	}
	if err != nil {
		return fmt.Errorf("failed to load alias %d: %w", aliasID, err)
	}
	if ownerID != requestingTenantID {
		return fmt.Errorf("%w: alias %d belongs to tenant %d", ErrForbidden, aliasID, ownerID)
	}

	del := r.db.Rebind(`DELETE FROM aliases WHERE id = ?`)
	if _, err := r.db.ExecContext(ctx, del, aliasID); err != nil {
		return fmt.Errorf("failed to release alias %d: %w", aliasID, err)
	}
	return nil
}

func splitAddress(address string) (localPart, domain string, err error) {
	address = strings.ToLower(strings.TrimSpace(address))
	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 {
		return "", "", fmt.Errorf("%w: malformed recipient %q", ErrNotFound, address)
	}
	return address[:at], address[at+1:], nil
}

func isUniqueViolation(err error) bool {
	// Driver-agnostic: MySQL 1062, Postgres 23505, SQLite "UNIQUE
	// constraint failed" all mention duplicate/unique in the message.
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique")
}
