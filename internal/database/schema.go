package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// dialect holds the few DDL fragments the supported drivers disagree on.
type dialect struct {
	serialPK   string
	binaryType string
	// indexIfNotExists is false on MySQL, which has no IF NOT EXISTS
	// form for CREATE INDEX; Migrate tolerates the duplicate error
	// there instead.
	indexIfNotExists bool
}

func dialectFor(driver string) dialect {
	switch driver {
	case "mysql":
		return dialect{serialPK: "INTEGER PRIMARY KEY AUTO_INCREMENT", binaryType: "BLOB"}
	case "postgres":
		return dialect{serialPK: "BIGSERIAL PRIMARY KEY", binaryType: "BYTEA", indexIfNotExists: true}
	default:
		// sqlite3: INTEGER PRIMARY KEY is a rowid alias and auto-assigns.
		return dialect{serialPK: "INTEGER PRIMARY KEY", binaryType: "BLOB", indexIfNotExists: true}
	}
}

func (d dialect) index(unique bool, name, table, columns string) string {
	kind := "INDEX"
	if unique {
		kind = "UNIQUE INDEX"
	}
	exists := ""
	if d.indexIfNotExists {
		exists = "IF NOT EXISTS "
	}
	return fmt.Sprintf("CREATE %s %s%s ON %s (%s)", kind, exists, name, table, columns)
}

// schemaFor renders the schema statements for one driver.
func schemaFor(driver string) []string {
	d := dialectFor(driver)
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS tenants (
			id %s,
			name VARCHAR(200) NOT NULL,
			ingest_mode VARCHAR(20) NOT NULL DEFAULT 'filestore',
			language VARCHAR(10) NOT NULL DEFAULT 'en',
			scene VARCHAR(50) NOT NULL DEFAULT '',
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, d.serialPK),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS aliases (
			id %s,
			tenant_id INTEGER NOT NULL,
			local_part VARCHAR(64) NOT NULL,
			domain VARCHAR(255) NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, d.serialPK),
		// Global uniqueness of (local_part, domain) across all tenants.
		// Released aliases are deleted, so the index never blocks a
		// re-registration of a freed pair.
		d.index(true, "idx_aliases_local_domain", "aliases", "local_part, domain"),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS mailbox_accounts (
			id %s,
			tenant_id INTEGER NOT NULL,
			kind VARCHAR(10) NOT NULL,
			host VARCHAR(255) NOT NULL,
			port INTEGER NOT NULL,
			username VARCHAR(255) NOT NULL,
			password %s NOT NULL,
			folder VARCHAR(100) NOT NULL DEFAULT 'INBOX',
			last_seen_at TIMESTAMP NULL
		)`, d.serialPK, d.binaryType),
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(36) PRIMARY KEY,
			tenant_id INTEGER NOT NULL,
			recipient VARCHAR(255) NOT NULL,
			sender VARCHAR(255) NOT NULL,
			subject VARCHAR(998) NOT NULL DEFAULT '',
			body TEXT,
			attachments TEXT,
			status VARCHAR(30) NOT NULL DEFAULT 'FETCHED',
			stage_outputs TEXT,
			error_detail TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			claimed_at TIMESTAMP NULL,
			received_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		d.index(false, "idx_messages_status", "messages", "status"),
		d.index(false, "idx_messages_tenant", "messages", "tenant_id"),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS cleanup_runs (
			id %s,
			run_type VARCHAR(20) NOT NULL,
			zone VARCHAR(20) NOT NULL DEFAULT '',
			dry_run BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP NOT NULL,
			inspected INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			skipped_referenced INTEGER NOT NULL DEFAULT 0,
			freed_bytes BIGINT NOT NULL DEFAULT 0,
			error_count INTEGER NOT NULL DEFAULT 0,
			error_detail TEXT
		)`, d.serialPK),
		d.index(false, "idx_cleanup_runs_finished", "cleanup_runs", "finished_at"),
	}
}

// Migrate applies the schema statements for the connection's driver, in
// order. Safe to run on every startup: tables are IF NOT EXISTS and a
// pre-existing index is tolerated.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schemaFor(db.DriverName()) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if isDuplicateIndex(err) {
				continue
			}
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// isDuplicateIndex recognizes MySQL error 1061 (duplicate key name),
// raised when Migrate re-creates an index that already exists.
func isDuplicateIndex(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == 1061
}
