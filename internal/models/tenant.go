package models

import (
	"time"
)

// Ingest modes supported per tenant.
const (
	IngestModeFileStore = "filestore"
	IngestModeMailbox   = "mailbox"
)

// Tenant is the owning account of messages and aliases. Settings are read
// as a snapshot per job iteration, never cached globally.
type Tenant struct {
	ID         int       `json:"id"`
	Name       string    `json:"name"`
	IngestMode string    `json:"ingest_mode"` // filestore|mailbox
	Language   string    `json:"language"`
	Scene      string    `json:"scene"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
}

// MailboxAccount carries the credentials and cursor for a tenant-owned
// mailbox that the ingest job pulls from.
type MailboxAccount struct {
	ID         int        `json:"id"`
	TenantID   int        `json:"tenant_id"`
	Kind       string     `json:"kind"` // imap|imaps|pop3|pop3s
	Host       string     `json:"host"`
	Port       int        `json:"port"`
	Username   string     `json:"username"`
	Password   []byte     `json:"-"` // AES-GCM encrypted at rest
	Folder     string     `json:"folder"`
	// LastSeenAt is the incremental low-watermark; only messages newer than
	// this are fetched on the next pull.
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
}

// Alias is a routing entry mapping an extra recipient address to a tenant.
// (local_part, domain) is globally unique across tenants for as long as
// the row exists; release deletes the row.
type Alias struct {
	ID        int       `json:"id"`
	TenantID  int       `json:"tenant_id"`
	LocalPart string    `json:"local_part"`
	Domain    string    `json:"domain"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
