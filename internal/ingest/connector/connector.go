// Package connector pulls messages from tenant-owned mailboxes. All
// connectors are read-only: nothing is deleted or flagged remotely, the
// incremental low-watermark on the account decides what is new.
package connector

import (
	"context"
	"time"
)

// Mailbox carries the decrypted connection settings for one pull.
type Mailbox struct {
	TenantID int
	Kind     string // imap, imaps, pop3, pop3s
	Host     string
	Port     int
	Username string
	Password string
	Folder   string
	// Since is the low-watermark: only messages received after it are
	// fetched. Nil means everything.
	Since *time.Time
}

// FetchedMessage wraps one pulled RFC822 payload plus derived metadata.
type FetchedMessage struct {
	TenantID   int
	Connector  string
	RemoteID   string
	ReceivedAt time.Time
	Raw        []byte
}

// Handler receives fetched messages one at a time, in fetch order.
type Handler func(ctx context.Context, msg *FetchedMessage) error

// Fetcher implementations (IMAP, POP3) stream a mailbox to a handler.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, box Mailbox, handle Handler) error
}

// Factory resolves the connector implementation for a mailbox kind.
type Factory interface {
	FetcherFor(kind string) (Fetcher, error)
}
