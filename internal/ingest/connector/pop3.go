package connector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/go-pop3"
)

type pop3Connection interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
}

type pop3ConnFactory func(Mailbox) (pop3Connection, error)

// POP3Fetcher pulls POP3/POP3S mailboxes. POP3 has no server-side date
// filter, so everything is listed and watermark filtering happens in the
// router via deterministic message ids.
type POP3Fetcher struct {
	dialTimeout time.Duration
	now         func() time.Time
	logger      *log.Logger
	newConn     pop3ConnFactory
}

// POP3FetcherOption customizes fetcher behavior.
type POP3FetcherOption func(*POP3Fetcher)

// NewPOP3Fetcher returns a POP3 connector ready for ingest polling.
func NewPOP3Fetcher(opts ...POP3FetcherOption) *POP3Fetcher {
	f := &POP3Fetcher{
		dialTimeout: 5 * time.Second,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      log.Default(),
	}
	f.newConn = f.defaultConnFactory
	for _, opt := range opts {
		opt(f)
	}
	if f.newConn == nil {
		f.newConn = f.defaultConnFactory
	}
	return f
}

// WithPOP3Logger overrides the logger used for connector diagnostics.
func WithPOP3Logger(logger *log.Logger) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithPOP3DialTimeout overrides the socket dial timeout.
func WithPOP3DialTimeout(timeout time.Duration) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if timeout > 0 {
			f.dialTimeout = timeout
		}
	}
}

// WithPOP3Clock overrides the wall clock, primarily for tests.
func WithPOP3Clock(now func() time.Time) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

func withPOP3ConnFactory(factory pop3ConnFactory) POP3FetcherOption {
	return func(f *POP3Fetcher) {
		f.newConn = factory
	}
}

// Name returns the connector identifier.
func (f *POP3Fetcher) Name() string {
	return "pop3"
}

// Fetch lists the mailbox and hands every message to handle.
func (f *POP3Fetcher) Fetch(ctx context.Context, box Mailbox, handle Handler) error {
	if handle == nil {
		return errors.New("pop3 fetcher requires a handler")
	}
	if err := validatePOP3Mailbox(box); err != nil {
		return err
	}

	conn, err := f.newConn(box)
	if err != nil {
		return fmt.Errorf("pop3 connect: %w", err)
	}
	defer f.safeQuit(conn)

	if err := conn.Auth(box.Username, box.Password); err != nil {
		return fmt.Errorf("pop3 auth: %w", err)
	}

	msgs, err := conn.Uidl(0)
	if err != nil {
		return fmt.Errorf("pop3 uidl: %w", err)
	}

	for _, meta := range msgs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		payload, err := conn.RetrRaw(meta.ID)
		if err != nil {
			return fmt.Errorf("pop3 retr %d: %w", meta.ID, err)
		}
		uid := meta.UID
		if uid == "" {
			uid = strconv.Itoa(meta.ID)
		}
		msg := &FetchedMessage{
			TenantID:   box.TenantID,
			Connector:  f.Name(),
			RemoteID:   remoteID(box, "", uid),
			ReceivedAt: f.now(),
			Raw:        append([]byte(nil), payload.Bytes()...),
		}
		if err := handle(ctx, msg); err != nil {
			return fmt.Errorf("ingest handler failed for %s: %w", uid, err)
		}
	}
	return nil
}

func (f *POP3Fetcher) safeQuit(conn pop3Connection) {
	if conn == nil {
		return
	}
	if err := conn.Quit(); err != nil && f.logger != nil {
		f.logger.Printf("pop3 quit error: %v", err)
	}
}

func (f *POP3Fetcher) defaultConnFactory(box Mailbox) (pop3Connection, error) {
	port := box.Port
	if port == 0 {
		if usePOP3TLS(box.Kind) {
			port = 995
		} else {
			port = 110
		}
	}
	client := pop3.New(pop3.Opt{
		Host:        box.Host,
		Port:        port,
		DialTimeout: f.dialTimeout,
		TLSEnabled:  usePOP3TLS(box.Kind),
	})
	return client.NewConn()
}

func validatePOP3Mailbox(box Mailbox) error {
	if box.Host == "" {
		return errors.New("pop3 mailbox missing host")
	}
	if box.Username == "" {
		return errors.New("pop3 mailbox missing username")
	}
	if box.Password == "" {
		return errors.New("pop3 mailbox missing password")
	}
	if !supportsPOP3(box.Kind) {
		return fmt.Errorf("mailbox kind %s not supported by POP3 connector", box.Kind)
	}
	return nil
}

func supportsPOP3(kind string) bool {
	switch strings.ToLower(kind) {
	case "pop3", "pop3s":
		return true
	default:
		return false
	}
}

func usePOP3TLS(kind string) bool {
	return strings.EqualFold(kind, "pop3s")
}
