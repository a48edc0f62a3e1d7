package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/ticketpipe-io/ticketpipe/internal/filestore"
	"github.com/ticketpipe-io/ticketpipe/internal/ingest/connector"
	"github.com/ticketpipe-io/ticketpipe/internal/metrics"
	"github.com/ticketpipe-io/ticketpipe/internal/models"
	"github.com/ticketpipe-io/ticketpipe/internal/pipeline"
)

// remoteIDNamespace derives deterministic message ids from mailbox remote
// ids, so a re-pull of the same message never creates a second record.
var remoteIDNamespace = uuid.MustParse("1f0d1e6a-8a56-4c27-9c9c-6f4f65a3a0b4")

type messageStore interface {
	Insert(ctx context.Context, msg *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
}

type recipientResolver interface {
	Resolve(ctx context.Context, recipient string) (int, error)
}

type tenantDirectory interface {
	ListActive(ctx context.Context) ([]*models.Tenant, error)
	MailboxAccount(ctx context.Context, tenantID int) (*models.MailboxAccount, error)
	AdvanceWatermark(ctx context.Context, accountID int, from *time.Time, to time.Time) error
}

type credentialOpener interface {
	Decrypt(ciphertext []byte) (string, error)
}

// Router normalizes both arrival paths into message records. Staged
// files are scanned from the inbox zone; mailbox-mode tenants are pulled
// and their messages staged through the same inbox path first, so every
// message obeys the same file lifecycle.
type Router struct {
	files      *filestore.Store
	messages   messageStore
	resolver   recipientResolver
	tenants    tenantDirectory
	connectors connector.Factory
	cipher     credentialOpener
	logger     *log.Logger
	now        func() time.Time
}

// RouterOption customizes a Router.
type RouterOption func(*Router)

// WithRouterLogger overrides the ingest logger.
func WithRouterLogger(logger *log.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRouterClock overrides the wall clock, primarily for tests.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRouter wires the ingestion router.
func NewRouter(files *filestore.Store, messages messageStore, resolver recipientResolver, tenants tenantDirectory, connectors connector.Factory, cipher credentialOpener, opts ...RouterOption) *Router {
	r := &Router{
		files:      files,
		messages:   messages,
		resolver:   resolver,
		tenants:    tenants,
		connectors: connectors,
		cipher:     cipher,
		logger:     log.New(log.Writer(), "[INGEST] ", log.LstdFlags),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes one ingest pass: scan the inbox zone, then pull every
// mailbox-mode tenant. Per-item errors are logged with the offending id
// and never abort the pass.
func (r *Router) Run(ctx context.Context) error {
	tenants, err := r.tenants.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to snapshot tenants: %w", err)
	}
	byID := make(map[int]*models.Tenant, len(tenants))
	for _, t := range tenants {
		byID[t.ID] = t
	}

	if err := r.scanInbox(ctx, byID); err != nil {
		return err
	}

	for _, t := range tenants {
		if t.IngestMode != models.IngestModeMailbox {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.pullMailbox(ctx, t); err != nil {
			r.logger.Printf("tenant %d: mailbox pull failed: %v", t.ID, err)
		}
	}
	return nil
}

// scanInbox drives every staged inbox file through parse-and-promote.
func (r *Router) scanInbox(ctx context.Context, tenants map[int]*models.Tenant) error {
	return r.files.ListZone(filestore.ZoneInbox, func(f filestore.StagedFile) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := r.processStagedFile(ctx, f, tenants); err != nil {
			r.logger.Printf("file %s: %v", f.Meta.ID, err)
		}
		return nil
	})
}

// processStagedFile resolves, parses and records one inbox file, then
// promotes it out of inbox. Exactly one of processed/failed receives it.
func (r *Router) processStagedFile(ctx context.Context, f filestore.StagedFile, tenants map[int]*models.Tenant) error {
	id := f.Meta.ID

	// A record already durably created means a crash hit between insert
	// and promote on an earlier pass: finish the move, nothing else.
	if _, err := r.messages.GetByID(ctx, id); err == nil {
		r.promote(id, filestore.ZoneProcessed)
		return nil
	} else if !errors.Is(err, pipeline.ErrNotFound) {
		return fmt.Errorf("failed to check existing record: %w", err)
	}

	tenantID, recipient, err := r.resolveOwner(ctx, f.Meta.To, tenants)
	if err != nil {
		r.promote(id, filestore.ZoneFailed)
		metrics.ParseFailures.Inc()
		return fmt.Errorf("unroutable: %w", err)
	}

	raw, err := r.files.ReadRaw(id, filestore.ZoneInbox)
	if err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			// Moved by a concurrent pass. Benign.
			r.logger.Printf("file %s: vanished from inbox", id)
			return nil
		}
		return err
	}

	parsed, err := Parse(raw)
	if err != nil {
		r.promote(id, filestore.ZoneFailed)
		metrics.ParseFailures.Inc()
		return fmt.Errorf("parse failed: %w", err)
	}

	msg := r.buildMessage(id, tenantID, recipient, parsed, f.Meta)
	if err := r.messages.Insert(ctx, msg); err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	r.promote(id, filestore.ZoneProcessed)
	metrics.MessagesIngested.WithLabelValues("filestore").Inc()
	return nil
}

// resolveOwner finds the first recipient a tenant owns.
func (r *Router) resolveOwner(ctx context.Context, recipients []string, tenants map[int]*models.Tenant) (int, string, error) {
	var lastErr error
	for _, recipient := range recipients {
		tenantID, err := r.resolver.Resolve(ctx, recipient)
		if err != nil {
			lastErr = err
			continue
		}
		if _, ok := tenants[tenantID]; !ok {
			lastErr = fmt.Errorf("tenant %d inactive", tenantID)
			continue
		}
		return tenantID, recipient, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no recipients")
	}
	return 0, "", lastErr
}

func (r *Router) buildMessage(id string, tenantID int, recipient string, parsed *ParsedMessage, meta filestore.FileMeta) *models.Message {
	receivedAt := parsed.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = meta.ReceivedAt
	}
	if receivedAt.IsZero() {
		receivedAt = r.now()
	}
	attachments := parsed.Attachments
	for i := range attachments {
		attachments[i].StoragePath = path.Join(string(filestore.ZoneProcessed), id+".eml")
	}
	return &models.Message{
		ID:          id,
		TenantID:    tenantID,
		Recipient:   recipient,
		Sender:      parsed.From,
		Subject:     parsed.Subject,
		Body:        parsed.Body,
		Attachments: attachments,
		Status:      models.StatusFetched,
		ReceivedAt:  receivedAt,
	}
}

// promote moves a file out of inbox, treating a missing source as benign.
func (r *Router) promote(id string, to filestore.Zone) {
	if err := r.files.Promote(id, filestore.ZoneInbox, to); err != nil {
		if errors.Is(err, filestore.ErrNotFound) {
			r.logger.Printf("file %s: already left inbox", id)
			return
		}
		r.logger.Printf("file %s: promote to %s failed: %v", id, to, err)
	}
}

// pullMailbox drains one tenant mailbox into the inbox zone and processes
// the staged files in place, then advances the low-watermark.
func (r *Router) pullMailbox(ctx context.Context, t *models.Tenant) error {
	account, err := r.tenants.MailboxAccount(ctx, t.ID)
	if err != nil {
		return err
	}
	if r.cipher == nil {
		return fmt.Errorf("tenant %d uses mailbox ingestion but no credential key is configured", t.ID)
	}
	password, err := r.cipher.Decrypt(account.Password)
	if err != nil {
		return fmt.Errorf("failed to open mailbox credential: %w", err)
	}
	fetcher, err := r.connectors.FetcherFor(account.Kind)
	if err != nil {
		return err
	}

	box := connector.Mailbox{
		TenantID: t.ID,
		Kind:     account.Kind,
		Host:     account.Host,
		Port:     account.Port,
		Username: account.Username,
		Password: password,
		Folder:   account.Folder,
		Since:    account.LastSeenAt,
	}

	tenants := map[int]*models.Tenant{t.ID: t}
	var newest time.Time
	var stalled bool
	err = fetcher.Fetch(ctx, box, func(ctx context.Context, fetched *connector.FetchedMessage) error {
		if err := r.ingestFetched(ctx, t.ID, fetched, tenants); err != nil {
			r.logger.Printf("tenant %d: %s: %v", t.ID, fetched.RemoteID, err)
			// Hold the watermark behind this message so the next pull
			// fetches it again. A transient failure must never skip mail.
			stalled = true
			return nil
		}
		if !stalled && fetched.ReceivedAt.After(newest) {
			newest = fetched.ReceivedAt
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !newest.IsZero() {
		if err := r.tenants.AdvanceWatermark(ctx, account.ID, account.LastSeenAt, newest); err != nil {
			r.logger.Printf("tenant %d: %v", t.ID, err)
		}
	}
	return nil
}

// ingestFetched stages one pulled message into inbox and processes it
// immediately, reusing the staged-file path end to end. A returned
// error means the message was not durably handled and must be pulled
// again; a malformed message lands in the failed zone and returns nil.
func (r *Router) ingestFetched(ctx context.Context, tenantID int, fetched *connector.FetchedMessage, tenants map[int]*models.Tenant) error {
	id := uuid.NewSHA1(remoteIDNamespace, []byte(fetched.RemoteID)).String()

	// Deterministic id: an already-recorded message was pulled before
	// (POP3 cannot filter server-side). Skip without touching disk.
	if _, err := r.messages.GetByID(ctx, id); err == nil {
		return nil
	} else if !errors.Is(err, pipeline.ErrNotFound) {
		return fmt.Errorf("failed to check existing record: %w", err)
	}

	parsed, parseErr := Parse(fetched.Raw)

	// The sidecar carries the envelope so that, should the record
	// insert fail below, the next inbox scan can still route the file.
	meta := filestore.FileMeta{ID: id, ReceivedAt: fetched.ReceivedAt}
	if parseErr == nil {
		meta.From = parsed.From
		meta.To = parsed.To
		meta.Subject = parsed.Subject
	}
	staged, err := r.files.Stage(fetched.Raw, meta)
	if err != nil {
		return err
	}

	if parseErr != nil {
		r.promote(id, filestore.ZoneFailed)
		metrics.ParseFailures.Inc()
		r.logger.Printf("tenant %d: %s: parse failed: %v", tenantID, fetched.RemoteID, parseErr)
		return nil
	}

	recipient := ""
	if len(parsed.To) > 0 {
		recipient = parsed.To[0]
	}
	msg := r.buildMessage(id, tenantID, recipient, parsed, staged.Meta)
	if err := r.messages.Insert(ctx, msg); err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}
	r.promote(id, filestore.ZoneProcessed)
	metrics.MessagesIngested.WithLabelValues("mailbox").Inc()
	return nil
}
