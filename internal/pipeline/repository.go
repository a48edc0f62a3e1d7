package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ticketpipe-io/ticketpipe/internal/models"
)

// ErrorDetailExhausted is stored when recovery gives up on a message.
const ErrorDetailExhausted = "exceeded maximum retries"

const messageColumns = `id, tenant_id, recipient, sender, subject, body,
	   attachments, status, stage_outputs, error_detail, retry_count,
	   claimed_at, received_at, updated_at`

// MessageRepository owns every mutation of the message table. All status
// transitions are compare-and-set on the expected prior status.
type MessageRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// RepositoryOption customizes a MessageRepository.
type RepositoryOption func(*MessageRepository)

// WithClock overrides the repository clock.
func WithClock(now func() time.Time) RepositoryOption {
	return func(r *MessageRepository) {
		if now != nil {
			r.now = now
		}
	}
}

// NewMessageRepository creates a message repository over the shared
// database handle.
func NewMessageRepository(db *sqlx.DB, opts ...RepositoryOption) *MessageRepository {
	r := &MessageRepository{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Insert creates a message in FETCHED. The id must be set by the caller
// (it is shared with the staged file).
func (r *MessageRepository) Insert(ctx context.Context, msg *models.Message) error {
	if msg.Status == "" {
		msg.Status = models.StatusFetched
	}
	attachments, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("failed to encode attachments: %w", err)
	}
	now := r.now()
	msg.UpdatedAt = now
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = now
	}

	query := r.db.Rebind(`
		INSERT INTO messages (
			id, tenant_id, recipient, sender, subject, body,
			attachments, status, retry_count, received_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`)
	_, err = r.db.ExecContext(ctx, query,
		msg.ID,
		msg.TenantID,
		msg.Recipient,
		msg.Sender,
		msg.Subject,
		msg.Body,
		attachments,
		msg.Status,
		msg.ReceivedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	return nil
}

// GetByID loads one message.
func (r *MessageRepository) GetByID(ctx context.Context, id string) (*models.Message, error) {
	query := r.db.Rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE id = ?
	`)
	row := r.db.QueryRowContext(ctx, query, id)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message %s: %w", id, err)
	}
	return msg, nil
}

// Claim atomically moves a message into the stage's processing status.
// The update is keyed on the stage's entry status, so of two concurrent
// dispatch passes at most one wins; the loser gets ErrConflict.
func (r *MessageRepository) Claim(ctx context.Context, id string, stage Stage) error {
	now := r.now()
	query := r.db.Rebind(`
		UPDATE messages
		SET status = ?, claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	res, err := r.db.ExecContext(ctx, query, stage.Processing(), now, now, id, stage.EntryStatus())
	if err != nil {
		return fmt.Errorf("failed to claim message %s: %w", id, err)
	}
	return r.casOutcome(ctx, res, id)
}

// CompleteStage records a stage success payload and transitions
// processing -> success. Rejected unless the message is currently in the
// stage's processing status.
func (r *MessageRepository) CompleteStage(ctx context.Context, id string, stage Stage, output string) error {
	msg, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if msg.Status != stage.Processing() {
		return fmt.Errorf("%w: complete %s for message %s in %s", ErrInvalidTransition, stage, id, msg.Status)
	}
	outputs := msg.StageOutputs
	if outputs == nil {
		outputs = make(map[string]string, len(Stages))
	}
	outputs[string(stage)] = output
	encoded, err := json.Marshal(outputs)
	if err != nil {
		return fmt.Errorf("failed to encode stage outputs: %w", err)
	}

	now := r.now()
	query := r.db.Rebind(`
		UPDATE messages
		SET status = ?, stage_outputs = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	res, err := r.db.ExecContext(ctx, query, stage.Success(), encoded, now, id, stage.Processing())
	if err != nil {
		return fmt.Errorf("failed to complete stage %s for message %s: %w", stage, id, err)
	}
	return r.casOutcome(ctx, res, id)
}

// FailStage records a stage failure and transitions processing -> failed.
// Terminal: the state machine never retries a failed message on its own.
func (r *MessageRepository) FailStage(ctx context.Context, id string, stage Stage, detail string) error {
	now := r.now()
	query := r.db.Rebind(`
		UPDATE messages
		SET status = ?, error_detail = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	res, err := r.db.ExecContext(ctx, query, stage.Failed(), detail, now, id, stage.Processing())
	if err != nil {
		return fmt.Errorf("failed to fail stage %s for message %s: %w", stage, id, err)
	}
	return r.casOutcome(ctx, res, id)
}

// ListClaimable returns messages sitting in a claimable status, oldest
// update first, bounded by limit.
func (r *MessageRepository) ListClaimable(ctx context.Context, limit int) ([]*models.Message, error) {
	claimable := make([]string, 0, len(Stages))
	for _, stage := range Stages {
		claimable = append(claimable, string(stage.EntryStatus()))
	}
	query, args, err := sqlx.In(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE status IN (?)
		ORDER BY updated_at ASC
		LIMIT ?
	`, claimable, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to build claimable query: %w", err)
	}
	return r.queryMessages(ctx, r.db.Rebind(query), args...)
}

// ListStuck returns messages in the stage's processing status claimed
// before the cutoff.
func (r *MessageRepository) ListStuck(ctx context.Context, stage Stage, cutoff time.Time, limit int) ([]*models.Message, error) {
	query := r.db.Rebind(`
		SELECT ` + messageColumns + `
		FROM messages
		WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?
		ORDER BY claimed_at ASC
		LIMIT ?
	`)
	return r.queryMessages(ctx, query, stage.Processing(), cutoff, limit)
}

// ResetForRetry moves a stuck message back to the stage's entry status
// and bumps retry_count. The claimed-before condition keeps a repeat
// recovery pass from touching a message a worker re-claimed in between.
func (r *MessageRepository) ResetForRetry(ctx context.Context, id string, stage Stage, claimedBefore time.Time) error {
	now := r.now()
	query := r.db.Rebind(`
		UPDATE messages
		SET status = ?, retry_count = retry_count + 1, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_at IS NOT NULL AND claimed_at < ?
	`)
	res, err := r.db.ExecContext(ctx, query, stage.EntryStatus(), now, id, stage.Processing(), claimedBefore)
	if err != nil {
		return fmt.Errorf("failed to reset message %s: %w", id, err)
	}
	return r.casOutcome(ctx, res, id)
}

// FailExhausted moves a stuck message past its retry budget to the
// stage's failed status.
func (r *MessageRepository) FailExhausted(ctx context.Context, id string, stage Stage, claimedBefore time.Time) error {
	now := r.now()
	query := r.db.Rebind(`
		UPDATE messages
		SET status = ?, error_detail = ?, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_at IS NOT NULL AND claimed_at < ?
	`)
	res, err := r.db.ExecContext(ctx, query, stage.Failed(), ErrorDetailExhausted, now, id, stage.Processing(), claimedBefore)
	if err != nil {
		return fmt.Errorf("failed to mark message %s exhausted: %w", id, err)
	}
	return r.casOutcome(ctx, res, id)
}

// ManualReset is the operator re-dispatch action: it moves a failed
// message back to the failed stage's entry status and clears the error.
// The target must be exactly that predecessor status.
func (r *MessageRepository) ManualReset(ctx context.Context, id string, target models.Status) error {
	if !ValidResetTarget(target) {
		return fmt.Errorf("%w: %s is not a reset target", ErrInvalidTransition, target)
	}
	msg, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	stage, ok := FailedStage(msg.Status)
	if !ok {
		return fmt.Errorf("%w: message %s is in %s, not a failed status", ErrInvalidTransition, id, msg.Status)
	}
	if stage.EntryStatus() != target {
		return fmt.Errorf("%w: %s resets to %s, not %s", ErrInvalidTransition, msg.Status, stage.EntryStatus(), target)
	}

	now := r.now()
	query := r.db.Rebind(`
		UPDATE messages
		SET status = ?, error_detail = '', claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	res, err := r.db.ExecContext(ctx, query, target, now, id, msg.Status)
	if err != nil {
		return fmt.Errorf("failed to reset message %s: %w", id, err)
	}
	return r.casOutcome(ctx, res, id)
}

// InFlight reports whether the message with this id still needs its
// stored file: it exists and has not reached a terminal status. A
// missing record is not in flight.
func (r *MessageRepository) InFlight(ctx context.Context, id string) (bool, error) {
	var status models.Status
	query := r.db.Rebind(`SELECT status FROM messages WHERE id = ?`)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check message %s: %w", id, err)
	}
	return !IsTerminal(status), nil
}

// CountByStatus returns message counts per status for the operator surface.
func (r *MessageRepository) CountByStatus(ctx context.Context) (map[models.Status]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM messages
		GROUP BY status
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.Status]int)
	for rows.Next() {
		var status models.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// casOutcome distinguishes a lost race from a vanished row after a
// zero-row compare-and-set update.
func (r *MessageRepository) casOutcome(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	var exists int
	query := r.db.Rebind(`SELECT COUNT(*) FROM messages WHERE id = ?`)
	if err := r.db.QueryRowContext(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check message %s: %w", id, err)
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("%w: %s", ErrConflict, id)
}

func (r *MessageRepository) queryMessages(ctx context.Context, query string, args ...any) ([]*models.Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var (
		msg          models.Message
		attachments  []byte
		stageOutputs []byte
		errorDetail  sql.NullString
		claimedAt    sql.NullTime
	)
	err := row.Scan(
		&msg.ID,
		&msg.TenantID,
		&msg.Recipient,
		&msg.Sender,
		&msg.Subject,
		&msg.Body,
		&attachments,
		&msg.Status,
		&stageOutputs,
		&errorDetail,
		&msg.RetryCount,
		&claimedAt,
		&msg.ReceivedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("failed to decode attachments: %w", err)
		}
	}
	if len(stageOutputs) > 0 && !strings.EqualFold(string(stageOutputs), "null") {
		if err := json.Unmarshal(stageOutputs, &msg.StageOutputs); err != nil {
			return nil, fmt.Errorf("failed to decode stage outputs: %w", err)
		}
	}
	msg.ErrorDetail = errorDetail.String
	if claimedAt.Valid {
		t := claimedAt.Time
		msg.ClaimedAt = &t
	}
	return &msg, nil
}
