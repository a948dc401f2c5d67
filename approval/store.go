package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"archiveflow/event"
)

// PGStore implements Store with pgx, sharing the coordinator's transaction.
type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

// GetContextForUpdate loads the record together with its document and
// definition, locking the document and record rows. The document lock
// serializes concurrent responses racing to resolve the same attempt.
func (s *PGStore) GetContextForUpdate(ctx context.Context, tx pgx.Tx, recordID string) (Context, error) {
	const query = `
		SELECT ar.id, ar.document_id, ar.definition_id, ar.approver_id::text, ar.level, ar.status, ar.comments, ar.responded_at, ar.created_at,
		       d.title, d.number, d.status_id, d.company_id,
		       wd.name, wd.from_status_id, wd.to_status_id, wd.approval_mode
		FROM approval_records ar
		JOIN documents d ON d.id = ar.document_id
		JOIN workflow_definitions wd ON wd.id = ar.definition_id
		WHERE ar.id = $1
		FOR UPDATE OF d, ar
	`

	var (
		cctx Context
		mode string
	)
	err := tx.QueryRow(ctx, query, recordID).Scan(
		&cctx.Record.ID,
		&cctx.Record.DocumentID,
		&cctx.Record.DefinitionID,
		&cctx.Record.ApproverID,
		&cctx.Record.Level,
		&cctx.Record.Status,
		&cctx.Record.Comments,
		&cctx.Record.RespondedAt,
		&cctx.Record.CreatedAt,
		&cctx.DocumentTitle,
		&cctx.DocumentNumber,
		&cctx.DocumentStatus,
		&cctx.CompanyID,
		&cctx.DefinitionName,
		&cctx.FromStatusID,
		&cctx.ToStatusID,
		&mode,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Context{}, ErrRecordNotFound
		}
		return Context{}, fmt.Errorf("approval: load record context: %w", err)
	}
	cctx.SequentialChain = mode == "sequential"
	return cctx, nil
}

// MarkResponded terminates the record. The status guard keeps a concurrent
// double-response from overwriting the first decision even outside the row
// lock.
func (s *PGStore) MarkResponded(ctx context.Context, tx pgx.Tx, recordID string, status Status, comment string) (time.Time, error) {
	const query = `
		UPDATE approval_records
		SET status = $2, comments = NULLIF($3, ''), responded_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING responded_at
	`

	var respondedAt time.Time
	if err := tx.QueryRow(ctx, query, recordID, status, comment).Scan(&respondedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, ErrAlreadyResponded
		}
		return time.Time{}, fmt.Errorf("approval: mark responded: %w", err)
	}
	return respondedAt, nil
}

func (s *PGStore) CountPendingSiblings(ctx context.Context, tx pgx.Tx, documentID, definitionID string) (int, error) {
	const query = `
		SELECT COUNT(*) FROM approval_records
		WHERE document_id = $1 AND definition_id = $2 AND status = 'pending'
	`
	var n int
	if err := tx.QueryRow(ctx, query, documentID, definitionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("approval: count pending siblings: %w", err)
	}
	return n, nil
}

// NextPendingRecord returns the lowest-level pending record of the attempt.
func (s *PGStore) NextPendingRecord(ctx context.Context, tx pgx.Tx, documentID, definitionID string) (*Record, error) {
	const query = `
		SELECT id, document_id, definition_id, approver_id::text, level, status, comments, responded_at, created_at
		FROM approval_records
		WHERE document_id = $1 AND definition_id = $2 AND status = 'pending'
		ORDER BY level
		LIMIT 1
	`

	var rec Record
	err := tx.QueryRow(ctx, query, documentID, definitionID).Scan(
		&rec.ID,
		&rec.DocumentID,
		&rec.DefinitionID,
		&rec.ApproverID,
		&rec.Level,
		&rec.Status,
		&rec.Comments,
		&rec.RespondedAt,
		&rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("approval: next pending record: %w", err)
	}
	return &rec, nil
}

func (s *PGStore) CancelPendingSiblings(ctx context.Context, tx pgx.Tx, documentID, definitionID string) (int, error) {
	const query = `
		UPDATE approval_records
		SET status = 'cancelled'
		WHERE document_id = $1 AND definition_id = $2 AND status = 'pending'
	`
	tag, err := tx.Exec(ctx, query, documentID, definitionID)
	if err != nil {
		return 0, fmt.Errorf("approval: cancel pending siblings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CancelPendingForStatus voids pending records of every edge leaving the
// given status. Called when the document leaves that status, so a stale
// batch can never release a transition whose edge no longer applies.
func (s *PGStore) CancelPendingForStatus(ctx context.Context, tx pgx.Tx, documentID, fromStatusID string) (int, error) {
	const query = `
		UPDATE approval_records ar
		SET status = 'cancelled'
		FROM workflow_definitions wd
		WHERE wd.id = ar.definition_id
		  AND ar.document_id = $1
		  AND ar.status = 'pending'
		  AND wd.from_status_id = $2
	`
	tag, err := tx.Exec(ctx, query, documentID, fromStatusID)
	if err != nil {
		return 0, fmt.Errorf("approval: cancel pending for status: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ApplyStatus releases the deferred transition; mirrors the transition
// store's direct apply.
func (s *PGStore) ApplyStatus(ctx context.Context, tx pgx.Tx, documentID, statusID string) (time.Time, error) {
	const query = `
		UPDATE documents
		SET status_id = $2,
		    entered_status_at = NOW(),
		    completed_at = CASE
		        WHEN (SELECT is_final FROM statuses WHERE id = $2) THEN COALESCE(completed_at, NOW())
		        ELSE completed_at
		    END,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING entered_status_at
	`

	var enteredAt time.Time
	if err := tx.QueryRow(ctx, query, documentID, statusID).Scan(&enteredAt); err != nil {
		return time.Time{}, fmt.Errorf("approval: apply deferred status: %w", err)
	}
	return enteredAt, nil
}

func (s *PGStore) AppendTimeline(ctx context.Context, tx pgx.Tx, documentID, eventType string, actorID *string, payload map[string]any) error {
	return event.AppendTimeline(ctx, tx, documentID, eventType, actorID, payload)
}

func (s *PGStore) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return event.Enqueue(ctx, tx, topic, payload)
}

// Reader serves read-side queries outside the coordinator's transaction.
type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// ListForDocument returns a document's approval records for read-side
// display, newest first then by level.
func (r *Reader) ListForDocument(ctx context.Context, documentID string) ([]Record, error) {
	const query = `
		SELECT id, document_id, definition_id, approver_id::text, level, status, comments, responded_at, created_at
		FROM approval_records
		WHERE document_id = $1
		ORDER BY created_at DESC, level ASC
	`

	rows, err := r.pool.Query(ctx, query, documentID)
	if err != nil {
		return nil, fmt.Errorf("approval: list for document: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.DocumentID, &rec.DefinitionID, &rec.ApproverID, &rec.Level, &rec.Status, &rec.Comments, &rec.RespondedAt, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("approval: scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("approval: iterate records: %w", err)
	}
	return out, nil
}

var _ Store = (*PGStore)(nil)
