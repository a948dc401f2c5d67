package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"archiveflow/document"
	"archiveflow/event"
)

// PGTransitionStore implements TransitionStore with pgx, sharing the
// service's transaction.
type PGTransitionStore struct{}

func NewTransitionStore() *PGTransitionStore {
	return &PGTransitionStore{}
}

// GetDocumentForUpdate locks the document row for the duration of the
// transaction.
func (s *PGTransitionStore) GetDocumentForUpdate(ctx context.Context, tx pgx.Tx, documentID string) (document.Document, error) {
	const query = `
		SELECT id, company_id, title, number, status_id, priority, entered_status_at, due_at, completed_at, archived, created_by::text, created_at, updated_at
		FROM documents
		WHERE id = $1
		FOR UPDATE
	`

	var doc document.Document
	err := tx.QueryRow(ctx, query, documentID).Scan(
		&doc.ID,
		&doc.CompanyID,
		&doc.Title,
		&doc.Number,
		&doc.StatusID,
		&doc.Priority,
		&doc.EnteredStatusAt,
		&doc.DueAt,
		&doc.CompletedAt,
		&doc.Archived,
		&doc.CreatedBy,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return document.Document{}, document.ErrNotFound
		}
		return document.Document{}, fmt.Errorf("workflow: lock document: %w", err)
	}
	return doc, nil
}

func (s *PGTransitionStore) FindActiveEdge(ctx context.Context, tx pgx.Tx, companyID, fromStatusID, toStatusID string) (Definition, error) {
	const query = definitionSelect + `
		WHERE company_id = $1 AND from_status_id = $2 AND to_status_id = $3 AND active
	`
	def, err := scanDefinition(tx.QueryRow(ctx, query, companyID, fromStatusID, toStatusID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Definition{}, ErrDefinitionNotFound
		}
		return Definition{}, fmt.Errorf("workflow: find active edge: %w", err)
	}
	return def, nil
}

// ApplyStatus moves the document and resets its status clock. Entering a
// final status stamps completed_at.
func (s *PGTransitionStore) ApplyStatus(ctx context.Context, tx pgx.Tx, documentID, statusID string) (time.Time, error) {
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
		return time.Time{}, fmt.Errorf("workflow: apply status: %w", err)
	}
	return enteredAt, nil
}

// CreateApprovalRecords inserts one pending record per approver, levels
// assigned by position starting at 1. Runs in the caller's transaction so
// the fan-out is all-or-nothing.
func (s *PGTransitionStore) CreateApprovalRecords(ctx context.Context, tx pgx.Tx, documentID, definitionID string, approverIDs []string) ([]string, error) {
	const insertSQL = `
		INSERT INTO approval_records (document_id, definition_id, approver_id, level, status)
		VALUES ($1, $2, $3, $4, 'pending')
		RETURNING id
	`

	ids := make([]string, 0, len(approverIDs))
	for i, approverID := range approverIDs {
		var id string
		if err := tx.QueryRow(ctx, insertSQL, documentID, definitionID, approverID, i+1).Scan(&id); err != nil {
			return nil, fmt.Errorf("workflow: create approval record level %d: %w", i+1, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *PGTransitionStore) CountPendingApprovals(ctx context.Context, tx pgx.Tx, documentID, definitionID string) (int, error) {
	const query = `
		SELECT COUNT(*) FROM approval_records
		WHERE document_id = $1 AND definition_id = $2 AND status = 'pending'
	`
	var n int
	if err := tx.QueryRow(ctx, query, documentID, definitionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("workflow: count pending approvals: %w", err)
	}
	return n, nil
}

// CancelPendingApprovals voids pending records of every edge leaving the
// given status. A direct move makes those batches unreachable; left pending
// they could later release a transition the document no longer qualifies for.
func (s *PGTransitionStore) CancelPendingApprovals(ctx context.Context, tx pgx.Tx, documentID, fromStatusID string) (int, error) {
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
		return 0, fmt.Errorf("workflow: cancel pending approvals: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGTransitionStore) AppendTimeline(ctx context.Context, tx pgx.Tx, documentID, eventType string, actorID *string, payload map[string]any) error {
	return event.AppendTimeline(ctx, tx, documentID, eventType, actorID, payload)
}

func (s *PGTransitionStore) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return event.Enqueue(ctx, tx, topic, payload)
}

var _ TransitionStore = (*PGTransitionStore)(nil)
