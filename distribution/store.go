package distribution

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"archiveflow/document"
	"archiveflow/event"
)

// PGStore implements Store with pgx, sharing the tracker's transaction.
type PGStore struct{}

func NewStore() *PGStore {
	return &PGStore{}
}

// GetDocumentForUpdate locks the document row so concurrent distributes of
// the same document serialize.
func (s *PGStore) GetDocumentForUpdate(ctx context.Context, tx pgx.Tx, documentID string) (DocumentRef, error) {
	const q = `
		SELECT id, company_id, title, number, archived
		FROM documents
		WHERE id = $1
		FOR UPDATE
	`

	var doc DocumentRef
	err := tx.QueryRow(ctx, q, documentID).Scan(&doc.ID, &doc.CompanyID, &doc.Title, &doc.Number, &doc.Archived)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DocumentRef{}, document.ErrNotFound
		}
		return DocumentRef{}, fmt.Errorf("distribution: lock document: %w", err)
	}
	return doc, nil
}

// ResolveDepartments returns the active departments of the company matching
// the given ids. A missing or foreign id is simply absent from the result;
// the tracker compares lengths.
func (s *PGStore) ResolveDepartments(ctx context.Context, tx pgx.Tx, companyID string, departmentIDs []string) ([]DepartmentRef, error) {
	const q = `
		SELECT id, name
		FROM departments
		WHERE company_id = $1 AND active AND id = ANY($2)
		ORDER BY name
	`

	rows, err := tx.Query(ctx, q, companyID, departmentIDs)
	if err != nil {
		return nil, fmt.Errorf("distribution: resolve departments: %w", err)
	}
	defer rows.Close()

	out := make([]DepartmentRef, 0, len(departmentIDs))
	for rows.Next() {
		var dept DepartmentRef
		if err := rows.Scan(&dept.ID, &dept.Name); err != nil {
			return nil, fmt.Errorf("distribution: scan department: %w", err)
		}
		out = append(out, dept)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("distribution: iterate departments: %w", err)
	}
	return out, nil
}

const targetColumns = `id, document_id, department_id, status, routing_note, response_note, rejected_reason, response_document_id, sent_at, responded_at`

func (s *PGStore) CreateTarget(ctx context.Context, tx pgx.Tx, documentID, departmentID string, routingNote string) (Target, error) {
	const q = `
		INSERT INTO distribution_targets (document_id, department_id, status, routing_note)
		VALUES ($1, $2, 'sent', NULLIF($3, ''))
		RETURNING ` + targetColumns

	return scanTarget(tx.QueryRow(ctx, q, documentID, departmentID, routingNote))
}

// GetTargetForUpdate locks the target row and its document row. Updating a
// target appends to the document timeline, and the seq derivation there
// requires the document lock; without it two targets of one document updated
// concurrently would race on the same seq.
func (s *PGStore) GetTargetForUpdate(ctx context.Context, tx pgx.Tx, targetID string) (TargetContext, error) {
	const q = `
		SELECT dt.id, dt.document_id, dt.department_id, dt.status, dt.routing_note, dt.response_note, dt.rejected_reason, dt.response_document_id, dt.sent_at, dt.responded_at,
		       d.title, d.number, d.company_id,
		       dep.name
		FROM distribution_targets dt
		JOIN documents d ON d.id = dt.document_id
		JOIN departments dep ON dep.id = dt.department_id
		WHERE dt.id = $1
		FOR UPDATE OF dt, d
	`

	var tctx TargetContext
	err := tx.QueryRow(ctx, q, targetID).Scan(
		&tctx.Target.ID,
		&tctx.Target.DocumentID,
		&tctx.Target.DepartmentID,
		&tctx.Target.Status,
		&tctx.Target.RoutingNote,
		&tctx.Target.ResponseNote,
		&tctx.Target.RejectedReason,
		&tctx.Target.ResponseDocumentID,
		&tctx.Target.SentAt,
		&tctx.Target.RespondedAt,
		&tctx.DocumentTitle,
		&tctx.DocumentNumber,
		&tctx.CompanyID,
		&tctx.DepartmentName,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TargetContext{}, ErrTargetNotFound
		}
		return TargetContext{}, fmt.Errorf("distribution: load target context: %w", err)
	}
	return tctx, nil
}

// ApplyUpdate persists the advanced target. responded_at is stamped the
// first time the target reaches a resolution status.
func (s *PGStore) ApplyUpdate(ctx context.Context, tx pgx.Tx, target Target) (Target, error) {
	const q = `
		UPDATE distribution_targets
		SET status = $2,
		    response_note = $3,
		    rejected_reason = $4,
		    response_document_id = $5,
		    responded_at = CASE
		        WHEN $2 IN ('responded', 'rejected') THEN COALESCE(responded_at, NOW())
		        ELSE responded_at
		    END
		WHERE id = $1
		RETURNING ` + targetColumns

	return scanTarget(tx.QueryRow(ctx, q, target.ID, target.Status, target.ResponseNote, target.RejectedReason, target.ResponseDocumentID))
}

func (s *PGStore) AppendTimeline(ctx context.Context, tx pgx.Tx, documentID, eventType string, actorID *string, payload map[string]any) error {
	return event.AppendTimeline(ctx, tx, documentID, eventType, actorID, payload)
}

func (s *PGStore) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	return event.Enqueue(ctx, tx, topic, payload)
}

// Reader serves read-side queries outside the tracker's transaction.
type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// ListForDocument returns a document's targets for read-side display.
func (r *Reader) ListForDocument(ctx context.Context, documentID string) ([]Target, error) {
	const q = `
		SELECT ` + targetColumns + `
		FROM distribution_targets
		WHERE document_id = $1
		ORDER BY sent_at, id
	`

	rows, err := r.pool.Query(ctx, q, documentID)
	if err != nil {
		return nil, fmt.Errorf("distribution: list targets: %w", err)
	}
	defer rows.Close()

	out := make([]Target, 0, 8)
	for rows.Next() {
		target, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("distribution: iterate targets: %w", err)
	}
	return out, nil
}

// ProgressForDocument aggregates target counts per status.
func (r *Reader) ProgressForDocument(ctx context.Context, documentID string) (Progress, error) {
	const q = `
		SELECT status, COUNT(*)
		FROM distribution_targets
		WHERE document_id = $1
		GROUP BY status
	`

	rows, err := r.pool.Query(ctx, q, documentID)
	if err != nil {
		return Progress{}, fmt.Errorf("distribution: query progress: %w", err)
	}
	defer rows.Close()

	progress := Progress{DocumentID: documentID, ByStatus: make(map[Status]int)}
	unresolved := 0
	for rows.Next() {
		var (
			status Status
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return Progress{}, fmt.Errorf("distribution: scan progress row: %w", err)
		}
		progress.ByStatus[status] = n
		progress.Total += n
		if status == StatusSent || status == StatusReceived || status == StatusInReview {
			unresolved += n
		}
	}
	if err := rows.Err(); err != nil {
		return Progress{}, fmt.Errorf("distribution: iterate progress: %w", err)
	}
	progress.AllResolved = progress.Total > 0 && unresolved == 0
	return progress, nil
}

func scanTarget(row pgx.Row) (Target, error) {
	var target Target
	err := row.Scan(
		&target.ID,
		&target.DocumentID,
		&target.DepartmentID,
		&target.Status,
		&target.RoutingNote,
		&target.ResponseNote,
		&target.RejectedReason,
		&target.ResponseDocumentID,
		&target.SentAt,
		&target.RespondedAt,
	)
	if err != nil {
		return Target{}, fmt.Errorf("distribution: scan target: %w", err)
	}
	return target, nil
}

var _ Store = (*PGStore)(nil)
