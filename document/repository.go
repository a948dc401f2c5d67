package document

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"archiveflow/event"
)

var (
	// ErrNotFound is returned when no document row exists for the identifier.
	ErrNotFound = errors.New("document: not found")
	// ErrNoInitialStatus signals the company has no active initial status configured.
	ErrNoInitialStatus = errors.New("document: company has no initial status")
	// ErrDuplicateNumber signals the number is already taken within the company.
	ErrDuplicateNumber = errors.New("document: number already in use")
)

type CreateParams struct {
	CompanyID string
	Title     string
	Number    string
	Priority  Priority
	CreatedBy string
}

type ListFilters struct {
	CompanyID string
	Page      int
	PageSize  int
}

const selectColumns = `id, company_id, title, number, status_id, priority, entered_status_at, due_at, completed_at, archived, created_by::text, created_at, updated_at`

// Repository provides document CRUD scoped by company. Status mutation is
// deliberately absent here; it belongs to the workflow and approval packages.
type Repository struct {
	pool *pgxpool.Pool
	// numberGen assigns a number when the caller omits one. Overridable in tests.
	numberGen func() string
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{
		pool:      pool,
		numberGen: func() string { return "DOC-" + strings.ToUpper(uuid.NewString()[:8]) },
	}
}

// Create inserts a document in the company's initial status and records the
// creation on its timeline.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Document, error) {
	if params.CompanyID == "" {
		return Document{}, fmt.Errorf("document: company id required")
	}
	if params.Title == "" {
		return Document{}, fmt.Errorf("document: title required")
	}
	if params.Priority == "" {
		params.Priority = PriorityMedium
	}
	if params.Number == "" {
		params.Number = r.numberGen()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Document{}, fmt.Errorf("document: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var initialStatus string
	err = tx.QueryRow(ctx, `SELECT id FROM statuses WHERE company_id = $1 AND is_initial AND active LIMIT 1`, params.CompanyID).Scan(&initialStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNoInitialStatus
		}
		return Document{}, fmt.Errorf("document: find initial status: %w", err)
	}

	insertSQL := `
		INSERT INTO documents (company_id, title, number, status_id, priority, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + selectColumns

	doc, err := scanDocument(tx.QueryRow(ctx, insertSQL,
		params.CompanyID,
		params.Title,
		params.Number,
		initialStatus,
		params.Priority,
		params.CreatedBy,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Document{}, ErrDuplicateNumber
		}
		return Document{}, fmt.Errorf("document: insert: %w", err)
	}

	creator := params.CreatedBy
	if err := event.AppendTimeline(ctx, tx, doc.ID, "DOCUMENT_CREATED", &creator, map[string]any{
		"title":     doc.Title,
		"number":    doc.Number,
		"status_id": doc.StatusID,
		"priority":  doc.Priority,
	}); err != nil {
		return Document{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Document{}, fmt.Errorf("document: commit: %w", err)
	}

	return doc, nil
}

// GetByID fetches a document by primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Document, error) {
	query := `SELECT ` + selectColumns + ` FROM documents WHERE id = $1`

	doc, err := scanDocument(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, fmt.Errorf("document: get by id: %w", err)
	}
	return doc, nil
}

// Archive flags the document as archived, removing it from SLA scans.
func (r *Repository) Archive(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE documents SET archived = true, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("document: archive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a page of company documents, newest first.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Document, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	query := `
		SELECT ` + selectColumns + `
		FROM documents
		WHERE company_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, filters.CompanyID, filters.PageSize, (filters.Page-1)*filters.PageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("document: list: %w", err)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("document: scan: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("document: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM documents WHERE company_id = $1`, filters.CompanyID).Scan(&total); err != nil {
		return nil, 0, err
	}

	return docs, total, nil
}

func scanDocument(row pgx.Row) (Document, error) {
	var doc Document
	err := row.Scan(
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
		return Document{}, err
	}
	return doc, nil
}
