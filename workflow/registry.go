package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"archiveflow/identity"
)

var (
	// ErrStatusNotFound is returned when a referenced status does not exist in the company.
	ErrStatusNotFound = errors.New("workflow: status not found")
	// ErrDefinitionNotFound is returned when no workflow definition matches.
	ErrDefinitionNotFound = errors.New("workflow: definition not found")
	// ErrDuplicateEdge signals an active definition already covers the (from, to) pair.
	ErrDuplicateEdge = errors.New("workflow: duplicate active edge")
)

// Registry is the company-scoped catalog of statuses and workflow edges.
// Statuses and definitions are configuration: written by administrators,
// read by the engine.
type Registry struct {
	pool *pgxpool.Pool
}

func NewRegistry(pool *pgxpool.Pool) *Registry {
	return &Registry{pool: pool}
}

type CreateStatusParams struct {
	CompanyID string
	Name      map[string]string
	IsInitial bool
	IsFinal   bool
}

// CreateStatus registers a new lifecycle status for the company.
func (r *Registry) CreateStatus(ctx context.Context, params CreateStatusParams) (Status, error) {
	if params.CompanyID == "" {
		return Status{}, fmt.Errorf("workflow: company id required")
	}
	if len(params.Name) == 0 {
		return Status{}, fmt.Errorf("workflow: status name required")
	}

	nameJSON, err := json.Marshal(params.Name)
	if err != nil {
		return Status{}, fmt.Errorf("workflow: marshal status name: %w", err)
	}

	const insertSQL = `
		INSERT INTO statuses (company_id, name, is_initial, is_final)
		VALUES ($1, $2::jsonb, $3, $4)
		RETURNING id, company_id, name, is_initial, is_final, active, created_at
	`

	status, err := scanStatus(r.pool.QueryRow(ctx, insertSQL, params.CompanyID, nameJSON, params.IsInitial, params.IsFinal))
	if err != nil {
		return Status{}, fmt.Errorf("workflow: create status: %w", err)
	}
	return status, nil
}

// GetStatus fetches one status by id.
func (r *Registry) GetStatus(ctx context.Context, id string) (Status, error) {
	const query = `
		SELECT id, company_id, name, is_initial, is_final, active, created_at
		FROM statuses
		WHERE id = $1
	`
	status, err := scanStatus(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Status{}, ErrStatusNotFound
		}
		return Status{}, fmt.Errorf("workflow: get status: %w", err)
	}
	return status, nil
}

// ListStatuses returns the company's active statuses.
func (r *Registry) ListStatuses(ctx context.Context, companyID string) ([]Status, error) {
	const query = `
		SELECT id, company_id, name, is_initial, is_final, active, created_at
		FROM statuses
		WHERE company_id = $1 AND active
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, companyID)
	if err != nil {
		return nil, fmt.Errorf("workflow: list statuses: %w", err)
	}
	defer rows.Close()

	out := make([]Status, 0, 8)
	for rows.Next() {
		status, err := scanStatus(rows)
		if err != nil {
			return nil, fmt.Errorf("workflow: scan status: %w", err)
		}
		out = append(out, status)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: iterate statuses: %w", err)
	}
	return out, nil
}

type CreateDefinitionParams struct {
	CompanyID        string
	Name             string
	FromStatusID     string
	ToStatusID       string
	RolesAllowed     []identity.Role
	RequiresApproval bool
	RequiresComment  bool
	ApprovalMode     ApprovalMode
	SLAHours         *int
}

// CreateDefinition registers a new edge. The single-active-edge invariant for
// a (from, to) pair is enforced here at write time by a partial unique index.
func (r *Registry) CreateDefinition(ctx context.Context, params CreateDefinitionParams) (Definition, error) {
	if params.CompanyID == "" {
		return Definition{}, fmt.Errorf("workflow: company id required")
	}
	if params.FromStatusID == "" || params.ToStatusID == "" {
		return Definition{}, fmt.Errorf("workflow: from and to status ids required")
	}
	if params.FromStatusID == params.ToStatusID {
		return Definition{}, fmt.Errorf("workflow: edge cannot loop onto its own status")
	}
	if params.SLAHours != nil && *params.SLAHours == 0 {
		return Definition{}, fmt.Errorf("workflow: sla hours must be positive")
	}
	mode := params.ApprovalMode
	if mode == "" {
		mode = ApprovalConcurrent
	}
	if mode != ApprovalConcurrent && mode != ApprovalSequential {
		return Definition{}, fmt.Errorf("workflow: invalid approval mode %q", mode)
	}

	roles := make([]string, 0, len(params.RolesAllowed))
	for _, role := range params.RolesAllowed {
		roles = append(roles, string(role))
	}

	// Both endpoints must be statuses of the same company; the SELECT guard
	// yields no row otherwise.
	const insertSQL = `
		INSERT INTO workflow_definitions (company_id, name, from_status_id, to_status_id, roles_allowed, requires_approval, requires_comment, approval_mode, sla_hours)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9
		WHERE EXISTS (SELECT 1 FROM statuses WHERE id = $3 AND company_id = $1)
		  AND EXISTS (SELECT 1 FROM statuses WHERE id = $4 AND company_id = $1)
		RETURNING id, company_id, name, from_status_id, to_status_id, roles_allowed, requires_approval, requires_comment, approval_mode, sla_hours, active, created_at
	`

	def, err := scanDefinition(r.pool.QueryRow(ctx, insertSQL,
		params.CompanyID,
		params.Name,
		params.FromStatusID,
		params.ToStatusID,
		roles,
		params.RequiresApproval,
		params.RequiresComment,
		mode,
		params.SLAHours,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Definition{}, ErrStatusNotFound
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Definition{}, ErrDuplicateEdge
		}
		return Definition{}, fmt.Errorf("workflow: create definition: %w", err)
	}
	return def, nil
}

// Deactivate retires a definition so the edge can be redefined.
func (r *Registry) Deactivate(ctx context.Context, definitionID string) error {
	tag, err := r.pool.Exec(ctx, `UPDATE workflow_definitions SET active = false WHERE id = $1`, definitionID)
	if err != nil {
		return fmt.Errorf("workflow: deactivate definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrDefinitionNotFound
	}
	return nil
}

// FindEdge returns the unique active definition for (from, to) in the company.
func (r *Registry) FindEdge(ctx context.Context, companyID, fromStatusID, toStatusID string) (Definition, error) {
	const query = definitionSelect + `
		WHERE company_id = $1 AND from_status_id = $2 AND to_status_id = $3 AND active
	`
	def, err := scanDefinition(r.pool.QueryRow(ctx, query, companyID, fromStatusID, toStatusID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Definition{}, ErrDefinitionNotFound
		}
		return Definition{}, fmt.Errorf("workflow: find edge: %w", err)
	}
	return def, nil
}

// EdgesFrom lists the active edges leaving a status, i.e. the moves currently
// offered for a document sitting in it.
func (r *Registry) EdgesFrom(ctx context.Context, companyID, fromStatusID string) ([]Definition, error) {
	const query = definitionSelect + `
		WHERE company_id = $1 AND from_status_id = $2 AND active
		ORDER BY created_at
	`

	rows, err := r.pool.Query(ctx, query, companyID, fromStatusID)
	if err != nil {
		return nil, fmt.Errorf("workflow: edges from: %w", err)
	}
	defer rows.Close()

	out := make([]Definition, 0, 4)
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("workflow: scan definition: %w", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("workflow: iterate definitions: %w", err)
	}
	return out, nil
}

const definitionSelect = `
	SELECT id, company_id, name, from_status_id, to_status_id, roles_allowed, requires_approval, requires_comment, approval_mode, sla_hours, active, created_at
	FROM workflow_definitions
`

func scanStatus(row pgx.Row) (Status, error) {
	var (
		status   Status
		nameJSON []byte
	)
	err := row.Scan(
		&status.ID,
		&status.CompanyID,
		&nameJSON,
		&status.IsInitial,
		&status.IsFinal,
		&status.Active,
		&status.CreatedAt,
	)
	if err != nil {
		return Status{}, err
	}
	if err := json.Unmarshal(nameJSON, &status.Name); err != nil {
		return Status{}, fmt.Errorf("workflow: decode status name: %w", err)
	}
	return status, nil
}

func scanDefinition(row pgx.Row) (Definition, error) {
	var (
		def   Definition
		roles []string
	)
	err := row.Scan(
		&def.ID,
		&def.CompanyID,
		&def.Name,
		&def.FromStatusID,
		&def.ToStatusID,
		&roles,
		&def.RequiresApproval,
		&def.RequiresComment,
		&def.ApprovalMode,
		&def.SLAHours,
		&def.Active,
		&def.CreatedAt,
	)
	if err != nil {
		return Definition{}, err
	}
	def.RolesAllowed = make([]identity.Role, 0, len(roles))
	for _, role := range roles {
		def.RolesAllowed = append(def.RolesAllowed, identity.Role(role))
	}
	return def, nil
}
