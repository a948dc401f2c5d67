package department

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested department does not exist.
var ErrNotFound = errors.New("department: not found")

// Repository provides read access to the department directory.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a department by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Department, error) {
	const query = `
		SELECT id, company_id, branch_id::text, name, active, created_at
		FROM departments
		WHERE id = $1
	`

	var dep Department
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&dep.ID,
		&dep.CompanyID,
		&dep.BranchID,
		&dep.Name,
		&dep.Active,
		&dep.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Department{}, ErrNotFound
		}
		return Department{}, fmt.Errorf("department: query by id: %w", err)
	}

	return dep, nil
}

// ListByCompany fetches up to limit active departments for a company ordered by name.
func (r *Repository) ListByCompany(ctx context.Context, companyID string, limit int) ([]Department, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT id, company_id, branch_id::text, name, active, created_at
		FROM departments
		WHERE company_id = $1 AND active
		ORDER BY name ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, companyID, limit)
	if err != nil {
		return nil, fmt.Errorf("department: list: %w", err)
	}
	defer rows.Close()

	deps := make([]Department, 0, limit)
	for rows.Next() {
		var dep Department
		if err := rows.Scan(&dep.ID, &dep.CompanyID, &dep.BranchID, &dep.Name, &dep.Active, &dep.CreatedAt); err != nil {
			return nil, fmt.Errorf("department: scan: %w", err)
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("department: iterate: %w", err)
	}

	return deps, nil
}
