package department

import "context"

// DirectoryReader abstracts repository operations for the service.
type DirectoryReader interface {
	GetByID(ctx context.Context, id string) (Department, error)
	ListByCompany(ctx context.Context, companyID string, limit int) ([]Department, error)
}

// Service exposes business-level department lookups.
type Service struct {
	repo DirectoryReader
}

// NewService builds a Service using the provided repository.
func NewService(repo DirectoryReader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the department for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Department, error) {
	return s.repo.GetByID(ctx, id)
}

// ListByCompany returns up to limit active departments for the company.
func (s *Service) ListByCompany(ctx context.Context, companyID string, limit int) ([]Department, error) {
	return s.repo.ListByCompany(ctx, companyID, limit)
}
