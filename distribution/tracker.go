package distribution

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"archiveflow/event"
	"archiveflow/identity"
)

var (
	// ErrTargetNotFound is returned when no distribution target exists for the identifier.
	ErrTargetNotFound = errors.New("distribution: target not found")
	// ErrUnauthorized signals the actor belongs to another company.
	ErrUnauthorized = errors.New("distribution: actor not in document company")
	// ErrInvalidTransition signals a backward or sideways move in the target lifecycle.
	ErrInvalidTransition = errors.New("distribution: target status can only move forward")
	// ErrReasonRequired signals a rejection without a reason.
	ErrReasonRequired = errors.New("distribution: rejection requires a reason")
	// ErrNoDepartments signals a distribute call with an empty fan-out set.
	ErrNoDepartments = errors.New("distribution: at least one department required")
	// ErrDepartmentNotFound signals a fan-out to a department outside the document's company.
	ErrDepartmentNotFound = errors.New("distribution: department not found in company")
	// ErrDocumentArchived signals a distribute against an archived document.
	ErrDocumentArchived = errors.New("distribution: document is archived")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DocumentRef is the slice of the document the tracker needs.
type DocumentRef struct {
	ID        string
	CompanyID string
	Title     string
	Number    string
	Archived  bool
}

// DepartmentRef carries the denormalized name for event payloads.
type DepartmentRef struct {
	ID   string
	Name string
}

// TargetContext is a target joined with its document, loaded under lock.
type TargetContext struct {
	Target         Target
	DocumentTitle  string
	DocumentNumber string
	CompanyID      string
	DepartmentName string
}

// Store defines the data access the tracker needs. Mutating methods run
// inside the tracker's transaction.
type Store interface {
	GetDocumentForUpdate(ctx context.Context, tx pgx.Tx, documentID string) (DocumentRef, error)
	ResolveDepartments(ctx context.Context, tx pgx.Tx, companyID string, departmentIDs []string) ([]DepartmentRef, error)
	CreateTarget(ctx context.Context, tx pgx.Tx, documentID, departmentID string, routingNote string) (Target, error)
	GetTargetForUpdate(ctx context.Context, tx pgx.Tx, targetID string) (TargetContext, error)
	ApplyUpdate(ctx context.Context, tx pgx.Tx, target Target) (Target, error)
	AppendTimeline(ctx context.Context, tx pgx.Tx, documentID, eventType string, actorID *string, payload map[string]any) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type DistributeParams struct {
	DocumentID    string
	DepartmentIDs []string
	RoutingNote   string
	Actor         identity.Actor
}

type UpdateParams struct {
	TargetID string
	Actor    identity.Actor
	Status   Status
	// ResponseNote and ResponseDocumentID accompany a responded update.
	ResponseNote       string
	ResponseDocumentID string
	// RejectedReason is mandatory when Status is rejected.
	RejectedReason string
}

// Tracker fans a document out to departments and walks each target through
// its lifecycle. Targets are independent of each other and of the parent
// document's workflow.
type Tracker struct {
	pool  TxBeginner
	store Store
}

func NewTracker(pool TxBeginner, store Store) *Tracker {
	return &Tracker{pool: pool, store: store}
}

// Distribute creates one target per department atomically. Either every
// department gets its copy or none does.
func (t *Tracker) Distribute(ctx context.Context, params DistributeParams) ([]Target, error) {
	if params.DocumentID == "" {
		return nil, fmt.Errorf("distribution: document id required")
	}
	if len(params.DepartmentIDs) == 0 {
		return nil, ErrNoDepartments
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("distribution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	doc, err := t.store.GetDocumentForUpdate(ctx, tx, params.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.Archived {
		return nil, ErrDocumentArchived
	}
	if doc.CompanyID != params.Actor.CompanyID {
		return nil, ErrUnauthorized
	}

	departments, err := t.store.ResolveDepartments(ctx, tx, doc.CompanyID, params.DepartmentIDs)
	if err != nil {
		return nil, err
	}
	if len(departments) != len(dedupe(params.DepartmentIDs)) {
		return nil, ErrDepartmentNotFound
	}

	actorID := params.Actor.ID
	targets := make([]Target, 0, len(departments))
	for _, dept := range departments {
		target, err := t.store.CreateTarget(ctx, tx, doc.ID, dept.ID, params.RoutingNote)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)

		if err := t.store.Enqueue(ctx, tx, event.TopicDistributionSent, map[string]any{
			"target_id":       target.ID,
			"document_id":     doc.ID,
			"document_title":  doc.Title,
			"document_number": doc.Number,
			"department_id":   dept.ID,
			"department_name": dept.Name,
			"routing_note":    params.RoutingNote,
			"actor_id":        params.Actor.ID,
			"actor_name":      params.Actor.Name,
		}); err != nil {
			return nil, err
		}
	}

	if err := t.store.AppendTimeline(ctx, tx, doc.ID, "DISTRIBUTION_SENT", &actorID, map[string]any{
		"department_ids": params.DepartmentIDs,
		"routing_note":   params.RoutingNote,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("distribution: commit distribute: %w", err)
	}
	return targets, nil
}

// UpdateTarget advances one target. The lifecycle only moves forward;
// revisiting or downgrading a status returns ErrInvalidTransition.
func (t *Tracker) UpdateTarget(ctx context.Context, params UpdateParams) (Target, error) {
	if params.TargetID == "" {
		return Target{}, fmt.Errorf("distribution: target id required")
	}
	if !params.Status.Valid() {
		return Target{}, fmt.Errorf("distribution: invalid target status %q", params.Status)
	}
	if params.Status == StatusRejected && strings.TrimSpace(params.RejectedReason) == "" {
		return Target{}, ErrReasonRequired
	}

	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return Target{}, fmt.Errorf("distribution: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tctx, err := t.store.GetTargetForUpdate(ctx, tx, params.TargetID)
	if err != nil {
		return Target{}, err
	}
	if tctx.CompanyID != params.Actor.CompanyID {
		return Target{}, ErrUnauthorized
	}
	if !tctx.Target.Status.CanAdvanceTo(params.Status) {
		return Target{}, ErrInvalidTransition
	}

	next := tctx.Target
	previous := next.Status
	next.Status = params.Status
	switch params.Status {
	case StatusResponded:
		if params.ResponseNote != "" {
			next.ResponseNote = &params.ResponseNote
		}
		if params.ResponseDocumentID != "" {
			next.ResponseDocumentID = &params.ResponseDocumentID
		}
	case StatusRejected:
		next.RejectedReason = &params.RejectedReason
	}

	updated, err := t.store.ApplyUpdate(ctx, tx, next)
	if err != nil {
		return Target{}, err
	}

	actorID := params.Actor.ID
	if err := t.store.Enqueue(ctx, tx, event.TopicDistributionUpdated, map[string]any{
		"target_id":       updated.ID,
		"document_id":     updated.DocumentID,
		"document_title":  tctx.DocumentTitle,
		"document_number": tctx.DocumentNumber,
		"department_id":   updated.DepartmentID,
		"department_name": tctx.DepartmentName,
		"previous_status": string(previous),
		"next_status":     string(updated.Status),
		"rejected_reason": params.RejectedReason,
		"actor_id":        params.Actor.ID,
		"actor_name":      params.Actor.Name,
	}); err != nil {
		return Target{}, err
	}

	if err := t.store.AppendTimeline(ctx, tx, updated.DocumentID, "DISTRIBUTION_UPDATED", &actorID, map[string]any{
		"target_id":       updated.ID,
		"department_id":   updated.DepartmentID,
		"previous_status": string(previous),
		"next_status":     string(updated.Status),
	}); err != nil {
		return Target{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Target{}, fmt.Errorf("distribution: commit target update: %w", err)
	}
	return updated, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
