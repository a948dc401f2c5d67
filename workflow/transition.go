package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"archiveflow/document"
	"archiveflow/event"
	"archiveflow/identity"
)

var (
	// ErrInvalidTransition signals no active edge links the document's status to the target.
	ErrInvalidTransition = errors.New("workflow: invalid transition")
	// ErrUnauthorized signals the actor's role is not permitted on the edge.
	ErrUnauthorized = errors.New("workflow: unauthorized")
	// ErrCommentRequired signals the edge mandates a comment that was omitted.
	ErrCommentRequired = errors.New("workflow: comment required")
	// ErrApproversRequired signals a gated edge was attempted without an approver chain.
	ErrApproversRequired = errors.New("workflow: approvers required")
	// ErrApprovalPending signals a gated attempt while an earlier batch on the
	// same edge is still unresolved.
	ErrApprovalPending = errors.New("workflow: approval already pending")
	// ErrDocumentArchived signals the document is archived and can no longer move.
	ErrDocumentArchived = errors.New("workflow: document is archived")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// TransitionStore defines the data access the transition service needs. All
// methods run inside the service's transaction; the document row lock taken
// by GetDocumentForUpdate serializes concurrent attempts on one document.
type TransitionStore interface {
	GetDocumentForUpdate(ctx context.Context, tx pgx.Tx, documentID string) (document.Document, error)
	FindActiveEdge(ctx context.Context, tx pgx.Tx, companyID, fromStatusID, toStatusID string) (Definition, error)
	ApplyStatus(ctx context.Context, tx pgx.Tx, documentID, statusID string) (time.Time, error)
	CreateApprovalRecords(ctx context.Context, tx pgx.Tx, documentID, definitionID string, approverIDs []string) ([]string, error)
	CountPendingApprovals(ctx context.Context, tx pgx.Tx, documentID, definitionID string) (int, error)
	CancelPendingApprovals(ctx context.Context, tx pgx.Tx, documentID, fromStatusID string) (int, error)
	AppendTimeline(ctx context.Context, tx pgx.Tx, documentID, eventType string, actorID *string, payload map[string]any) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Outcome string

const (
	// OutcomeApplied means the document moved to the target status.
	OutcomeApplied Outcome = "applied"
	// OutcomeDeferred means approval records gate the move; the status is unchanged.
	OutcomeDeferred Outcome = "deferred"
)

type AttemptParams struct {
	DocumentID     string
	TargetStatusID string
	Actor          identity.Actor
	Comment        string
	// Approvers is the ordered approver chain, required when the edge is
	// approval-gated. Position in the slice becomes the approval level.
	Approvers []string
}

type Result struct {
	Outcome           Outcome
	Document          document.Document
	Definition        Definition
	ApprovalRecordIDs []string
}

// TransitionService validates and applies document status transitions.
// No other code path writes documents.status_id except the approval
// coordinator releasing a deferred transition.
type TransitionService struct {
	pool  TxBeginner
	store TransitionStore
}

func NewTransitionService(pool TxBeginner, store TransitionStore) *TransitionService {
	return &TransitionService{pool: pool, store: store}
}

// Attempt moves the document along a declared edge, or defers the move
// behind approval records when the edge requires it.
func (s *TransitionService) Attempt(ctx context.Context, params AttemptParams) (Result, error) {
	if params.DocumentID == "" {
		return Result{}, fmt.Errorf("workflow: document id required")
	}
	if params.TargetStatusID == "" {
		return Result{}, fmt.Errorf("workflow: target status id required")
	}
	if params.Actor.ID == "" {
		return Result{}, fmt.Errorf("workflow: actor required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("workflow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	doc, err := s.store.GetDocumentForUpdate(ctx, tx, params.DocumentID)
	if err != nil {
		return Result{}, err
	}
	if doc.Archived {
		return Result{}, ErrDocumentArchived
	}
	if doc.CompanyID != params.Actor.CompanyID {
		return Result{}, ErrUnauthorized
	}

	def, err := s.store.FindActiveEdge(ctx, tx, doc.CompanyID, doc.StatusID, params.TargetStatusID)
	if err != nil {
		if errors.Is(err, ErrDefinitionNotFound) {
			return Result{}, ErrInvalidTransition
		}
		return Result{}, err
	}

	if !def.PermitsRole(params.Actor.Role) {
		return Result{}, ErrUnauthorized
	}
	if def.RequiresComment && strings.TrimSpace(params.Comment) == "" {
		return Result{}, ErrCommentRequired
	}

	if def.RequiresApproval {
		return s.deferBehindApprovals(ctx, tx, doc, def, params)
	}
	return s.apply(ctx, tx, doc, def, params)
}

// apply performs the direct, ungated transition.
func (s *TransitionService) apply(ctx context.Context, tx pgx.Tx, doc document.Document, def Definition, params AttemptParams) (Result, error) {
	enteredAt, err := s.store.ApplyStatus(ctx, tx, doc.ID, def.ToStatusID)
	if err != nil {
		return Result{}, err
	}

	// Batches gating other edges out of the old status can no longer fire.
	cancelled, err := s.store.CancelPendingApprovals(ctx, tx, doc.ID, doc.StatusID)
	if err != nil {
		return Result{}, err
	}

	actorID := params.Actor.ID
	timelinePayload := map[string]any{
		"previous_status_id": doc.StatusID,
		"next_status_id":     def.ToStatusID,
		"definition_id":      def.ID,
	}
	if cancelled > 0 {
		timelinePayload["cancelled_approvals"] = cancelled
	}
	if params.Comment != "" {
		timelinePayload["comment"] = params.Comment
	}
	if err := s.store.AppendTimeline(ctx, tx, doc.ID, "STATUS_CHANGED", &actorID, timelinePayload); err != nil {
		return Result{}, err
	}

	if err := s.store.Enqueue(ctx, tx, event.TopicStatusChanged, map[string]any{
		"document_id":        doc.ID,
		"document_title":     doc.Title,
		"document_number":    doc.Number,
		"previous_status_id": doc.StatusID,
		"next_status_id":     def.ToStatusID,
		"actor_id":           params.Actor.ID,
		"actor_name":         params.Actor.Name,
		"comment":            params.Comment,
	}); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("workflow: commit transition: %w", err)
	}

	doc.StatusID = def.ToStatusID
	doc.EnteredStatusAt = enteredAt
	return Result{
		Outcome:    OutcomeApplied,
		Document:   doc,
		Definition: def,
	}, nil
}

// deferBehindApprovals fans out the approval records and withholds the status change. The
// fan-out is atomic: either every record exists or none does.
func (s *TransitionService) deferBehindApprovals(ctx context.Context, tx pgx.Tx, doc document.Document, def Definition, params AttemptParams) (Result, error) {
	if len(params.Approvers) == 0 {
		return Result{}, ErrApproversRequired
	}

	// One open batch per edge: a second fan-out would merge into the first
	// batch's pending count and let either chain release the move.
	pending, err := s.store.CountPendingApprovals(ctx, tx, doc.ID, def.ID)
	if err != nil {
		return Result{}, err
	}
	if pending > 0 {
		return Result{}, ErrApprovalPending
	}

	recordIDs, err := s.store.CreateApprovalRecords(ctx, tx, doc.ID, def.ID, params.Approvers)
	if err != nil {
		return Result{}, err
	}

	// Sequential mode requests only level 1 now; the coordinator requests
	// each next level as the previous one approves.
	notifyUpTo := len(params.Approvers)
	if def.ApprovalMode == ApprovalSequential {
		notifyUpTo = 1
	}
	for i := 0; i < notifyUpTo; i++ {
		if err := s.store.Enqueue(ctx, tx, event.TopicApprovalRequested, map[string]any{
			"approval_record_id": recordIDs[i],
			"document_id":        doc.ID,
			"document_title":     doc.Title,
			"document_number":    doc.Number,
			"definition_id":      def.ID,
			"definition_name":    def.Name,
			"approver_id":        params.Approvers[i],
			"level":              i + 1,
			"requested_by":       params.Actor.ID,
			"requested_by_name":  params.Actor.Name,
		}); err != nil {
			return Result{}, err
		}
	}

	actorID := params.Actor.ID
	if err := s.store.AppendTimeline(ctx, tx, doc.ID, "APPROVAL_REQUESTED", &actorID, map[string]any{
		"definition_id":  def.ID,
		"target_status":  def.ToStatusID,
		"approval_mode":  def.ApprovalMode,
		"approver_count": len(params.Approvers),
	}); err != nil {
		return Result{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("workflow: commit deferred transition: %w", err)
	}

	return Result{
		Outcome:           OutcomeDeferred,
		Document:          doc,
		Definition:        def,
		ApprovalRecordIDs: recordIDs,
	}, nil
}
