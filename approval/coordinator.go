package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"archiveflow/event"
	"archiveflow/identity"
)

var (
	// ErrRecordNotFound is returned when no approval record exists for the identifier.
	ErrRecordNotFound = errors.New("approval: record not found")
	// ErrUnauthorized signals the actor is not the assigned approver.
	ErrUnauthorized = errors.New("approval: not the assigned approver")
	// ErrAlreadyResponded signals the record is terminal; a decision is never overwritten.
	ErrAlreadyResponded = errors.New("approval: record already responded")
	// ErrCommentRequired signals a rejection without a reason.
	ErrCommentRequired = errors.New("approval: rejection requires a comment")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Context is the denormalized state the coordinator works on: the record
// plus the document and definition it belongs to. Fetching it locks the
// document row and the record row, so two responses racing to resolve the
// same attempt serialize and the transition applies exactly once.
type Context struct {
	Record          Record
	DocumentTitle   string
	DocumentNumber  string
	DocumentStatus  string
	CompanyID       string
	DefinitionName  string
	FromStatusID    string
	ToStatusID      string
	SequentialChain bool
}

// Store defines the data access the coordinator needs. All methods run
// inside the coordinator's transaction.
type Store interface {
	GetContextForUpdate(ctx context.Context, tx pgx.Tx, recordID string) (Context, error)
	MarkResponded(ctx context.Context, tx pgx.Tx, recordID string, status Status, comment string) (time.Time, error)
	CountPendingSiblings(ctx context.Context, tx pgx.Tx, documentID, definitionID string) (int, error)
	NextPendingRecord(ctx context.Context, tx pgx.Tx, documentID, definitionID string) (*Record, error)
	CancelPendingSiblings(ctx context.Context, tx pgx.Tx, documentID, definitionID string) (int, error)
	CancelPendingForStatus(ctx context.Context, tx pgx.Tx, documentID, fromStatusID string) (int, error)
	ApplyStatus(ctx context.Context, tx pgx.Tx, documentID, statusID string) (time.Time, error)
	AppendTimeline(ctx context.Context, tx pgx.Tx, documentID, eventType string, actorID *string, payload map[string]any) error
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Resolution string

const (
	// ResolutionPending means more approvals are still outstanding.
	ResolutionPending Resolution = "pending"
	// ResolutionApplied means this response was the last one and the deferred transition fired.
	ResolutionApplied Resolution = "applied"
	// ResolutionRejected means the attempt is void; pending siblings were cancelled.
	ResolutionRejected Resolution = "rejected"
	// ResolutionSuperseded means the batch resolved after the document had
	// already left the edge's source status; nothing was applied.
	ResolutionSuperseded Resolution = "superseded"
)

type RespondParams struct {
	RecordID string
	Actor    identity.Actor
	Decision Decision
	Comment  string
}

type Outcome struct {
	Record     Record
	Resolution Resolution
	// CancelledSiblings counts the pending records voided by a rejection.
	CancelledSiblings int
}

// Coordinator tracks approval records for deferred transitions and releases
// or voids the transition when the batch resolves.
type Coordinator struct {
	pool  TxBeginner
	store Store
}

func NewCoordinator(pool TxBeginner, store Store) *Coordinator {
	return &Coordinator{pool: pool, store: store}
}

// Respond applies one approver's decision. Safe to retry: a second call on
// the same record returns ErrAlreadyResponded without altering the first
// decision.
func (c *Coordinator) Respond(ctx context.Context, params RespondParams) (Outcome, error) {
	if params.RecordID == "" {
		return Outcome{}, fmt.Errorf("approval: record id required")
	}
	if params.Actor.ID == "" {
		return Outcome{}, fmt.Errorf("approval: actor required")
	}
	if params.Decision != DecisionApprove && params.Decision != DecisionReject {
		return Outcome{}, fmt.Errorf("approval: invalid decision %q", params.Decision)
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("approval: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cctx, err := c.store.GetContextForUpdate(ctx, tx, params.RecordID)
	if err != nil {
		return Outcome{}, err
	}

	if cctx.Record.ApproverID != params.Actor.ID {
		return Outcome{}, ErrUnauthorized
	}
	if cctx.Record.Terminal() {
		return Outcome{}, ErrAlreadyResponded
	}
	// Rejections always need a reason, whatever the edge's comment flag says.
	if params.Decision == DecisionReject && strings.TrimSpace(params.Comment) == "" {
		return Outcome{}, ErrCommentRequired
	}

	var outcome Outcome
	switch params.Decision {
	case DecisionApprove:
		outcome, err = c.approve(ctx, tx, cctx, params)
	case DecisionReject:
		outcome, err = c.reject(ctx, tx, cctx, params)
	}
	if err != nil {
		return Outcome{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, fmt.Errorf("approval: commit response: %w", err)
	}
	return outcome, nil
}

func (c *Coordinator) approve(ctx context.Context, tx pgx.Tx, cctx Context, params RespondParams) (Outcome, error) {
	respondedAt, err := c.store.MarkResponded(ctx, tx, cctx.Record.ID, StatusApproved, params.Comment)
	if err != nil {
		return Outcome{}, err
	}

	record := cctx.Record
	record.Status = StatusApproved
	record.RespondedAt = &respondedAt
	if params.Comment != "" {
		record.Comments = &params.Comment
	}

	if err := c.store.Enqueue(ctx, tx, event.TopicApprovalApproved, map[string]any{
		"approval_record_id": record.ID,
		"document_id":        record.DocumentID,
		"document_title":     cctx.DocumentTitle,
		"document_number":    cctx.DocumentNumber,
		"definition_name":    cctx.DefinitionName,
		"approver_id":        params.Actor.ID,
		"approver_name":      params.Actor.Name,
		"level":              record.Level,
		"comment":            params.Comment,
	}); err != nil {
		return Outcome{}, err
	}

	actorID := params.Actor.ID
	if err := c.store.AppendTimeline(ctx, tx, record.DocumentID, "APPROVAL_APPROVED", &actorID, map[string]any{
		"approval_record_id": record.ID,
		"level":              record.Level,
	}); err != nil {
		return Outcome{}, err
	}

	pending, err := c.store.CountPendingSiblings(ctx, tx, record.DocumentID, record.DefinitionID)
	if err != nil {
		return Outcome{}, err
	}

	if pending == 0 {
		// The batch releases the move only while the document is still at the
		// edge's source status. If it moved in the meantime the attempt is
		// void: recording the release would apply a transition whose edge no
		// longer connects to the document.
		if cctx.DocumentStatus != cctx.FromStatusID {
			if err := c.store.AppendTimeline(ctx, tx, record.DocumentID, "APPROVAL_SUPERSEDED", &actorID, map[string]any{
				"approval_record_id": record.ID,
				"definition_id":      record.DefinitionID,
				"expected_status_id": cctx.FromStatusID,
				"current_status_id":  cctx.DocumentStatus,
			}); err != nil {
				return Outcome{}, err
			}
			return Outcome{Record: record, Resolution: ResolutionSuperseded}, nil
		}

		// Last approval releases the deferred transition.
		if _, err := c.store.ApplyStatus(ctx, tx, record.DocumentID, cctx.ToStatusID); err != nil {
			return Outcome{}, err
		}
		// Other batches gating edges out of the old status can no longer fire.
		if _, err := c.store.CancelPendingForStatus(ctx, tx, record.DocumentID, cctx.FromStatusID); err != nil {
			return Outcome{}, err
		}
		if err := c.store.AppendTimeline(ctx, tx, record.DocumentID, "STATUS_CHANGED", &actorID, map[string]any{
			"previous_status_id": cctx.DocumentStatus,
			"next_status_id":     cctx.ToStatusID,
			"released_by":        record.ID,
		}); err != nil {
			return Outcome{}, err
		}
		if err := c.store.Enqueue(ctx, tx, event.TopicStatusChanged, map[string]any{
			"document_id":        record.DocumentID,
			"document_title":     cctx.DocumentTitle,
			"document_number":    cctx.DocumentNumber,
			"previous_status_id": cctx.DocumentStatus,
			"next_status_id":     cctx.ToStatusID,
			"actor_id":           params.Actor.ID,
			"actor_name":         params.Actor.Name,
		}); err != nil {
			return Outcome{}, err
		}
		return Outcome{Record: record, Resolution: ResolutionApplied}, nil
	}

	if cctx.SequentialChain {
		next, err := c.store.NextPendingRecord(ctx, tx, record.DocumentID, record.DefinitionID)
		if err != nil {
			return Outcome{}, err
		}
		if next != nil {
			if err := c.store.Enqueue(ctx, tx, event.TopicApprovalRequested, map[string]any{
				"approval_record_id": next.ID,
				"document_id":        record.DocumentID,
				"document_title":     cctx.DocumentTitle,
				"document_number":    cctx.DocumentNumber,
				"definition_name":    cctx.DefinitionName,
				"approver_id":        next.ApproverID,
				"level":              next.Level,
			}); err != nil {
				return Outcome{}, err
			}
		}
	}

	return Outcome{Record: record, Resolution: ResolutionPending}, nil
}

func (c *Coordinator) reject(ctx context.Context, tx pgx.Tx, cctx Context, params RespondParams) (Outcome, error) {
	respondedAt, err := c.store.MarkResponded(ctx, tx, cctx.Record.ID, StatusRejected, params.Comment)
	if err != nil {
		return Outcome{}, err
	}

	record := cctx.Record
	record.Status = StatusRejected
	record.RespondedAt = &respondedAt
	record.Comments = &params.Comment

	// One rejection voids the whole attempt; the document never moves.
	cancelled, err := c.store.CancelPendingSiblings(ctx, tx, record.DocumentID, record.DefinitionID)
	if err != nil {
		return Outcome{}, err
	}

	if err := c.store.Enqueue(ctx, tx, event.TopicApprovalRejected, map[string]any{
		"approval_record_id": record.ID,
		"document_id":        record.DocumentID,
		"document_title":     cctx.DocumentTitle,
		"document_number":    cctx.DocumentNumber,
		"definition_name":    cctx.DefinitionName,
		"approver_id":        params.Actor.ID,
		"approver_name":      params.Actor.Name,
		"level":              record.Level,
		"comment":            params.Comment,
		"cancelled_siblings": cancelled,
	}); err != nil {
		return Outcome{}, err
	}

	actorID := params.Actor.ID
	if err := c.store.AppendTimeline(ctx, tx, record.DocumentID, "APPROVAL_REJECTED", &actorID, map[string]any{
		"approval_record_id": record.ID,
		"level":              record.Level,
		"comment":            params.Comment,
		"cancelled_siblings": cancelled,
	}); err != nil {
		return Outcome{}, err
	}

	return Outcome{Record: record, Resolution: ResolutionRejected, CancelledSiblings: cancelled}, nil
}
