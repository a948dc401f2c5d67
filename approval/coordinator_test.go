package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"archiveflow/event"
	"archiveflow/identity"
)

func pendingContext(approverID string, level int) Context {
	return Context{
		Record: Record{
			ID:           "record-1",
			DocumentID:   "doc-1",
			DefinitionID: "def-1",
			ApproverID:   approverID,
			Level:        level,
			Status:       StatusPending,
			CreatedAt:    time.Now().Add(-time.Hour),
		},
		DocumentTitle:  "Quarterly Contract",
		DocumentNumber: "DOC-2024-0001",
		DocumentStatus: "status-review",
		CompanyID:      "company-1",
		DefinitionName: "Review to approved",
		FromStatusID:   "status-review",
		ToStatusID:     "status-approved",
	}
}

func approver(id string) identity.Actor {
	return identity.Actor{ID: id, CompanyID: "company-1", Name: "Omar Reviewer", Role: identity.RoleDepartmentHead}
}

func TestRespond_ApproveWithSiblingsStillPending(t *testing.T) {
	store := &fakeStore{cctx: pendingContext("approver-1", 1), pendingAfter: 1}
	pool := &fakePool{}
	coord := NewCoordinator(pool, store)

	outcome, err := coord.Respond(context.Background(), RespondParams{
		RecordID: "record-1",
		Actor:    approver("approver-1"),
		Decision: DecisionApprove,
	})
	if err != nil {
		t.Fatalf("respond: unexpected error: %v", err)
	}

	if outcome.Resolution != ResolutionPending {
		t.Fatalf("expected resolution %s got %s", ResolutionPending, outcome.Resolution)
	}
	// Approval gating: document must not move while records are outstanding.
	if store.appliedStatus != "" {
		t.Fatalf("expected no status change, got %q", store.appliedStatus)
	}
	if countTopic(store.topics, event.TopicApprovalApproved) != 1 {
		t.Fatalf("expected one approval.approved event, got %v", store.topics)
	}
	if !pool.tx.committed {
		t.Error("expected commit to be called")
	}
}

func TestRespond_LastApprovalReleasesTransition(t *testing.T) {
	store := &fakeStore{cctx: pendingContext("approver-2", 2), pendingAfter: 0}
	pool := &fakePool{}
	coord := NewCoordinator(pool, store)

	outcome, err := coord.Respond(context.Background(), RespondParams{
		RecordID: "record-1",
		Actor:    approver("approver-2"),
		Decision: DecisionApprove,
	})
	if err != nil {
		t.Fatalf("respond: unexpected error: %v", err)
	}

	if outcome.Resolution != ResolutionApplied {
		t.Fatalf("expected resolution %s got %s", ResolutionApplied, outcome.Resolution)
	}
	if store.appliedStatus != "status-approved" {
		t.Fatalf("expected deferred transition to status-approved, got %q", store.appliedStatus)
	}
	if countTopic(store.topics, event.TopicStatusChanged) != 1 {
		t.Fatalf("expected a status-changed event on release, got %v", store.topics)
	}
	if store.staleCancelFrom != "status-review" {
		t.Fatalf("expected stale batches out of status-review to be cancelled, got %q", store.staleCancelFrom)
	}
}

func TestRespond_LastApprovalAfterDocumentMovedDoesNotRelease(t *testing.T) {
	cctx := pendingContext("approver-1", 1)
	// The document left the edge's source status while the batch was open.
	cctx.DocumentStatus = "status-draft"

	store := &fakeStore{cctx: cctx, pendingAfter: 0}
	pool := &fakePool{}
	coord := NewCoordinator(pool, store)

	outcome, err := coord.Respond(context.Background(), RespondParams{
		RecordID: "record-1",
		Actor:    approver("approver-1"),
		Decision: DecisionApprove,
	})
	if err != nil {
		t.Fatalf("respond: unexpected error: %v", err)
	}

	if outcome.Resolution != ResolutionSuperseded {
		t.Fatalf("expected resolution %s got %s", ResolutionSuperseded, outcome.Resolution)
	}
	if store.appliedStatus != "" {
		t.Fatalf("stale batch must not move the document; status applied %q", store.appliedStatus)
	}
	if countTopic(store.topics, event.TopicStatusChanged) != 0 {
		t.Fatalf("expected no status-changed event, got %v", store.topics)
	}
	if countTopic(store.timeline, "APPROVAL_SUPERSEDED") != 1 {
		t.Fatalf("expected APPROVAL_SUPERSEDED timeline entry, got %v", store.timeline)
	}
	if !pool.tx.committed {
		t.Error("expected the approval itself to be recorded")
	}
}

func TestRespond_RejectionVoidsTheBatch(t *testing.T) {
	store := &fakeStore{cctx: pendingContext("approver-1", 1), pendingAfter: 1, cancelled: 1}
	pool := &fakePool{}
	coord := NewCoordinator(pool, store)

	outcome, err := coord.Respond(context.Background(), RespondParams{
		RecordID: "record-1",
		Actor:    approver("approver-1"),
		Decision: DecisionReject,
		Comment:  "missing signature",
	})
	if err != nil {
		t.Fatalf("respond: unexpected error: %v", err)
	}

	if outcome.Resolution != ResolutionRejected {
		t.Fatalf("expected resolution %s got %s", ResolutionRejected, outcome.Resolution)
	}
	if outcome.CancelledSiblings != 1 {
		t.Fatalf("expected 1 cancelled sibling, got %d", outcome.CancelledSiblings)
	}
	if store.appliedStatus != "" {
		t.Fatalf("single rejection must void the attempt; status applied %q", store.appliedStatus)
	}
	idx := indexOfTopic(store.topics, event.TopicApprovalRejected)
	if idx < 0 {
		t.Fatalf("expected approval.rejected event, got %v", store.topics)
	}
	if got := store.payloads[idx]["comment"]; got != "missing signature" {
		t.Fatalf("expected rejection comment in event payload, got %v", got)
	}
}

func TestRespond_RejectWithoutCommentFails(t *testing.T) {
	store := &fakeStore{cctx: pendingContext("approver-1", 1)}
	pool := &fakePool{}
	coord := NewCoordinator(pool, store)

	_, err := coord.Respond(context.Background(), RespondParams{
		RecordID: "record-1",
		Actor:    approver("approver-1"),
		Decision: DecisionReject,
		Comment:  "  ",
	})
	if !errors.Is(err, ErrCommentRequired) {
		t.Fatalf("expected ErrCommentRequired, got %v", err)
	}
	if store.responded {
		t.Error("expected record to remain pending")
	}
}

func TestRespond_WrongActorIsUnauthorized(t *testing.T) {
	store := &fakeStore{cctx: pendingContext("approver-1", 1)}
	pool := &fakePool{}
	coord := NewCoordinator(pool, store)

	_, err := coord.Respond(context.Background(), RespondParams{
		RecordID: "record-1",
		Actor:    approver("someone-else"),
		Decision: DecisionApprove,
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestRespond_SecondResponseIsRejected(t *testing.T) {
	cctx := pendingContext("approver-1", 1)
	respondedAt := time.Now().Add(-time.Minute)
	comment := "looks good"
	cctx.Record.Status = StatusApproved
	cctx.Record.RespondedAt = &respondedAt
	cctx.Record.Comments = &comment

	store := &fakeStore{cctx: cctx}
	pool := &fakePool{}
	coord := NewCoordinator(pool, store)

	_, err := coord.Respond(context.Background(), RespondParams{
		RecordID: "record-1",
		Actor:    approver("approver-1"),
		Decision: DecisionReject,
		Comment:  "changed my mind",
	})
	if !errors.Is(err, ErrAlreadyResponded) {
		t.Fatalf("expected ErrAlreadyResponded, got %v", err)
	}
	if store.responded {
		t.Error("expected first decision to be untouched")
	}
	if pool.tx.committed {
		t.Error("expected commit to be skipped")
	}
}

func TestRespond_SequentialChainRequestsNextLevel(t *testing.T) {
	cctx := pendingContext("approver-1", 1)
	cctx.SequentialChain = true
	next := Record{ID: "record-2", DocumentID: "doc-1", DefinitionID: "def-1", ApproverID: "approver-2", Level: 2, Status: StatusPending}

	store := &fakeStore{cctx: cctx, pendingAfter: 1, next: &next}
	pool := &fakePool{}
	coord := NewCoordinator(pool, store)

	_, err := coord.Respond(context.Background(), RespondParams{
		RecordID: "record-1",
		Actor:    approver("approver-1"),
		Decision: DecisionApprove,
	})
	if err != nil {
		t.Fatalf("respond: unexpected error: %v", err)
	}

	idx := indexOfTopic(store.topics, event.TopicApprovalRequested)
	if idx < 0 {
		t.Fatalf("expected next level to be requested, got %v", store.topics)
	}
	if got := store.payloads[idx]["approver_id"]; got != "approver-2" {
		t.Fatalf("expected approver-2 requested, got %v", got)
	}
	if got := store.payloads[idx]["level"]; got != 2 {
		t.Fatalf("expected level 2 requested, got %v", got)
	}
}

func countTopic(topics []string, topic string) int {
	n := 0
	for _, t := range topics {
		if t == topic {
			n++
		}
	}
	return n
}

func indexOfTopic(topics []string, topic string) int {
	for i, t := range topics {
		if t == topic {
			return i
		}
	}
	return -1
}

type fakeStore struct {
	cctx         Context
	cctxErr      error
	pendingAfter int
	cancelled    int
	next         *Record

	responded       bool
	appliedStatus   string
	staleCancelFrom string
	timeline        []string
	topics          []string
	payloads        []map[string]any
}

func (f *fakeStore) GetContextForUpdate(ctx context.Context, tx pgx.Tx, recordID string) (Context, error) {
	if f.cctxErr != nil {
		return Context{}, f.cctxErr
	}
	return f.cctx, nil
}

func (f *fakeStore) MarkResponded(ctx context.Context, tx pgx.Tx, recordID string, status Status, comment string) (time.Time, error) {
	f.responded = true
	return time.Now(), nil
}

func (f *fakeStore) CountPendingSiblings(ctx context.Context, tx pgx.Tx, documentID, definitionID string) (int, error) {
	return f.pendingAfter, nil
}

func (f *fakeStore) NextPendingRecord(ctx context.Context, tx pgx.Tx, documentID, definitionID string) (*Record, error) {
	return f.next, nil
}

func (f *fakeStore) CancelPendingSiblings(ctx context.Context, tx pgx.Tx, documentID, definitionID string) (int, error) {
	return f.cancelled, nil
}

func (f *fakeStore) CancelPendingForStatus(ctx context.Context, tx pgx.Tx, documentID, fromStatusID string) (int, error) {
	f.staleCancelFrom = fromStatusID
	return 0, nil
}

func (f *fakeStore) ApplyStatus(ctx context.Context, tx pgx.Tx, documentID, statusID string) (time.Time, error) {
	f.appliedStatus = statusID
	return time.Now(), nil
}

func (f *fakeStore) AppendTimeline(ctx context.Context, tx pgx.Tx, documentID, eventType string, actorID *string, payload map[string]any) error {
	f.timeline = append(f.timeline, eventType)
	return nil
}

func (f *fakeStore) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload)
	return nil
}

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
