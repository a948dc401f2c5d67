package distribution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"archiveflow/event"
	"archiveflow/identity"
)

func testActor() identity.Actor {
	return identity.Actor{ID: "actor-1", CompanyID: "company-1", Name: "Rana Archivist", Role: identity.RoleArchivist}
}

func testDocumentRef() DocumentRef {
	return DocumentRef{ID: "doc-1", CompanyID: "company-1", Title: "Circular 14", Number: "DOC-2024-0007"}
}

func sentTarget(id, departmentID string) Target {
	return Target{
		ID:           id,
		DocumentID:   "doc-1",
		DepartmentID: departmentID,
		Status:       StatusSent,
		SentAt:       time.Now().Add(-time.Hour),
	}
}

func TestDistribute_FansOutOneTargetPerDepartment(t *testing.T) {
	store := &fakeDistStore{
		doc: testDocumentRef(),
		departments: []DepartmentRef{
			{ID: "dept-1", Name: "Legal"},
			{ID: "dept-2", Name: "Finance"},
			{ID: "dept-3", Name: "Operations"},
		},
	}
	pool := &fakePool{}
	tracker := NewTracker(pool, store)

	targets, err := tracker.Distribute(context.Background(), DistributeParams{
		DocumentID:    "doc-1",
		DepartmentIDs: []string{"dept-1", "dept-2", "dept-3"},
		RoutingNote:   "for comment by Friday",
		Actor:         testActor(),
	})
	if err != nil {
		t.Fatalf("distribute: unexpected error: %v", err)
	}

	if len(targets) != 3 {
		t.Fatalf("expected 3 targets, got %d", len(targets))
	}
	for _, target := range targets {
		if target.Status != StatusSent {
			t.Errorf("expected target %s to start sent, got %s", target.ID, target.Status)
		}
	}
	if got := countTopic(store.topics, event.TopicDistributionSent); got != 3 {
		t.Fatalf("expected 3 distribution.sent events, got %d", got)
	}
	// Event payloads carry the department name so the notifier can render
	// without a lookup.
	if got := store.payloads[0]["department_name"]; got != "Legal" {
		t.Errorf("expected department name in payload, got %v", got)
	}
	if !pool.tx.committed {
		t.Error("expected commit to be called")
	}
}

func TestDistribute_UnknownDepartmentAbortsTheWholeFanOut(t *testing.T) {
	store := &fakeDistStore{
		doc:         testDocumentRef(),
		departments: []DepartmentRef{{ID: "dept-1", Name: "Legal"}},
	}
	pool := &fakePool{}
	tracker := NewTracker(pool, store)

	_, err := tracker.Distribute(context.Background(), DistributeParams{
		DocumentID:    "doc-1",
		DepartmentIDs: []string{"dept-1", "dept-ghost"},
		Actor:         testActor(),
	})
	if !errors.Is(err, ErrDepartmentNotFound) {
		t.Fatalf("expected ErrDepartmentNotFound, got %v", err)
	}
	if len(store.created) != 0 {
		t.Errorf("expected no targets created, got %d", len(store.created))
	}
	if pool.tx.committed {
		t.Error("expected commit to be skipped")
	}
}

func TestDistribute_EmptyDepartmentList(t *testing.T) {
	tracker := NewTracker(&fakePool{}, &fakeDistStore{})

	_, err := tracker.Distribute(context.Background(), DistributeParams{
		DocumentID: "doc-1",
		Actor:      testActor(),
	})
	if !errors.Is(err, ErrNoDepartments) {
		t.Fatalf("expected ErrNoDepartments, got %v", err)
	}
}

func TestDistribute_ArchivedDocument(t *testing.T) {
	doc := testDocumentRef()
	doc.Archived = true
	store := &fakeDistStore{doc: doc}
	tracker := NewTracker(&fakePool{}, store)

	_, err := tracker.Distribute(context.Background(), DistributeParams{
		DocumentID:    "doc-1",
		DepartmentIDs: []string{"dept-1"},
		Actor:         testActor(),
	})
	if !errors.Is(err, ErrDocumentArchived) {
		t.Fatalf("expected ErrDocumentArchived, got %v", err)
	}
}

func TestUpdateTarget_ForwardMoveApplies(t *testing.T) {
	store := &fakeDistStore{tctx: TargetContext{
		Target:         sentTarget("target-1", "dept-1"),
		DocumentTitle:  "Circular 14",
		DocumentNumber: "DOC-2024-0007",
		CompanyID:      "company-1",
		DepartmentName: "Legal",
	}}
	pool := &fakePool{}
	tracker := NewTracker(pool, store)

	updated, err := tracker.UpdateTarget(context.Background(), UpdateParams{
		TargetID: "target-1",
		Actor:    testActor(),
		Status:   StatusReceived,
	})
	if err != nil {
		t.Fatalf("update: unexpected error: %v", err)
	}

	if updated.Status != StatusReceived {
		t.Fatalf("expected status received, got %s", updated.Status)
	}
	idx := indexOfTopic(store.topics, event.TopicDistributionUpdated)
	if idx < 0 {
		t.Fatalf("expected distribution.updated event, got %v", store.topics)
	}
	if got := store.payloads[idx]["previous_status"]; got != "sent" {
		t.Errorf("expected previous status sent in payload, got %v", got)
	}
}

func TestUpdateTarget_BackwardMoveRejected(t *testing.T) {
	target := sentTarget("target-1", "dept-1")
	target.Status = StatusInReview
	store := &fakeDistStore{tctx: TargetContext{Target: target, CompanyID: "company-1"}}
	pool := &fakePool{}
	tracker := NewTracker(pool, store)

	_, err := tracker.UpdateTarget(context.Background(), UpdateParams{
		TargetID: "target-1",
		Actor:    testActor(),
		Status:   StatusReceived,
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if store.applied != nil {
		t.Error("expected no update to be applied")
	}
}

func TestUpdateTarget_RespondedCannotFlipToRejected(t *testing.T) {
	target := sentTarget("target-1", "dept-1")
	target.Status = StatusResponded
	store := &fakeDistStore{tctx: TargetContext{Target: target, CompanyID: "company-1"}}
	tracker := NewTracker(&fakePool{}, store)

	_, err := tracker.UpdateTarget(context.Background(), UpdateParams{
		TargetID:       "target-1",
		Actor:          testActor(),
		Status:         StatusRejected,
		RejectedReason: "wrong recipient",
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestUpdateTarget_RejectionNeedsReason(t *testing.T) {
	store := &fakeDistStore{tctx: TargetContext{Target: sentTarget("target-1", "dept-1"), CompanyID: "company-1"}}
	tracker := NewTracker(&fakePool{}, store)

	_, err := tracker.UpdateTarget(context.Background(), UpdateParams{
		TargetID: "target-1",
		Actor:    testActor(),
		Status:   StatusRejected,
	})
	if !errors.Is(err, ErrReasonRequired) {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
}

func TestUpdateTarget_RespondedLinksResponseDocument(t *testing.T) {
	target := sentTarget("target-1", "dept-1")
	target.Status = StatusInReview
	store := &fakeDistStore{tctx: TargetContext{Target: target, CompanyID: "company-1"}}
	pool := &fakePool{}
	tracker := NewTracker(pool, store)

	updated, err := tracker.UpdateTarget(context.Background(), UpdateParams{
		TargetID:           "target-1",
		Actor:              testActor(),
		Status:             StatusResponded,
		ResponseNote:       "see attached memo",
		ResponseDocumentID: "doc-response-9",
	})
	if err != nil {
		t.Fatalf("update: unexpected error: %v", err)
	}

	if updated.ResponseDocumentID == nil || *updated.ResponseDocumentID != "doc-response-9" {
		t.Fatalf("expected response document linked, got %v", updated.ResponseDocumentID)
	}
	if updated.ResponseNote == nil || *updated.ResponseNote != "see attached memo" {
		t.Fatalf("expected response note set, got %v", updated.ResponseNote)
	}
}

func TestUpdateTarget_OtherCompanyActor(t *testing.T) {
	store := &fakeDistStore{tctx: TargetContext{Target: sentTarget("target-1", "dept-1"), CompanyID: "company-2"}}
	tracker := NewTracker(&fakePool{}, store)

	_, err := tracker.UpdateTarget(context.Background(), UpdateParams{
		TargetID: "target-1",
		Actor:    testActor(),
		Status:   StatusReceived,
	})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
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

type fakeDistStore struct {
	doc         DocumentRef
	docErr      error
	departments []DepartmentRef
	tctx        TargetContext
	tctxErr     error

	created  []Target
	applied  *Target
	timeline []string
	topics   []string
	payloads []map[string]any
}

func (f *fakeDistStore) GetDocumentForUpdate(ctx context.Context, tx pgx.Tx, documentID string) (DocumentRef, error) {
	if f.docErr != nil {
		return DocumentRef{}, f.docErr
	}
	return f.doc, nil
}

func (f *fakeDistStore) ResolveDepartments(ctx context.Context, tx pgx.Tx, companyID string, departmentIDs []string) ([]DepartmentRef, error) {
	return f.departments, nil
}

func (f *fakeDistStore) CreateTarget(ctx context.Context, tx pgx.Tx, documentID, departmentID string, routingNote string) (Target, error) {
	target := Target{
		ID:           fmt.Sprintf("target-%d", len(f.created)+1),
		DocumentID:   documentID,
		DepartmentID: departmentID,
		Status:       StatusSent,
		SentAt:       time.Now(),
	}
	if routingNote != "" {
		target.RoutingNote = &routingNote
	}
	f.created = append(f.created, target)
	return target, nil
}

func (f *fakeDistStore) GetTargetForUpdate(ctx context.Context, tx pgx.Tx, targetID string) (TargetContext, error) {
	if f.tctxErr != nil {
		return TargetContext{}, f.tctxErr
	}
	return f.tctx, nil
}

func (f *fakeDistStore) ApplyUpdate(ctx context.Context, tx pgx.Tx, target Target) (Target, error) {
	if target.Status == StatusResponded || target.Status == StatusRejected {
		now := time.Now()
		target.RespondedAt = &now
	}
	f.applied = &target
	return target, nil
}

func (f *fakeDistStore) AppendTimeline(ctx context.Context, tx pgx.Tx, documentID, eventType string, actorID *string, payload map[string]any) error {
	f.timeline = append(f.timeline, eventType)
	return nil
}

func (f *fakeDistStore) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
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
