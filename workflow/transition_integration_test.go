package workflow

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"archiveflow/approval"
	"archiveflow/identity"
)

// TestGatedTransition_Integration connects to a real PostgreSQL via
// DATABASE_URL and drives a document through a direct transition, a gated
// attempt and the approval release end to end.
func TestGatedTransition_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if !tableExists(ctx, t, pool, "documents") || !tableExists(ctx, t, pool, "workflow_definitions") || !tableExists(ctx, t, pool, "approval_records") || !tableExists(ctx, t, pool, "outbox") {
		t.Skip("database schema missing; apply the files under migrations/ first")
	}

	nonce := time.Now().UnixNano()
	var (
		companyID  string
		actorID    string
		approver1  string
		approver2  string
		draftID    string
		reviewID   string
		approvedID string
		documentID string
	)

	if err := pool.QueryRow(ctx, `INSERT INTO companies (name) VALUES ($1) RETURNING id`,
		fmt.Sprintf("Integration Archives %d", nonce)).Scan(&companyID); err != nil {
		t.Fatalf("seed company: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (company_id, email, full_name, password_hash, role)
                                   VALUES ($1, $2, 'Iris Archivist', 'x', 'archivist') RETURNING id`,
		companyID, fmt.Sprintf("iris+%d@example.com", nonce)).Scan(&actorID); err != nil {
		t.Fatalf("seed actor: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (company_id, email, full_name, password_hash, role)
                                   VALUES ($1, $2, 'Hana Head', 'x', 'department_head') RETURNING id`,
		companyID, fmt.Sprintf("hana+%d@example.com", nonce)).Scan(&approver1); err != nil {
		t.Fatalf("seed approver 1: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO users (company_id, email, full_name, password_hash, role)
                                   VALUES ($1, $2, 'Badr Manager', 'x', 'branch_manager') RETURNING id`,
		companyID, fmt.Sprintf("badr+%d@example.com", nonce)).Scan(&approver2); err != nil {
		t.Fatalf("seed approver 2: %v", err)
	}

	if err := pool.QueryRow(ctx, `INSERT INTO statuses (company_id, name, is_initial) VALUES ($1, '{"en":"Draft"}', TRUE) RETURNING id`, companyID).Scan(&draftID); err != nil {
		t.Fatalf("seed draft: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO statuses (company_id, name) VALUES ($1, '{"en":"Under Review"}') RETURNING id`, companyID).Scan(&reviewID); err != nil {
		t.Fatalf("seed review: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO statuses (company_id, name, is_final) VALUES ($1, '{"en":"Approved"}', TRUE) RETURNING id`, companyID).Scan(&approvedID); err != nil {
		t.Fatalf("seed approved: %v", err)
	}

	if _, err := pool.Exec(ctx, `INSERT INTO workflow_definitions (company_id, name, from_status_id, to_status_id)
                                  VALUES ($1, 'Submit', $2, $3)`, companyID, draftID, reviewID); err != nil {
		t.Fatalf("seed submit edge: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO workflow_definitions (company_id, name, from_status_id, to_status_id, requires_approval)
                                  VALUES ($1, 'Approve', $2, $3, TRUE)`, companyID, reviewID, approvedID); err != nil {
		t.Fatalf("seed gated edge: %v", err)
	}

	if err := pool.QueryRow(ctx, `INSERT INTO documents (company_id, title, number, status_id, created_by)
                                   VALUES ($1, 'Integration Contract', $2, $3, $4) RETURNING id`,
		companyID, fmt.Sprintf("DOC-IT-%d", nonce), draftID, actorID).Scan(&documentID); err != nil {
		t.Fatalf("seed document: %v", err)
	}

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM approval_records WHERE document_id = $1`, documentID)
		pool.Exec(ctx2, `DELETE FROM document_events WHERE document_id = $1`, documentID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'document_id' = $1`, documentID)
		pool.Exec(ctx2, `DELETE FROM documents WHERE id = $1`, documentID)
		pool.Exec(ctx2, `DELETE FROM workflow_definitions WHERE company_id = $1`, companyID)
		pool.Exec(ctx2, `DELETE FROM statuses WHERE company_id = $1`, companyID)
		pool.Exec(ctx2, `DELETE FROM users WHERE company_id = $1`, companyID)
		pool.Exec(ctx2, `DELETE FROM companies WHERE id = $1`, companyID)
	})

	transitions := NewTransitionService(pool, NewTransitionStore())
	actor := identity.Actor{ID: actorID, CompanyID: companyID, Name: "Iris Archivist", Role: identity.RoleArchivist}

	// direct edge applies immediately
	result, err := transitions.Attempt(ctx, AttemptParams{
		DocumentID:     documentID,
		TargetStatusID: reviewID,
		Actor:          actor,
	})
	if err != nil {
		t.Fatalf("direct attempt: %v", err)
	}
	if result.Outcome != OutcomeApplied || result.Document.StatusID != reviewID {
		t.Fatalf("expected applied to review, got %+v", result)
	}

	// gated edge defers behind two approval records
	result, err = transitions.Attempt(ctx, AttemptParams{
		DocumentID:     documentID,
		TargetStatusID: approvedID,
		Actor:          actor,
		Approvers:      []string{approver1, approver2},
	})
	if err != nil {
		t.Fatalf("gated attempt: %v", err)
	}
	if result.Outcome != OutcomeDeferred || len(result.ApprovalRecordIDs) != 2 {
		t.Fatalf("expected deferred with 2 records, got %+v", result)
	}

	var statusID string
	if err := pool.QueryRow(ctx, `SELECT status_id FROM documents WHERE id = $1`, documentID).Scan(&statusID); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if statusID != reviewID {
		t.Fatalf("expected document still at review, got %s", statusID)
	}

	coordinator := approval.NewCoordinator(pool, approval.NewStore())

	outcome, err := coordinator.Respond(ctx, approval.RespondParams{
		RecordID: result.ApprovalRecordIDs[0],
		Actor:    identity.Actor{ID: approver1, CompanyID: companyID, Name: "Hana Head", Role: identity.RoleDepartmentHead},
		Decision: approval.DecisionApprove,
	})
	if err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if outcome.Resolution != approval.ResolutionPending {
		t.Fatalf("expected pending after first approval, got %s", outcome.Resolution)
	}

	outcome, err = coordinator.Respond(ctx, approval.RespondParams{
		RecordID: result.ApprovalRecordIDs[1],
		Actor:    identity.Actor{ID: approver2, CompanyID: companyID, Name: "Badr Manager", Role: identity.RoleBranchManager},
		Decision: approval.DecisionApprove,
	})
	if err != nil {
		t.Fatalf("second approval: %v", err)
	}
	if outcome.Resolution != approval.ResolutionApplied {
		t.Fatalf("expected applied after last approval, got %s", outcome.Resolution)
	}

	var completedAt *time.Time
	if err := pool.QueryRow(ctx, `SELECT status_id, completed_at FROM documents WHERE id = $1`, documentID).Scan(&statusID, &completedAt); err != nil {
		t.Fatalf("read final status: %v", err)
	}
	if statusID != approvedID {
		t.Fatalf("expected document at approved, got %s", statusID)
	}
	if completedAt == nil {
		t.Fatal("expected completed_at stamped on final status")
	}

	// timeline seq must be gapless from 1
	var maxSeq, count int
	if err := pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq),0), COUNT(*) FROM document_events WHERE document_id = $1`, documentID).Scan(&maxSeq, &count); err != nil {
		t.Fatalf("read timeline: %v", err)
	}
	if maxSeq != count {
		t.Fatalf("timeline has gaps: max seq %d over %d events", maxSeq, count)
	}

	var statusEvents int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = 'document.status_changed' AND payload->>'document_id' = $1`, documentID).Scan(&statusEvents); err != nil {
		t.Fatalf("read outbox: %v", err)
	}
	if statusEvents != 2 {
		t.Fatalf("expected 2 status-changed events (direct + release), got %d", statusEvents)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
