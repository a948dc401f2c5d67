package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Transitioner hammers one document with direct status transitions along the
// active edges, using the same lock-then-apply recipe as the engine.
func Transitioner(ctx context.Context, pool *pgxpool.Pool, documentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		var (
			companyID string
			statusID  string
		)
		err = tx.QueryRow(ctx, `SELECT company_id, status_id FROM documents WHERE id=$1 AND NOT archived FOR UPDATE`, documentID).Scan(&companyID, &statusID)
		if err == nil {
			var (
				defID    string
				toStatus string
			)
			err = tx.QueryRow(ctx, `SELECT id, to_status_id FROM workflow_definitions
                                     WHERE company_id=$1 AND from_status_id=$2 AND active AND NOT requires_approval
                                     ORDER BY random() LIMIT 1`, companyID, statusID).Scan(&defID, &toStatus)
			if err == nil {
				_, err = tx.Exec(ctx, `UPDATE documents SET status_id=$2, entered_status_at=NOW(), updated_at=NOW() WHERE id=$1`, documentID, toStatus)
				if err == nil {
					_, _ = tx.Exec(ctx, `INSERT INTO document_events (document_id, seq, type, payload)
                                          VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM document_events WHERE document_id=$1), 'STATUS_CHANGED',
                                                  jsonb_build_object('previous_status_id',$2,'next_status_id',$3))`, documentID, statusID, toStatus)
					_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('document.status_changed', jsonb_build_object('document_id',$1))`, documentID)
					_ = tx.Commit(ctx)
					tx = nil
				}
			}
		}
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// GatedAttempter repeatedly initiates an approval-gated transition attempt:
// fresh approval records are only created when no batch is already open.
func GatedAttempter(ctx context.Context, pool *pgxpool.Pool, documentID, definitionID string, approverIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var locked string
		err = tx.QueryRow(ctx, `SELECT d.id FROM documents d
                                 JOIN workflow_definitions wd ON wd.id = $2
                                 WHERE d.id=$1 AND d.status_id = wd.from_status_id
                                 FOR UPDATE OF d`, documentID, definitionID).Scan(&locked)
		if err == nil {
			var open int
			_ = tx.QueryRow(ctx, `SELECT COUNT(*) FROM approval_records WHERE document_id=$1 AND definition_id=$2 AND status='pending'`, documentID, definitionID).Scan(&open)
			if open == 0 {
				for i, approver := range approverIDs {
					_, _ = tx.Exec(ctx, `INSERT INTO approval_records (document_id, definition_id, approver_id, level, status)
                                          VALUES ($1,$2,$3,$4,'pending')`, documentID, definitionID, approver, i+1)
				}
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('approval.requested', jsonb_build_object('document_id',$1))`, documentID)
			}
			_ = tx.Commit(ctx)
			tx = nil
		}
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}

// Approver resolves pending approval records, releasing the deferred
// transition when the last sibling approves. The status guard on the UPDATE
// keeps a concurrent double-response from landing twice.
func Approver(ctx context.Context, pool *pgxpool.Pool, documentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		var (
			recordID     string
			definitionID string
			fromStatus   string
			toStatus     string
			docStatus    string
		)
		err = tx.QueryRow(ctx, `SELECT ar.id, ar.definition_id, wd.from_status_id, wd.to_status_id, d.status_id
                                 FROM approval_records ar
                                 JOIN documents d ON d.id = ar.document_id
                                 JOIN workflow_definitions wd ON wd.id = ar.definition_id
                                 WHERE ar.document_id=$1 AND ar.status='pending'
                                 ORDER BY ar.level LIMIT 1
                                 FOR UPDATE OF d, ar`, documentID).Scan(&recordID, &definitionID, &fromStatus, &toStatus, &docStatus)
		if err == nil {
			reject := rand.Intn(4) == 0
			if reject {
				tag, _ := tx.Exec(ctx, `UPDATE approval_records SET status='rejected', comments='stress rejection', responded_at=NOW() WHERE id=$1 AND status='pending'`, recordID)
				if tag.RowsAffected() == 1 {
					_, _ = tx.Exec(ctx, `UPDATE approval_records SET status='cancelled' WHERE document_id=$1 AND definition_id=$2 AND status='pending'`, documentID, definitionID)
				}
			} else {
				tag, _ := tx.Exec(ctx, `UPDATE approval_records SET status='approved', responded_at=NOW() WHERE id=$1 AND status='pending'`, recordID)
				if tag.RowsAffected() == 1 {
					var pending int
					_ = tx.QueryRow(ctx, `SELECT COUNT(*) FROM approval_records WHERE document_id=$1 AND definition_id=$2 AND status='pending'`, documentID, definitionID).Scan(&pending)
					// Release only while the document is still at the edge's source.
					if pending == 0 && docStatus == fromStatus {
						_, _ = tx.Exec(ctx, `UPDATE documents SET status_id=$2, entered_status_at=NOW(), updated_at=NOW() WHERE id=$1`, documentID, toStatus)
						_, _ = tx.Exec(ctx, `INSERT INTO document_events (document_id, seq, type, payload)
                                              VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM document_events WHERE document_id=$1), 'STATUS_CHANGED', '{}'::jsonb)`, documentID)
						_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('document.status_changed', jsonb_build_object('document_id',$1))`, documentID)
					}
				}
			}
			_ = tx.Commit(ctx)
			tx = nil
		}
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// TimelineWriter appends note events under the document lock so seq stays
// gapless under contention.
func TimelineWriter(ctx context.Context, pool *pgxpool.Pool, documentID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var locked string
		if err := tx.QueryRow(ctx, `SELECT id FROM documents WHERE id=$1 FOR UPDATE`, documentID).Scan(&locked); err != nil {
			_ = tx.Rollback(ctx)
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("timeline writer: document %s vanished", documentID)
			}
			time.Sleep(50 * time.Millisecond)
			continue
		}
		_, err = tx.Exec(ctx, `INSERT INTO document_events (document_id, seq, type, payload)
                                VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM document_events WHERE document_id=$1), 'NOTE_ADDED', '{}'::jsonb)`, documentID)
		if err != nil {
			_ = tx.Rollback(ctx)
			continue
		}
		_ = tx.Commit(ctx)
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// DistributionUpdater advances random targets forward through their
// lifecycle; backward moves are never attempted, matching the tracker.
func DistributionUpdater(ctx context.Context, pool *pgxpool.Pool, documentID string, stop <-chan struct{}) error {
	next := map[string][]string{
		"sent":      {"received"},
		"received":  {"in_review"},
		"in_review": {"responded", "rejected"},
		"responded": {"closed"},
		"rejected":  {"closed"},
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var (
			targetID string
			status   string
		)
		err = tx.QueryRow(ctx, `SELECT id, status FROM distribution_targets
                                 WHERE document_id=$1 AND status <> 'closed'
                                 ORDER BY random() LIMIT 1 FOR UPDATE`, documentID).Scan(&targetID, &status)
		if err == nil {
			candidates := next[status]
			if len(candidates) > 0 {
				to := candidates[rand.Intn(len(candidates))]
				reason := ""
				if to == "rejected" {
					reason = "stress rejection"
				}
				_, _ = tx.Exec(ctx, `UPDATE distribution_targets
                                      SET status=$2,
                                          rejected_reason=NULLIF($3,''),
                                          responded_at=CASE WHEN $2 IN ('responded','rejected') THEN COALESCE(responded_at, NOW()) ELSE responded_at END
                                      WHERE id=$1`, targetID, to, reason)
				_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('distribution.updated', jsonb_build_object('target_id',$1))`, targetID)
			}
			_ = tx.Commit(ctx)
			tx = nil
		}
		if tx != nil {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED, marking
// them processed or retrying with a bumped attempt counter.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			// simulate random delivery failure
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', processed_at=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
