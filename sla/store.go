package sla

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"archiveflow/event"
)

// PGStore implements Store on the documents and outbox tables.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// ListOverdueCandidates returns live documents whose current status has at
// least one active outgoing edge with an SLA. With several such edges the
// tightest deadline wins.
func (s *PGStore) ListOverdueCandidates(ctx context.Context) ([]Candidate, error) {
	const q = `
		SELECT d.id, d.company_id, d.title, d.number, d.status_id, d.priority, d.entered_status_at, MIN(wd.sla_hours)
		FROM documents d
		JOIN statuses st ON st.id = d.status_id
		JOIN workflow_definitions wd
			ON wd.company_id = d.company_id
			AND wd.from_status_id = d.status_id
			AND wd.active
			AND wd.sla_hours IS NOT NULL
		WHERE NOT d.archived AND NOT st.is_final
		GROUP BY d.id
		ORDER BY d.entered_status_at
	`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("sla: query candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Candidate, 0, 32)
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.DocumentID, &c.CompanyID, &c.Title, &c.Number, &c.StatusID, &c.Priority, &c.EnteredStatusAt, &c.SLAHours); err != nil {
			return nil, fmt.Errorf("sla: scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sla: iterate candidates: %w", err)
	}
	return out, nil
}

// EnqueueOverdue inserts the overdue event unless the dedup key was already
// used. The unique index on outbox.dedup_key does the deduplication.
func (s *PGStore) EnqueueOverdue(ctx context.Context, dedupKey string, payload map[string]any) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("sla: marshal overdue payload: %w", err)
	}

	const q = `
		INSERT INTO outbox (topic, payload, dedup_key)
		VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, q, event.TopicDocumentOverdue, body, dedupKey)
	if err != nil {
		return false, fmt.Errorf("sla: enqueue overdue: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

var _ Store = (*PGStore)(nil)
