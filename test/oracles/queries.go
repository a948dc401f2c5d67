package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT document_id, seq,
                             LAG(seq) OVER (PARTITION BY document_id ORDER BY seq) AS prev
                      FROM document_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O2_terminal_records_immutable",
			SQL: `SELECT id, status, responded_at FROM approval_records
                  WHERE (status IN ('approved','rejected') AND responded_at IS NULL)
                     OR (status = 'pending' AND responded_at IS NOT NULL)`,
		},
		{
			Name: "O3_release_only_when_batch_complete",
			SQL: `SELECT d.id, wd.id FROM documents d
                  JOIN approval_records ar ON ar.document_id = d.id
                  JOIN workflow_definitions wd ON wd.id = ar.definition_id
                  WHERE ar.status = 'pending' AND d.status_id = wd.to_status_id`,
		},
		{
			Name: "O4_rejection_voids_batch",
			SQL: `SELECT document_id, definition_id FROM approval_records
                  GROUP BY document_id, definition_id
                  HAVING COUNT(*) FILTER (WHERE status = 'rejected') > 0
                     AND COUNT(*) FILTER (WHERE status = 'pending') > 0`,
		},
		{
			Name: "O5_rejected_target_has_reason",
			SQL: `SELECT id FROM distribution_targets
                  WHERE status = 'rejected' AND (rejected_reason IS NULL OR rejected_reason = '')`,
		},
		{
			Name: "O6_resolved_target_stamped",
			SQL: `SELECT id, status FROM distribution_targets
                  WHERE status IN ('responded','rejected') AND responded_at IS NULL`,
		},
		{
			Name: "O7_outbox_liveness",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O8_single_active_edge",
			SQL: `SELECT company_id, from_status_id, to_status_id FROM workflow_definitions
                  WHERE active
                  GROUP BY company_id, from_status_id, to_status_id
                  HAVING COUNT(*) > 1`,
		},
		{
			Name: "O9_status_company_consistent",
			SQL: `SELECT d.id FROM documents d
                  JOIN statuses s ON s.id = d.status_id
                  WHERE s.company_id <> d.company_id`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
