package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"archiveflow/test/actors"
	"archiveflow/test/chaos"
	"archiveflow/test/infra"
	"archiveflow/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestLifecycleConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	seedData := mustSeed(t, ctx, pool)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// direct transitions, gated attempts and approvals battling over the
	// same document
	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Transitioner(ctx2, pool, seedData.documentID, stop) })
		g.Go(func() error { return actors.Approver(ctx2, pool, seedData.documentID, stop) })
	}
	g.Go(func() error {
		return actors.GatedAttempter(ctx2, pool, seedData.documentID, seedData.gatedDefinitionID, seedData.approverIDs, stop)
	})
	g.Go(func() error { return actors.TimelineWriter(ctx2, pool, seedData.documentID, stop) })
	g.Go(func() error { return actors.DistributionUpdater(ctx2, pool, seedData.documentID, stop) })
	g.Go(func() error { return actors.OutboxWorker(ctx2, pool, stop) })
	// chaos: kill random backend
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

type seedIDs struct {
	companyID         string
	userID            string
	approverIDs       []string
	documentID        string
	gatedDefinitionID string
}

// mustSeed builds a minimal three-status workflow. The only way out of the
// review status is the approval-gated edge, so a document observed at
// approved with pending records means a premature release.
func mustSeed(t *testing.T, ctx context.Context, pool *pgxpool.Pool) seedIDs {
	t.Helper()
	var s seedIDs

	if err := pool.QueryRow(ctx, `INSERT INTO companies (name) VALUES ('Stress Archives') RETURNING id`).Scan(&s.companyID); err != nil {
		t.Fatalf("seed company: %v", err)
	}

	if err := pool.QueryRow(ctx, `INSERT INTO users (company_id, email, full_name, password_hash, role)
                                   VALUES ($1, $2, 'Stress Archivist', 'x', 'archivist') RETURNING id`,
		s.companyID, fmt.Sprintf("u%d@example.com", rand.Int63())).Scan(&s.userID); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	for i := 0; i < 2; i++ {
		var approverID string
		if err := pool.QueryRow(ctx, `INSERT INTO users (company_id, email, full_name, password_hash, role)
                                       VALUES ($1, $2, 'Stress Approver', 'x', 'department_head') RETURNING id`,
			s.companyID, fmt.Sprintf("a%d-%d@example.com", i, rand.Int63())).Scan(&approverID); err != nil {
			t.Fatalf("seed approver: %v", err)
		}
		s.approverIDs = append(s.approverIDs, approverID)
	}

	var draftID, reviewID, approvedID string
	if err := pool.QueryRow(ctx, `INSERT INTO statuses (company_id, name, is_initial) VALUES ($1, '{"en":"Draft"}', TRUE) RETURNING id`, s.companyID).Scan(&draftID); err != nil {
		t.Fatalf("seed draft status: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO statuses (company_id, name) VALUES ($1, '{"en":"Under Review"}') RETURNING id`, s.companyID).Scan(&reviewID); err != nil {
		t.Fatalf("seed review status: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO statuses (company_id, name) VALUES ($1, '{"en":"Approved"}') RETURNING id`, s.companyID).Scan(&approvedID); err != nil {
		t.Fatalf("seed approved status: %v", err)
	}

	// direct edges keep the document cycling; the gated edge is the only
	// way out of review
	if _, err := pool.Exec(ctx, `INSERT INTO workflow_definitions (company_id, name, from_status_id, to_status_id, sla_hours)
                                  VALUES ($1, 'Submit for review', $2, $3, 24)`, s.companyID, draftID, reviewID); err != nil {
		t.Fatalf("seed submit edge: %v", err)
	}
	if _, err := pool.Exec(ctx, `INSERT INTO workflow_definitions (company_id, name, from_status_id, to_status_id)
                                  VALUES ($1, 'Reopen', $2, $3)`, s.companyID, approvedID, draftID); err != nil {
		t.Fatalf("seed reopen edge: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO workflow_definitions (company_id, name, from_status_id, to_status_id, requires_approval)
                                   VALUES ($1, 'Approve', $2, $3, TRUE) RETURNING id`, s.companyID, reviewID, approvedID).Scan(&s.gatedDefinitionID); err != nil {
		t.Fatalf("seed gated edge: %v", err)
	}

	if err := pool.QueryRow(ctx, `INSERT INTO documents (company_id, title, number, status_id, created_by)
                                   VALUES ($1, 'Stress Document', $2, $3, $4) RETURNING id`,
		s.companyID, fmt.Sprintf("DOC-%d", rand.Int63()), draftID, s.userID).Scan(&s.documentID); err != nil {
		t.Fatalf("seed document: %v", err)
	}

	// departments and targets for the distribution updater
	for i := 0; i < 3; i++ {
		var deptID string
		if err := pool.QueryRow(ctx, `INSERT INTO departments (company_id, name) VALUES ($1, $2) RETURNING id`,
			s.companyID, fmt.Sprintf("Stress Dept %d", i)).Scan(&deptID); err != nil {
			t.Fatalf("seed department: %v", err)
		}
		if _, err := pool.Exec(ctx, `INSERT INTO distribution_targets (document_id, department_id) VALUES ($1, $2)`, s.documentID, deptID); err != nil {
			t.Fatalf("seed target: %v", err)
		}
	}

	return s
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"document_events", `SELECT id, document_id, seq, type, created_at FROM document_events ORDER BY created_at DESC LIMIT 50`},
		{"approval_records", `SELECT id, document_id, level, status, responded_at FROM approval_records ORDER BY created_at DESC LIMIT 50`},
		{"distribution_targets", `SELECT id, document_id, department_id, status, responded_at FROM distribution_targets ORDER BY sent_at DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
