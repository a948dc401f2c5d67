package event

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Notifier delivers published events to the outside world. Delivery is
// at-least-once; consumers deduplicate on the payload's dedup key where one
// is present.
type Notifier interface {
	Publish(ctx context.Context, msg Message) error
}

// RelayStore abstracts outbox claiming for the relay loop.
type RelayStore interface {
	ClaimNext(ctx context.Context) (*Message, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, maxAttempts int) error
}

// Relay drains the outbox and hands messages to the Notifier. Engine
// operations never wait on it; a failed delivery is retried until the
// message dead-letters.
type Relay struct {
	store        RelayStore
	notifier     Notifier
	pollInterval time.Duration
	maxAttempts  int
}

func NewRelay(store RelayStore, notifier Notifier, pollInterval time.Duration, maxAttempts int) *Relay {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Relay{
		store:        store,
		notifier:     notifier,
		pollInterval: pollInterval,
		maxAttempts:  maxAttempts,
	}
}

// Run polls the outbox until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

// drain publishes claimed messages until the outbox is empty or an error
// stops the pass.
func (r *Relay) drain(ctx context.Context) {
	for {
		msg, err := r.store.ClaimNext(ctx)
		if err != nil {
			log.Printf("event relay: claim: %v", err)
			return
		}
		if msg == nil {
			return
		}

		if err := r.notifier.Publish(ctx, *msg); err != nil {
			log.Printf("event relay: publish %s (%s): %v", msg.ID, msg.Topic, err)
			if err := r.store.MarkFailed(ctx, msg.ID, r.maxAttempts); err != nil {
				log.Printf("event relay: mark failed %s: %v", msg.ID, err)
			}
			continue
		}

		if err := r.store.MarkProcessed(ctx, msg.ID); err != nil {
			log.Printf("event relay: mark processed %s: %v", msg.ID, err)
			return
		}
	}
}

// PGRelayStore implements RelayStore on the outbox table.
type PGRelayStore struct {
	pool *pgxpool.Pool
}

func NewRelayStore(pool *pgxpool.Pool) *PGRelayStore {
	return &PGRelayStore{pool: pool}
}

// ClaimNext picks the oldest pending message, bumping its attempt counter.
// SKIP LOCKED lets multiple relay instances share the queue.
func (s *PGRelayStore) ClaimNext(ctx context.Context) (*Message, error) {
	const q = `
		UPDATE outbox
		SET attempts = attempts + 1
		WHERE id = (
			SELECT id FROM outbox
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, payload, status, attempts, created_at
	`

	var msg Message
	err := s.pool.QueryRow(ctx, q).Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Status, &msg.Attempts, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("event: claim outbox message: %w", err)
	}
	return &msg, nil
}

func (s *PGRelayStore) MarkProcessed(ctx context.Context, id string) error {
	const q = `UPDATE outbox SET status = 'processed', processed_at = NOW() WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("event: mark processed: %w", err)
	}
	return nil
}

// MarkFailed dead-letters the message once it exhausted maxAttempts.
func (s *PGRelayStore) MarkFailed(ctx context.Context, id string, maxAttempts int) error {
	const q = `
		UPDATE outbox
		SET status = CASE WHEN attempts >= $2 THEN 'dead' ELSE 'pending' END
		WHERE id = $1
	`
	if _, err := s.pool.Exec(ctx, q, id, maxAttempts); err != nil {
		return fmt.Errorf("event: mark failed: %w", err)
	}
	return nil
}
