package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Message is one undelivered outbox entry.
type Message struct {
	ID        string
	Topic     string
	Payload   []byte
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Enqueue inserts a domain event into the transactional outbox. The insert
// shares the caller's transaction, so an event exists exactly when the state
// change it describes committed.
func Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("event: enqueue outbox: %w", err)
	}
	return nil
}

// AppendTimeline records an immutable lifecycle event on the document's
// timeline. Callers must hold the document row lock; seq is derived from the
// current maximum under that lock.
func AppendTimeline(ctx context.Context, tx pgx.Tx, documentID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("event: marshal timeline payload: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const q = `
		INSERT INTO document_events (document_id, seq, type, actor_id, payload)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM document_events WHERE document_id = $1), $2, $3::uuid, $4::jsonb)
	`
	if _, err := tx.Exec(ctx, q, documentID, eventType, actor, body); err != nil {
		return fmt.Errorf("event: insert timeline event: %w", err)
	}
	return nil
}
