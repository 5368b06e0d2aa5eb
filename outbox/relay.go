// Package outbox delivers transactional outbox rows to external observers.
// Producers insert rows in the same transaction as their state change; the
// relay drains pending rows after commit, so notifications are emitted at
// least once and never for a rolled-back operation.
package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Message is one pending notification.
type Message struct {
	ID       string
	Topic    string
	Payload  []byte
	Attempts int
}

// Publisher delivers a message to its destination. A returned error leaves
// the row pending for retry until MaxAttempts is reached.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// LogPublisher writes messages to the process log. The default sink when no
// external delivery target is configured.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, msg Message) error {
	log.Printf("outbox: %s %s", msg.Topic, msg.Payload)
	return nil
}

const (
	// MaxAttempts is how many deliveries are tried before a row is parked
	// as dead.
	MaxAttempts = 5

	defaultBatchSize    = 32
	defaultPollInterval = time.Second
)

// Relay polls the outbox table and hands pending rows to the publisher.
type Relay struct {
	pool      *pgxpool.Pool
	publisher Publisher
	interval  time.Duration
	batchSize int
}

func NewRelay(pool *pgxpool.Pool, publisher Publisher) *Relay {
	if publisher == nil {
		publisher = LogPublisher{}
	}
	return &Relay{
		pool:      pool,
		publisher: publisher,
		interval:  defaultPollInterval,
		batchSize: defaultBatchSize,
	}
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	r.interval = d
	return r
}

// Run drains the outbox until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.DrainOnce(ctx); err != nil {
				log.Printf("outbox: drain: %v", err)
			}
		}
	}
}

// DrainOnce claims one batch of pending rows, publishes them, and marks the
// outcome. Rows are claimed FOR UPDATE SKIP LOCKED so concurrent relays never
// double-deliver within a batch.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := claimPending(ctx, tx, r.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		if err := r.publisher.Publish(ctx, msg); err != nil {
			if markErr := markFailed(ctx, tx, msg); markErr != nil {
				return delivered, markErr
			}
			continue
		}
		if err := markProcessed(ctx, tx, msg.ID); err != nil {
			return delivered, err
		}
		delivered++
	}

	if err := tx.Commit(ctx); err != nil {
		return delivered, fmt.Errorf("outbox: commit: %w", err)
	}
	return delivered, nil
}

func claimPending(ctx context.Context, tx pgx.Tx, limit int) ([]Message, error) {
	const selectSQL = `
SELECT id, topic, payload, attempts
FROM outbox
WHERE status = 'pending'
ORDER BY created_at
LIMIT $1
FOR UPDATE SKIP LOCKED
`
	rows, err := tx.Query(ctx, selectSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim pending: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.Topic, &msg.Payload, &msg.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate pending: %w", err)
	}
	return out, nil
}

func markProcessed(ctx context.Context, tx pgx.Tx, id string) error {
	const updateSQL = `
UPDATE outbox
SET status = 'processed', attempts = attempts + 1, processed_at = now()
WHERE id = $1
`
	if _, err := tx.Exec(ctx, updateSQL, id); err != nil {
		return fmt.Errorf("outbox: mark processed: %w", err)
	}
	return nil
}

func markFailed(ctx context.Context, tx pgx.Tx, msg Message) error {
	status := "pending"
	if msg.Attempts+1 >= MaxAttempts {
		status = "dead"
	}
	const updateSQL = `UPDATE outbox SET status = $2, attempts = attempts + 1 WHERE id = $1`
	if _, err := tx.Exec(ctx, updateSQL, msg.ID, status); err != nil {
		return fmt.Errorf("outbox: mark failed: %w", err)
	}
	return nil
}
