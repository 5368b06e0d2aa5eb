package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx; read paths accept it
// so queries work with or without an open transaction.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Repository holds the SQL for agreements, milestones, timeline events and
// the outbox. All writes take the caller's transaction so an operation's
// state change, payouts, and notifications commit together.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const agreementColumns = `id, payer_id, payee_id, arbiter_id, state::text, total_fee, required_stake,
       mediation_fee, milestone_count, current_milestone, spec_ref, dispute_pot, created_at, updated_at`

// CreateAgreement inserts the agreement row. Milestones are allocated later,
// on stake deposit.
func (r *Repository) CreateAgreement(ctx context.Context, tx pgx.Tx, e *Escrow) error {
	const insertSQL = `
INSERT INTO escrow_agreements
    (id, payer_id, payee_id, arbiter_id, state, total_fee, required_stake,
     mediation_fee, milestone_count, current_milestone, spec_ref, dispute_pot)
VALUES ($1,$2,$3,$4,$5::escrow_state,$6,$7,$8,$9,$10,$11,$12)
RETURNING created_at, updated_at
`
	err := tx.QueryRow(ctx, insertSQL,
		e.ID, e.PayerID, e.PayeeID, e.ArbiterID, string(e.State),
		e.TotalFee, e.RequiredStake, e.MediationFee,
		e.MilestoneCount, e.CurrentMilestone, e.SpecRef, e.DisputePot,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("escrow: insert agreement: %w", err)
	}
	return nil
}

// LockAgreement loads the aggregate under a FOR UPDATE lock on the agreement
// row, giving the operation exclusive access until commit or rollback.
func (r *Repository) LockAgreement(ctx context.Context, tx pgx.Tx, id string) (Escrow, error) {
	lockSQL := `SELECT ` + agreementColumns + ` FROM escrow_agreements WHERE id = $1 FOR UPDATE`

	var e Escrow
	if err := scanAgreement(tx.QueryRow(ctx, lockSQL, id), &e.Agreement); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: lock agreement: %w", err)
	}

	milestones, err := r.loadMilestones(ctx, tx, id)
	if err != nil {
		return Escrow{}, err
	}
	e.Milestones = milestones
	return e, nil
}

// GetAgreement loads the aggregate without locking, for read-only queries.
func (r *Repository) GetAgreement(ctx context.Context, q Querier, id string) (Escrow, error) {
	selectSQL := `SELECT ` + agreementColumns + ` FROM escrow_agreements WHERE id = $1`

	var e Escrow
	if err := scanAgreement(q.QueryRow(ctx, selectSQL, id), &e.Agreement); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get agreement: %w", err)
	}

	milestones, err := r.loadMilestones(ctx, q, id)
	if err != nil {
		return Escrow{}, err
	}
	e.Milestones = milestones
	return e, nil
}

func (r *Repository) loadMilestones(ctx context.Context, q Querier, agreementID string) ([]Milestone, error) {
	const selectSQL = `
SELECT agreement_id, idx, completed, approved, disputed, completed_at
FROM escrow_milestones
WHERE agreement_id = $1
ORDER BY idx
`
	rows, err := q.Query(ctx, selectSQL, agreementID)
	if err != nil {
		return nil, fmt.Errorf("escrow: load milestones: %w", err)
	}
	defer rows.Close()

	var out []Milestone
	for rows.Next() {
		var ms Milestone
		if err := rows.Scan(&ms.AgreementID, &ms.Index, &ms.Completed, &ms.Approved, &ms.Disputed, &ms.CompletedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		out = append(out, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return out, nil
}

// SaveAgreement persists the mutable agreement fields.
func (r *Repository) SaveAgreement(ctx context.Context, tx pgx.Tx, e *Escrow) error {
	const updateSQL = `
UPDATE escrow_agreements
SET state = $2::escrow_state,
    current_milestone = $3,
    dispute_pot = $4,
    updated_at = now()
WHERE id = $1
`
	tag, err := tx.Exec(ctx, updateSQL, e.ID, string(e.State), e.CurrentMilestone, e.DisputePot)
	if err != nil {
		return fmt.Errorf("escrow: update agreement: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMilestones allocates every milestone row for the agreement at once.
func (r *Repository) InsertMilestones(ctx context.Context, tx pgx.Tx, milestones []Milestone) error {
	const insertSQL = `
INSERT INTO escrow_milestones (agreement_id, idx, completed, approved, disputed, completed_at)
VALUES ($1,$2,$3,$4,$5,$6)
`
	for i := range milestones {
		ms := &milestones[i]
		if _, err := tx.Exec(ctx, insertSQL, ms.AgreementID, ms.Index, ms.Completed, ms.Approved, ms.Disputed, ms.CompletedAt); err != nil {
			return fmt.Errorf("escrow: insert milestone %d: %w", ms.Index, err)
		}
	}
	return nil
}

// SaveMilestone persists the flags of one milestone row.
func (r *Repository) SaveMilestone(ctx context.Context, tx pgx.Tx, ms *Milestone) error {
	const updateSQL = `
UPDATE escrow_milestones
SET completed = $3, approved = $4, disputed = $5, completed_at = $6
WHERE agreement_id = $1 AND idx = $2
`
	tag, err := tx.Exec(ctx, updateSQL, ms.AgreementID, ms.Index, ms.Completed, ms.Approved, ms.Disputed, ms.CompletedAt)
	if err != nil {
		return fmt.Errorf("escrow: update milestone %d: %w", ms.Index, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("escrow: milestone %d missing for agreement %s", ms.Index, ms.AgreementID)
	}
	return nil
}

// AppendTimeline writes the append-only audit event for an operation. The
// sequence number is derived under the agreement row lock held by the caller,
// so it is gap-free and strictly increasing per agreement.
func (r *Repository) AppendTimeline(ctx context.Context, tx pgx.Tx, agreementID, eventType string, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal timeline payload: %w", err)
	}

	var actor any
	if actorID != "" {
		actor = actorID
	}

	const insertSQL = `
INSERT INTO timeline_events (agreement_id, seq, type, actor_id, payload)
VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM timeline_events WHERE agreement_id = $1), $2, $3, $4::jsonb)
`
	if _, err := tx.Exec(ctx, insertSQL, agreementID, eventType, actor, body); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox records a notification for the relay to deliver after commit.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}

	const insertSQL = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, insertSQL, topic, body); err != nil {
		return fmt.Errorf("escrow: enqueue outbox: %w", err)
	}
	return nil
}

// ListTimeline returns the audit trail for an agreement in sequence order.
func (r *Repository) ListTimeline(ctx context.Context, q Querier, agreementID string) ([]TimelineEvent, error) {
	const selectSQL = `
SELECT id, agreement_id, seq, type, actor_id, payload, created_at
FROM timeline_events
WHERE agreement_id = $1
ORDER BY seq
`
	rows, err := q.Query(ctx, selectSQL, agreementID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list timeline: %w", err)
	}
	defer rows.Close()

	out := make([]TimelineEvent, 0, 8)
	for rows.Next() {
		var ev TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.AgreementID, &ev.Seq, &ev.Type, &ev.ActorID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("escrow: scan timeline event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate timeline: %w", err)
	}
	return out, nil
}

func scanAgreement(row pgx.Row, a *Agreement) error {
	return row.Scan(
		&a.ID, &a.PayerID, &a.PayeeID, &a.ArbiterID, &a.State,
		&a.TotalFee, &a.RequiredStake, &a.MediationFee,
		&a.MilestoneCount, &a.CurrentMilestone, &a.SpecRef, &a.DisputePot,
		&a.CreatedAt, &a.UpdatedAt,
	)
}
