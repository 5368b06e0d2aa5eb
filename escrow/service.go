package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Pool is the subset of pgxpool.Pool the service depends on.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Querier
}

// Substrate is the value-transfer system moving funds between custody
// accounts. Implementations run inside the operation's transaction so a
// rejected transfer rolls the whole operation back.
type Substrate interface {
	Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error
	Balance(ctx context.Context, tx pgx.Tx, account string) (int64, error)
}

// Store defines the data access the service requires.
type Store interface {
	CreateAgreement(ctx context.Context, tx pgx.Tx, e *Escrow) error
	LockAgreement(ctx context.Context, tx pgx.Tx, id string) (Escrow, error)
	GetAgreement(ctx context.Context, q Querier, id string) (Escrow, error)
	SaveAgreement(ctx context.Context, tx pgx.Tx, e *Escrow) error
	InsertMilestones(ctx context.Context, tx pgx.Tx, milestones []Milestone) error
	SaveMilestone(ctx context.Context, tx pgx.Tx, ms *Milestone) error
	AppendTimeline(ctx context.Context, tx pgx.Tx, agreementID, eventType string, actorID string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	ListTimeline(ctx context.Context, q Querier, agreementID string) ([]TimelineEvent, error)
}

// Service drives the escrow state machine. Every operation runs as one
// transaction: lock the agreement row, validate and apply the transition in
// memory, execute required transfers, persist, append the timeline event and
// outbox notification, commit.
type Service struct {
	pool         Pool
	repo         Store
	funds        Substrate
	now          func() time.Time
	idGenerator  func() string
	mediationFee int64
	gracePeriod  time.Duration
}

func NewService(pool Pool, repo Store, funds Substrate) *Service {
	if repo == nil {
		repo = NewRepository()
	}
	return &Service{
		pool:         pool,
		repo:         repo,
		funds:        funds,
		now:          time.Now,
		idGenerator:  func() string { return uuid.NewString() },
		mediationFee: DefaultMediationFee,
		gracePeriod:  DefaultGracePeriod,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

// WithTerms overrides the engine-wide mediation fee and grace period. Terms
// are captured on the agreement row at creation.
func (s *Service) WithTerms(mediationFee int64, gracePeriod time.Duration) *Service {
	s.mediationFee = mediationFee
	s.gracePeriod = gracePeriod
	return s
}

// MediationFee reports the fee new disputes must attach.
func (s *Service) MediationFee() int64 { return s.mediationFee }

// GracePeriod reports the auto-release window applied after completion.
func (s *Service) GracePeriod() time.Duration { return s.gracePeriod }

// Create opens a new agreement funded by the caller's fee payment. The fee
// moves into the agreement's custody account in the same transaction.
func (s *Service) Create(ctx context.Context, callerID string, params CreateParams) (Escrow, error) {
	e, err := NewEscrow(s.idGenerator(), callerID, params, s.mediationFee, s.now().UTC())
	if err != nil {
		return Escrow{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.CreateAgreement(ctx, tx, &e); err != nil {
		return Escrow{}, err
	}
	if err := s.transfer(ctx, tx, callerID, e.CustodyAccount(), e.TotalFee); err != nil {
		return Escrow{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, e.ID, EventCreated, callerID, map[string]any{
		"total_fee":       e.TotalFee,
		"required_stake":  e.RequiredStake,
		"mediation_fee":   e.MediationFee,
		"milestone_count": e.MilestoneCount,
		"spec_ref":        e.SpecRef,
	}); err != nil {
		return Escrow{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicCreated, map[string]any{
		"agreement_id": e.ID,
		"payer_id":     e.PayerID,
		"payee_id":     e.PayeeID,
		"arbiter_id":   e.ArbiterID,
		"total_fee":    e.TotalFee,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return e, nil
}

// DepositStake activates the agreement with the payee's stake payment and
// allocates all milestone rows.
func (s *Service) DepositStake(ctx context.Context, callerID, agreementID string, amount int64) (Escrow, error) {
	return s.mutate(ctx, agreementID, func(tx pgx.Tx, e *Escrow) error {
		if err := e.DepositStake(callerID, amount); err != nil {
			return err
		}
		if amount > 0 {
			if err := s.transfer(ctx, tx, callerID, e.CustodyAccount(), amount); err != nil {
				return err
			}
		}
		if err := s.repo.InsertMilestones(ctx, tx, e.Milestones); err != nil {
			return err
		}
		if err := s.repo.SaveAgreement(ctx, tx, e); err != nil {
			return err
		}
		if err := s.repo.AppendTimeline(ctx, tx, e.ID, EventStakeDeposited, callerID, map[string]any{
			"amount": amount,
		}); err != nil {
			return err
		}
		return s.repo.EnqueueOutbox(ctx, tx, TopicStakeDeposited, map[string]any{
			"agreement_id": e.ID,
			"amount":       amount,
		})
	})
}

// MarkCompleted records delivery of the current milestone. No funds move.
func (s *Service) MarkCompleted(ctx context.Context, callerID, agreementID string, index int) (Escrow, error) {
	return s.mutate(ctx, agreementID, func(tx pgx.Tx, e *Escrow) error {
		if err := e.MarkCompleted(callerID, index, s.now().UTC()); err != nil {
			return err
		}
		if err := s.repo.SaveMilestone(ctx, tx, &e.Milestones[index]); err != nil {
			return err
		}
		if err := s.repo.AppendTimeline(ctx, tx, e.ID, EventCompleted, callerID, map[string]any{
			"milestone": index,
		}); err != nil {
			return err
		}
		return s.repo.EnqueueOutbox(ctx, tx, TopicCompleted, map[string]any{
			"agreement_id": e.ID,
			"milestone":    index,
		})
	})
}

// ApproveMilestone releases the milestone payment to the payee and advances
// the milestone pointer.
func (s *Service) ApproveMilestone(ctx context.Context, callerID, agreementID string, index int) (Escrow, error) {
	return s.mutate(ctx, agreementID, func(tx pgx.Tx, e *Escrow) error {
		payout, err := e.Approve(callerID, index)
		if err != nil {
			return err
		}
		return s.settle(ctx, tx, e, callerID, index, EventApproved, TopicApproved, payout)
	})
}

// DisputeMilestone opens mediation on the current milestone; the attached
// mediation fee moves into the dispute pot held in custody.
func (s *Service) DisputeMilestone(ctx context.Context, callerID, agreementID string, index int, amount int64) (Escrow, error) {
	return s.mutate(ctx, agreementID, func(tx pgx.Tx, e *Escrow) error {
		if err := e.Dispute(callerID, index, amount); err != nil {
			return err
		}
		if amount > 0 {
			if err := s.transfer(ctx, tx, callerID, e.CustodyAccount(), amount); err != nil {
				return err
			}
		}
		if err := s.repo.SaveMilestone(ctx, tx, &e.Milestones[index]); err != nil {
			return err
		}
		if err := s.repo.SaveAgreement(ctx, tx, e); err != nil {
			return err
		}
		if err := s.repo.AppendTimeline(ctx, tx, e.ID, EventDisputed, callerID, map[string]any{
			"milestone":     index,
			"mediation_fee": amount,
		}); err != nil {
			return err
		}
		return s.repo.EnqueueOutbox(ctx, tx, TopicDisputed, map[string]any{
			"agreement_id": e.ID,
			"milestone":    index,
		})
	})
}

// ResolveDispute closes the open dispute by arbiter ruling, paying the
// milestone share to the winning side and the mediation fee to the arbiter
// when the pot covers it.
func (s *Service) ResolveDispute(ctx context.Context, callerID, agreementID string, index int, favorsPayee bool) (Escrow, error) {
	return s.mutate(ctx, agreementID, func(tx pgx.Tx, e *Escrow) error {
		payouts, err := e.Resolve(callerID, index, favorsPayee)
		if err != nil {
			return err
		}
		total := int64(0)
		for _, p := range payouts {
			if p.Amount == 0 {
				continue
			}
			if err := s.transfer(ctx, tx, e.CustodyAccount(), p.To, p.Amount); err != nil {
				return err
			}
			total += p.Amount
		}
		if err := s.repo.SaveMilestone(ctx, tx, &e.Milestones[index]); err != nil {
			return err
		}
		if err := s.repo.SaveAgreement(ctx, tx, e); err != nil {
			return err
		}
		if err := s.repo.AppendTimeline(ctx, tx, e.ID, EventResolved, callerID, map[string]any{
			"milestone":    index,
			"favors_payee": favorsPayee,
			"amount":       total,
		}); err != nil {
			return err
		}
		return s.repo.EnqueueOutbox(ctx, tx, TopicResolved, map[string]any{
			"agreement_id": e.ID,
			"milestone":    index,
			"favors_payee": favorsPayee,
		})
	})
}

// AutoRelease lets the payee collect the milestone payment unilaterally once
// the payer has been unresponsive for the full grace period.
func (s *Service) AutoRelease(ctx context.Context, callerID, agreementID string, index int) (Escrow, error) {
	return s.mutate(ctx, agreementID, func(tx pgx.Tx, e *Escrow) error {
		payout, err := e.AutoRelease(callerID, index, s.now().UTC(), s.gracePeriod)
		if err != nil {
			return err
		}
		return s.settle(ctx, tx, e, callerID, index, EventAutoReleased, TopicAutoReleased, payout)
	})
}

// WithdrawRemaining drains whatever is left in custody (stake plus retained
// remainder) to the payee after completion.
func (s *Service) WithdrawRemaining(ctx context.Context, callerID, agreementID string) (Escrow, error) {
	return s.mutate(ctx, agreementID, func(tx pgx.Tx, e *Escrow) error {
		remaining, err := s.funds.Balance(ctx, tx, e.CustodyAccount())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
		payout, err := e.Withdraw(callerID, remaining)
		if err != nil {
			return err
		}
		if err := s.transfer(ctx, tx, e.CustodyAccount(), payout.To, payout.Amount); err != nil {
			return err
		}
		if err := s.repo.AppendTimeline(ctx, tx, e.ID, EventWithdrawn, callerID, map[string]any{
			"amount": payout.Amount,
		}); err != nil {
			return err
		}
		return s.repo.EnqueueOutbox(ctx, tx, TopicWithdrawn, map[string]any{
			"agreement_id": e.ID,
			"amount":       payout.Amount,
		})
	})
}

// Get returns the agreement and its milestones without locking.
func (s *Service) Get(ctx context.Context, agreementID string) (Escrow, error) {
	return s.repo.GetAgreement(ctx, s.pool, agreementID)
}

// Timeline returns the agreement's audit trail in sequence order.
func (s *Service) Timeline(ctx context.Context, agreementID string) ([]TimelineEvent, error) {
	return s.repo.ListTimeline(ctx, s.pool, agreementID)
}

// mutate runs fn against the locked aggregate inside one transaction.
func (s *Service) mutate(ctx context.Context, agreementID string, fn func(pgx.Tx, *Escrow) error) (Escrow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.LockAgreement(ctx, tx, agreementID)
	if err != nil {
		return Escrow{}, err
	}

	if err := fn(tx, &e); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return e, nil
}

// settle holds the shared payout path for ApproveMilestone and AutoRelease.
// A zero payout (total fee below the milestone count) still advances the
// pointer; the unpaid share stays in custody as remainder.
func (s *Service) settle(ctx context.Context, tx pgx.Tx, e *Escrow, callerID string, index int, eventType, topic string, payout Payout) error {
	if payout.Amount > 0 {
		if err := s.transfer(ctx, tx, e.CustodyAccount(), payout.To, payout.Amount); err != nil {
			return err
		}
	}
	if err := s.repo.SaveMilestone(ctx, tx, &e.Milestones[index]); err != nil {
		return err
	}
	if err := s.repo.SaveAgreement(ctx, tx, e); err != nil {
		return err
	}
	if err := s.repo.AppendTimeline(ctx, tx, e.ID, eventType, callerID, map[string]any{
		"milestone": index,
		"amount":    payout.Amount,
	}); err != nil {
		return err
	}
	return s.repo.EnqueueOutbox(ctx, tx, topic, map[string]any{
		"agreement_id": e.ID,
		"milestone":    index,
		"amount":       payout.Amount,
	})
}

func (s *Service) transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error {
	if err := s.funds.Transfer(ctx, tx, from, to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}
