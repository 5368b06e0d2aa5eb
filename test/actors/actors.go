package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/escrow"
	"escrowflow/ledger"
	"escrowflow/outbox"
)

// rejected reports whether err is part of the engine's error taxonomy. Those
// are expected under contention; anything else is either transient connection
// trouble (chaos kills backends) or a real bug the oracles will surface.
func rejected(err error) bool {
	for _, sentinel := range []error{
		escrow.ErrUnauthorized,
		escrow.ErrInvalidState,
		escrow.ErrWrongMilestone,
		escrow.ErrWrongAmount,
		escrow.ErrAlreadyCompleted,
		escrow.ErrNotCompleted,
		escrow.ErrAlreadyDisputed,
		escrow.ErrNoActiveDispute,
		escrow.ErrUnderDispute,
		escrow.ErrGracePeriodNotElapsed,
		escrow.ErrInvalidConfiguration,
		escrow.ErrNothingToWithdraw,
		escrow.ErrTransferFailed,
		escrow.ErrNotFound,
	} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	return false
}

func pause(minMS, jitterMS int) {
	time.Sleep(time.Duration(minMS+rand.Intn(jitterMS)) * time.Millisecond)
}

// Completer hammers MarkCompleted on random milestone indices as the payee.
func Completer(ctx context.Context, svc *escrow.Service, agreementID, payeeID string, count int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.MarkCompleted(ctx, payeeID, agreementID, rand.Intn(count))
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		pause(10, 20)
	}
}

// Approver races to approve random milestone indices as the payer. Competes
// with AutoReleaser for the same settlement; each milestone must pay out once.
func Approver(ctx context.Context, svc *escrow.Service, agreementID, payerID string, count int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.ApproveMilestone(ctx, payerID, agreementID, rand.Intn(count))
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		pause(15, 30)
	}
}

// AutoReleaser tries to time out completed milestones as the payee. The
// stress service runs with a short grace period so this actually fires.
func AutoReleaser(ctx context.Context, svc *escrow.Service, agreementID, payeeID string, count int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.AutoRelease(ctx, payeeID, agreementID, rand.Intn(count))
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		pause(20, 40)
	}
}

// Disputer escalates the occasional milestone as the payee, funding the pot
// with the mediation fee.
func Disputer(ctx context.Context, svc *escrow.Service, agreementID, payeeID string, count int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.DisputeMilestone(ctx, payeeID, agreementID, rand.Intn(count), svc.MediationFee())
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		pause(60, 120)
	}
}

// Arbiter resolves whatever dispute is open, coin-flipping the winner.
func Arbiter(ctx context.Context, svc *escrow.Service, agreementID, arbiterID string, count int, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.ResolveDispute(ctx, arbiterID, agreementID, rand.Intn(count), rand.Intn(2) == 0)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		pause(40, 80)
	}
}

// Withdrawer keeps trying to drain leftovers; must succeed at most once per
// completed agreement.
func Withdrawer(ctx context.Context, svc *escrow.Service, agreementID, payeeID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := svc.WithdrawRemaining(ctx, payeeID, agreementID)
		if err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		pause(100, 100)
	}
}

// Lifecycle churns out fresh agreements and runs each one end to end,
// randomly mixing approvals, disputes, and timeouts. Unexpected rejections
// fail the run.
func Lifecycle(ctx context.Context, svc *escrow.Service, funds *ledger.Ledger, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for iter := 0; ; iter++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := runOneLifecycle(ctx, svc, funds, pool, iter); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if rejected(err) {
				return fmt.Errorf("lifecycle %d: unexpected rejection: %w", iter, err)
			}
			// transient; chaos may have killed our backend
		}
		pause(20, 40)
	}
}

func runOneLifecycle(ctx context.Context, svc *escrow.Service, funds *ledger.Ledger, pool *pgxpool.Pool, iter int) error {
	suffix := fmt.Sprintf("%d-%d", iter, rand.Int63())
	payer := "lc-payer-" + suffix
	payee := "lc-payee-" + suffix
	arbiter := "lc-arbiter-" + suffix

	if err := funds.OpenAccount(ctx, pool, payer, 100_000); err != nil {
		return err
	}
	if err := funds.OpenAccount(ctx, pool, payee, 100_000); err != nil {
		return err
	}

	count := 1 + rand.Intn(4)
	fee := int64(count) * int64(50+rand.Intn(100))
	stake := int64(rand.Intn(200))

	e, err := svc.Create(ctx, payer, escrow.CreateParams{
		PayeeID:        payee,
		ArbiterID:      arbiter,
		TotalFee:       fee,
		RequiredStake:  stake,
		MilestoneCount: count,
		SpecRef:        "stress:" + suffix,
	})
	if err != nil {
		return err
	}
	if _, err := svc.DepositStake(ctx, payee, e.ID, stake); err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		if _, err := svc.MarkCompleted(ctx, payee, e.ID, i); err != nil {
			return err
		}
		switch rand.Intn(3) {
		case 0:
			if _, err := svc.ApproveMilestone(ctx, payer, e.ID, i); err != nil {
				return err
			}
		case 1:
			if _, err := svc.DisputeMilestone(ctx, payee, e.ID, i, svc.MediationFee()); err != nil {
				return err
			}
			if _, err := svc.ResolveDispute(ctx, arbiter, e.ID, i, rand.Intn(2) == 0); err != nil {
				return err
			}
		default:
			// wait out the (short) grace period, then time it out
			for {
				_, err := svc.AutoRelease(ctx, payee, e.ID, i)
				if err == nil {
					break
				}
				if !errors.Is(err, escrow.ErrGracePeriodNotElapsed) {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(25 * time.Millisecond):
				}
			}
		}
	}

	if _, err := svc.WithdrawRemaining(ctx, payee, e.ID); err != nil && !errors.Is(err, escrow.ErrNothingToWithdraw) {
		return err
	}
	return nil
}

// OutboxWorker drains pending outbox rows alongside the relay built into the
// API process. Multiple instances compete via SKIP LOCKED.
func OutboxWorker(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := relay.DrainOnce(ctx); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		pause(100, 100)
	}
}

// DropPublisher discards messages. Keeps stress runs from flooding the log.
type DropPublisher struct{}

func (DropPublisher) Publish(context.Context, outbox.Message) error { return nil }

// FlakyPublisher fails a fraction of deliveries to exercise retry and
// dead-lettering.
type FlakyPublisher struct {
	FailEveryN int
}

func (p FlakyPublisher) Publish(context.Context, outbox.Message) error {
	if p.FailEveryN > 0 && rand.Intn(p.FailEveryN) == 0 {
		return errors.New("simulated publish failure")
	}
	return nil
}
