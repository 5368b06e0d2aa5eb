package escrow

import "time"

// DefaultGracePeriod is how long after milestone completion the payer has to
// act before the payee may release the payment unilaterally.
const DefaultGracePeriod = 72 * time.Hour

// DefaultMediationFee is the payment required to open a dispute, held in the
// dispute pot for the arbiter.
const DefaultMediationFee int64 = 10

// NewEscrow validates creation parameters and returns an agreement in the
// Created state. Milestone rows are not allocated until the payee stakes, so
// a never-started agreement is distinguishable from one with milestone 0
// untouched.
func NewEscrow(id, payerID string, params CreateParams, mediationFee int64, now time.Time) (Escrow, error) {
	if params.MilestoneCount <= 0 {
		return Escrow{}, ErrInvalidConfiguration
	}
	if params.TotalFee <= 0 {
		return Escrow{}, ErrInvalidConfiguration
	}
	if params.RequiredStake < 0 || mediationFee < 0 {
		return Escrow{}, ErrInvalidConfiguration
	}
	if payerID == "" || params.PayeeID == "" || params.ArbiterID == "" {
		return Escrow{}, ErrInvalidConfiguration
	}
	if payerID == params.PayeeID || payerID == params.ArbiterID || params.PayeeID == params.ArbiterID {
		return Escrow{}, ErrInvalidConfiguration
	}

	return Escrow{
		Agreement: Agreement{
			ID:             id,
			PayerID:        payerID,
			PayeeID:        params.PayeeID,
			ArbiterID:      params.ArbiterID,
			State:          StateCreated,
			TotalFee:       params.TotalFee,
			RequiredStake:  params.RequiredStake,
			MediationFee:   mediationFee,
			MilestoneCount: params.MilestoneCount,
			SpecRef:        params.SpecRef,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}, nil
}

// MilestonePayment is the equal share of the total fee released per
// milestone. Integer division: the remainder of a non-divisible fee stays in
// custody until the final withdrawal.
func (e *Escrow) MilestonePayment() int64 {
	return e.TotalFee / int64(e.MilestoneCount)
}

// CustodyAccount names the ledger account holding this agreement's funds.
func (e *Escrow) CustodyAccount() string {
	return "escrow:" + e.ID
}

// DepositStake activates the agreement. Only the payee may stake, only from
// Created, and only with the exact required amount. Allocates all milestone
// rows in their zero state.
func (e *Escrow) DepositStake(caller string, amount int64) error {
	if caller != e.PayeeID {
		return ErrUnauthorized
	}
	if e.State != StateCreated {
		return ErrInvalidState
	}
	if amount != e.RequiredStake {
		return ErrWrongAmount
	}

	e.Milestones = make([]Milestone, e.MilestoneCount)
	for i := range e.Milestones {
		e.Milestones[i] = Milestone{AgreementID: e.ID, Index: i}
	}
	e.State = StateInProgress
	return nil
}

// MarkCompleted records delivery of the current milestone. No funds move.
func (e *Escrow) MarkCompleted(caller string, index int, now time.Time) error {
	if caller != e.PayeeID {
		return ErrUnauthorized
	}
	if e.State != StateInProgress {
		return ErrInvalidState
	}
	if index != e.CurrentMilestone {
		return ErrWrongMilestone
	}
	ms := &e.Milestones[index]
	if ms.Completed {
		return ErrAlreadyCompleted
	}

	ms.Completed = true
	completedAt := now
	ms.CompletedAt = &completedAt
	return nil
}

// Approve releases the milestone payment to the payee and advances the
// pointer. Only the payer may approve.
func (e *Escrow) Approve(caller string, index int) (Payout, error) {
	if caller != e.PayerID {
		return Payout{}, ErrUnauthorized
	}
	return e.release(index)
}

// AutoRelease is the payee's unilateral counterpart to Approve, legal only
// once the grace period after completion has fully elapsed.
func (e *Escrow) AutoRelease(caller string, index int, now time.Time, grace time.Duration) (Payout, error) {
	if caller != e.PayeeID {
		return Payout{}, ErrUnauthorized
	}
	if e.State != StateInProgress {
		return Payout{}, ErrInvalidState
	}
	if index != e.CurrentMilestone {
		return Payout{}, ErrWrongMilestone
	}
	ms := &e.Milestones[index]
	if !ms.Completed {
		return Payout{}, ErrNotCompleted
	}
	if ms.Disputed {
		return Payout{}, ErrUnderDispute
	}
	if now.Before(ms.CompletedAt.Add(grace)) {
		return Payout{}, ErrGracePeriodNotElapsed
	}

	ms.Approved = true
	e.advance()
	return Payout{To: e.PayeeID, Amount: e.MilestonePayment()}, nil
}

// Dispute opens mediation on the current milestone. Either the payer or the
// payee may file, paying the mediation fee into the dispute pot. The
// InProgress precondition is what limits the engine to one open dispute.
func (e *Escrow) Dispute(caller string, index int, amount int64) error {
	if caller != e.PayerID && caller != e.PayeeID {
		return ErrUnauthorized
	}
	if e.State != StateInProgress {
		return ErrInvalidState
	}
	if index != e.CurrentMilestone {
		return ErrWrongMilestone
	}
	ms := &e.Milestones[index]
	if !ms.Completed {
		return ErrNotCompleted
	}
	if ms.Approved {
		return ErrInvalidState
	}
	if ms.Disputed {
		return ErrAlreadyDisputed
	}
	if amount != e.MediationFee {
		return ErrWrongAmount
	}

	ms.Disputed = true
	e.State = StateDisputed
	e.DisputePot += amount
	return nil
}

// Resolve closes the open dispute by arbiter ruling. The milestone payment
// goes to the payee if the ruling favors them, otherwise back to the payer as
// a refund. The arbiter is paid the mediation fee from the pot when the pot
// covers it; an underfunded pot pays nothing rather than a partial amount.
func (e *Escrow) Resolve(caller string, index int, favorsPayee bool) ([]Payout, error) {
	if caller != e.ArbiterID {
		return nil, ErrUnauthorized
	}
	if e.State != StateDisputed {
		return nil, ErrInvalidState
	}
	if index < 0 || index >= len(e.Milestones) || index != e.CurrentMilestone {
		return nil, ErrNoActiveDispute
	}
	ms := &e.Milestones[index]
	if !ms.Disputed {
		return nil, ErrNoActiveDispute
	}

	payouts := make([]Payout, 0, 2)
	if favorsPayee {
		payouts = append(payouts, Payout{To: e.PayeeID, Amount: e.MilestonePayment()})
	} else {
		payouts = append(payouts, Payout{To: e.PayerID, Amount: e.MilestonePayment()})
	}
	if e.DisputePot >= e.MediationFee && e.MediationFee > 0 {
		payouts = append(payouts, Payout{To: e.ArbiterID, Amount: e.MediationFee})
		e.DisputePot -= e.MediationFee
	}

	ms.Disputed = false
	ms.Approved = favorsPayee
	e.advance()
	return payouts, nil
}

// Withdraw transfers the remaining custody balance (the stake plus any
// retained remainder) to the payee after completion.
func (e *Escrow) Withdraw(caller string, remaining int64) (Payout, error) {
	if caller != e.PayeeID {
		return Payout{}, ErrUnauthorized
	}
	if e.State != StateCompleted {
		return Payout{}, ErrInvalidState
	}
	if remaining <= 0 {
		return Payout{}, ErrNothingToWithdraw
	}
	return Payout{To: e.PayeeID, Amount: remaining}, nil
}

// release holds the shared Approve path: validate the current milestone is
// payable, mark it approved, advance.
func (e *Escrow) release(index int) (Payout, error) {
	if e.State != StateInProgress {
		return Payout{}, ErrInvalidState
	}
	if index != e.CurrentMilestone {
		return Payout{}, ErrWrongMilestone
	}
	ms := &e.Milestones[index]
	if !ms.Completed {
		return Payout{}, ErrNotCompleted
	}
	if ms.Disputed {
		return Payout{}, ErrUnderDispute
	}

	ms.Approved = true
	e.advance()
	return Payout{To: e.PayeeID, Amount: e.MilestonePayment()}, nil
}

func (e *Escrow) advance() {
	e.CurrentMilestone++
	if e.CurrentMilestone == e.MilestoneCount {
		e.State = StateCompleted
	} else {
		e.State = StateInProgress
	}
}
