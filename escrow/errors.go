package escrow

import "errors"

// The error taxonomy for the engine. Every operation rejects with one of
// these sentinels before any state is mutated; callers distinguish cases via
// errors.Is.
var (
	// ErrUnauthorized signals the caller does not hold the role the
	// operation requires on this agreement.
	ErrUnauthorized = errors.New("escrow: caller not authorized for operation")
	// ErrInvalidState signals the operation is not legal in the agreement's
	// current state.
	ErrInvalidState = errors.New("escrow: operation not allowed in current state")
	// ErrWrongMilestone signals the index does not match the current
	// milestone pointer.
	ErrWrongMilestone = errors.New("escrow: index does not match current milestone")
	// ErrWrongAmount signals the attached payment does not equal the
	// required value.
	ErrWrongAmount = errors.New("escrow: attached payment does not match required amount")
	// ErrAlreadyCompleted signals the milestone was already marked completed.
	ErrAlreadyCompleted = errors.New("escrow: milestone already completed")
	// ErrNotCompleted signals the milestone has not been marked completed.
	ErrNotCompleted = errors.New("escrow: milestone not completed")
	// ErrAlreadyDisputed signals a dispute is already open on the milestone.
	ErrAlreadyDisputed = errors.New("escrow: milestone already disputed")
	// ErrNoActiveDispute signals no open dispute exists at the given index.
	ErrNoActiveDispute = errors.New("escrow: no active dispute on milestone")
	// ErrUnderDispute signals the milestone cannot be approved while disputed.
	ErrUnderDispute = errors.New("escrow: milestone under dispute")
	// ErrGracePeriodNotElapsed signals the auto-release window has not opened.
	ErrGracePeriodNotElapsed = errors.New("escrow: grace period not elapsed")
	// ErrInvalidConfiguration signals bad creation parameters.
	ErrInvalidConfiguration = errors.New("escrow: invalid agreement configuration")
	// ErrNothingToWithdraw signals the custody account is already drained.
	ErrNothingToWithdraw = errors.New("escrow: nothing to withdraw")
	// ErrTransferFailed signals the value-transfer substrate rejected a
	// payout; the operation rolled back and can be retried.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrNotFound is returned when no agreement exists for the identifier.
	ErrNotFound = errors.New("escrow: agreement not found")
)
