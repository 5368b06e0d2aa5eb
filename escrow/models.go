package escrow

import "time"

// State represents the lifecycle of an escrow agreement.
type State string

const (
	StateCreated    State = "created"
	StateInProgress State = "in_progress"
	StateDisputed   State = "disputed"
	StateCompleted  State = "completed"
)

// Agreement mirrors the escrow_agreements table. Party identities and the
// monetary terms are immutable after creation; only the state, the milestone
// pointer, and the dispute pot change over the lifecycle.
type Agreement struct {
	ID               string
	PayerID          string
	PayeeID          string
	ArbiterID        string
	State            State
	TotalFee         int64
	RequiredStake    int64
	MediationFee     int64
	MilestoneCount   int
	CurrentMilestone int
	SpecRef          string
	DisputePot       int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Milestone mirrors one escrow_milestones row. All rows for an agreement are
// allocated together when the payee stakes; they are mutated in place and
// never removed.
type Milestone struct {
	AgreementID string
	Index       int
	Completed   bool
	Approved    bool
	Disputed    bool
	CompletedAt *time.Time
}

// Escrow is the full aggregate loaded under the agreement row lock:
// the agreement plus its milestones ordered by index.
type Escrow struct {
	Agreement
	Milestones []Milestone
}

// TimelineEvent captures one immutable audit record for an agreement.
type TimelineEvent struct {
	ID          int64
	AgreementID string
	Seq         int
	Type        string
	ActorID     *string
	Payload     []byte
	CreatedAt   time.Time
}

// Payout describes a single transfer out of the agreement's custody account
// that an operation requires. The service executes payouts against the
// value-transfer substrate inside the operation's transaction.
type Payout struct {
	To     string
	Amount int64
}

// CreateParams carries the immutable terms of a new agreement.
type CreateParams struct {
	PayeeID        string
	ArbiterID      string
	TotalFee       int64
	RequiredStake  int64
	MilestoneCount int
	SpecRef        string
}

// Timeline event types emitted by the engine. Every state-mutating operation
// appends exactly one event in the same transaction as its writes.
const (
	EventCreated        = "ESCROW_CREATED"
	EventStakeDeposited = "STAKE_DEPOSITED"
	EventCompleted      = "MILESTONE_COMPLETED"
	EventApproved       = "MILESTONE_APPROVED"
	EventDisputed       = "MILESTONE_DISPUTED"
	EventResolved       = "DISPUTE_RESOLVED"
	EventAutoReleased   = "MILESTONE_AUTO_RELEASED"
	EventWithdrawn      = "REMAINDER_WITHDRAWN"
)

// Outbox topics published alongside timeline events for external observers.
const (
	TopicCreated        = "escrow.created"
	TopicStakeDeposited = "escrow.stake_deposited"
	TopicCompleted      = "escrow.milestone_completed"
	TopicApproved       = "escrow.milestone_approved"
	TopicDisputed       = "escrow.milestone_disputed"
	TopicResolved       = "escrow.dispute_resolved"
	TopicAutoReleased   = "escrow.milestone_auto_released"
	TopicWithdrawn      = "escrow.remainder_withdrawn"
)
