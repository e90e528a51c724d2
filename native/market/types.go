package market

import (
	"fmt"
	"math/big"
)

// JobState represents the lifecycle of a job agreement.
type JobState uint8

const (
	// JobStateCreated marks jobs that have been posted but not funded.
	JobStateCreated JobState = iota
	// JobStateFunded marks jobs whose full value sits in escrow awaiting a
	// talent selection.
	JobStateFunded
	// JobStateActive marks jobs with a hired talent working through the
	// milestone schedule.
	JobStateActive
	// JobStateCompleted marks jobs whose every milestone has been paid.
	// Completed jobs accept no further state changes.
	JobStateCompleted
	// JobStateDisputed marks jobs frozen while an arbitrator decides an
	// escalated disagreement.
	JobStateDisputed
	// JobStateCancelled marks jobs terminated by the client. Cancelled jobs
	// retain their history for auditability but accept no further changes.
	JobStateCancelled
)

// Valid reports whether the state value is within the supported range.
func (s JobState) Valid() bool {
	switch s {
	case JobStateCreated, JobStateFunded, JobStateActive, JobStateCompleted, JobStateDisputed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state accepts no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateCancelled
}

// String renders the state for reports and diagnostics.
func (s JobState) String() string {
	switch s {
	case JobStateCreated:
		return "created"
	case JobStateFunded:
		return "funded"
	case JobStateActive:
		return "active"
	case JobStateCompleted:
		return "completed"
	case JobStateDisputed:
		return "disputed"
	case JobStateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// MilestoneState represents the lifecycle of a single milestone.
type MilestoneState uint8

const (
	// MilestonePending marks milestones awaiting a submission from the
	// talent.
	MilestonePending MilestoneState = iota
	// MilestoneSubmitted marks milestones with work delivered and awaiting
	// the client's approval.
	MilestoneSubmitted
	// MilestoneApproved is a declared intermediate; the implemented flows
	// move approved work straight to Paid within the same call.
	MilestoneApproved
	// MilestoneRejected is retained for stored histories; arbitration
	// rejections now reset milestones to Pending instead of parking here.
	MilestoneRejected
	// MilestonePaid marks milestones whose amount left escrow for the
	// talent. Paid milestones are immutable.
	MilestonePaid
	// MilestoneDisputed marks the milestone singled out by an escalated
	// dispute.
	MilestoneDisputed
)

// Valid reports whether the state value is within the supported range.
func (s MilestoneState) Valid() bool {
	switch s {
	case MilestonePending, MilestoneSubmitted, MilestoneApproved, MilestoneRejected, MilestonePaid, MilestoneDisputed:
		return true
	default:
		return false
	}
}

// String renders the state for reports and diagnostics.
func (s MilestoneState) String() string {
	switch s {
	case MilestonePending:
		return "pending"
	case MilestoneSubmitted:
		return "submitted"
	case MilestoneApproved:
		return "approved"
	case MilestoneRejected:
		return "rejected"
	case MilestonePaid:
		return "paid"
	case MilestoneDisputed:
		return "disputed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// JobEvent enumerates the inputs of the job state machine.
type JobEvent uint8

const (
	// JobEventFund locks the job's total value in escrow.
	JobEventFund JobEvent = iota
	// JobEventHire records the talent selection.
	JobEventHire
	// JobEventDispute freezes the job pending arbitration.
	JobEventDispute
	// JobEventSettle returns a disputed job to active work.
	JobEventSettle
	// JobEventComplete closes a job whose milestones are all paid.
	JobEventComplete
	// JobEventCancel terminates the job at the client's request.
	JobEventCancel
)

// TransitionJob returns the state that follows ev, or an error when the
// machine forbids it. Terminal states reject every event.
func TransitionJob(state JobState, ev JobEvent) (JobState, error) {
	if state.Terminal() {
		return state, ErrJobCompleted
	}
	switch ev {
	case JobEventFund:
		if state != JobStateCreated {
			return state, ErrInvalidState
		}
		return JobStateFunded, nil
	case JobEventHire:
		if state != JobStateFunded {
			return state, ErrInvalidState
		}
		return JobStateActive, nil
	case JobEventDispute:
		if state == JobStateDisputed {
			return state, ErrArbitrationPending
		}
		if state != JobStateActive {
			return state, ErrInvalidState
		}
		return JobStateDisputed, nil
	case JobEventSettle:
		if state != JobStateDisputed {
			return state, ErrInvalidState
		}
		return JobStateActive, nil
	case JobEventComplete:
		if state != JobStateActive && state != JobStateDisputed {
			return state, ErrInvalidState
		}
		return JobStateCompleted, nil
	case JobEventCancel:
		return JobStateCancelled, nil
	default:
		return state, ErrInvalidState
	}
}

// MilestoneEvent enumerates the inputs of the milestone state machine.
type MilestoneEvent uint8

const (
	// MilestoneEventSubmit records delivered work.
	MilestoneEventSubmit MilestoneEvent = iota
	// MilestoneEventApprove pays a submission on the client's sign-off.
	MilestoneEventApprove
	// MilestoneEventDispute singles the submission out for arbitration.
	MilestoneEventDispute
	// MilestoneEventArbitratePay pays the submission on an arbitrator's
	// approval; disputed submissions qualify as well.
	MilestoneEventArbitratePay
	// MilestoneEventArbitrateReject returns the submission to Pending for
	// rework.
	MilestoneEventArbitrateReject
	// MilestoneEventReopen reverts an unresolved disputed milestone to
	// Submitted once the dispute closes.
	MilestoneEventReopen
)

// TransitionMilestone returns the state that follows ev, or an error when the
// machine forbids it.
func TransitionMilestone(state MilestoneState, ev MilestoneEvent) (MilestoneState, error) {
	switch ev {
	case MilestoneEventSubmit:
		if state != MilestonePending {
			return state, ErrMilestonePending
		}
		return MilestoneSubmitted, nil
	case MilestoneEventApprove:
		if state != MilestoneSubmitted {
			return state, ErrNotSubmitted
		}
		return MilestonePaid, nil
	case MilestoneEventDispute:
		if state != MilestoneSubmitted {
			return state, ErrNotSubmitted
		}
		return MilestoneDisputed, nil
	case MilestoneEventArbitratePay:
		if state != MilestoneSubmitted && state != MilestoneDisputed {
			return state, ErrNotSubmitted
		}
		return MilestonePaid, nil
	case MilestoneEventArbitrateReject:
		if state != MilestoneSubmitted && state != MilestoneDisputed {
			return state, ErrNotSubmitted
		}
		return MilestonePending, nil
	case MilestoneEventReopen:
		if state != MilestoneDisputed {
			return state, ErrInvalidState
		}
		return MilestoneSubmitted, nil
	default:
		return state, ErrInvalidState
	}
}

// Milestone captures a single deliverable inside a job. Milestones live and
// die with their job; the slice index is the milestone's identity.
type Milestone struct {
	Description    [32]byte
	SubmissionData [32]byte
	Amount         *big.Int
	State          MilestoneState
	Deadline       int64
	SubmittedAt    int64
}

// Clone returns a deep copy of the milestone so callers can safely mutate the
// copy without affecting the stored instance.
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Amount != nil {
		clone.Amount = new(big.Int).Set(m.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}

// Job aggregates the agreement between a client and a talent together with the
// escrow accounting attached to it. A zero Talent address means no talent has
// been hired; zero DisputeRaisedBy/Arbitrator addresses mean no dispute is
// open. The two dispute fields are set and cleared together.
type Job struct {
	ID              uint32
	Client          [20]byte
	Talent          [20]byte
	Title           [32]byte
	TotalValue      *big.Int
	AmountPaid      *big.Int
	EscrowBalance   *big.Int
	CancellationFee *big.Int
	State           JobState
	CreatedAt       int64
	DisputeRaisedBy [20]byte
	Arbitrator      [20]byte
	Milestones      []*Milestone
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.TotalValue = cloneAmount(j.TotalValue)
	clone.AmountPaid = cloneAmount(j.AmountPaid)
	clone.EscrowBalance = cloneAmount(j.EscrowBalance)
	clone.CancellationFee = cloneAmount(j.CancellationFee)
	if len(j.Milestones) > 0 {
		clone.Milestones = make([]*Milestone, len(j.Milestones))
		for i, ms := range j.Milestones {
			clone.Milestones[i] = ms.Clone()
		}
	}
	return &clone
}

func cloneAmount(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// HasTalent reports whether a talent was ever hired for the job.
func (j *Job) HasTalent() bool {
	return j != nil && j.Talent != ([20]byte{})
}

// Disputed reports whether the job carries open dispute metadata.
func (j *Job) Disputed() bool {
	return j != nil && j.Arbitrator != ([20]byte{})
}

// AllMilestonesPaid reports whether every milestone has been paid out.
func (j *Job) AllMilestonesPaid() bool {
	if j == nil || len(j.Milestones) == 0 {
		return false
	}
	for _, ms := range j.Milestones {
		if ms == nil || ms.State != MilestonePaid {
			return false
		}
	}
	return true
}

// SanitizeJob validates and normalises the supplied job, returning a cloned
// instance with non-nil amount fields. The function does not mutate the
// original value.
func SanitizeJob(j *Job) (*Job, error) {
	if j == nil {
		return nil, fmt.Errorf("nil job")
	}
	clone := j.Clone()
	if !clone.State.Valid() {
		return nil, fmt.Errorf("invalid job state: %d", clone.State)
	}
	if clone.Client == ([20]byte{}) {
		return nil, fmt.Errorf("job client must not be zero")
	}
	if clone.TotalValue.Sign() < 0 || clone.AmountPaid.Sign() < 0 ||
		clone.EscrowBalance.Sign() < 0 || clone.CancellationFee.Sign() < 0 {
		return nil, fmt.Errorf("job amounts must be non-negative")
	}
	if len(clone.Milestones) == 0 {
		return nil, fmt.Errorf("job requires at least one milestone")
	}
	for i, ms := range clone.Milestones {
		if ms == nil {
			return nil, fmt.Errorf("milestone %d must not be nil", i)
		}
		if !ms.State.Valid() {
			return nil, fmt.Errorf("milestone %d: invalid state %d", i, ms.State)
		}
		if ms.Amount.Sign() <= 0 {
			return nil, fmt.Errorf("milestone %d: amount must be positive", i)
		}
	}
	return clone, nil
}
