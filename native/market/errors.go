package market

import "errors"

var (
	// ErrUnauthorized marks callers that are neither party to the job nor
	// otherwise permitted to perform the operation.
	ErrUnauthorized = errors.New("market: unauthorized")
	// ErrInvalidState is returned when a job is not in the state the
	// operation requires.
	ErrInvalidState = errors.New("market: invalid state")
	// ErrInvalidInput marks structurally malformed arguments such as
	// mismatched milestone array lengths.
	ErrInvalidInput = errors.New("market: invalid input")
	// ErrTalentExists is returned when hiring is attempted on a job that
	// already has a talent.
	ErrTalentExists = errors.New("market: talent already selected")
	// ErrMilestonePending is returned when a milestone is not in the
	// required Pending state.
	ErrMilestonePending = errors.New("market: milestone not pending")
	// ErrNotSubmitted is returned when a milestone has no submission to
	// approve, dispute or arbitrate.
	ErrNotSubmitted = errors.New("market: milestone not submitted")
	// ErrInvalidIndex marks milestone indexes outside the job's milestone
	// list.
	ErrInvalidIndex = errors.New("market: milestone index out of range")
	// ErrAmountRequired is returned when an amount is missing, zero or
	// negative.
	ErrAmountRequired = errors.New("market: amount required")
	// ErrReentrancy is returned when a state-changing call re-enters the
	// engine before the outer call released the guard.
	ErrReentrancy = errors.New("market: reentrant call")
	// ErrJobNotFound marks lookups for job ids that were never created.
	ErrJobNotFound = errors.New("market: job not found")
	// ErrInsufficientFunds is returned when the escrow balance cannot cover
	// a required payout or fee.
	ErrInsufficientFunds = errors.New("market: insufficient escrow funds")
	// ErrTokenNotSet is returned when a funds operation runs before the
	// payment token was initialised.
	ErrTokenNotSet = errors.New("market: payment token not set")
	// ErrDeadlinePassed is returned when a milestone submission arrives
	// after its deadline.
	ErrDeadlinePassed = errors.New("market: milestone deadline passed")
	// ErrArbitrationPending is returned when a dispute is raised on a job
	// that is already disputed.
	ErrArbitrationPending = errors.New("market: arbitration already pending")
	// ErrNotArbitrator marks resolution attempts by accounts that are not
	// the arbitrator selected for the dispute, and dispute escalation to
	// unregistered arbitrators.
	ErrNotArbitrator = errors.New("market: not the selected arbitrator")
	// ErrJobCompleted is returned when a state-changing call targets a job
	// in a terminal state.
	ErrJobCompleted = errors.New("market: job already completed or cancelled")
	// ErrClientOnly marks client-gated operations invoked by someone other
	// than the job's client.
	ErrClientOnly = errors.New("market: client only")
	// ErrTalentOnly marks talent-gated operations invoked by someone other
	// than the hired talent.
	ErrTalentOnly = errors.New("market: talent only")
)
