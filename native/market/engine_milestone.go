package market

import "math/big"

// payoutMilestone pays amount from the escrow vault to the talent and updates
// the job's running totals. The caller mutates the milestone state afterwards.
func (e *Engine) payoutMilestone(job *Job, token string, vault [20]byte, amount *big.Int) error {
	if job.EscrowBalance.Cmp(amount) < 0 {
		return ErrInsufficientFunds
	}
	if err := e.transferToken(vault, job.Talent, token, amount); err != nil {
		return err
	}
	if err := e.state.EscrowDebit(job.ID, token, amount); err != nil {
		return err
	}
	job.EscrowBalance = new(big.Int).Sub(job.EscrowBalance, amount)
	job.AmountPaid = new(big.Int).Add(job.AmountPaid, amount)
	return nil
}

// SubmitMilestone records the talent's deliverable for a pending milestone.
// The job must be Active, the caller must be the hired talent, and the
// milestone deadline must not have passed.
func (e *Engine) SubmitMilestone(talent [20]byte, jobID uint32, index uint32, data [32]byte) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()

	job, err := e.loadJob(jobID)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return ErrJobCompleted
	}
	if job.State != JobStateActive {
		return ErrInvalidState
	}
	if !job.HasTalent() || job.Talent != talent {
		return ErrTalentOnly
	}
	if int(index) >= len(job.Milestones) {
		return ErrInvalidIndex
	}
	ms := job.Milestones[index]
	next, err := TransitionMilestone(ms.State, MilestoneEventSubmit)
	if err != nil {
		return err
	}
	now := e.now()
	if now > ms.Deadline {
		return ErrDeadlinePassed
	}
	ms.SubmissionData = data
	ms.SubmittedAt = now
	ms.State = next
	if err := e.storeJob(job); err != nil {
		return err
	}
	e.emit(NewMilestoneSubmittedEvent(job, index))
	return nil
}

// ApproveMilestone releases the milestone amount from escrow to the talent.
// When the last milestone is paid the job completes.
func (e *Engine) ApproveMilestone(client [20]byte, jobID uint32, index uint32) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()

	job, err := e.loadJob(jobID)
	if err != nil {
		return err
	}
	if job.Client != client {
		return ErrClientOnly
	}
	if job.State.Terminal() {
		return ErrJobCompleted
	}
	if job.State != JobStateActive {
		return ErrInvalidState
	}
	if int(index) >= len(job.Milestones) {
		return ErrInvalidIndex
	}
	ms := job.Milestones[index]
	next, err := TransitionMilestone(ms.State, MilestoneEventApprove)
	if err != nil {
		return err
	}
	token, err := e.paymentToken()
	if err != nil {
		return err
	}
	vault, err := e.state.VaultAddress(token)
	if err != nil {
		return err
	}
	amount := cloneBigInt(ms.Amount)
	if err := e.payoutMilestone(job, token, vault, amount); err != nil {
		return err
	}
	ms.State = next
	if job.AllMilestonesPaid() {
		completed, err := TransitionJob(job.State, JobEventComplete)
		if err != nil {
			return err
		}
		job.State = completed
	}
	if err := e.storeJob(job); err != nil {
		return err
	}
	e.emit(NewMilestoneApprovedEvent(job, index, amount))
	return nil
}
