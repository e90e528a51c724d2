package market

import "math/big"

// RaiseDispute escalates an active job to arbitration. Either party may
// raise; the chosen arbitrator must be registered. When index targets a
// milestone, that milestone must be Submitted and is frozen as Disputed.
func (e *Engine) RaiseDispute(caller [20]byte, jobID uint32, index *uint32, arbitrator [20]byte) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()

	job, err := e.loadJob(jobID)
	if err != nil {
		return err
	}
	if job.Client != caller && (!job.HasTalent() || job.Talent != caller) {
		return ErrUnauthorized
	}
	next, err := TransitionJob(job.State, JobEventDispute)
	if err != nil {
		return err
	}
	if e.registry == nil {
		return errNilRegistry
	}
	registered, err := e.registry.IsRegistered(arbitrator)
	if err != nil {
		return err
	}
	if !registered {
		return ErrNotArbitrator
	}
	if index != nil {
		if int(*index) >= len(job.Milestones) {
			return ErrInvalidIndex
		}
		ms := job.Milestones[*index]
		frozen, err := TransitionMilestone(ms.State, MilestoneEventDispute)
		if err != nil {
			return err
		}
		ms.State = frozen
	}
	job.State = next
	job.DisputeRaisedBy = caller
	job.Arbitrator = arbitrator
	if err := e.storeJob(job); err != nil {
		return err
	}
	e.emit(NewDisputeRaisedEvent(job, index))
	return nil
}

// ResolveDispute settles a dispute. Ruling eligibility, the total payout and
// the arbitration fee are all validated before any funds move; a resolution
// that cannot complete leaves nothing behind, and retrying it costs nothing.
// The flat fee is billed to the job client and paid straight to the
// arbitrator, so escrow only ever covers milestone payouts. With an index only
// that milestone is ruled on; without one the ruling applies to every
// submitted or disputed milestone. Approved milestones pay out to the talent,
// rejected ones return to Pending for rework. Any milestone left frozen by the
// dispute reopens as Submitted.
func (e *Engine) ResolveDispute(arbitrator [20]byte, jobID uint32, index *uint32, approve bool) error {
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
	if job.State != JobStateDisputed {
		return ErrInvalidState
	}
	if !job.Disputed() {
		return ErrInvalidState
	}
	if job.Arbitrator != arbitrator {
		return ErrNotArbitrator
	}
	if e.registry == nil {
		return errNilRegistry
	}

	ev := MilestoneEventArbitrateReject
	if approve {
		ev = MilestoneEventArbitratePay
	}
	payout := big.NewInt(0)
	if index != nil {
		if int(*index) >= len(job.Milestones) {
			return ErrInvalidIndex
		}
		if _, err := TransitionMilestone(job.Milestones[*index].State, ev); err != nil {
			return err
		}
		if approve {
			payout.Add(payout, cloneBigInt(job.Milestones[*index].Amount))
		}
	} else if approve {
		for _, ms := range job.Milestones {
			if _, err := TransitionMilestone(ms.State, ev); err == nil {
				payout.Add(payout, cloneBigInt(ms.Amount))
			}
		}
	}
	if job.EscrowBalance.Cmp(payout) < 0 {
		return ErrInsufficientFunds
	}
	token, err := e.paymentToken()
	if err != nil {
		return err
	}
	vault, err := e.state.VaultAddress(token)
	if err != nil {
		return err
	}
	fee := feeByBps(job.TotalValue, e.params.ArbitrationFeeBps)
	if fee.Sign() > 0 {
		clientBal, err := e.state.Balance(job.Client[:], token)
		if err != nil {
			return err
		}
		if clientBal.Cmp(fee) < 0 {
			return ErrInsufficientFunds
		}
		if err := e.transferToken(job.Client, arbitrator, token, fee); err != nil {
			return err
		}
	}

	if index != nil {
		ms := job.Milestones[*index]
		next, err := TransitionMilestone(ms.State, ev)
		if err != nil {
			return err
		}
		amount := cloneBigInt(ms.Amount)
		if approve {
			if err := e.payoutMilestone(job, token, vault, amount); err != nil {
				return err
			}
		} else {
			ms.SubmissionData = [32]byte{}
			ms.SubmittedAt = 0
		}
		ms.State = next
	} else {
		for _, ms := range job.Milestones {
			next, err := TransitionMilestone(ms.State, ev)
			if err != nil {
				continue
			}
			amount := cloneBigInt(ms.Amount)
			if approve {
				if err := e.payoutMilestone(job, token, vault, amount); err != nil {
					return err
				}
			} else {
				ms.SubmissionData = [32]byte{}
				ms.SubmittedAt = 0
			}
			ms.State = next
		}
	}

	for _, ms := range job.Milestones {
		if ms.State != MilestoneDisputed {
			continue
		}
		reopened, err := TransitionMilestone(ms.State, MilestoneEventReopen)
		if err != nil {
			return err
		}
		ms.State = reopened
	}

	job.DisputeRaisedBy = [20]byte{}
	job.Arbitrator = [20]byte{}
	if job.AllMilestonesPaid() {
		completed, err := TransitionJob(job.State, JobEventComplete)
		if err != nil {
			return err
		}
		job.State = completed
	} else {
		settled, err := TransitionJob(job.State, JobEventSettle)
		if err != nil {
			return err
		}
		job.State = settled
	}
	if err := e.registry.RecordResolution(arbitrator); err != nil {
		return err
	}
	if err := e.storeJob(job); err != nil {
		return err
	}
	e.emit(NewDisputeResolvedEvent(job, arbitrator, index, approve, fee))
	return nil
}
