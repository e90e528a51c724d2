package market

import (
	"encoding/hex"
	"math/big"
	"strconv"

	"jobledger/core/types"
)

const (
	EventTypeInitialized        = "jobs.initialized"
	EventTypeJobCreated         = "jobs.created"
	EventTypeJobFunded          = "jobs.funded"
	EventTypeTalentSelected     = "jobs.talent_selected"
	EventTypeMilestoneSubmitted = "jobs.milestone_submitted"
	EventTypeMilestoneApproved  = "jobs.milestone_approved"
	EventTypeDisputeRaised      = "jobs.dispute_raised"
	EventTypeDisputeResolved    = "jobs.dispute_resolved"
	EventTypeJobCancelled       = "jobs.cancelled"
)

// NewInitializedEvent returns the canonical payload emitted when the payment
// token is configured.
func NewInitializedEvent(token string) *types.Event {
	return &types.Event{Type: EventTypeInitialized, Attributes: map[string]string{
		"token": token,
	}}
}

// NewJobCreatedEvent returns the canonical payload for a newly posted job.
func NewJobCreatedEvent(j *Job) *types.Event {
	attrs := jobAttrs(j)
	if j != nil {
		attrs["title"] = hex.EncodeToString(j.Title[:])
		attrs["totalValue"] = amountString(j.TotalValue)
		attrs["milestones"] = strconv.Itoa(len(j.Milestones))
		attrs["createdAt"] = strconv.FormatInt(j.CreatedAt, 10)
	}
	return &types.Event{Type: EventTypeJobCreated, Attributes: attrs}
}

// NewJobFundedEvent returns the canonical payload emitted when the job's full
// value is locked in escrow.
func NewJobFundedEvent(j *Job) *types.Event {
	attrs := jobAttrs(j)
	if j != nil {
		attrs["totalValue"] = amountString(j.TotalValue)
	}
	return &types.Event{Type: EventTypeJobFunded, Attributes: attrs}
}

// NewTalentSelectedEvent returns the canonical payload for a talent hire.
func NewTalentSelectedEvent(j *Job) *types.Event {
	attrs := jobAttrs(j)
	if j != nil {
		attrs["talent"] = hex.EncodeToString(j.Talent[:])
	}
	return &types.Event{Type: EventTypeTalentSelected, Attributes: attrs}
}

// NewMilestoneSubmittedEvent returns the canonical payload for delivered work,
// keyed by the submitting talent.
func NewMilestoneSubmittedEvent(j *Job, index uint32) *types.Event {
	attrs := jobAttrs(j)
	attrs["milestoneIndex"] = strconv.FormatUint(uint64(index), 10)
	if j != nil {
		attrs["talent"] = hex.EncodeToString(j.Talent[:])
	}
	if j != nil && int(index) < len(j.Milestones) {
		ms := j.Milestones[index]
		attrs["data"] = hex.EncodeToString(ms.SubmissionData[:])
		attrs["submittedAt"] = strconv.FormatInt(ms.SubmittedAt, 10)
	}
	return &types.Event{Type: EventTypeMilestoneSubmitted, Attributes: attrs}
}

// NewMilestoneApprovedEvent returns the canonical payload for a milestone
// payout released on the client's approval.
func NewMilestoneApprovedEvent(j *Job, index uint32, amount *big.Int) *types.Event {
	attrs := jobAttrs(j)
	attrs["milestoneIndex"] = strconv.FormatUint(uint64(index), 10)
	attrs["amount"] = amountString(amount)
	return &types.Event{Type: EventTypeMilestoneApproved, Attributes: attrs}
}

// NewDisputeRaisedEvent returns the canonical payload for an escalated
// disagreement. The milestone index is omitted for job-level disputes.
func NewDisputeRaisedEvent(j *Job, index *uint32) *types.Event {
	attrs := jobAttrs(j)
	if j != nil {
		attrs["raisedBy"] = hex.EncodeToString(j.DisputeRaisedBy[:])
		attrs["arbitrator"] = hex.EncodeToString(j.Arbitrator[:])
	}
	if index != nil {
		attrs["milestoneIndex"] = strconv.FormatUint(uint64(*index), 10)
	}
	return &types.Event{Type: EventTypeDisputeRaised, Attributes: attrs}
}

// NewDisputeResolvedEvent returns the canonical payload for an arbitration
// verdict, including the fee billed to the client.
func NewDisputeResolvedEvent(j *Job, arbitrator [20]byte, index *uint32, approved bool, fee *big.Int) *types.Event {
	attrs := jobAttrs(j)
	attrs["arbitrator"] = hex.EncodeToString(arbitrator[:])
	attrs["approved"] = strconv.FormatBool(approved)
	attrs["fee"] = amountString(fee)
	if index != nil {
		attrs["milestoneIndex"] = strconv.FormatUint(uint64(*index), 10)
	}
	return &types.Event{Type: EventTypeDisputeResolved, Attributes: attrs}
}

// NewJobCancelledEvent returns the canonical payload for a cancellation,
// recording the client refund and the talent's cancellation fee.
func NewJobCancelledEvent(j *Job, refund, fee *big.Int) *types.Event {
	attrs := jobAttrs(j)
	attrs["refund"] = amountString(refund)
	attrs["fee"] = amountString(fee)
	return &types.Event{Type: EventTypeJobCancelled, Attributes: attrs}
}

func jobAttrs(j *Job) map[string]string {
	attrs := make(map[string]string)
	if j == nil {
		return attrs
	}
	attrs["jobId"] = strconv.FormatUint(uint64(j.ID), 10)
	attrs["client"] = hex.EncodeToString(j.Client[:])
	return attrs
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
