package market

import (
	"errors"
	"math/big"
	"testing"
)

func validTestJob() *Job {
	return &Job{
		ID:              1,
		Client:          newTestAddress(0x01),
		TotalValue:      big.NewInt(1_000),
		AmountPaid:      big.NewInt(0),
		EscrowBalance:   big.NewInt(0),
		CancellationFee: big.NewInt(100),
		State:           JobStateCreated,
		CreatedAt:       1_700_000_000,
		Milestones: []*Milestone{
			{Description: bytes32("design"), Amount: big.NewInt(600), State: MilestonePending, Deadline: 1_700_000_500},
			{Description: bytes32("build"), Amount: big.NewInt(400), State: MilestonePending, Deadline: 1_700_000_900},
		},
	}
}

func TestTransitionJob(t *testing.T) {
	cases := []struct {
		name    string
		state   JobState
		event   JobEvent
		want    JobState
		wantErr error
	}{
		{"fund created", JobStateCreated, JobEventFund, JobStateFunded, nil},
		{"fund funded", JobStateFunded, JobEventFund, 0, ErrInvalidState},
		{"fund completed", JobStateCompleted, JobEventFund, 0, ErrJobCompleted},
		{"hire funded", JobStateFunded, JobEventHire, JobStateActive, nil},
		{"hire created", JobStateCreated, JobEventHire, 0, ErrInvalidState},
		{"dispute active", JobStateActive, JobEventDispute, JobStateDisputed, nil},
		{"dispute disputed", JobStateDisputed, JobEventDispute, 0, ErrArbitrationPending},
		{"dispute funded", JobStateFunded, JobEventDispute, 0, ErrInvalidState},
		{"settle disputed", JobStateDisputed, JobEventSettle, JobStateActive, nil},
		{"settle active", JobStateActive, JobEventSettle, 0, ErrInvalidState},
		{"complete active", JobStateActive, JobEventComplete, JobStateCompleted, nil},
		{"complete disputed", JobStateDisputed, JobEventComplete, JobStateCompleted, nil},
		{"complete funded", JobStateFunded, JobEventComplete, 0, ErrInvalidState},
		{"cancel created", JobStateCreated, JobEventCancel, JobStateCancelled, nil},
		{"cancel active", JobStateActive, JobEventCancel, JobStateCancelled, nil},
		{"cancel disputed", JobStateDisputed, JobEventCancel, JobStateCancelled, nil},
		{"cancel cancelled", JobStateCancelled, JobEventCancel, 0, ErrJobCompleted},
		{"cancel completed", JobStateCompleted, JobEventCancel, 0, ErrJobCompleted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TransitionJob(tc.state, tc.event)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestTransitionMilestone(t *testing.T) {
	cases := []struct {
		name    string
		state   MilestoneState
		event   MilestoneEvent
		want    MilestoneState
		wantErr error
	}{
		{"submit pending", MilestonePending, MilestoneEventSubmit, MilestoneSubmitted, nil},
		{"submit submitted", MilestoneSubmitted, MilestoneEventSubmit, 0, ErrMilestonePending},
		{"submit paid", MilestonePaid, MilestoneEventSubmit, 0, ErrMilestonePending},
		{"approve submitted", MilestoneSubmitted, MilestoneEventApprove, MilestonePaid, nil},
		{"approve pending", MilestonePending, MilestoneEventApprove, 0, ErrNotSubmitted},
		{"approve disputed", MilestoneDisputed, MilestoneEventApprove, 0, ErrNotSubmitted},
		{"dispute submitted", MilestoneSubmitted, MilestoneEventDispute, MilestoneDisputed, nil},
		{"dispute pending", MilestonePending, MilestoneEventDispute, 0, ErrNotSubmitted},
		{"arbitrate pay submitted", MilestoneSubmitted, MilestoneEventArbitratePay, MilestonePaid, nil},
		{"arbitrate pay disputed", MilestoneDisputed, MilestoneEventArbitratePay, MilestonePaid, nil},
		{"arbitrate pay pending", MilestonePending, MilestoneEventArbitratePay, 0, ErrNotSubmitted},
		{"arbitrate reject submitted", MilestoneSubmitted, MilestoneEventArbitrateReject, MilestonePending, nil},
		{"arbitrate reject disputed", MilestoneDisputed, MilestoneEventArbitrateReject, MilestonePending, nil},
		{"arbitrate reject paid", MilestonePaid, MilestoneEventArbitrateReject, 0, ErrNotSubmitted},
		{"reopen disputed", MilestoneDisputed, MilestoneEventReopen, MilestoneSubmitted, nil},
		{"reopen submitted", MilestoneSubmitted, MilestoneEventReopen, 0, ErrInvalidState},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TransitionMilestone(tc.state, tc.event)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestSanitizeJobValidations(t *testing.T) {
	if _, err := SanitizeJob(nil); err == nil {
		t.Fatalf("expected error for nil job")
	}
	if _, err := SanitizeJob(validTestJob()); err != nil {
		t.Fatalf("unexpected error for valid job: %v", err)
	}

	missingClient := validTestJob()
	missingClient.Client = [20]byte{}
	if _, err := SanitizeJob(missingClient); err == nil {
		t.Fatalf("expected error for zero client")
	}

	negativePaid := validTestJob()
	negativePaid.AmountPaid = big.NewInt(-1)
	if _, err := SanitizeJob(negativePaid); err == nil {
		t.Fatalf("expected error for negative amountPaid")
	}

	noMilestones := validTestJob()
	noMilestones.Milestones = nil
	if _, err := SanitizeJob(noMilestones); err == nil {
		t.Fatalf("expected error for empty schedule")
	}

	badMilestone := validTestJob()
	badMilestone.Milestones[0].Amount = big.NewInt(0)
	if _, err := SanitizeJob(badMilestone); err == nil {
		t.Fatalf("expected error for zero milestone amount")
	}

	badState := validTestJob()
	badState.State = JobState(99)
	if _, err := SanitizeJob(badState); err == nil {
		t.Fatalf("expected error for invalid state")
	}
}

func TestJobCloneIsolation(t *testing.T) {
	job := validTestJob()
	clone := job.Clone()
	clone.TotalValue.SetInt64(5)
	clone.Milestones[0].State = MilestonePaid
	clone.Milestones[0].Amount.SetInt64(7)

	if job.TotalValue.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("clone shares totalValue")
	}
	if job.Milestones[0].State != MilestonePending {
		t.Fatalf("clone shares milestone state")
	}
	if job.Milestones[0].Amount.Cmp(big.NewInt(600)) != 0 {
		t.Fatalf("clone shares milestone amount")
	}
}

func TestJobHelpers(t *testing.T) {
	job := validTestJob()
	if job.HasTalent() {
		t.Fatalf("fresh job has no talent")
	}
	job.Talent = newTestAddress(0x02)
	if !job.HasTalent() {
		t.Fatalf("talent not detected")
	}
	if job.Disputed() {
		t.Fatalf("no arbitrator selected yet")
	}
	job.Arbitrator = newTestAddress(0xE1)
	if !job.Disputed() {
		t.Fatalf("dispute not detected")
	}
	if job.AllMilestonesPaid() {
		t.Fatalf("milestones still pending")
	}
	for _, ms := range job.Milestones {
		ms.State = MilestonePaid
	}
	if !job.AllMilestonesPaid() {
		t.Fatalf("paid milestones not detected")
	}
}

func TestFeeByBps(t *testing.T) {
	cases := []struct {
		name   string
		amount *big.Int
		bps    uint32
		want   int64
	}{
		{"ten percent", big.NewInt(1_000), 1_000, 100},
		{"five percent", big.NewInt(1_000), 500, 50},
		{"floors to zero", big.NewInt(19), 500, 0},
		{"zero amount", big.NewInt(0), 500, 0},
		{"nil amount", nil, 500, 0},
		{"negative amount", big.NewInt(-100), 500, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := feeByBps(tc.amount, tc.bps); got.Cmp(big.NewInt(tc.want)) != 0 {
				t.Fatalf("expected %d, got %s", tc.want, got)
			}
		})
	}
}

func TestParamsValidate(t *testing.T) {
	if err := DefaultParams().Validate(); err != nil {
		t.Fatalf("default params must validate: %v", err)
	}
	excessiveFee := DefaultParams()
	excessiveFee.CancellationFeeBps = 10_001
	if err := excessiveFee.Validate(); err == nil {
		t.Fatalf("expected error for fee above 100%%")
	}
	excessiveReputation := DefaultParams()
	excessiveReputation.InitialReputation = 101
	if err := excessiveReputation.Validate(); err == nil {
		t.Fatalf("expected error for reputation above scale")
	}
}
