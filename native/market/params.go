package market

import (
	"fmt"
	"math/big"
)

const (
	// DefaultCancellationFeeBps is the share of a job's total value owed to
	// the talent when the client cancels after work began (10%).
	DefaultCancellationFeeBps uint32 = 1_000
	// DefaultArbitrationFeeBps is the share of a job's total value paid to
	// the arbitrator per resolved dispute (5%).
	DefaultArbitrationFeeBps uint32 = 500
	// DefaultInitialReputation is the score assigned to newly registered
	// arbitrators.
	DefaultInitialReputation uint32 = 80

	maxBps        uint32 = 10_000
	maxReputation uint32 = 100
)

// Params bundles the tunable fee and registry constants of the marketplace.
type Params struct {
	CancellationFeeBps uint32
	ArbitrationFeeBps  uint32
	InitialReputation  uint32
}

// DefaultParams returns the canonical marketplace parameters.
func DefaultParams() Params {
	return Params{
		CancellationFeeBps: DefaultCancellationFeeBps,
		ArbitrationFeeBps:  DefaultArbitrationFeeBps,
		InitialReputation:  DefaultInitialReputation,
	}
}

// Validate rejects parameter sets outside the supported ranges.
func (p Params) Validate() error {
	if p.CancellationFeeBps > maxBps {
		return fmt.Errorf("cancellation fee bps out of range: %d", p.CancellationFeeBps)
	}
	if p.ArbitrationFeeBps > maxBps {
		return fmt.Errorf("arbitration fee bps out of range: %d", p.ArbitrationFeeBps)
	}
	if p.InitialReputation > maxReputation {
		return fmt.Errorf("initial reputation out of range: %d", p.InitialReputation)
	}
	return nil
}

// feeByBps computes amount*bps/10_000, returning zero for non-positive
// amounts.
func feeByBps(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || amount.Sign() <= 0 || bps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return fee.Div(fee, big.NewInt(10_000))
}
