package arbitration

import "errors"

const (
	// DefaultFeeBps is the flat dispute fee charged on a job's total value.
	DefaultFeeBps uint32 = 500
	// DefaultInitialReputation seeds every fresh arbitrator on a 0-100 scale.
	DefaultInitialReputation uint32 = 80

	maxFeeBps     uint32 = 10_000
	maxReputation uint32 = 100
)

// Arbitrator is a registered third party authorised to resolve marketplace
// disputes for a fee.
type Arbitrator struct {
	Address        [20]byte
	FeeBps         uint32
	Reputation     uint32
	CasesHandled   uint32
	Specialization [32]byte
	RegisteredAt   int64
}

// Validate ensures the arbitrator record is well formed.
func (a *Arbitrator) Validate() error {
	if a == nil {
		return errors.New("arbitration: arbitrator nil")
	}
	if a.Address == ([20]byte{}) {
		return errors.New("arbitration: address required")
	}
	if a.FeeBps > maxFeeBps {
		return errors.New("arbitration: fee above 100%")
	}
	if a.Reputation > maxReputation {
		return errors.New("arbitration: reputation above scale")
	}
	return nil
}

// Clone returns a copy of the arbitrator record.
func (a *Arbitrator) Clone() *Arbitrator {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}
