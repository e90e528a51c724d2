package state

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"jobledger/native/market"
)

var (
	jobPrefix       = []byte("job:")
	jobCounterKey   = ethcrypto.Keccak256([]byte("job-counter"))
	paymentTokenKey = ethcrypto.Keccak256([]byte("payment-token"))
	escrowPrefix    = []byte("job-escrow:")
)

func jobKey(id uint32) []byte {
	buf := make([]byte, len(jobPrefix)+4)
	copy(buf, jobPrefix)
	binary.BigEndian.PutUint32(buf[len(jobPrefix):], id)
	return ethcrypto.Keccak256(buf)
}

func escrowKey(id uint32, symbol string) []byte {
	buf := make([]byte, len(escrowPrefix)+4+1+len(symbol))
	copy(buf, escrowPrefix)
	binary.BigEndian.PutUint32(buf[len(escrowPrefix):], id)
	buf[len(escrowPrefix)+4] = ':'
	copy(buf[len(escrowPrefix)+5:], symbol)
	return ethcrypto.Keccak256(buf)
}

// storedJob mirrors market.Job with RLP-friendly field types. Timestamps are
// persisted as uint64 because RLP has no signed integer encoding.
type storedJob struct {
	ID              uint32
	Client          [20]byte
	Talent          [20]byte
	Title           [32]byte
	TotalValue      *big.Int
	AmountPaid      *big.Int
	EscrowBalance   *big.Int
	CancellationFee *big.Int
	State           uint8
	CreatedAt       uint64
	DisputeRaisedBy [20]byte
	Arbitrator      [20]byte
	Milestones      []storedMilestone
}

type storedMilestone struct {
	Description    [32]byte
	SubmissionData [32]byte
	Amount         *big.Int
	State          uint8
	Deadline       uint64
	SubmittedAt    uint64
}

func toStoredJob(job *market.Job) *storedJob {
	stored := &storedJob{
		ID:              job.ID,
		Client:          job.Client,
		Talent:          job.Talent,
		Title:           job.Title,
		TotalValue:      job.TotalValue,
		AmountPaid:      job.AmountPaid,
		EscrowBalance:   job.EscrowBalance,
		CancellationFee: job.CancellationFee,
		State:           uint8(job.State),
		CreatedAt:       uint64(job.CreatedAt),
		DisputeRaisedBy: job.DisputeRaisedBy,
		Arbitrator:      job.Arbitrator,
		Milestones:      make([]storedMilestone, len(job.Milestones)),
	}
	for i, ms := range job.Milestones {
		stored.Milestones[i] = storedMilestone{
			Description:    ms.Description,
			SubmissionData: ms.SubmissionData,
			Amount:         ms.Amount,
			State:          uint8(ms.State),
			Deadline:       uint64(ms.Deadline),
			SubmittedAt:    uint64(ms.SubmittedAt),
		}
	}
	return stored
}

func (s *storedJob) toJob() *market.Job {
	job := &market.Job{
		ID:              s.ID,
		Client:          s.Client,
		Talent:          s.Talent,
		Title:           s.Title,
		TotalValue:      s.TotalValue,
		AmountPaid:      s.AmountPaid,
		EscrowBalance:   s.EscrowBalance,
		CancellationFee: s.CancellationFee,
		State:           market.JobState(s.State),
		CreatedAt:       int64(s.CreatedAt),
		DisputeRaisedBy: s.DisputeRaisedBy,
		Arbitrator:      s.Arbitrator,
		Milestones:      make([]*market.Milestone, len(s.Milestones)),
	}
	for i := range s.Milestones {
		ms := s.Milestones[i]
		job.Milestones[i] = &market.Milestone{
			Description:    ms.Description,
			SubmissionData: ms.SubmissionData,
			Amount:         ms.Amount,
			State:          market.MilestoneState(ms.State),
			Deadline:       int64(ms.Deadline),
			SubmittedAt:    int64(ms.SubmittedAt),
		}
	}
	return job
}

// JobPut persists the job aggregate under its id. The aggregate is sanitized
// first so malformed records never reach disk.
func (m *Manager) JobPut(job *market.Job) error {
	sanitized, err := market.SanitizeJob(job)
	if err != nil {
		return err
	}
	encoded, err := rlp.EncodeToBytes(toStoredJob(sanitized))
	if err != nil {
		return err
	}
	return m.db.Put(jobKey(sanitized.ID), encoded)
}

// JobGet loads the job aggregate stored under the id. The boolean reports
// whether the record exists; decode failures surface as ErrStorageCorrupt.
func (m *Manager) JobGet(id uint32) (*market.Job, bool, error) {
	data, err := m.get(jobKey(id))
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	stored := new(storedJob)
	if err := m.decode(data, stored); err != nil {
		return nil, false, err
	}
	job, err := market.SanitizeJob(stored.toJob())
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s", ErrStorageCorrupt, err)
	}
	return job, true, nil
}

// JobCount returns the number of jobs ever created. Job ids are assigned
// sequentially starting at 1, so the count doubles as the highest id.
func (m *Manager) JobCount() (uint32, error) {
	data, err := m.get(jobCounterKey)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}
	var counter uint32
	if err := m.decode(data, &counter); err != nil {
		return 0, err
	}
	return counter, nil
}

// NextJobID increments the job counter and returns the freshly assigned id.
func (m *Manager) NextJobID() (uint32, error) {
	counter, err := m.JobCount()
	if err != nil {
		return 0, err
	}
	counter++
	encoded, err := rlp.EncodeToBytes(counter)
	if err != nil {
		return 0, err
	}
	if err := m.db.Put(jobCounterKey, encoded); err != nil {
		return 0, err
	}
	return counter, nil
}

// PaymentToken returns the configured marketplace settlement token, if any.
func (m *Manager) PaymentToken() (string, bool, error) {
	data, err := m.get(paymentTokenKey)
	if err != nil {
		return "", false, err
	}
	if len(data) == 0 {
		return "", false, nil
	}
	var symbol string
	if err := m.decode(data, &symbol); err != nil {
		return "", false, err
	}
	return symbol, true, nil
}

// SetPaymentToken stores the marketplace settlement token. The token must be
// registered first so balances and vault derivation work for it.
func (m *Manager) SetPaymentToken(symbol string) error {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	if normalized == "" {
		return fmt.Errorf("payment token symbol must not be empty")
	}
	if !m.TokenExists(normalized) {
		return fmt.Errorf("token %s not registered", normalized)
	}
	encoded, err := rlp.EncodeToBytes(normalized)
	if err != nil {
		return err
	}
	return m.db.Put(paymentTokenKey, encoded)
}

// EscrowBalance returns the funds held in custody for the job and token.
func (m *Manager) EscrowBalance(id uint32, symbol string) (*big.Int, error) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	data, err := m.get(escrowKey(id, normalized))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return big.NewInt(0), nil
	}
	amount := new(big.Int)
	if err := m.decode(data, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// EscrowCredit adds funds to the per-job custody subledger.
func (m *Manager) EscrowCredit(id uint32, symbol string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("escrow credit must not be negative")
	}
	if amt.Sign() == 0 {
		return nil
	}
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	current, err := m.EscrowBalance(id, normalized)
	if err != nil {
		return err
	}
	updated := new(big.Int).Add(current, amt)
	encoded, err := rlp.EncodeToBytes(updated)
	if err != nil {
		return err
	}
	return m.db.Put(escrowKey(id, normalized), encoded)
}

// EscrowDebit removes funds from the per-job custody subledger, rejecting
// overdraws. A fully drained entry is deleted.
func (m *Manager) EscrowDebit(id uint32, symbol string, amt *big.Int) error {
	if amt == nil || amt.Sign() < 0 {
		return fmt.Errorf("escrow debit must not be negative")
	}
	if amt.Sign() == 0 {
		return nil
	}
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	current, err := m.EscrowBalance(id, normalized)
	if err != nil {
		return err
	}
	if current.Cmp(amt) < 0 {
		return fmt.Errorf("escrow for job %d holds %s, cannot debit %s", id, current, amt)
	}
	updated := new(big.Int).Sub(current, amt)
	if updated.Sign() == 0 {
		return m.db.Delete(escrowKey(id, normalized))
	}
	encoded, err := rlp.EncodeToBytes(updated)
	if err != nil {
		return err
	}
	return m.db.Put(escrowKey(id, normalized), encoded)
}
