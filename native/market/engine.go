package market

import (
	"errors"
	"math/big"
	"strings"
	"time"

	"jobledger/core/events"
	"jobledger/core/types"
)

var (
	errNilState    = errors.New("market engine: state not configured")
	errNilRegistry = errors.New("market engine: arbitrator registry not configured")
)

type engineState interface {
	JobPut(*Job) error
	JobGet(id uint32) (*Job, bool, error)
	NextJobID() (uint32, error)
	PaymentToken() (string, bool, error)
	SetPaymentToken(symbol string) error
	Balance(addr []byte, symbol string) (*big.Int, error)
	SetBalance(addr []byte, symbol string, amount *big.Int) error
	VaultAddress(symbol string) ([20]byte, error)
	EscrowCredit(id uint32, token string, amt *big.Int) error
	EscrowDebit(id uint32, token string, amt *big.Int) error
}

// arbitratorRegistry is the slice of the arbitration ledger the dispute flow
// depends on.
type arbitratorRegistry interface {
	IsRegistered(addr [20]byte) (bool, error)
	RecordResolution(addr [20]byte) error
}

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// Engine wires the job marketplace business logic with external state, the
// arbitrator registry and event emitters. Funds only move through the escrow
// vault; every state-changing operation persists the whole job aggregate
// after all validations pass.
type Engine struct {
	state    engineState
	registry arbitratorRegistry
	emitter  events.Emitter
	guard    *CallGuard
	params   Params
	nowFn    func() int64
}

// NewEngine creates a marketplace engine with a no-op emitter, default
// parameters and a private call guard. Callers can override each via the
// setters.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		guard:   NewCallGuard(),
		params:  DefaultParams(),
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetRegistry configures the arbitrator registry consulted by dispute
// operations.
func (e *Engine) SetRegistry(registry arbitratorRegistry) { e.registry = registry }

// SetGuard shares a call guard with the engine. Hosts pass the same guard to
// every engine over the same state so re-entrant calls are rejected across
// engine boundaries.
func (e *Engine) SetGuard(guard *CallGuard) {
	if guard == nil {
		guard = NewCallGuard()
	}
	e.guard = guard
}

// SetParams overrides the marketplace parameters.
func (e *Engine) SetParams(params Params) error {
	if err := params.Validate(); err != nil {
		return err
	}
	e.params = params
	return nil
}

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil
// resets the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(marketEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (e *Engine) loadJob(id uint32) (*Job, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	job, ok, err := e.state.JobGet(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

func (e *Engine) storeJob(job *Job) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	return e.state.JobPut(job)
}

// paymentToken resolves the configured payment token or fails when none was
// initialised.
func (e *Engine) paymentToken() (string, error) {
	if e == nil || e.state == nil {
		return "", errNilState
	}
	token, ok, err := e.state.PaymentToken()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrTokenNotSet
	}
	return token, nil
}

// transferToken moves amount between accounts, rejecting overdrafts. Zero
// amounts are a no-op.
func (e *Engine) transferToken(from, to [20]byte, token string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return ErrAmountRequired
	}
	fromBal, err := e.state.Balance(from[:], token)
	if err != nil {
		return err
	}
	if fromBal.Cmp(amt) < 0 {
		return ErrInsufficientFunds
	}
	toBal, err := e.state.Balance(to[:], token)
	if err != nil {
		return err
	}
	if err := e.state.SetBalance(from[:], token, new(big.Int).Sub(fromBal, amt)); err != nil {
		return err
	}
	return e.state.SetBalance(to[:], token, new(big.Int).Add(toBal, amt))
}

// Initialize configures the payment token for the marketplace. The token can
// be set exactly once.
func (e *Engine) Initialize(token string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()

	normalized := strings.ToUpper(strings.TrimSpace(token))
	if normalized == "" {
		return ErrInvalidInput
	}
	if _, ok, err := e.state.PaymentToken(); err != nil {
		return err
	} else if ok {
		return ErrInvalidState
	}
	if err := e.state.SetPaymentToken(normalized); err != nil {
		return err
	}
	e.emit(NewInitializedEvent(normalized))
	return nil
}

// CreateJob posts a new job with its milestone schedule and returns the
// assigned id. The milestone arrays must be equal length; every amount must be
// positive. The job starts unfunded in Created.
func (e *Engine) CreateJob(client [20]byte, title [32]byte, descriptions [][32]byte, amounts []*big.Int, deadlines []int64) (uint32, error) {
	if e == nil || e.state == nil {
		return 0, errNilState
	}
	if err := e.guard.Enter(); err != nil {
		return 0, err
	}
	defer e.guard.Exit()

	if client == ([20]byte{}) {
		return 0, ErrInvalidInput
	}
	if len(descriptions) != len(amounts) || len(amounts) != len(deadlines) {
		return 0, ErrInvalidInput
	}

	total := big.NewInt(0)
	milestones := make([]*Milestone, len(amounts))
	for i := range amounts {
		if amounts[i] == nil || amounts[i].Sign() <= 0 {
			return 0, ErrAmountRequired
		}
		total.Add(total, amounts[i])
		milestones[i] = &Milestone{
			Description: descriptions[i],
			Amount:      cloneBigInt(amounts[i]),
			State:       MilestonePending,
			Deadline:    deadlines[i],
		}
	}
	if total.Sign() <= 0 {
		return 0, ErrAmountRequired
	}

	id, err := e.state.NextJobID()
	if err != nil {
		return 0, err
	}
	job := &Job{
		ID:              id,
		Client:          client,
		Title:           title,
		TotalValue:      total,
		AmountPaid:      big.NewInt(0),
		EscrowBalance:   big.NewInt(0),
		CancellationFee: feeByBps(total, e.params.CancellationFeeBps),
		State:           JobStateCreated,
		CreatedAt:       e.now(),
		Milestones:      milestones,
	}
	if err := e.storeJob(job); err != nil {
		return 0, err
	}
	e.emit(NewJobCreatedEvent(job))
	return id, nil
}

// FundJob locks the job's total value in the escrow vault. Only the client
// may fund, and only from Created.
func (e *Engine) FundJob(client [20]byte, jobID uint32) error {
	if err := e.guard.Enter(); err != nil {
		return err
	}
	defer e.guard.Exit()

	job, err := e.loadJob(jobID)
	if err != nil {
		return err
	}
	if job.Client != client {
		return ErrUnauthorized
	}
	next, err := TransitionJob(job.State, JobEventFund)
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
	amount := cloneBigInt(job.TotalValue)
	if amount.Sign() <= 0 {
		return ErrAmountRequired
	}
	if err := e.transferToken(job.Client, vault, token, amount); err != nil {
		return err
	}
	if err := e.state.EscrowCredit(jobID, token, amount); err != nil {
		return err
	}
	job.EscrowBalance = amount
	job.State = next
	if err := e.storeJob(job); err != nil {
		return err
	}
	e.emit(NewJobFundedEvent(job))
	return nil
}

// SelectTalent hires a talent for a funded job, activating the milestone
// schedule.
func (e *Engine) SelectTalent(client [20]byte, jobID uint32, talent [20]byte) error {
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
	next, err := TransitionJob(job.State, JobEventHire)
	if err != nil {
		return err
	}
	if talent == ([20]byte{}) {
		return ErrInvalidInput
	}
	if job.HasTalent() {
		return ErrTalentExists
	}
	job.Talent = talent
	job.State = next
	if err := e.storeJob(job); err != nil {
		return err
	}
	e.emit(NewTalentSelectedEvent(job))
	return nil
}

// CancelJob terminates the job at the client's request. When a talent was
// ever hired, the cancellation fee (capped at the remaining escrow) goes to
// the talent; the rest of the escrow refunds to the client.
func (e *Engine) CancelJob(client [20]byte, jobID uint32) error {
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
	next, err := TransitionJob(job.State, JobEventCancel)
	if err != nil {
		return err
	}

	balance := cloneBigInt(job.EscrowBalance)
	feePaid := big.NewInt(0)
	refund := big.NewInt(0)
	if balance.Sign() > 0 {
		if job.HasTalent() {
			feePaid = cloneBigInt(job.CancellationFee)
			if feePaid.Cmp(balance) > 0 {
				feePaid = cloneBigInt(balance)
			}
		}
		refund = new(big.Int).Sub(balance, feePaid)

		token, err := e.paymentToken()
		if err != nil {
			return err
		}
		vault, err := e.state.VaultAddress(token)
		if err != nil {
			return err
		}
		if feePaid.Sign() > 0 {
			if err := e.transferToken(vault, job.Talent, token, feePaid); err != nil {
				return err
			}
		}
		if refund.Sign() > 0 {
			if err := e.transferToken(vault, job.Client, token, refund); err != nil {
				return err
			}
		}
		if err := e.state.EscrowDebit(jobID, token, balance); err != nil {
			return err
		}
	}

	job.EscrowBalance = big.NewInt(0)
	job.State = next
	job.DisputeRaisedBy = [20]byte{}
	job.Arbitrator = [20]byte{}
	if err := e.storeJob(job); err != nil {
		return err
	}
	e.emit(NewJobCancelledEvent(job, refund, feePaid))
	return nil
}

// GetJob returns a copy of the stored job aggregate.
func (e *Engine) GetJob(jobID uint32) (*Job, error) {
	job, err := e.loadJob(jobID)
	if err != nil {
		return nil, err
	}
	return job.Clone(), nil
}
