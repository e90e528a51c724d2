package arbitration

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"jobledger/core/events"
	"jobledger/native/market"
)

// storage abstracts the subset of state manager functionality required by the
// arbitrator registry.
type storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

var registryKey = []byte("arbitration/registry")

var (
	// ErrAlreadyRegistered marks a second registration attempt for the same
	// address. It wraps the market InvalidState sentinel, the stable code for
	// an illegal lifecycle step.
	ErrAlreadyRegistered = fmt.Errorf("arbitration: arbitrator already registered: %w", market.ErrInvalidState)
	// ErrNotRegistered marks lookups for addresses absent from the registry.
	ErrNotRegistered = errors.New("arbitration: arbitrator not registered")
)

type storedArbitrator struct {
	Address        [20]byte
	FeeBps         uint32
	Reputation     uint32
	CasesHandled   uint32
	Specialization [32]byte
	RegisteredAt   uint64
}

func (s storedArbitrator) toArbitrator() *Arbitrator {
	return &Arbitrator{
		Address:        s.Address,
		FeeBps:         s.FeeBps,
		Reputation:     s.Reputation,
		CasesHandled:   s.CasesHandled,
		Specialization: s.Specialization,
		RegisteredAt:   int64(s.RegisteredAt),
	}
}

// Ledger persists the arbitrator registry as a single address-sorted record.
type Ledger struct {
	store      storage
	emitter    events.Emitter
	guard      *market.CallGuard
	feeBps     uint32
	reputation uint32
	nowFn      func() int64
}

// NewLedger constructs a registry bound to the provided storage backend with
// the default fee and reputation seeds and a private call guard.
func NewLedger(store storage) *Ledger {
	return &Ledger{
		store:      store,
		emitter:    events.NoopEmitter{},
		guard:      market.NewCallGuard(),
		feeBps:     DefaultFeeBps,
		reputation: DefaultInitialReputation,
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetGuard shares a call guard with the registry. Hosts pass the guard used by
// the market engine so re-entrant calls are rejected across engine boundaries.
func (l *Ledger) SetGuard(guard *market.CallGuard) {
	if l == nil {
		return
	}
	if guard == nil {
		guard = market.NewCallGuard()
	}
	l.guard = guard
}

// SetDefaults overrides the fee and reputation applied to new registrations.
func (l *Ledger) SetDefaults(feeBps, reputation uint32) error {
	if l == nil {
		return errors.New("arbitration: ledger not initialised")
	}
	if feeBps > maxFeeBps {
		return errors.New("arbitration: fee above 100%")
	}
	if reputation > maxReputation {
		return errors.New("arbitration: reputation above scale")
	}
	l.feeBps = feeBps
	l.reputation = reputation
	return nil
}

// SetEmitter configures the event emitter used by the registry. Passing nil
// resets it to a no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if l == nil {
		return
	}
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// SetNowFunc overrides the wall clock used for registration timestamps.
// Primarily leveraged in tests to provide deterministic timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	if l == nil {
		return
	}
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

func (l *Ledger) now() int64 {
	if l == nil || l.nowFn == nil {
		return time.Now().Unix()
	}
	return l.nowFn()
}

func (l *Ledger) load() ([]storedArbitrator, error) {
	if l == nil {
		return nil, errors.New("arbitration: ledger not initialised")
	}
	if l.store == nil {
		return nil, errors.New("arbitration: storage unavailable")
	}
	var list []storedArbitrator
	ok, err := l.store.KVGet(registryKey, &list)
	if err != nil {
		return nil, err
	}
	if !ok {
		return []storedArbitrator{}, nil
	}
	return list, nil
}

func (l *Ledger) save(list []storedArbitrator) error {
	sort.Slice(list, func(i, j int) bool {
		return bytes.Compare(list[i].Address[:], list[j].Address[:]) < 0
	})
	return l.store.KVPut(registryKey, list)
}

func find(list []storedArbitrator, addr [20]byte) int {
	for i := range list {
		if list[i].Address == addr {
			return i
		}
	}
	return -1
}

// Register inserts a new arbitrator with the configured fee and initial
// reputation. Registering the same address twice fails. The call guard covers
// the registration; registry reads and the in-resolution case counter run
// under the market engine's own guarded operations.
func (l *Ledger) Register(addr [20]byte, specialization [32]byte) (*Arbitrator, error) {
	if err := l.guard.Enter(); err != nil {
		return nil, err
	}
	defer l.guard.Exit()

	list, err := l.load()
	if err != nil {
		return nil, err
	}
	if find(list, addr) >= 0 {
		return nil, ErrAlreadyRegistered
	}
	stored := storedArbitrator{
		Address:        addr,
		FeeBps:         l.feeBps,
		Reputation:     l.reputation,
		Specialization: specialization,
		RegisteredAt:   uint64(l.now()),
	}
	arb := stored.toArbitrator()
	if err := arb.Validate(); err != nil {
		return nil, err
	}
	list = append(list, stored)
	if err := l.save(list); err != nil {
		return nil, err
	}
	if l.emitter != nil {
		l.emitter.Emit(registryEvent{evt: NewRegisteredEvent(arb)})
	}
	return arb, nil
}

// Get retrieves the registry record for the address.
func (l *Ledger) Get(addr [20]byte) (*Arbitrator, bool, error) {
	list, err := l.load()
	if err != nil {
		return nil, false, err
	}
	idx := find(list, addr)
	if idx < 0 {
		return nil, false, nil
	}
	return list[idx].toArbitrator(), true, nil
}

// IsRegistered reports whether the address belongs to a registered
// arbitrator.
func (l *Ledger) IsRegistered(addr [20]byte) (bool, error) {
	list, err := l.load()
	if err != nil {
		return false, err
	}
	return find(list, addr) >= 0, nil
}

// List returns every registered arbitrator in address order.
func (l *Ledger) List() ([]*Arbitrator, error) {
	list, err := l.load()
	if err != nil {
		return nil, err
	}
	out := make([]*Arbitrator, len(list))
	for i := range list {
		out[i] = list[i].toArbitrator()
	}
	return out, nil
}

// RecordResolution increments the handled-case counter for the arbitrator.
func (l *Ledger) RecordResolution(addr [20]byte) error {
	list, err := l.load()
	if err != nil {
		return err
	}
	idx := find(list, addr)
	if idx < 0 {
		return ErrNotRegistered
	}
	list[idx].CasesHandled++
	return l.save(list)
}
