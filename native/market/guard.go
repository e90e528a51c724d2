package market

import "sync"

// CallGuard rejects re-entrant state-changing calls. The host shares one
// guard across every engine touching the same state, so a nested call through
// any of them fails with ErrReentrancy while the outer call holds the guard.
type CallGuard struct {
	mu     sync.Mutex
	active bool
}

// NewCallGuard returns a released guard.
func NewCallGuard() *CallGuard {
	return &CallGuard{}
}

// Enter acquires the guard. It fails with ErrReentrancy when the guard is
// already held. Callers pair every successful Enter with a deferred Exit so
// the guard is released on every return path.
func (g *CallGuard) Enter() error {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return ErrReentrancy
	}
	g.active = true
	return nil
}

// Exit releases the guard.
func (g *CallGuard) Exit() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.active = false
	g.mu.Unlock()
}
