package compliance

import (
	"context"
	"sync"
)

// MemoryGate is an in-process Gate for tests and single-node deployments.
type MemoryGate struct {
	mu    sync.RWMutex
	flags map[string]Flag
}

// NewMemoryGate returns an empty MemoryGate; every principal starts
// unverified and not frozen.
func NewMemoryGate() *MemoryGate {
	return &MemoryGate{flags: make(map[string]Flag)}
}

// SetVerified marks a principal's KYC status.
func (g *MemoryGate) SetVerified(party string, verified bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	flag := g.flags[party]
	flag.Party = party
	flag.Verified = verified
	g.flags[party] = flag
}

// SetFrozen marks a principal as frozen or unfrozen.
func (g *MemoryGate) SetFrozen(party string, frozen bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	flag := g.flags[party]
	flag.Party = party
	flag.Frozen = frozen
	g.flags[party] = flag
}

func (g *MemoryGate) IsVerified(ctx context.Context, party string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.flags[party].Verified, nil
}

func (g *MemoryGate) IsFrozen(ctx context.Context, party string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.flags[party].Frozen, nil
}

// Upsert replaces the flags for a principal.
func (g *MemoryGate) Upsert(ctx context.Context, flag Flag) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flags[flag.Party] = flag
	return nil
}
