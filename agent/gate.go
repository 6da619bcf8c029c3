package agent

import "context"

// Gate is the process-wide admission slot. The agent drives a single GPU,
// so at most one job may hold the slot at a time; everything else is turned
// away at the door rather than queued.
type Gate struct {
	slot chan struct{}
}

// NewGate returns an empty gate.
func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// TryReserve claims the slot without waiting. It returns false when another
// job already holds it.
func (g *Gate) TryReserve() bool {
	select {
	case g.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Reserve claims the slot, waiting for the active job to release it.
func (g *Gate) Reserve(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees the slot. Releasing an unheld gate is a no-op.
func (g *Gate) Release() {
	select {
	case <-g.slot:
	default:
	}
}

// Busy reports whether a job currently holds the slot.
func (g *Gate) Busy() bool {
	return len(g.slot) > 0
}
