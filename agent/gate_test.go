package agent

import (
	"context"
	"testing"
	"time"
)

func TestGateTryReserve(t *testing.T) {
	t.Parallel()

	gate := NewGate()
	if gate.Busy() {
		t.Error("new gate reports Busy() = true, want false")
	}
	if !gate.TryReserve() {
		t.Fatal("TryReserve() on an empty gate = false, want true")
	}
	if !gate.Busy() {
		t.Error("held gate reports Busy() = false, want true")
	}
	if gate.TryReserve() {
		t.Error("TryReserve() on a held gate = true, want false")
	}

	gate.Release()
	if gate.Busy() {
		t.Error("released gate reports Busy() = true, want false")
	}
	if !gate.TryReserve() {
		t.Error("TryReserve() after release = false, want true")
	}
}

func TestGateReserveWaitsForRelease(t *testing.T) {
	t.Parallel()

	gate := NewGate()
	if !gate.TryReserve() {
		t.Fatal("TryReserve() on an empty gate = false, want true")
	}

	reserved := make(chan error, 1)
	go func() {
		reserved <- gate.Reserve(context.Background())
	}()

	select {
	case err := <-reserved:
		t.Fatalf("Reserve() returned %v while the slot was held", err)
	case <-time.After(20 * time.Millisecond):
	}

	gate.Release()
	select {
	case err := <-reserved:
		if err != nil {
			t.Errorf("Reserve() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Reserve() did not acquire the slot after release")
	}
}

func TestGateReserveHonoursContext(t *testing.T) {
	t.Parallel()

	gate := NewGate()
	if !gate.TryReserve() {
		t.Fatal("TryReserve() on an empty gate = false, want true")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := gate.Reserve(ctx); err != context.Canceled {
		t.Errorf("Reserve() error = %v, want context.Canceled", err)
	}
}

func TestGateReleaseWithoutHoldIsNoOp(t *testing.T) {
	t.Parallel()

	gate := NewGate()
	gate.Release()
	gate.Release()
	if !gate.TryReserve() {
		t.Error("TryReserve() after spurious releases = false, want true")
	}
}
