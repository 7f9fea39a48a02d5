package rpcremap

import (
	"testing"
	"time"
)

func TestAllocateAssignsFirstFreeSlot(t *testing.T) {
	tbl := New(4, 5*time.Second)
	now := time.Unix(0, 0)

	id, err := tbl.Allocate(ClientID(1), 0x0001, nil, now)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if id != 0 {
		t.Errorf("expected first free slot 0, got %d", id)
	}

	rec, err := tbl.Resolve(id)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Original != 0x0001 || rec.Client != ClientID(1) {
		t.Errorf("unexpected record contents: %+v", rec)
	}
}

func TestCapacityExhaustionReturnsBusy(t *testing.T) {
	tbl := New(2, 5*time.Second)
	now := time.Unix(0, 0)

	if _, err := tbl.Allocate(ClientID(1), 1, nil, now); err != nil {
		t.Fatalf("Allocate 1: %v", err)
	}
	if _, err := tbl.Allocate(ClientID(1), 2, nil, now); err != nil {
		t.Fatalf("Allocate 2: %v", err)
	}
	if _, err := tbl.Allocate(ClientID(1), 3, nil, now); err != ErrCapacityExhausted {
		t.Errorf("expected ErrCapacityExhausted, got %v", err)
	}
}

func TestFreeReturnsSlotToPool(t *testing.T) {
	tbl := New(1, 5*time.Second)
	now := time.Unix(0, 0)

	id, _ := tbl.Allocate(ClientID(1), 1, nil, now)
	if err := tbl.Free(id); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := tbl.Resolve(id); err != ErrNotFound {
		t.Errorf("expected record gone after Free, got err=%v", err)
	}
	if _, err := tbl.Allocate(ClientID(2), 1, nil, now); err != nil {
		t.Errorf("expected capacity reclaimed after Free, got %v", err)
	}
}

func TestOrphanClientPreservesTimeoutMembership(t *testing.T) {
	tbl := New(4, 5*time.Second)
	now := time.Unix(0, 0)

	idA, _ := tbl.Allocate(ClientID(1), 1, nil, now)
	idB, _ := tbl.Allocate(ClientID(1), 2, nil, now)

	orphaned := tbl.OrphanClient(ClientID(1))
	if len(orphaned) != 2 {
		t.Fatalf("expected 2 orphaned records, got %d", len(orphaned))
	}
	if !tbl.IsOrphan(idA) || !tbl.IsOrphan(idB) {
		t.Errorf("expected both records marked orphaned")
	}

	// Orphaned records still time out normally.
	expired := tbl.SweepTimeouts(now.Add(10 * time.Second))
	if len(expired) != 0 {
		t.Errorf("orphaned timeouts must not be reported to a client, got %d", len(expired))
	}
	if _, err := tbl.Resolve(idA); err != ErrNotFound {
		t.Errorf("expected orphaned record reclaimed by sweep")
	}
}

func TestSweepTimeoutsReportsOnlyExpired(t *testing.T) {
	tbl := New(4, 5*time.Second)
	base := time.Unix(100, 0)

	idOld, _ := tbl.Allocate(ClientID(1), 0x10, nil, base)
	_, _ = tbl.Allocate(ClientID(1), 0x20, nil, base.Add(1*time.Second))

	expired := tbl.SweepTimeouts(base.Add(5500 * time.Millisecond))
	if len(expired) != 1 {
		t.Fatalf("expected exactly 1 expired record, got %d", len(expired))
	}
	if expired[0].Client != ClientID(1) || expired[0].Original != 0x10 {
		t.Errorf("unexpected expired record: %+v", expired[0])
	}
	if _, err := tbl.Resolve(idOld); err != ErrNotFound {
		t.Errorf("expected timed-out record reclaimed")
	}
}

func TestSweepTimeoutsStopsAtFirstNonExpired(t *testing.T) {
	tbl := New(4, 5*time.Second)
	base := time.Unix(0, 0)

	_, _ = tbl.Allocate(ClientID(1), 1, nil, base)
	_, _ = tbl.Allocate(ClientID(1), 2, nil, base.Add(10*time.Second))

	expired := tbl.SweepTimeouts(base.Add(6 * time.Second))
	if len(expired) != 1 {
		t.Fatalf("expected only the first record to expire, got %d", len(expired))
	}
}

func TestInFlightTracksPerClientCount(t *testing.T) {
	tbl := New(4, 5*time.Second)
	now := time.Unix(0, 0)

	_, _ = tbl.Allocate(ClientID(1), 1, nil, now)
	_, _ = tbl.Allocate(ClientID(1), 2, nil, now)
	_, _ = tbl.Allocate(ClientID(2), 1, nil, now)

	if got := tbl.InFlight(ClientID(1)); got != 2 {
		t.Errorf("expected InFlight(1)=2, got %d", got)
	}
	if got := tbl.InFlight(ClientID(2)); got != 1 {
		t.Errorf("expected InFlight(2)=1, got %d", got)
	}
}
