package amqp

import "testing"

func TestAllocatorAssignsSequentialNumbers(t *testing.T) {
	a := newAllocator(10)

	for want := uint16(1); want <= 3; want++ {
		got, err := a.allocate()
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		if got != want {
			t.Errorf("allocate() = %d, want %d", got, want)
		}
	}
}

func TestAllocatorPrefersSpaceBelowSmallest(t *testing.T) {
	a := newAllocator(10)
	a.propose(0)
	a.propose(0)
	a.propose(0) // 1, 2, 3 used

	a.release(1)

	got, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got != 1 {
		t.Errorf("allocate() with used={2,3} = %d, want 1 (smallest is 2, so smallest-1 is free)", got)
	}
}

func TestAllocatorDoesNotFillInteriorGapsBeforeHighWater(t *testing.T) {
	a := newAllocator(10)
	a.propose(0)
	a.propose(0)
	a.propose(0) // 1, 2, 3 used

	a.release(2) // used={1,3}: smallest is 1, so rule 3 doesn't apply; largest+1 wins

	got, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got != 4 {
		t.Errorf("allocate() with used={1,3} = %d, want 4", got)
	}
}

func TestAllocatorFallsBackToFullScanWhenBothEndsPinned(t *testing.T) {
	a := newAllocator(5)
	for _, n := range []uint16{1, 2, 4, 5} {
		if _, err := a.propose(n); err != nil {
			t.Fatalf("propose(%d): %v", n, err)
		}
	}

	got, err := a.allocate()
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got != 3 {
		t.Errorf("allocate() with used={1,2,4,5} and max=5 = %d, want 3 (both ends pinned, first interior gap)", got)
	}
}

func TestAllocatorProposeRejectsTaken(t *testing.T) {
	a := newAllocator(10)
	if _, err := a.propose(5); err != nil {
		t.Fatalf("first propose(5): %v", err)
	}
	if _, err := a.propose(5); err != ErrChannelAlreadyRegistered {
		t.Errorf("second propose(5) error = %v, want ErrChannelAlreadyRegistered", err)
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	a := newAllocator(2)
	if _, err := a.allocate(); err != nil {
		t.Fatalf("allocate 1: %v", err)
	}
	if _, err := a.allocate(); err != nil {
		t.Fatalf("allocate 2: %v", err)
	}
	if _, err := a.allocate(); err != ErrOutOfChannelNumbers {
		t.Errorf("allocate 3 error = %v, want ErrOutOfChannelNumbers", err)
	}
}

func TestAllocatorProposeOutOfRange(t *testing.T) {
	a := newAllocator(4)
	if _, err := a.propose(5); err != ErrOutOfChannelNumbers {
		t.Errorf("propose(5) on max=4 error = %v, want ErrOutOfChannelNumbers", err)
	}
}
