package of

import (
	"errors"
	"testing"
)

func TestClaimFixedOverlap(t *testing.T) {
	tab := NewClaimTable(1 << 30)

	if _, err := tab.Claim(0, 0x8000, 0); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	// A fixed claim inside an existing range fails and changes nothing.
	if _, err := tab.Claim(0x1000, 0x1000, 0); !errors.Is(err, ErrOverlap) {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}
	if got := len(tab.Ranges()); got != 1 {
		t.Fatalf("expected 1 claim after the failed attempt, got %d", got)
	}

	// Touching ranges are fine; end is exclusive.
	if _, err := tab.Claim(0x8000, 0x1000, 0); err != nil {
		t.Fatalf("adjacent claim: %v", err)
	}
}

func TestClaimZeroSize(t *testing.T) {
	tab := NewClaimTable(1 << 30)
	if _, err := tab.Claim(0x1000, 0, 0); err == nil {
		t.Fatal("expected a zero-size claim to fail")
	}
	if _, err := tab.Claim(0, 0, 0x1000); err == nil {
		t.Fatal("expected a zero-size aligned claim to fail")
	}
}

func TestClaimAutoPlacement(t *testing.T) {
	tab := NewClaimTable(1 << 30)

	a, err := tab.Claim(0, 0x4000, 0x1000)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	b, err := tab.Claim(0, 0x4000, 0x1000)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if b < a+0x4000 {
		t.Fatalf("expected the second claim past the first, got 0x%x after 0x%x", b, a)
	}
	if b%0x1000 != 0 {
		t.Fatalf("expected 0x1000 alignment, got 0x%x", b)
	}
}

func TestClaimCursorAdvancesPastFixedClaims(t *testing.T) {
	tab := NewClaimTable(1 << 30)

	if _, err := tab.Claim(0, 0x1000, 0); err != nil {
		t.Fatalf("fixed claim: %v", err)
	}

	// The fixed claim moved the cursor, so the aligned claim lands after it
	// rather than probing from zero.
	addr, err := tab.Claim(0, 0x2000, 0x1000)
	if err != nil {
		t.Fatalf("aligned claim: %v", err)
	}
	if addr != 0x1000 {
		t.Fatalf("expected the aligned claim at 0x1000, got 0x%x", addr)
	}
}

func TestClaimOutOfMemory(t *testing.T) {
	tab := NewClaimTable(0x4000)

	if _, err := tab.Claim(0, 0x4000, 0x1000); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := tab.Claim(0, 0x1000, 0x1000); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}
}

func TestReleaseExactMatchOnly(t *testing.T) {
	tab := NewClaimTable(1 << 30)

	if _, err := tab.Claim(0x10000, 0x4000, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := tab.Release(0x10000, 0x2000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected partial release to fail, got %v", err)
	}
	if err := tab.Release(0x10000, 0x4000); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := tab.Release(0x10000, 0x4000); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected double release to fail, got %v", err)
	}

	// The released range can be claimed again.
	if _, err := tab.Claim(0x10000, 0x4000, 0); err != nil {
		t.Fatalf("reclaim: %v", err)
	}
}

func TestAvailableView(t *testing.T) {
	tab := NewClaimTable(1 << 30)
	const memTop = 0x10000

	// No claims at all means the firmware claim is gone.
	if _, err := tab.Available(memTop); err == nil {
		t.Fatal("expected an error without the firmware claim")
	}

	if _, err := tab.Claim(0, 0x1000, 0); err != nil {
		t.Fatalf("firmware claim: %v", err)
	}
	if _, err := tab.Claim(0x4000, 0x1000, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	avail, err := tab.Available(memTop)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	want := []ClaimedRange{
		{Start: 0x1000, Size: 0x3000},
		{Start: 0x5000, Size: 0xB000},
	}
	if len(avail) != len(want) {
		t.Fatalf("expected %v, got %v", want, avail)
	}
	for i := range want {
		if avail[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, avail)
		}
	}

	// Claims above memTop do not produce gaps.
	if _, err := tab.Claim(0x20000, 0x1000, 0); err != nil {
		t.Fatalf("claim above memTop: %v", err)
	}
	avail, err = tab.Available(memTop)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if len(avail) != 2 {
		t.Fatalf("expected 2 gaps, got %v", avail)
	}
}

func TestAvailableAdjacentClaims(t *testing.T) {
	tab := NewClaimTable(1 << 30)

	if _, err := tab.Claim(0, 0x1000, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := tab.Claim(0x1000, 0x1000, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}

	avail, err := tab.Available(0x4000)
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if len(avail) != 1 || avail[0] != (ClaimedRange{Start: 0x2000, Size: 0x2000}) {
		t.Fatalf("expected one gap at 0x2000, got %v", avail)
	}
}
