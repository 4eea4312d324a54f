package freemap

import (
	"testing"

	"github.com/termindex/termindex/internal/storage"
)

const testPage = 4096

// =============================================================================
// Allocation Tests
// =============================================================================

func TestAllocExtendsFrontier(t *testing.T) {
	m := New(1 << 20)

	a, err := m.Alloc(testPage)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}
	b, err := m.Alloc(testPage)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}

	if a != (storage.Loc{FileNo: 0, Offset: 0}) {
		t.Errorf("expected first page at 0:0, got %v", a)
	}
	if b != (storage.Loc{FileNo: 0, Offset: testPage}) {
		t.Errorf("expected second page at 0:%d, got %v", testPage, b)
	}
}

func TestAllocRollsToNextFile(t *testing.T) {
	m := New(2 * testPage)

	for i := 0; i < 2; i++ {
		if _, err := m.Alloc(testPage); err != nil {
			t.Fatalf("failed to alloc page %d: %v", i, err)
		}
	}
	loc, err := m.Alloc(testPage)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}
	if loc != (storage.Loc{FileNo: 1, Offset: 0}) {
		t.Errorf("expected page in next file at 1:0, got %v", loc)
	}
	if got := m.Files(); got != 2 {
		t.Errorf("expected 2 files touched, got %d", got)
	}
}

func TestAllocRejectsOversize(t *testing.T) {
	m := New(testPage)
	if _, err := m.Alloc(2 * testPage); err != ErrExhausted {
		t.Errorf("expected ErrExhausted, got %v", err)
	}
	if _, err := m.Alloc(0); err != ErrBadSize {
		t.Errorf("expected ErrBadSize, got %v", err)
	}
}

// =============================================================================
// Free and Reuse Tests
// =============================================================================

func TestFreedSpaceIsReused(t *testing.T) {
	m := New(1 << 20)

	var locs []storage.Loc
	for i := 0; i < 3; i++ {
		loc, err := m.Alloc(testPage)
		if err != nil {
			t.Fatalf("failed to alloc: %v", err)
		}
		locs = append(locs, loc)
	}

	m.Free(locs[1], testPage)
	if got := m.FreeBytes(); got != testPage {
		t.Errorf("expected %d free bytes, got %d", testPage, got)
	}

	loc, err := m.Alloc(testPage)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}
	if loc != locs[1] {
		t.Errorf("expected freed page %v reused, got %v", locs[1], loc)
	}
	if got := m.FreeBytes(); got != 0 {
		t.Errorf("expected no free bytes after reuse, got %d", got)
	}
}

func TestFreeCoalescesNeighbours(t *testing.T) {
	m := New(1 << 20)

	var locs []storage.Loc
	for i := 0; i < 3; i++ {
		loc, err := m.Alloc(testPage)
		if err != nil {
			t.Fatalf("failed to alloc: %v", err)
		}
		locs = append(locs, loc)
	}

	m.Free(locs[0], testPage)
	m.Free(locs[2], testPage)
	m.Free(locs[1], testPage)

	// a triple-page allocation only fits if the three extents merged
	loc, err := m.Alloc(3 * testPage)
	if err != nil {
		t.Fatalf("failed to alloc coalesced region: %v", err)
	}
	if loc != locs[0] {
		t.Errorf("expected coalesced region at %v, got %v", locs[0], loc)
	}
}

func TestFirstFitPrefersLowestFile(t *testing.T) {
	m := New(2 * testPage)

	// frontier runs into file 2, then holes open in all three files
	var locs []storage.Loc
	for i := 0; i < 6; i++ {
		loc, err := m.Alloc(testPage)
		if err != nil {
			t.Fatalf("failed to alloc: %v", err)
		}
		locs = append(locs, loc)
	}
	m.Free(locs[5], testPage)
	m.Free(locs[0], testPage)
	m.Free(locs[3], testPage)

	// first fit walks files in number order, not map order
	want := []storage.Loc{locs[0], locs[3], locs[5]}
	for i, w := range want {
		got, err := m.Alloc(testPage)
		if err != nil {
			t.Fatalf("failed to alloc reuse %d: %v", i, err)
		}
		if got != w {
			t.Errorf("reuse %d: expected %v, got %v", i, w, got)
		}
	}
}

// =============================================================================
// Exact Location Tests
// =============================================================================

func TestAllocAtBeyondFrontier(t *testing.T) {
	m := New(1 << 20)

	loc := storage.Loc{FileNo: 0, Offset: 2 * testPage}
	if err := m.AllocAt(loc, testPage); err != nil {
		t.Fatalf("failed to claim location: %v", err)
	}

	// the skipped gap must be free, the claimed page must not
	if got := m.FreeBytes(); got != 2*testPage {
		t.Errorf("expected %d free bytes in the gap, got %d", 2*testPage, got)
	}
	if err := m.AllocAt(loc, testPage); err != ErrOccupied {
		t.Errorf("expected ErrOccupied reclaiming the same page, got %v", err)
	}

	// next anywhere-allocation must come out of the gap
	got, err := m.Alloc(testPage)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}
	if got.FileNo != 0 || got.Offset >= 2*testPage {
		t.Errorf("expected allocation inside the gap, got %v", got)
	}
}

func TestAllocAtInLaterFile(t *testing.T) {
	m := New(4 * testPage)

	loc := storage.Loc{FileNo: 2, Offset: testPage}
	if err := m.AllocAt(loc, testPage); err != nil {
		t.Fatalf("failed to claim location: %v", err)
	}
	if got := m.Files(); got != 3 {
		t.Errorf("expected 3 files touched, got %d", got)
	}

	// reloading every page of a tree claims each exactly once
	if err := m.AllocAt(loc, testPage); err != ErrOccupied {
		t.Errorf("expected ErrOccupied, got %v", err)
	}
}

func TestAllocAtFreedRegion(t *testing.T) {
	m := New(1 << 20)

	loc, err := m.Alloc(testPage)
	if err != nil {
		t.Fatalf("failed to alloc: %v", err)
	}
	m.Free(loc, testPage)

	if err := m.AllocAt(loc, testPage); err != nil {
		t.Errorf("expected freed region claimable, got %v", err)
	}
	if err := m.AllocAt(loc, testPage); err != ErrOccupied {
		t.Errorf("expected ErrOccupied on second claim, got %v", err)
	}
}
