package virt

import (
	"testing"

	"github.com/coronel-os/coronel/kernel/mem"
)

const testBase = mem.VAddr(0x0000_7000_0000_0000)

func TestAllocFirstFitAndTombstone(t *testing.T) {
	v := New(testBase, mem.Size(3*mem.PageSize))

	got, err := v.Alloc(mem.Size(mem.PageSize))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != testBase {
		t.Fatalf("expected first allocation to start at base; got 0x%x", uint64(got))
	}

	got2, err := v.Alloc(mem.Size(2 * mem.PageSize))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got2 != testBase.Add(mem.Size(mem.PageSize)) {
		t.Fatalf("expected second allocation to follow the first")
	}

	if _, err := v.Alloc(mem.Size(mem.PageSize)); err != errExhausted {
		t.Fatalf("expected errExhausted once the region is consumed; got %v", err)
	}
}

func TestAllocRoundsUpTo4K(t *testing.T) {
	v := New(testBase, mem.Size(2*mem.PageSize))

	got, err := v.Alloc(mem.Size(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != testBase {
		t.Fatalf("expected allocation to start at base")
	}

	ranges := v.Ranges()
	if len(ranges) != 1 || ranges[0].Size != mem.Size(mem.PageSize) {
		t.Fatalf("expected a one-page request to consume exactly one page; got %+v", ranges)
	}
}

func TestAllocAtExactMatchTombstones(t *testing.T) {
	v := New(testBase, mem.Size(mem.PageSize))

	if !v.AllocAt(testBase, mem.Size(mem.PageSize)) {
		t.Fatalf("expected AllocAt to succeed on an exact match")
	}
	if ranges := v.Ranges(); len(ranges) != 0 {
		t.Fatalf("expected no free ranges left; got %+v", ranges)
	}
}

func TestAllocAtSplitsLeadAndTrail(t *testing.T) {
	v := New(testBase, mem.Size(4*mem.PageSize))

	at := testBase.Add(mem.Size(mem.PageSize))
	if !v.AllocAt(at, mem.Size(mem.PageSize)) {
		t.Fatalf("expected AllocAt to succeed")
	}

	ranges := v.Ranges()
	if len(ranges) != 2 {
		t.Fatalf("expected a lead and a trail fragment; got %+v", ranges)
	}
	if ranges[0].Start != testBase || ranges[0].Size != mem.Size(mem.PageSize) {
		t.Fatalf("unexpected lead fragment: %+v", ranges[0])
	}
	wantTrailStart := testBase.Add(mem.Size(2 * mem.PageSize))
	if ranges[1].Start != wantTrailStart || ranges[1].Size != mem.Size(2*mem.PageSize) {
		t.Fatalf("unexpected trail fragment: %+v", ranges[1])
	}
}

func TestAllocAtLeadOnly(t *testing.T) {
	v := New(testBase, mem.Size(2*mem.PageSize))

	at := testBase.Add(mem.Size(mem.PageSize))
	if !v.AllocAt(at, mem.Size(mem.PageSize)) {
		t.Fatalf("expected AllocAt to succeed")
	}

	ranges := v.Ranges()
	if len(ranges) != 1 || ranges[0].Start != testBase || ranges[0].Size != mem.Size(mem.PageSize) {
		t.Fatalf("expected only a lead fragment; got %+v", ranges)
	}
}

func TestAllocAtTrailOnly(t *testing.T) {
	v := New(testBase, mem.Size(2*mem.PageSize))

	if !v.AllocAt(testBase, mem.Size(mem.PageSize)) {
		t.Fatalf("expected AllocAt to succeed")
	}

	ranges := v.Ranges()
	wantStart := testBase.Add(mem.Size(mem.PageSize))
	if len(ranges) != 1 || ranges[0].Start != wantStart || ranges[0].Size != mem.Size(mem.PageSize) {
		t.Fatalf("expected only a trail fragment; got %+v", ranges)
	}
}

func TestAllocAtOutOfRangeFails(t *testing.T) {
	v := New(testBase, mem.Size(mem.PageSize))

	if v.AllocAt(testBase.Add(mem.Size(mem.PageSize)), mem.Size(mem.PageSize)) {
		t.Fatalf("expected AllocAt to fail for a range outside any free node")
	}
}

// TestFreeThreeWayCoalesce exercises P4: freeing a range whose two
// neighbors are already free must leave one range whose size is the sum
// of all three.
func TestFreeThreeWayCoalesce(t *testing.T) {
	v := New(testBase, mem.Size(3*mem.PageSize))

	middle := testBase.Add(mem.Size(mem.PageSize))
	if !v.AllocAt(testBase, mem.Size(mem.PageSize)) {
		t.Fatalf("setup: AllocAt(first) failed")
	}
	if !v.AllocAt(middle, mem.Size(mem.PageSize)) {
		t.Fatalf("setup: AllocAt(middle) failed")
	}
	if !v.AllocAt(middle.Add(mem.Size(mem.PageSize)), mem.Size(mem.PageSize)) {
		t.Fatalf("setup: AllocAt(last) failed")
	}
	if ranges := v.Ranges(); len(ranges) != 0 {
		t.Fatalf("expected the region to be fully allocated; got %+v", ranges)
	}

	v.Free(testBase, mem.Size(mem.PageSize))
	v.Free(middle.Add(mem.Size(mem.PageSize)), mem.Size(mem.PageSize))

	ranges := v.Ranges()
	if len(ranges) != 2 {
		t.Fatalf("expected two disjoint free ranges before the middle block is freed; got %+v", ranges)
	}

	v.Free(middle, mem.Size(mem.PageSize))

	ranges = v.Ranges()
	if len(ranges) != 1 {
		t.Fatalf("expected the three freed ranges to coalesce into one; got %+v", ranges)
	}
	if ranges[0].Start != testBase || ranges[0].Size != mem.Size(3*mem.PageSize) {
		t.Fatalf("expected the coalesced range to span the whole region; got %+v", ranges[0])
	}
}

// TestFreeDisjointAndMonotone exercises P6: after coalescing, free ranges
// remain pairwise disjoint and sorted by ascending start address.
func TestFreeDisjointAndMonotone(t *testing.T) {
	v := New(testBase, mem.Size(5*mem.PageSize))

	for i := 0; i < 5; i++ {
		at := testBase.Add(mem.Size(i) * mem.Size(mem.PageSize))
		if !v.AllocAt(at, mem.Size(mem.PageSize)) {
			t.Fatalf("setup: AllocAt(%d) failed", i)
		}
	}

	// Free out of order: 3, 1, 0, 4, 2 — exercises before-only, after-only,
	// neither, and three-way coalescing in one pass.
	order := []int{3, 1, 0, 4, 2}
	for _, i := range order {
		v.Free(testBase.Add(mem.Size(i)*mem.Size(mem.PageSize)), mem.Size(mem.PageSize))
	}

	ranges := v.Ranges()
	if len(ranges) != 1 {
		t.Fatalf("expected every page to coalesce into a single range; got %+v", ranges)
	}
	if ranges[0].Start != testBase || ranges[0].Size != mem.Size(5*mem.PageSize) {
		t.Fatalf("expected the coalesced range to span the whole region; got %+v", ranges[0])
	}

	var prevEnd mem.VAddr = 0
	first := true
	for _, r := range v.Ranges() {
		if !first && r.Start < prevEnd {
			t.Fatalf("free ranges are not monotone/disjoint: range starting at 0x%x overlaps previous end 0x%x", uint64(r.Start), uint64(prevEnd))
		}
		prevEnd = r.Start.Add(r.Size)
		first = false
	}
}

func TestCloneIsIndependent(t *testing.T) {
	v := New(testBase, mem.Size(2*mem.PageSize))
	clone := v.Clone()

	if _, err := clone.Alloc(mem.Size(mem.PageSize)); err != nil {
		t.Fatalf("unexpected error allocating from the clone: %v", err)
	}

	if len(v.Ranges()) != 1 || v.Ranges()[0].Size != mem.Size(2*mem.PageSize) {
		t.Fatalf("expected the original to be untouched by the clone's allocation")
	}
	if len(clone.Ranges()) != 1 || clone.Ranges()[0].Size != mem.Size(mem.PageSize) {
		t.Fatalf("expected the clone to reflect its own allocation")
	}

	if _, err := v.Alloc(mem.Size(mem.PageSize)); err != nil {
		t.Fatalf("unexpected error allocating from the original: %v", err)
	}
	if len(clone.Ranges()) != 1 || clone.Ranges()[0].Size != mem.Size(mem.PageSize) {
		t.Fatalf("expected the clone to be untouched by the original's allocation")
	}
}

func TestAllocatedRangesEmptyWhenNothingAllocated(t *testing.T) {
	v := New(testBase, mem.Size(4*mem.PageSize))

	if got := v.AllocatedRanges(); len(got) != 0 {
		t.Fatalf("expected no allocated ranges on a fresh Virt; got %+v", got)
	}
}

func TestAllocatedRangesReflectsOutstandingAllocations(t *testing.T) {
	v := New(testBase, mem.Size(4*mem.PageSize))

	a, err := v.Alloc(mem.Size(mem.PageSize))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := v.Alloc(mem.Size(mem.PageSize))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Free the second page and allocate again: first-fit hands the same
	// page back, so the two live allocations stay adjacent and
	// AllocatedRanges reports them as one range.
	v.Free(b, mem.Size(mem.PageSize))
	c, err := v.Alloc(mem.Size(mem.PageSize))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != b {
		t.Fatalf("expected first-fit to reuse the freed middle page")
	}

	got := v.AllocatedRanges()
	if len(got) != 1 {
		t.Fatalf("expected a single contiguous allocated range; got %+v", got)
	}
	if got[0].Start != a || got[0].Size != mem.Size(2*mem.PageSize) {
		t.Fatalf("expected the allocated range to cover [0x%x, +2 pages); got %+v", uint64(a), got)
	}
}

func TestAllocatedRangesWithTrailingFreeSpace(t *testing.T) {
	v := New(testBase, mem.Size(4*mem.PageSize))

	a, err := v.Alloc(mem.Size(2 * mem.PageSize))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := v.AllocatedRanges()
	if len(got) != 1 {
		t.Fatalf("expected one allocated range; got %+v", got)
	}
	if got[0].Start != a || got[0].Size != mem.Size(2*mem.PageSize) {
		t.Fatalf("expected the allocated range to cover the first two pages; got %+v", got)
	}
}
