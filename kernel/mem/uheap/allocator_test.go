package uheap

import (
	"testing"
	"unsafe"

	"github.com/coronel-os/coronel/kernel/mem"
)

// newTestAllocator builds a UserAllocator directly over a real Go buffer,
// bypassing NewUserAllocator (and therefore pmm/paging) entirely, mirroring
// kheap's own test helper.
func newTestAllocator(t *testing.T, size mem.Size) (*UserAllocator, []byte) {
	t.Helper()

	buf := make([]byte, int(size))
	addr := uintptr(unsafe.Pointer(&buf[0]))

	a := &UserAllocator{
		start:   mem.VAddr(addr),
		current: mem.VAddr(addr) + mem.VAddr(size),
		limit:   mem.VAddr(addr) + mem.VAddr(size),
		ceiling: mem.VAddr(addr) + mem.VAddr(size),
		first:   newUserBlockAt(addr, size-userBlockHeaderSize, true),
	}
	a.numBlocks = 1

	return a, buf
}

func TestUserMallocFirstFitAndStats(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	p, err := a.Malloc(64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == 0 {
		t.Fatalf("expected a non-zero pointer")
	}
	if a.totalAllocated != 64 {
		t.Fatalf("expected 64 bytes allocated; got %d", a.totalAllocated)
	}
	if !a.Validate() {
		t.Fatalf("expected heap to validate after a single allocation")
	}
}

func TestUserMallocZeroReturnsZero(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	p, err := a.Malloc(0)
	if err != nil || p != 0 {
		t.Fatalf("expected (0, nil) for a zero-size request; got (%v, %v)", p, err)
	}
}

func TestUserMallocRejectsOversizedRequest(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	if _, err := a.Malloc(maxSingleAlloc + 1); err != errTooLarge {
		t.Fatalf("expected errTooLarge; got %v", err)
	}
}

func TestUserMallocSplitsOversizedBlock(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	before := a.first.size
	_, err := a.Malloc(32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if a.first.next == nil {
		t.Fatalf("expected the oversized initial block to be split")
	}
	if a.first.size != 32 {
		t.Fatalf("expected the allocated block to shrink to the requested size; got %d", a.first.size)
	}
	if !a.first.next.isFree() {
		t.Fatalf("expected the remainder block to be free")
	}
	if a.first.size+uint32(userBlockHeaderSize)+a.first.next.size != before {
		t.Fatalf("expected size + header + remainder to equal the original block size")
	}
}

func TestUserFreeCoalescesWithBothNeighbors(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	p1, _ := a.Malloc(64)
	p2, _ := a.Malloc(64)
	p3, _ := a.Malloc(64)

	a.Free(p1)
	a.Free(p3)

	if !a.Validate() {
		t.Fatalf("expected heap to validate after freeing the two outer blocks")
	}

	a.Free(p2)

	if !a.Validate() {
		t.Fatalf("expected heap to validate after the middle block coalesces with both neighbors")
	}
	if a.first.next != nil {
		t.Fatalf("expected every block to have coalesced back into a single free block")
	}
	if a.totalAllocated != 0 {
		t.Fatalf("expected no bytes allocated after freeing everything; got %d", a.totalAllocated)
	}
}

func TestUserDoubleFreeIsRejected(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	p, _ := a.Malloc(64)
	a.Free(p)

	before := a.totalAllocated
	a.Free(p)
	if a.totalAllocated != before {
		t.Fatalf("expected a double free to be a no-op")
	}
}

func TestUserFreeDetectsCorruptedMagic(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	p, _ := a.Malloc(64)
	before := a.totalAllocated

	b := userBlockFromData(p)
	b.flags = 0x12345678

	a.Free(p)

	if a.totalAllocated != before {
		t.Fatalf("expected a corrupted magic to leave totalAllocated untouched; before=%d after=%d", before, a.totalAllocated)
	}
	if b.isFree() {
		t.Fatalf("expected the corrupted block to stay marked as in use")
	}
}

func TestUserReallocGrowsAndCopies(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	p, _ := a.Malloc(8)
	for i := 0; i < 8; i++ {
		*(*byte)(unsafe.Pointer(p + uintptr(i))) = byte(i)
	}

	newP, err := a.Realloc(p, 256)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 8; i++ {
		if got := *(*byte)(unsafe.Pointer(newP + uintptr(i))); got != byte(i) {
			t.Fatalf("byte %d not preserved across realloc: got %d", i, got)
		}
	}
	if !a.Validate() {
		t.Fatalf("expected heap to validate after realloc")
	}
}

func TestUserReallocToZeroFrees(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	p, _ := a.Malloc(64)
	newP, err := a.Realloc(p, 0)
	if err != nil || newP != 0 {
		t.Fatalf("expected (0, nil) from realloc(ptr, 0); got (%v, %v)", newP, err)
	}

	before := a.totalAllocated
	a.Free(p)
	if a.totalAllocated != before {
		t.Fatalf("expected the block already freed by realloc(ptr,0) not to be freed again")
	}
}

func TestUserCallocZeroesMemory(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	p, err := a.Calloc(16, 8)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i := 0; i < 16*8; i++ {
		if got := *(*byte)(unsafe.Pointer(p + uintptr(i))); got != 0 {
			t.Fatalf("expected calloc memory to be zeroed; byte %d was %d", i, got)
		}
	}
}

func TestUserCallocOverflowRejected(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	_, err := a.Calloc(mem.Size(1)<<40, mem.Size(1)<<40)
	if err == nil {
		t.Fatalf("expected an error for an overflowing num*size")
	}
}

func TestUserMallocOutOfMemoryWhenExpandFails(t *testing.T) {
	a, _ := newTestAllocator(t, 128)

	// limit == current already, so expand() refuses immediately instead of
	// touching pmm/paging.
	if _, err := a.Malloc(mem.Size(1) * mem.Mb); err != errHeapLimit {
		t.Fatalf("expected errHeapLimit; got %v", err)
	}
}

func TestUserSetHeapLimitRejectsBelowCurrent(t *testing.T) {
	a, _ := newTestAllocator(t, 4*mem.Kb)

	if a.SetHeapLimit(a.start) {
		t.Fatalf("expected SetHeapLimit to reject a limit below the mapped region")
	}
}
