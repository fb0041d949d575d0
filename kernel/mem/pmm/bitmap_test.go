package pmm

import (
	"testing"

	"github.com/coronel-os/coronel/kernel/mem"
)

func TestAllocatorAllocFree(t *testing.T) {
	defer func(orig func(uintptr, byte, mem.Size)) { memsetFn = orig }(memsetFn)
	memsetFn = func(uintptr, byte, mem.Size) {}

	var a Allocator
	backing := make([]uint64, 4)
	a.startFrame = 0
	a.frameCount = 8
	a.freeCount = 8
	a.bitmap = backing

	f1 := a.Alloc()
	f2 := a.Alloc()
	if f1 == f2 {
		t.Fatalf("expected distinct frames; got %d and %d", f1, f2)
	}
	if got := a.FreeCount(); got != 6 {
		t.Fatalf("expected 6 free frames after 2 allocs; got %d", got)
	}

	a.Free(f1)
	if got := a.FreeCount(); got != 7 {
		t.Fatalf("expected 7 free frames after 1 free; got %d", got)
	}

	f3 := a.Alloc()
	if f3 != f1 {
		t.Fatalf("expected the freed frame to be reused; got %d, want %d", f3, f1)
	}
}

func TestAllocatorExhaustion(t *testing.T) {
	defer func(orig func(uintptr, byte, mem.Size)) { memsetFn = orig }(memsetFn)
	memsetFn = func(uintptr, byte, mem.Size) {}

	var a Allocator
	backing := make([]uint64, 1)
	a.startFrame = 0
	a.frameCount = 2
	a.freeCount = 2
	a.bitmap = backing

	a.Alloc()
	a.Alloc()
	if got := a.Alloc(); got != InvalidFrame {
		t.Fatalf("expected InvalidFrame once the pool is exhausted; got %d", got)
	}
}

func TestAllocatorDoubleFreeIgnored(t *testing.T) {
	defer func(orig func(uintptr, byte, mem.Size)) { memsetFn = orig }(memsetFn)
	memsetFn = func(uintptr, byte, mem.Size) {}

	var a Allocator
	backing := make([]uint64, 1)
	a.startFrame = 0
	a.frameCount = 4
	a.freeCount = 4
	a.bitmap = backing

	f := a.Alloc()
	a.Free(f)
	before := a.FreeCount()
	a.Free(f)
	if got := a.FreeCount(); got != before {
		t.Fatalf("expected double free to be a no-op; free count changed from %d to %d", before, got)
	}
}
