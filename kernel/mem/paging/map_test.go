package paging

import (
	"testing"
	"unsafe"

	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/pmm"
)

// testFrames backs every frame allocation made during a test with a real,
// page-aligned Go buffer and lets derefFn resolve physical addresses
// straight to those buffers (no identity-plus-offset arithmetic), since a
// hosted test binary has no real physical address space to offset into.
type testFrames struct {
	bufs [][]byte
}

func (tf *testFrames) alloc() (pmm.Frame, *kernel.Error) {
	// Over-allocate so we can carve out a page-aligned window.
	raw := make([]byte, int(mem.PageSize)*2)
	addr := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (addr + uintptr(mem.PageSize) - 1) &^ uintptr(mem.PageSize-1)

	tf.bufs = append(tf.bufs, raw)
	return pmm.FrameForAddress(mem.PAddr(aligned)), nil
}

func withTestFrames(t *testing.T) *testFrames {
	t.Helper()
	tf := &testFrames{}

	origAlloc := IntermediateAllocFn
	origDeref := derefFn
	origMemset := memsetFn
	origFlush := flushTLBEntryFn

	IntermediateAllocFn = tf.alloc
	derefFn = func(p mem.PAddr) unsafe.Pointer { return unsafe.Pointer(uintptr(p)) }
	memsetFn = func(addr uintptr, value byte, size mem.Size) {
		for i := uintptr(0); i < uintptr(size); i++ {
			*(*byte)(unsafe.Pointer(addr + i)) = value
		}
	}
	flushTLBEntryFn = func(mem.VAddr) {}

	t.Cleanup(func() {
		IntermediateAllocFn = origAlloc
		derefFn = origDeref
		memsetFn = origMemset
		flushTLBEntryFn = origFlush
	})

	return tf
}

func TestMapUnmapRoundTrip(t *testing.T) {
	tf := withTestFrames(t)

	rootFrame, _ := tf.alloc()
	dir := rootFrame.Address()
	memsetFn(uintptr(derefFn(dir)), 0, mem.PageSize)

	target, _ := tf.alloc()
	vaddr := mem.VAddr(0x0000_4000_0000_0000)

	if err := Map(dir, vaddr, target.Address(), FlagWritable); err != nil {
		t.Fatalf("unexpected error from Map: %v", err)
	}

	got, err := Translate(dir, vaddr)
	if err != nil {
		t.Fatalf("unexpected error from Translate: %v", err)
	}
	if got != target.Address() {
		t.Fatalf("expected Translate to return %v; got %v", target.Address(), got)
	}

	if err := Unmap(dir, vaddr); err != nil {
		t.Fatalf("unexpected error from Unmap: %v", err)
	}

	if _, err := Translate(dir, vaddr); err != ErrInvalidMapping {
		t.Fatalf("expected Translate after Unmap to fail with ErrInvalidMapping; got %v", err)
	}
}

func TestMapPropagatesUserPermission(t *testing.T) {
	tf := withTestFrames(t)

	rootFrame, _ := tf.alloc()
	dir := rootFrame.Address()
	memsetFn(uintptr(derefFn(dir)), 0, mem.PageSize)

	target, _ := tf.alloc()
	vaddr := mem.VAddr(0x0000_0040_0000_0000)

	if err := Map(dir, vaddr, target.Address(), FlagWritable|FlagUser); err != nil {
		t.Fatalf("unexpected error from Map: %v", err)
	}

	idx := indices(vaddr)
	table := dir
	for level := 0; level < numLevels-1; level++ {
		pte := entryAt(table, idx[level])
		if !pte.HasFlags(FlagPresent | FlagWritable | FlagUser) {
			t.Fatalf("expected intermediate entry at level %d to carry P|W|U", level)
		}
		table = pte.Frame().Address()
	}
}

func TestUnmapNonPresentIsNoOp(t *testing.T) {
	tf := withTestFrames(t)

	rootFrame, _ := tf.alloc()
	dir := rootFrame.Address()
	memsetFn(uintptr(derefFn(dir)), 0, mem.PageSize)

	if err := Unmap(dir, mem.VAddr(0x1000)); err != nil {
		t.Fatalf("expected unmap of a non-present path to be a no-op; got error %v", err)
	}
}
