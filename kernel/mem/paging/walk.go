package paging

import (
	"unsafe"

	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/pmm"
)

const (
	pml4Shift = 39
	pdptShift = 30
	pdShift   = 21
	ptShift   = 12
	idxMask   = 0x1FF

	numLevels = 4
)

var (
	// derefFn resolves the physical address of a page-table page to a
	// virtual address the engine can read/write through. In production
	// this is always the global identity-plus-offset rule; tests
	// substitute a function that resolves into plain Go-allocated
	// buffers standing in for physical frames.
	derefFn = func(p mem.PAddr) unsafe.Pointer {
		return unsafe.Pointer(uintptr(p.KernelVirtual()))
	}

	// memsetFn is mocked by tests so that newly created intermediate
	// tables are not actually zeroed through real memory tricks.
	memsetFn = mem.Memset

	// ErrInvalidMapping is returned when a walk encounters a non-present
	// intermediate table.
	ErrInvalidMapping = &kernel.Error{Module: "paging", Message: "address does not correspond to a mapped page"}

	errHugePageUnsupported = &kernel.Error{Module: "paging", Message: "huge pages are not supported"}
)

// entryAt returns a pointer to the pageTableEntry at the given index inside
// the table rooted at tableFrame.
func entryAt(tableFrame mem.PAddr, index uint64) *pageTableEntry {
	addr := uintptr(derefFn(tableFrame)) + uintptr(index)*8
	return (*pageTableEntry)(unsafe.Pointer(addr))
}

func indices(vaddr mem.VAddr) [numLevels]uint64 {
	v := uint64(vaddr)
	return [numLevels]uint64{
		(v >> pml4Shift) & idxMask,
		(v >> pdptShift) & idxMask,
		(v >> pdShift) & idxMask,
		(v >> ptShift) & idxMask,
	}
}

// visitFn is invoked once per level (0 == PML4 ... numLevels-1 == PT) while
// descending from root towards vaddr's leaf entry. It returns the table
// frame to descend into for the next level (only consulted when level <
// numLevels-1) along with whether the walk should continue.
type visitFn func(level int, pte *pageTableEntry) (next mem.PAddr, cont bool)

// walk descends the hierarchy rooted at root towards vaddr, invoking visit
// at every level including the final PT entry.
func walk(root mem.PAddr, vaddr mem.VAddr, visit visitFn) {
	idx := indices(vaddr)
	table := root

	for level := 0; level < numLevels; level++ {
		pte := entryAt(table, idx[level])
		next, cont := visit(level, pte)
		if !cont {
			return
		}
		table = next
	}
}

// FrameAllocatorFn allocates a single physical frame, used to materialize
// missing intermediate tables.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)
