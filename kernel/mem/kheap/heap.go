package kheap

import (
	"unsafe"

	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/kfmt/early"
	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/paging"
	"github.com/coronel-os/coronel/kernel/mem/pmm"
	"github.com/coronel-os/coronel/kernel/mem/virt"
)

var (
	ErrOutOfMemory    = &kernel.Error{Module: "kheap", Message: "out of memory"}
	errInvalidFree    = &kernel.Error{Module: "kheap", Message: "invalid free: corrupted block or double free"}
	errInvalidRealloc = &kernel.Error{Module: "kheap", Message: "invalid realloc: corrupted block"}
	errBadArgument    = &kernel.Error{Module: "kheap", Message: "bad argument"}

	// memsetFn/memcopyFn are mocked by tests.
	memsetFn  = mem.Memset
	memcopyFn = mem.Memcopy
)

// Stats is the diagnostic surface behind PrintStats/DumpBlocks, ported from
// original_source's heap::print_stats/dump_blocks debug entry points.
type Stats struct {
	TotalSize      mem.Size
	TotalAllocated mem.Size
	TotalFree      mem.Size
	NumAllocations uint64
	NumFrees       uint64
}

// Heap is a malloc/free-style allocator over a single virtual range backed
// by frames from pmm.Default and mapped via paging.Map. Blocks form a
// doubly-linked, address-ordered list threaded through the heap memory
// itself.
type Heap struct {
	dir    mem.PAddr
	ranges *virt.Virt
	start  mem.VAddr
	size   mem.Size
	first  *block

	totalAllocated mem.Size
	totalFree      mem.Size
	numAllocations uint64
	numFrees       uint64
}

// New reserves initialSize (rounded up to a page) from ranges, maps it with
// Present+Writable frames under dir, and lays down a single free block
// spanning the whole region.
func New(dir mem.PAddr, ranges *virt.Virt, initialSize mem.Size) (*Heap, *kernel.Error) {
	size := initialSize.Align4K()

	start, err := ranges.Alloc(size)
	if err != nil {
		early.Printf("[[CRITICAL]] [kheap] failed to allocate virtual memory for heap\n")
		return nil, err
	}

	h := &Heap{dir: dir, ranges: ranges, start: start, size: size}

	if err := h.mapPages(start, size); err != nil {
		ranges.Free(start, size)
		return nil, err
	}

	h.first = newBlockAt(uintptr(start), size-blockHeaderSize, true)
	h.totalFree = h.first.size

	early.Printf("[kheap] heap initialized [%16x - %16x)\n", uint64(start), uint64(start.Add(size)))
	return h, nil
}

func (h *Heap) mapPages(start mem.VAddr, size mem.Size) *kernel.Error {
	pages := size.Pages()

	for i := uint32(0); i < pages; i++ {
		frame := pmm.Default.Alloc()
		if !frame.IsValid() {
			early.Printf("[[CRITICAL]] [kheap] failed to allocate physical frame for heap\n")
			h.unmapPages(start, i)
			return ErrOutOfMemory
		}

		page := start.Add(mem.Size(i) * mem.PageSize)
		if err := paging.Map(h.dir, page, frame.Address(), paging.FlagWritable); err != nil {
			pmm.Default.Free(frame)
			h.unmapPages(start, i)
			return err
		}
	}

	return nil
}

func (h *Heap) unmapPages(start mem.VAddr, pages uint32) {
	for i := uint32(0); i < pages; i++ {
		page := start.Add(mem.Size(i) * mem.PageSize)
		if phys, err := paging.Translate(h.dir, page); err == nil {
			pmm.Default.Free(pmm.FrameForAddress(phys))
		}
		paging.Unmap(h.dir, page)
	}
}

// expand grows the heap by at least minSize, appending the new region to
// the physical tail of the block list (resolved Open Question: address
// order) and immediately trying to coalesce it with whatever free block
// currently sits at the tail.
func (h *Heap) expand(minSize mem.Size) *kernel.Error {
	expandSize := minSize.Align4K()

	region, err := h.ranges.Alloc(expandSize)
	if err != nil {
		early.Printf("[[CRITICAL]] [kheap] failed to allocate virtual memory for heap expansion\n")
		return err
	}

	if err := h.mapPages(region, expandSize); err != nil {
		h.ranges.Free(region, expandSize)
		return err
	}

	nb := newBlockAt(uintptr(region), expandSize-blockHeaderSize, true)

	tail := h.first
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = nb
	nb.prev = tail

	h.size += expandSize
	h.totalFree += nb.size

	h.coalesce(nb)

	early.Printf("[kheap] heap expanded by %d bytes\n", uint64(expandSize))
	return nil
}

func (h *Heap) findFree(size mem.Size) *block {
	for b := h.first; b != nil; b = b.next {
		if b.free && b.size >= size {
			return b
		}
	}
	return nil
}

// split carves a new free block out of the tail of b when the remainder
// would be at least minBlockPayload bytes; otherwise b is left oversized
// (internal fragmentation) rather than split.
func (h *Heap) split(b *block, size mem.Size) {
	if b.size < size+blockHeaderSize+minBlockPayload {
		return
	}

	remaining := b.size - size - blockHeaderSize
	nb := newBlockAt(b.dataPtr()+uintptr(size), remaining, true)

	nb.next = b.next
	nb.prev = b
	if b.next != nil {
		b.next.prev = nb
	}
	b.next = nb
	b.size = size
}

// coalesce merges b with an address-adjacent free neighbor on either side.
// Both merges can fire in the same call, matching a three-way coalesce
// around a freshly-freed block.
func (h *Heap) coalesce(b *block) {
	if !b.free {
		return
	}

	if b.next != nil && b.next.free && b.end() == uintptr(unsafe.Pointer(b.next)) {
		next := b.next
		b.size += blockHeaderSize + next.size
		b.next = next.next
		if next.next != nil {
			next.next.prev = b
		}
		h.totalFree += blockHeaderSize
	}

	if b.prev != nil && b.prev.free && b.prev.end() == uintptr(unsafe.Pointer(b)) {
		prev := b.prev
		prev.size += blockHeaderSize + b.size
		prev.next = b.next
		if b.next != nil {
			b.next.prev = prev
		}
		h.totalFree += blockHeaderSize
	}
}

// Malloc returns a pointer to at least size bytes, growing the heap if no
// free block is large enough. Returns a nil error with a zero pointer for
// a zero-byte request.
func (h *Heap) Malloc(size mem.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}
	size = align8(size)

	b := h.findFree(size)
	if b == nil {
		if err := h.expand(size + blockHeaderSize); err != nil {
			early.Printf("[[CRITICAL]] [kheap] out of memory: heap expansion failed\n")
			return 0, ErrOutOfMemory
		}
		b = h.findFree(size)
	}
	if b == nil {
		early.Printf("[[CRITICAL]] [kheap] out of memory: no suitable block found\n")
		return 0, ErrOutOfMemory
	}

	oldSize := b.size
	h.split(b, size)
	b.setFree(false)

	h.totalFree -= oldSize
	if b.size < oldSize {
		h.totalFree += b.next.size
	}
	h.totalAllocated += b.size
	h.numAllocations++

	return b.dataPtr(), nil
}

// Free releases a pointer previously returned by Malloc, Calloc, Realloc or
// AlignedAlloc. A pointer whose header doesn't validate is first checked
// against the aligned_alloc sentinel technique (the raw block pointer
// stored immediately before an aligned payload) before being rejected as
// corrupted; this is what lets one Free implementation serve both Malloc
// and AlignedAlloc callers.
func (h *Heap) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	b := blockFromData(ptr)
	if !b.isValid() {
		rawPtr := *(*uintptr)(unsafe.Pointer(ptr - unsafe.Sizeof(uintptr(0))))
		if rawPtr == 0 {
			early.Printf("[[CRITICAL]] [kheap] invalid free: corrupted block or double free\n")
			return
		}
		rb := blockFromData(rawPtr)
		if !rb.isValid() || rb.free {
			early.Printf("[[CRITICAL]] [kheap] invalid free: corrupted block or double free\n")
			return
		}
		b = rb
	} else if b.free {
		early.Printf("[[CRITICAL]] [kheap] invalid free: corrupted block or double free\n")
		return
	}

	h.totalAllocated -= b.size
	h.totalFree += b.size
	h.numFrees++
	b.setFree(true)

	h.coalesce(b)
}

// Realloc resizes the allocation at ptr to newSize, copying the overlapping
// prefix when it must move.
func (h *Heap) Realloc(ptr uintptr, newSize mem.Size) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return h.Malloc(newSize)
	}
	if newSize == 0 {
		h.Free(ptr)
		return 0, nil
	}

	b := blockFromData(ptr)
	if !b.isValid() || b.free {
		early.Printf("[[CRITICAL]] [kheap] invalid realloc: corrupted block\n")
		return 0, errInvalidRealloc
	}

	oldSize := b.size
	newSize = align8(newSize)

	if newSize <= oldSize {
		if oldSize > newSize+blockHeaderSize+minBlockPayload {
			h.split(b, newSize)
			if b.size < oldSize {
				h.totalAllocated -= oldSize - b.size
				h.totalFree += b.next.size
			}
		}
		return ptr, nil
	}

	newPtr, err := h.Malloc(newSize)
	if err != nil {
		return 0, err
	}

	memcopyFn(ptr, newPtr, oldSize)
	h.Free(ptr)

	return newPtr, nil
}

// Calloc allocates num*size bytes, zeroed, rejecting the request if the
// multiplication would overflow.
func (h *Heap) Calloc(num, size mem.Size) (uintptr, *kernel.Error) {
	if num == 0 || size == 0 {
		return h.Malloc(0)
	}

	total := num * size
	if total/num != size {
		return 0, errBadArgument
	}

	ptr, err := h.Malloc(total)
	if err != nil {
		return 0, err
	}
	if ptr != 0 {
		memsetFn(ptr, 0, total)
	}

	return ptr, nil
}

// AlignedAlloc returns a payload pointer aligned to alignment (which must
// be a power of two), implemented with the raw-pointer-before-payload
// sentinel technique: extra room is requested from Malloc, and the pointer
// Malloc actually returned is stashed in the word immediately preceding the
// aligned address Free later recovers it from.
func (h *Heap) AlignedAlloc(alignment, size mem.Size) (uintptr, *kernel.Error) {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		return 0, errBadArgument
	}

	ptrWidth := mem.Size(unsafe.Sizeof(uintptr(0)))
	total := size + alignment + ptrWidth

	raw, err := h.Malloc(total)
	if err != nil {
		return 0, err
	}

	alignedAddr := (raw + uintptr(ptrWidth) + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
	*(*uintptr)(unsafe.Pointer(alignedAddr - uintptr(ptrWidth))) = raw

	return alignedAddr, nil
}

// Validate walks every block and confirms both that every header still
// carries a recognized magic and that the running totalAllocated/totalFree
// statistics agree with a fresh tally.
func (h *Heap) Validate() bool {
	var countedAllocated, countedFree mem.Size

	for b := h.first; b != nil; b = b.next {
		if !b.isValid() {
			early.Printf("[[CRITICAL]] [kheap] heap corruption: invalid magic in block\n")
			return false
		}
		if b.free {
			countedFree += b.size
		} else {
			countedAllocated += b.size
		}
	}

	if countedAllocated != h.totalAllocated || countedFree != h.totalFree {
		early.Printf("[[CRITICAL]] [kheap] heap corruption: statistics mismatch\n")
		return false
	}

	return true
}

// Stats returns a snapshot of the heap's running statistics.
func (h *Heap) Stats() Stats {
	return Stats{
		TotalSize:      h.size,
		TotalAllocated: h.totalAllocated,
		TotalFree:      h.totalFree,
		NumAllocations: h.numAllocations,
		NumFrees:       h.numFrees,
	}
}

// PrintStats logs the current statistics, matching original_source's
// heap::print_stats debug entry point.
func (h *Heap) PrintStats() {
	s := h.Stats()
	early.Printf("[kheap] size=%d allocated=%d free=%d allocations=%d frees=%d\n",
		uint64(s.TotalSize), uint64(s.TotalAllocated), uint64(s.TotalFree), s.NumAllocations, s.NumFrees)
}

// DumpBlocks logs every block's address, size and state, matching
// original_source's heap::dump_blocks debug entry point.
func (h *Heap) DumpBlocks() {
	for b := h.first; b != nil; b = b.next {
		state := "used"
		if b.free {
			state = "free"
		}
		early.Printf("[kheap] block %16x size=%d %s\n", uint64(uintptr(unsafe.Pointer(b))), uint64(b.size), state)
	}
}
