package uheap

import (
	"unsafe"

	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/kfmt/early"
	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/paging"
	"github.com/coronel-os/coronel/kernel/mem/pmm"
)

var (
	ErrOutOfMemory    = &kernel.Error{Module: "uheap", Message: "out of memory"}
	errInvalidFree    = &kernel.Error{Module: "uheap", Message: "invalid free: corrupted block or double free"}
	errInvalidRealloc = &kernel.Error{Module: "uheap", Message: "invalid realloc: corrupted block"}
	errBadArgument    = &kernel.Error{Module: "uheap", Message: "bad argument"}
	errTooLarge       = &kernel.Error{Module: "uheap", Message: "allocation exceeds the per-request limit"}
	errHeapLimit      = &kernel.Error{Module: "uheap", Message: "heap limit reached"}

	memsetFn  = mem.Memset
	memcopyFn = mem.Memcopy
)

// maxSingleAlloc caps any one malloc/calloc request at 2 GiB, independent of
// the 32-bit size field's 4 GiB range, matching original_source's
// MAX_TOTAL_ALLOC.
const maxSingleAlloc = mem.Size(0x8000_0000)

// UserAllocator is a malloc/free-style allocator scoped to one process' heap
// region. Unlike kheap.Heap it tracks only totalAllocated (no totalFree):
// original_source's user_allocator::validate_heap only ever cross-checks
// allocated bytes against a fresh walk, so there is nothing to gain from
// carrying the second counter.
type UserAllocator struct {
	dir     mem.PAddr
	start   mem.VAddr
	current mem.VAddr
	limit   mem.VAddr
	ceiling mem.VAddr
	first   *userBlock

	totalAllocated mem.Size
	numBlocks      uint32
}

// NewUserAllocator maps UserHeapInitialSize at mem.UserHeapStart under dir
// and lays down a single free block spanning it.
func NewUserAllocator(dir mem.PAddr) (*UserAllocator, *kernel.Error) {
	size := mem.Size(mem.UserHeapInitialSize).Align4K()

	a := &UserAllocator{
		dir:     dir,
		start:   mem.UserHeapStart,
		limit:   mem.UserHeapEnd,
		ceiling: mem.UserHeapEnd,
	}

	if err := a.mapPages(a.start, size); err != nil {
		return nil, err
	}
	a.current = a.start.Add(size)

	a.first = newUserBlockAt(uintptr(a.start), size-userBlockHeaderSize, true)
	a.numBlocks = 1

	return a, nil
}

func (a *UserAllocator) mapPages(start mem.VAddr, size mem.Size) *kernel.Error {
	pages := size.Pages()

	for i := uint32(0); i < pages; i++ {
		frame := pmm.Default.Alloc()
		if !frame.IsValid() {
			early.Printf("[[CRITICAL]] [uheap] failed to allocate physical frame for user heap\n")
			a.unmapPages(start, i)
			return ErrOutOfMemory
		}

		page := start.Add(mem.Size(i) * mem.PageSize)
		if err := paging.Map(a.dir, page, frame.Address(), paging.FlagWritable|paging.FlagUser); err != nil {
			pmm.Default.Free(frame)
			a.unmapPages(start, i)
			return err
		}
	}

	return nil
}

func (a *UserAllocator) unmapPages(start mem.VAddr, pages uint32) {
	for i := uint32(0); i < pages; i++ {
		page := start.Add(mem.Size(i) * mem.PageSize)
		if phys, err := paging.Translate(a.dir, page); err == nil {
			pmm.Default.Free(pmm.FrameForAddress(phys))
		}
		paging.Unmap(a.dir, page)
	}
}

// expand grows the heap toward mem.UserHeapEnd, refusing once limit would be
// exceeded: the user heap, unlike the kernel heap, has a hard ceiling rather
// than an unbounded virtual range to draw from.
func (a *UserAllocator) expand(minSize mem.Size) *kernel.Error {
	expandSize := minSize.Align4K()

	if a.current.Add(expandSize) > a.limit {
		early.Printf("[[CRITICAL]] [uheap] heap limit reached\n")
		return errHeapLimit
	}

	region := a.current
	if err := a.mapPages(region, expandSize); err != nil {
		return err
	}
	a.current = a.current.Add(expandSize)

	nb := newUserBlockAt(uintptr(region), expandSize-userBlockHeaderSize, true)

	tail := a.first
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = nb
	nb.prev = tail
	a.numBlocks++

	a.coalesce(nb)

	early.Printf("[uheap] heap expanded by %d bytes\n", uint64(expandSize))
	return nil
}

func (a *UserAllocator) findFree(size uint32) *userBlock {
	for b := a.first; b != nil; b = b.next {
		if b.isFree() && b.size >= size {
			return b
		}
	}
	return nil
}

func (a *UserAllocator) split(b *userBlock, size uint32) {
	if mem.Size(b.size) < mem.Size(size)+userBlockHeaderSize+minUserBlockPayload {
		return
	}

	remaining := b.size - size - uint32(userBlockHeaderSize)
	nb := newUserBlockAt(b.dataPtr()+uintptr(size), mem.Size(remaining), true)

	nb.next = b.next
	nb.prev = b
	if b.next != nil {
		b.next.prev = nb
	}
	b.next = nb
	b.size = size
	a.numBlocks++
}

func (a *UserAllocator) coalesce(b *userBlock) {
	if !b.isFree() {
		return
	}

	if b.next != nil && b.next.isFree() && b.end() == uintptr(unsafe.Pointer(b.next)) {
		next := b.next
		b.size += uint32(userBlockHeaderSize) + next.size
		b.next = next.next
		if next.next != nil {
			next.next.prev = b
		}
		a.numBlocks--
	}

	if b.prev != nil && b.prev.isFree() && b.prev.end() == uintptr(unsafe.Pointer(b)) {
		prev := b.prev
		prev.size += uint32(userBlockHeaderSize) + b.size
		prev.next = b.next
		if b.next != nil {
			b.next.prev = prev
		}
		a.numBlocks--
	}
}

// Malloc returns a pointer to at least size bytes, rejecting requests over
// maxSingleAlloc and growing the heap (up to its limit) if no free block is
// large enough.
func (a *UserAllocator) Malloc(size mem.Size) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}
	if size > maxSingleAlloc {
		return 0, errTooLarge
	}

	want := uint32(align8(size))

	b := a.findFree(want)
	if b == nil {
		if err := a.expand(mem.Size(want) + userBlockHeaderSize); err != nil {
			return 0, err
		}
		b = a.findFree(want)
	}
	if b == nil {
		early.Printf("[[CRITICAL]] [uheap] out of memory: no suitable block found\n")
		return 0, ErrOutOfMemory
	}

	a.split(b, want)
	b.setFree(false)

	a.totalAllocated += mem.Size(b.size)

	return b.dataPtr(), nil
}

// Free releases a pointer previously returned by Malloc, Calloc or Realloc.
// Unlike kheap.Heap.Free there is no aligned-allocation sentinel to recover
// from: original_source's user_allocator never grew an aligned_alloc, so
// there is nothing here for one to serve.
func (a *UserAllocator) Free(ptr uintptr) {
	if ptr == 0 {
		return
	}

	b := userBlockFromData(ptr)
	if !b.isValid() || b.isFree() {
		early.Printf("[[CRITICAL]] [uheap] invalid free: corrupted block or double free\n")
		return
	}

	a.totalAllocated -= mem.Size(b.size)
	b.setFree(true)

	a.coalesce(b)
}

// Realloc resizes the allocation at ptr to newSize, copying the overlapping
// prefix when it must move.
func (a *UserAllocator) Realloc(ptr uintptr, newSize mem.Size) (uintptr, *kernel.Error) {
	if ptr == 0 {
		return a.Malloc(newSize)
	}
	if newSize == 0 {
		a.Free(ptr)
		return 0, nil
	}
	if newSize > maxSingleAlloc {
		return 0, errTooLarge
	}

	b := userBlockFromData(ptr)
	if !b.isValid() || b.isFree() {
		early.Printf("[[CRITICAL]] [uheap] invalid realloc: corrupted block\n")
		return 0, errInvalidRealloc
	}

	oldSize := mem.Size(b.size)
	want := uint32(align8(newSize))

	if want <= b.size {
		if mem.Size(b.size) > mem.Size(want)+userBlockHeaderSize+minUserBlockPayload {
			a.split(b, want)
			a.totalAllocated -= oldSize - mem.Size(b.size)
		}
		return ptr, nil
	}

	newPtr, err := a.Malloc(newSize)
	if err != nil {
		return 0, err
	}

	memcopyFn(ptr, newPtr, oldSize)
	a.Free(ptr)

	return newPtr, nil
}

// Calloc allocates num*size bytes, zeroed, rejecting the request if the
// multiplication would overflow.
func (a *UserAllocator) Calloc(num, size mem.Size) (uintptr, *kernel.Error) {
	if num == 0 || size == 0 {
		return a.Malloc(0)
	}

	total := num * size
	if total/num != size {
		return 0, errBadArgument
	}

	ptr, err := a.Malloc(total)
	if err != nil {
		return 0, err
	}
	if ptr != 0 {
		memsetFn(ptr, 0, total)
	}

	return ptr, nil
}

// SetHeapLimit adjusts how far the heap may grow, given as an absolute
// address rather than original_source's offset-from-start so it can serve
// sys_brk directly. It refuses to move the limit below the already-mapped
// region or above the hard ceiling fixed at construction time.
func (a *UserAllocator) SetHeapLimit(newLimit mem.VAddr) bool {
	if newLimit < a.current || newLimit > a.ceiling {
		return false
	}
	a.limit = newLimit
	return true
}

// HeapSize returns the number of bytes currently mapped into the heap.
func (a *UserAllocator) HeapSize() mem.Size {
	return mem.Size(uint64(a.current) - uint64(a.start))
}

// Validate walks every block and confirms both that every header still
// carries a recognized magic and that totalAllocated agrees with a fresh
// tally.
func (a *UserAllocator) Validate() bool {
	var countedAllocated mem.Size

	for b := a.first; b != nil; b = b.next {
		if !b.isValid() {
			early.Printf("[[CRITICAL]] [uheap] heap corruption: invalid magic in block\n")
			return false
		}
		if !b.isFree() {
			countedAllocated += mem.Size(b.size)
		}
	}

	if countedAllocated != a.totalAllocated {
		early.Printf("[[CRITICAL]] [uheap] heap corruption: statistics mismatch\n")
		return false
	}

	return true
}

// CleanupOnExit unmaps and frees every page backing the heap, matching
// original_source's user_allocator::cleanup_on_exit / sys_release_memory.
func (a *UserAllocator) CleanupOnExit() {
	size := a.HeapSize()
	if size == 0 {
		return
	}
	a.unmapPages(a.start, size.Pages())
	a.first = nil
	a.totalAllocated = 0
	a.numBlocks = 0
	a.current = a.start
}
