// Package kheap implements the kernel heap: a malloc/free-style allocator
// layered on top of the virtual-range allocator and the physical frame
// allocator. Every block header is placed directly at the start of the
// memory it describes, so (unlike virt's free-range nodes) the header
// itself must be reached through raw pointer arithmetic rather than an
// ordinary Go value.
package kheap

import "unsafe"

import "github.com/coronel-os/coronel/kernel/mem"

const (
	magicFree uint32 = 0xDEADBEEF
	magicUsed uint32 = 0xCAFEBABE
)

// block is the header prefixing every allocation (free or used). It lives
// inside the heap memory it describes, so it is reached and linked purely
// through unsafe.Pointer arithmetic, never through an ordinary Go pointer
// field pointing at a separately-allocated value.
type block struct {
	size  mem.Size
	free  bool
	magic uint32
	prev  *block
	next  *block
}

// blockHeaderSize is computed rather than hard-coded so the layout stays
// correct regardless of struct padding.
var blockHeaderSize = mem.Size(unsafe.Sizeof(block{}))

// minBlockPayload is the smallest payload split will carve a new
// block for; anything smaller is left as internal fragmentation of the
// original block instead.
const minBlockPayload = mem.Size(16)

// newBlockAt overlays a fresh block header at addr and returns it.
func newBlockAt(addr uintptr, size mem.Size, free bool) *block {
	b := (*block)(unsafe.Pointer(addr))
	b.size = size
	b.prev = nil
	b.next = nil
	b.setFree(free)
	return b
}

// dataPtr returns the address of the payload immediately following b.
func (b *block) dataPtr() uintptr {
	return uintptr(unsafe.Pointer(b)) + uintptr(blockHeaderSize)
}

// blockFromData recovers the header belonging to a payload pointer.
func blockFromData(ptr uintptr) *block {
	return (*block)(unsafe.Pointer(ptr - uintptr(blockHeaderSize)))
}

// isValid reports whether b's magic is one of the two values maintained by
// this package. A pointer into unrelated memory, or a block whose header
// has been stomped on, fails this check.
func (b *block) isValid() bool {
	return b.magic == magicFree || b.magic == magicUsed
}

func (b *block) setFree(free bool) {
	b.free = free
	if free {
		b.magic = magicFree
	} else {
		b.magic = magicUsed
	}
}

// end returns the address immediately after b's payload, i.e. where an
// address-adjacent neighbor block's header would begin.
func (b *block) end() uintptr {
	return b.dataPtr() + uintptr(b.size)
}

func align8(size mem.Size) mem.Size {
	return (size + 7) &^ 7
}
