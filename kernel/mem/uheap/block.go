// Package uheap implements the per-process user heap and the process
// memory bookkeeping (page directory, virtual range, stack, code/data
// regions) that sits above it. Each process gets its own UserAllocator
// instance, unlike the single shared kheap.Heap.
package uheap

import "unsafe"

import "github.com/coronel-os/coronel/kernel/mem"

const (
	flagFree  uint32 = 0x01
	magicMask uint32 = 0xFF000000
	magicFree uint32 = 0xAA000000
	magicUsed uint32 = 0x55000000
)

// userBlock is the user-heap block header: a 32-bit size field (capping
// any single allocation at 4 GiB, enforced in practice at 2 GiB by
// maxSingleAlloc) and a packed 32-bit flags word (free bit plus an 8-bit
// magic in the top byte), trading header density for range versus kheap's
// 64-bit block, exactly as original_source's user_block does.
type userBlock struct {
	size  uint32
	flags uint32
	prev  *userBlock
	next  *userBlock
}

var userBlockHeaderSize = mem.Size(unsafe.Sizeof(userBlock{}))

const minUserBlockPayload = mem.Size(16)

func newUserBlockAt(addr uintptr, size mem.Size, free bool) *userBlock {
	b := (*userBlock)(unsafe.Pointer(addr))
	b.size = uint32(size)
	b.prev = nil
	b.next = nil
	b.setFree(free)
	return b
}

func (b *userBlock) dataPtr() uintptr {
	return uintptr(unsafe.Pointer(b)) + uintptr(userBlockHeaderSize)
}

func userBlockFromData(ptr uintptr) *userBlock {
	return (*userBlock)(unsafe.Pointer(ptr - uintptr(userBlockHeaderSize)))
}

func (b *userBlock) isFree() bool {
	return b.flags&flagFree != 0
}

func (b *userBlock) setFree(free bool) {
	magic := magicUsed
	flags := uint32(0)
	if free {
		magic = magicFree
		flags = flagFree
	}
	b.flags = flags | magic
}

func (b *userBlock) isValid() bool {
	magic := b.flags & magicMask
	return magic == magicFree || magic == magicUsed
}

func (b *userBlock) end() uintptr {
	return b.dataPtr() + uintptr(b.size)
}

func align8(size mem.Size) mem.Size {
	return (size + 7) &^ 7
}
