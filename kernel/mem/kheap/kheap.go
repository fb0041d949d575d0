package kheap

import (
	"github.com/coronel-os/coronel/kernel/kfmt/early"
	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/placement"
)

// Default is the kernel's single heap instance, installed by
// bootstrap.Initialize once the physical frame allocator and the kernel
// virt range are both up.
var Default *Heap

// Kmalloc is the kmalloc(size) ABI entry point. Before Default exists it
// falls back to the placement allocator, matching original_source's
// kmalloc (the only one of the five ABI functions with a pre-heap
// fallback; the rest simply refuse to run).
func Kmalloc(size mem.Size) uintptr {
	if Default == nil {
		early.Printf("[[CRITICAL]] [kheap] kernel heap not initialized, using placement allocator\n")
		v, _ := placement.Default.Alloc(size, true)
		return uintptr(v)
	}

	ptr, err := Default.Malloc(size)
	if err != nil {
		return 0
	}
	return ptr
}

// Kfree is the kfree(ptr) ABI entry point. A call before Default exists, or
// with a nil pointer, is a silent no-op.
func Kfree(ptr uintptr) {
	if Default == nil || ptr == 0 {
		return
	}
	Default.Free(ptr)
}

// Krealloc is the krealloc(ptr, size) ABI entry point.
func Krealloc(ptr uintptr, newSize mem.Size) uintptr {
	if Default == nil {
		early.Printf("[[CRITICAL]] [kheap] kernel heap not initialized\n")
		return 0
	}

	p, err := Default.Realloc(ptr, newSize)
	if err != nil {
		return 0
	}
	return p
}

// Kcalloc is the kcalloc(num, size) ABI entry point.
func Kcalloc(num, size mem.Size) uintptr {
	if Default == nil {
		early.Printf("[[CRITICAL]] [kheap] kernel heap not initialized\n")
		return 0
	}

	p, err := Default.Calloc(num, size)
	if err != nil {
		return 0
	}
	return p
}

// KmallocAligned is the kmalloc_aligned(alignment, size) ABI entry point.
func KmallocAligned(alignment, size mem.Size) uintptr {
	if Default == nil {
		early.Printf("[[CRITICAL]] [kheap] kernel heap not initialized\n")
		return 0
	}

	p, err := Default.AlignedAlloc(alignment, size)
	if err != nil {
		return 0
	}
	return p
}
