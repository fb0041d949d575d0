package paging

import (
	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/mem"
)

var (
	// kernelPML4 is recorded once, at bootstrap, so that every later
	// call to CreatePageDirectory can copy the kernel's own PML4 entry
	// into the new directory's matching slot.
	kernelPML4 mem.PAddr

	errAllocFailed = &kernel.Error{Module: "paging", Message: "failed to allocate a page directory"}
)

// SetKernelDirectory records the kernel's own top-level directory as the
// one whose high-half entry gets copied into every process directory
// CreatePageDirectory builds afterwards.
func SetKernelDirectory(dir mem.PAddr) {
	kernelPML4 = dir
}

// KernelDirectory returns the directory recorded by SetKernelDirectory, for
// callers that need to Map/Unmap kernel-half addresses directly (the Go
// runtime's allocator hooks, in particular, have no address space of their
// own to pass in).
func KernelDirectory() mem.PAddr {
	return kernelPML4
}

// CreatePageDirectory allocates a zeroed PML4 and copies the kernel's PML4
// entry that covers KVirtualAddress into the same slot, so kernel code and
// data stay mapped in every address space.
func CreatePageDirectory() (mem.PAddr, *kernel.Error) {
	frame, err := IntermediateAllocFn()
	if err != nil {
		return 0, errAllocFailed
	}

	dir := frame.Address()
	memsetFn(uintptr(derefFn(dir)), 0, mem.PageSize)

	if kernelPML4 != 0 {
		kernelIdx := (uint64(mem.VAddr(mem.KVirtualAddress)) >> pml4Shift) & idxMask
		srcEntry := entryAt(kernelPML4, kernelIdx)
		dstEntry := entryAt(dir, kernelIdx)
		*dstEntry = *srcEntry
	}

	return dir, nil
}

// CreateUserPageDirectory builds a fresh page directory and additionally
// pre-maps a user stack below USER_STACK_TOP, leaving the process ready to
// run as soon as its heap and code/data are mapped in.
func CreateUserPageDirectory() (mem.PAddr, *kernel.Error) {
	dir, err := CreatePageDirectory()
	if err != nil {
		return 0, err
	}

	if err := SetupUserMemoryLayout(dir); err != nil {
		return 0, err
	}

	return dir, nil
}

// SetupUserMemoryLayout pre-maps UserStackSize worth of frames, with User
// permissions, immediately below USER_STACK_TOP.
func SetupUserMemoryLayout(dir mem.PAddr) *kernel.Error {
	stackBottom := mem.UserStackTop - mem.VAddr(mem.UserStackSize)
	pages := mem.Size(mem.UserStackSize).Pages()

	for i := uint32(0); i < pages; i++ {
		frame, err := IntermediateAllocFn()
		if err != nil {
			unmapRange(dir, stackBottom, i)
			return err
		}

		page := stackBottom.Add(mem.Size(i) * mem.PageSize)
		if err := Map(dir, page, frame.Address(), FlagWritable|FlagUser); err != nil {
			unmapRange(dir, stackBottom, i)
			return err
		}
	}

	return nil
}

func unmapRange(dir mem.PAddr, base mem.VAddr, pages uint32) {
	for i := uint32(0); i < pages; i++ {
		Unmap(dir, base.Add(mem.Size(i)*mem.PageSize))
	}
}
