package uheap

import (
	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/paging"
)

// CurrentProcess resolves the calling process' memory state. There is no
// scheduler in scope, so bootstrap wiring is expected to install this hook
// once one exists; original_source's syscalls::sys_* left the equivalent
// lookup ("get the current process context") as a TODO and never wired it
// to a real process either.
var CurrentProcess func() *ProcessMemory

func currentHeap() (*UserAllocator, *kernel.Error) {
	if CurrentProcess == nil {
		return nil, errNoProcess
	}
	p := CurrentProcess()
	if p == nil || p.Heap == nil {
		return nil, errNoProcess
	}
	return p.Heap, nil
}

// SysMalloc is the sys_malloc(size) syscall.
func SysMalloc(size mem.Size) uintptr {
	h, err := currentHeap()
	if err != nil {
		return 0
	}
	ptr, err := h.Malloc(size)
	if err != nil {
		return 0
	}
	return ptr
}

// SysFree is the sys_free(ptr) syscall.
func SysFree(ptr uintptr) {
	h, err := currentHeap()
	if err != nil {
		return
	}
	h.Free(ptr)
}

// SysRealloc is the sys_realloc(ptr, size) syscall.
func SysRealloc(ptr uintptr, newSize mem.Size) uintptr {
	h, err := currentHeap()
	if err != nil {
		return 0
	}
	p, err := h.Realloc(ptr, newSize)
	if err != nil {
		return 0
	}
	return p
}

// SysCalloc is the sys_calloc(num, size) syscall.
func SysCalloc(num, size mem.Size) uintptr {
	h, err := currentHeap()
	if err != nil {
		return 0
	}
	p, err := h.Calloc(num, size)
	if err != nil {
		return 0
	}
	return p
}

// SysBrk is the sys_brk(addr) syscall: moves the heap's growth limit to the
// given absolute address and returns 0 on success, -1 otherwise, matching
// the classic brk(2) convention.
func SysBrk(addr mem.VAddr) int {
	h, err := currentHeap()
	if err != nil {
		return -1
	}
	if !h.SetHeapLimit(addr) {
		return -1
	}
	return 0
}

// SysMmap is the sys_mmap(length, prot) syscall: reserves length bytes out
// of the process' mmap region (not the heap) and maps them with prot.
func SysMmap(length mem.Size, prot paging.PageTableEntryFlag) (mem.VAddr, *kernel.Error) {
	if CurrentProcess == nil {
		return 0, errNoProcess
	}
	p := CurrentProcess()
	if p == nil || p.Virt == nil {
		return 0, errNoProcess
	}

	addr, err := p.Virt.Alloc(length)
	if err != nil {
		return 0, err
	}

	pages := length.Align4K().Pages()
	for i := uint32(0); i < pages; i++ {
		page := addr.Add(mem.Size(i) * mem.PageSize)
		if err := p.MapUserPage(page, prot); err != nil {
			for j := uint32(0); j < i; j++ {
				p.UnmapUserPage(addr.Add(mem.Size(j) * mem.PageSize))
			}
			p.Virt.Free(addr, length)
			return 0, err
		}
	}

	return addr, nil
}

// SysMunmap is the sys_munmap(addr, length) syscall: the inverse of
// SysMmap.
func SysMunmap(addr mem.VAddr, length mem.Size) *kernel.Error {
	if CurrentProcess == nil {
		return errNoProcess
	}
	p := CurrentProcess()
	if p == nil || p.Virt == nil {
		return errNoProcess
	}

	pages := length.Align4K().Pages()
	for i := uint32(0); i < pages; i++ {
		p.UnmapUserPage(addr.Add(mem.Size(i) * mem.PageSize))
	}
	p.Virt.Free(addr, length)

	return nil
}
