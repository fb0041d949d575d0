package uheap

import (
	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/kfmt/early"
	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/paging"
	"github.com/coronel-os/coronel/kernel/mem/pmm"
	"github.com/coronel-os/coronel/kernel/mem/virt"
)

var errNoProcess = &kernel.Error{Module: "uheap", Message: "no current process"}

// ProcessMemory bundles everything one process needs to manage its address
// space: the page directory hardware uses, the virtual-range allocator that
// hands out mmap regions, the heap, and the bounds of its code/data/stack
// regions. Mirrors original_source's process_memory class.
type ProcessMemory struct {
	PageDir mem.PAddr
	Virt    *virt.Virt
	Heap    *UserAllocator

	StackTop  mem.VAddr
	StackSize mem.Size

	CodeStart mem.VAddr
	CodeSize  mem.Size

	DataStart mem.VAddr
	DataSize  mem.Size
}

// NewProcessMemory constructs a process' memory state: a fresh heap mapped
// under dir, and v as the allocator serving the mmap region
// [mem.MmapStart, mem.MmapEnd).
func NewProcessMemory(dir mem.PAddr, v *virt.Virt) (*ProcessMemory, *kernel.Error) {
	heap, err := NewUserAllocator(dir)
	if err != nil {
		return nil, err
	}

	return &ProcessMemory{PageDir: dir, Virt: v, Heap: heap}, nil
}

// SetupMemoryLayout records the code and data regions' bounds and maps them
// with the given permissions. original_source's setup_memory_layout only
// ever stored these bounds (its mapping was left as a TODO); this completes
// that half of the original.
func (p *ProcessMemory) SetupMemoryLayout(codeStart mem.VAddr, codeSize mem.Size, dataStart mem.VAddr, dataSize mem.Size) *kernel.Error {
	if err := p.mapRegion(codeStart, codeSize, paging.FlagUser); err != nil {
		return err
	}
	if err := p.mapRegion(dataStart, dataSize, paging.FlagWritable|paging.FlagUser); err != nil {
		p.unmapRegion(codeStart, codeSize)
		return err
	}

	p.CodeStart, p.CodeSize = codeStart, codeSize
	p.DataStart, p.DataSize = dataStart, dataSize

	early.Printf("[uheap] memory layout: code=[%16x-%16x) data=[%16x-%16x)\n",
		uint64(codeStart), uint64(codeStart.Add(codeSize)), uint64(dataStart), uint64(dataStart.Add(dataSize)))
	return nil
}

// SetupStack records the bounds of the process' stack. The stack pages
// themselves are pre-mapped by paging.CreateUserPageDirectory; this just
// gives ValidateUserPointer and diagnostics something to check against,
// rather than mapping the same region a second time.
func (p *ProcessMemory) SetupStack(stackSize mem.Size) *kernel.Error {
	p.StackTop = mem.UserStackTop
	p.StackSize = stackSize.Align4K()
	return nil
}

func (p *ProcessMemory) mapRegion(start mem.VAddr, size mem.Size, flags paging.PageTableEntryFlag) *kernel.Error {
	size = size.Align4K()
	pages := size.Pages()

	for i := uint32(0); i < pages; i++ {
		frame := pmm.Default.Alloc()
		if !frame.IsValid() {
			early.Printf("[[CRITICAL]] [uheap] failed to allocate physical frame for process region\n")
			p.unmapRegion(start, mem.Size(i)*mem.PageSize)
			return ErrOutOfMemory
		}

		page := start.Add(mem.Size(i) * mem.PageSize)
		if err := paging.Map(p.PageDir, page, frame.Address(), flags); err != nil {
			pmm.Default.Free(frame)
			p.unmapRegion(start, mem.Size(i)*mem.PageSize)
			return err
		}
	}

	return nil
}

func (p *ProcessMemory) unmapRegion(start mem.VAddr, size mem.Size) {
	pages := size.Pages()
	for i := uint32(0); i < pages; i++ {
		page := start.Add(mem.Size(i) * mem.PageSize)
		if phys, err := paging.Translate(p.PageDir, page); err == nil {
			pmm.Default.Free(pmm.FrameForAddress(phys))
		}
		paging.Unmap(p.PageDir, page)
	}
}

// MapUserPage allocates a frame and maps it at vaddr with flags|FlagUser,
// rolling back the frame allocation if the mapping fails.
func (p *ProcessMemory) MapUserPage(vaddr mem.VAddr, flags paging.PageTableEntryFlag) *kernel.Error {
	frame := pmm.Default.Alloc()
	if !frame.IsValid() {
		return ErrOutOfMemory
	}
	if err := paging.Map(p.PageDir, vaddr, frame.Address(), flags|paging.FlagUser); err != nil {
		pmm.Default.Free(frame)
		return err
	}
	return nil
}

// UnmapUserPage releases the frame backing vaddr, if any, and removes the
// mapping.
func (p *ProcessMemory) UnmapUserPage(vaddr mem.VAddr) {
	if phys, err := paging.Translate(p.PageDir, vaddr); err == nil {
		pmm.Default.Free(pmm.FrameForAddress(phys))
	}
	paging.Unmap(p.PageDir, vaddr)
}

// CleanupAll tears a process' entire address space down: the heap, the
// code/data/stack regions, every outstanding mmap range, and finally the
// page directory itself. original_source's process_memory::cleanup_all
// left this as an acknowledged TODO stub (heap_->cleanup_on_exit() plus
// kfree(heap_) and nothing else); this completes the teardown the way
// original_source's own comments describe it should eventually work,
// unmapping every page and returning every frame before the directory
// frame itself goes back to the pool.
func (p *ProcessMemory) CleanupAll() {
	if p.Heap != nil {
		p.Heap.CleanupOnExit()
		p.Heap = nil
	}

	if p.StackTop != 0 {
		p.unmapRegion(p.StackTop-mem.VAddr(mem.UserStackSize), mem.Size(mem.UserStackSize))
		p.StackTop, p.StackSize = 0, 0
	}

	if p.CodeSize != 0 {
		p.unmapRegion(p.CodeStart, p.CodeSize)
		p.CodeStart, p.CodeSize = 0, 0
	}
	if p.DataSize != 0 {
		p.unmapRegion(p.DataStart, p.DataSize)
		p.DataStart, p.DataSize = 0, 0
	}

	if p.Virt != nil {
		for _, r := range p.Virt.AllocatedRanges() {
			p.unmapRegion(r.Start, r.Size)
		}
		p.Virt = nil
	}

	if p.PageDir != 0 {
		pmm.Default.Free(pmm.FrameForAddress(p.PageDir))
		p.PageDir = 0
	}
}

// ValidateUserPointer reports whether [ptr, ptr+size) is a pointer a process
// may legitimately dereference: past the NULL-guard region, not wrapping
// the address space, and entirely below the kernel-canonical half.
func (p *ProcessMemory) ValidateUserPointer(ptr mem.VAddr, size mem.Size) bool {
	if ptr < mem.NullGuardEnd {
		return false
	}

	end := ptr.Add(size)
	if uint64(end) < uint64(ptr) {
		return false
	}
	if uint64(ptr) >= uint64(mem.KernelHalfStart) || uint64(end) > uint64(mem.KernelHalfStart) {
		return false
	}

	return true
}
