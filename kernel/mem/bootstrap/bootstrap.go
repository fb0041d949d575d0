// Package bootstrap sequences the one-time memory bring-up that runs once,
// at kernel entry, before any other subsystem can allocate anything: parse
// the boot-time memory map, bring up the physical frame allocator over the
// largest free region it reports, stand up the kernel's virtual range and
// heap on top of it, and hand the page-table engine off from the placement
// allocator to the real frame allocator.
//
// The sequence mirrors original_source's memory::initialize_memory: find
// the largest free region, reject it outright if it is too small to be
// useful, then lay the physical manager, the virtual manager and the
// kernel heap down on top of it in that order.
package bootstrap

import (
	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/cpu"
	"github.com/coronel-os/coronel/kernel/hal/multiboot"
	"github.com/coronel-os/coronel/kernel/kfmt/early"
	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/kheap"
	"github.com/coronel-os/coronel/kernel/mem/paging"
	"github.com/coronel-os/coronel/kernel/mem/placement"
	"github.com/coronel-os/coronel/kernel/mem/pmm"
	"github.com/coronel-os/coronel/kernel/mem/virt"
)

var (
	errNoMemoryInfo       = &kernel.Error{Module: "bootstrap", Message: "no memory information available from bootloader"}
	errInsufficientMemory = &kernel.Error{Module: "bootstrap", Message: "not enough free memory to initialize managers"}
	errOutOfFrames        = &kernel.Error{Module: "bootstrap", Message: "physical frame allocator exhausted during bootstrap"}
)

const (
	// kernelImageReserve mirrors original_source's hardcoded "skip the
	// first 8MB" rule: the kernel image and its early bootstrap data are
	// assumed to fit below this mark, regardless of their actual size,
	// so the free-region scan below never hands out memory the kernel
	// itself is sitting on.
	kernelImageReserve = mem.Size(8 * mem.Mb)

	// minFreeMemory is the smallest largest-free-region size Initialize
	// will accept; original_source refuses to bring the managers up
	// below this.
	minFreeMemory = mem.Size(4 * mem.Mb)
)

// kernelVirtualStart is the base of the range handed to the kernel's virt
// allocator. The first GiB above KVirtualAddress is left unclaimed: that
// range is the kernel's identity-plus-offset window onto physical RAM
// itself, and handing it to virt as well would let the heap allocate
// virtual addresses that are already backing real physical frames.
var kernelVirtualStart = mem.VAddr(mem.KVirtualAddress).Add(1 * mem.Gb)

// KernelVirt is the kernel's virtual range allocator, installed by
// Initialize. kheap.Default carves the kernel heap out of it; goruntime's
// allocator hooks share the same instance to reserve the address space the
// Go runtime itself needs, the same way the teacher's single global vmm
// package backed both.
var KernelVirt *virt.Virt

// Initialize parses the multiboot info structure at multibootInfoPtr,
// brings up the physical frame allocator over the largest free region it
// reports, and initializes the kernel's virtual range and heap on top of
// it. kernelStart/kernelEnd are the physical bounds of the loaded kernel
// image, matching the rt0 calling convention; kernelEnd sizes the
// placement allocator's bootstrap region, kernelStart is accepted for
// symmetry but otherwise unused here.
func Initialize(multibootInfoPtr, kernelStart, kernelEnd uintptr) *kernel.Error {
	multiboot.SetInfoPtr(multibootInfoPtr)

	early.Printf("[bootstrap] initializing memory management...\n")

	freeStart, freeSize, err := largestFreeRegion()
	if err != nil {
		return err
	}
	early.Printf("[bootstrap] largest free region: [%16x - %16x)\n", uint64(freeStart), uint64(freeStart)+uint64(freeSize))

	if freeSize < minFreeMemory {
		early.Printf("[[CRITICAL]] [bootstrap] not enough free memory to initialize managers\n")
		return errInsufficientMemory
	}

	placementBase := mem.PAddr(kernelEnd).Align4K()
	placementSize := mem.Size(uint64(kernelImageReserve) - uint64(placementBase))
	placement.Default.Init(placementBase.KernelVirtual(), placementSize)

	// Until the physical frame allocator exists, any intermediate
	// page-table page the page-table engine needs is carved from the
	// same placement region.
	paging.IntermediateAllocFn = placementFrameAlloc

	dir := mem.PAddr(cpu.ActivePDT())
	paging.SetKernelDirectory(dir)

	if err := pmm.Default.Setup(freeStart, freeSize); err != nil {
		return err
	}

	// The frame allocator is up: hand the page-table engine off to it,
	// the same swap the teacher's vmm.SetFrameAllocator performs once
	// its bitmap allocator comes online.
	paging.IntermediateAllocFn = pmmFrameAlloc

	KernelVirt = virt.New(kernelVirtualStart, mem.VAddrSize)

	kheap.Default, err = kheap.New(dir, KernelVirt, mem.KernelHeapInitialSize)
	if err != nil {
		return err
	}

	early.Printf("[bootstrap] memory management initialization complete\n")
	return nil
}

func placementFrameAlloc() (pmm.Frame, *kernel.Error) {
	_, paddr := placement.Default.Alloc(mem.PageSize, true)
	return pmm.FrameForAddress(paddr), nil
}

func pmmFrameAlloc() (pmm.Frame, *kernel.Error) {
	frame := pmm.Default.Alloc()
	if !frame.IsValid() {
		return pmm.InvalidFrame, errOutOfFrames
	}
	return frame, nil
}

// largestFreeRegion picks the boot-info source the bootloader actually
// populated: the full memory map when available, falling back to the
// coarse mem_lower/mem_upper pair otherwise.
func largestFreeRegion() (mem.PAddr, mem.Size, *kernel.Error) {
	flags := multiboot.Flags()

	switch {
	case flags&multiboot.FlagMemMap != 0:
		early.Printf("[bootstrap] processing memory map...\n")
		start, size := largestFreeRegionFromMmap()
		return start, size, nil
	case flags&multiboot.FlagMemory != 0:
		early.Printf("[bootstrap] using basic memory info (no memory map)\n")
		start, size := largestFreeRegionFromBasicInfo()
		return start, size, nil
	default:
		early.Printf("[[CRITICAL]] [bootstrap] no memory information available from bootloader\n")
		return 0, 0, errNoMemoryInfo
	}
}

// largestFreeRegionFromMmap walks every available region the bootloader
// reported and keeps the largest one, clipping any region that straddles
// kernelImageReserve down to its portion above the mark. The accumulation
// itself lives in regionAccumulator so it can be driven directly by tests,
// without going through multiboot.VisitMemRegions (which needs a real
// sub-4GiB physical mapping to dereference and so cannot run in a hosted
// test binary).
func largestFreeRegionFromMmap() (mem.PAddr, mem.Size) {
	var acc regionAccumulator
	multiboot.VisitMemRegions(acc.visit)
	return acc.result()
}

type regionAccumulator struct {
	bestStart uint64
	bestSize  uint64
}

func (a *regionAccumulator) visit(region *multiboot.MemoryMapEntry) bool {
	if region.Type != multiboot.MemAvailable {
		return true
	}

	start := region.PhysAddress
	length := region.Length
	reserve := uint64(kernelImageReserve)

	if start < reserve {
		if start+length <= reserve {
			return true
		}
		length = (start + length) - reserve
		start = reserve
	}

	if length > a.bestSize {
		a.bestStart = start
		a.bestSize = length
	}
	return true
}

func (a *regionAccumulator) result() (mem.PAddr, mem.Size) {
	return mem.PAddr(a.bestStart), mem.Size(a.bestSize)
}

// largestFreeRegionFromBasicInfo derives a single free region from the
// mem_lower/mem_upper pair, the same way original_source does when no
// memory map is available: upper memory is assumed contiguous starting at
// 1 MiB, and the region below kernelImageReserve is carved out of it.
func largestFreeRegionFromBasicInfo() (mem.PAddr, mem.Size) {
	return regionFromUpperMemKB(multiboot.MemUpper())
}

func regionFromUpperMemKB(memUpperKB uint32) (mem.PAddr, mem.Size) {
	upperMemBytes := uint64(memUpperKB) * 1024
	size := (upperMemBytes + uint64(mem.Mb)) - uint64(kernelImageReserve)
	return mem.PAddr(kernelImageReserve), mem.Size(size)
}

// MemoryStats mirrors original_source's memory_stats: the kernel heap's
// current size and usage, reported for diagnostics. Physical memory
// statistics are left at zero, matching original_source's own
// get_memory_stats, which never filled them in either.
type MemoryStats struct {
	KernelHeapSize mem.Size
	KernelHeapUsed mem.Size
}

// Stats returns the current kernel heap statistics, or the zero value if
// the heap has not been initialized yet.
func Stats() MemoryStats {
	if kheap.Default == nil {
		return MemoryStats{}
	}
	s := kheap.Default.Stats()
	return MemoryStats{KernelHeapSize: s.TotalSize, KernelHeapUsed: s.TotalAllocated}
}

// PrintMemoryInfo logs the current kernel heap statistics, matching
// original_source's memory::print_memory_info.
func PrintMemoryInfo() {
	if kheap.Default == nil {
		early.Printf("[bootstrap] memory managers not initialized\n")
		return
	}

	early.Printf("=== Memory Information ===\n")
	kheap.Default.PrintStats()
}
