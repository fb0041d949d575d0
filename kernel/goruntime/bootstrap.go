// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/bootstrap"
	"github.com/coronel-os/coronel/kernel/mem/paging"
	"github.com/coronel-os/coronel/kernel/mem/pmm"
)

var (
	mapFn        = paging.Map
	frameAllocFn = pmm.Default.Alloc
)

// reserveRegion carves size bytes out of the kernel virtual range. A
// zero-size request trivially succeeds without touching bootstrap.KernelVirt
// at all, so the anti-dead-code-elimination calls this file's init() makes
// (always with size 0, before bootstrap.Initialize has ever run) stay safe;
// any real, non-zero request made before KernelVirt exists legitimately
// fails instead of dereferencing a nil range.
func reserveRegion(size mem.Size) (mem.VAddr, bool) {
	if size == 0 {
		return 0, true
	}
	if bootstrap.KernelVirt == nil {
		return 0, false
	}
	addr, err := bootstrap.KernelVirt.Alloc(size)
	return addr, err == nil
}

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := mem.Size(size).Align4K()
	addr, ok := reserveRegion(regionSize)
	if !ok {
		*reserved = false
		return unsafe.Pointer(uintptr(0))
	}

	*reserved = true
	return unsafe.Pointer(uintptr(addr))
}

// sysMap establishes a mapping for a particular memory region that has been
// reserved previously via a call to sysReserve. Unlike the teacher's
// original, there is no copy-on-write reserved zero frame to lazily back
// the mapping with: this kernel's page-table engine has no page-fault
// handler to service a CoW fault, so sysMap eagerly allocates and maps a
// real, zeroed frame per page, same as sysAlloc.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	regionStart := mem.VAddr(uintptr(virtAddr)).Align4K()
	regionSize := mem.Size(size).Align4K()

	if !mapRegion(regionStart, regionSize) {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(uintptr(regionStart))
}

// sysAlloc reserves enough physical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them, returning the
// pointer to the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := mem.Size(size).Align4K()

	regionStart, ok := reserveRegion(regionSize)
	if !ok {
		return unsafe.Pointer(uintptr(0))
	}

	if !mapRegion(regionStart, regionSize) {
		return unsafe.Pointer(uintptr(0))
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(uintptr(regionStart))
}

func mapRegion(start mem.VAddr, size mem.Size) bool {
	dir := paging.KernelDirectory()
	pages := size.Pages()

	for i := uint32(0); i < pages; i++ {
		frame := frameAllocFn()
		if !frame.IsValid() {
			return false
		}

		page := start.Add(mem.Size(i) * mem.PageSize)
		if err := mapFn(dir, page, frame.Address(), paging.FlagWritable); err != nil {
			return false
		}
	}

	return true
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
