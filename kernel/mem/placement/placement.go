// Package placement implements the pre-heap bootstrap (bump) allocator: a
// monotonically increasing cursor that hands out virtual/physical address
// pairs before the physical frame allocator, the page-table engine or the
// kernel heap exist. It is the allocator that closes the bootstrap
// circularity described by the memory core: the page tables and the heap
// object itself must be laid down somewhere before any of the "real"
// allocators can run.
package placement

import (
	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/kfmt/early"
	"github.com/coronel-os/coronel/kernel/mem"
)

var (
	// Default points to the allocator instance used by the rest of the
	// kernel during bootstrap. It is exported as a single global since
	// the placement allocator, by design, has exactly one instance for
	// the lifetime of the kernel (see the "global mutable state" design
	// note: a narrow module boundary, not a context object, enforces
	// the access discipline here).
	Default Allocator

	errOverflow  = &kernel.Error{Module: "placement", Message: "bootstrap region exhausted"}
	errUnderflow = &kernel.Error{Module: "placement", Message: "kfree_block would step cursor before base"}

	// panicFn is mocked by tests so a simulated overflow/underflow does
	// not actually halt the test binary.
	panicFn = kernel.Panic
)

// Allocator is a monotonic bump allocator over a fixed, pre-reserved
// virtual/physical region. The identity-plus-offset invariant
// (virtual = physical + KVirtualAddress) means the allocator only needs to
// track one cursor; the other address is always a fixed offset away.
type Allocator struct {
	base    mem.VAddr
	current mem.VAddr
	end     mem.VAddr
}

// Init configures the allocator to hand out addresses starting at base,
// never exceeding base+regionSize. base must already satisfy
// base - KVirtualAddress == the physical address backing it, i.e. it must
// lie in the identity-plus-offset window.
func (a *Allocator) Init(base mem.VAddr, regionSize mem.Size) {
	a.base = base
	a.current = base
	a.end = base.Add(regionSize)

	early.Printf("[placement] bootstrap region [%16x - %16x)\n", uint64(a.base), uint64(a.end))
}

// Alloc reserves size bytes, optionally rounding the cursor up to a 4 KiB
// boundary first, and returns the virtual address of the reservation along
// with its physical counterpart. Alloc never fails during normal boot; a
// request that would overflow the reserved bootstrap region is a fatal
// error, since there is no fallback allocator at this point.
func (a *Allocator) Alloc(size mem.Size, align4K bool) (mem.VAddr, mem.PAddr) {
	if align4K {
		a.current = mem.VAddr((uint64(a.current) + uint64(mem.PageSize-1)) &^ uint64(mem.PageSize-1))
	}

	start := a.current
	next := start.Add(size)
	if next > a.end {
		panicFn(errOverflow)
		return 0, 0
	}

	a.current = next
	return start, mem.PAddr(uint64(start) - mem.KVirtualAddress)
}

// Free steps the cursor backward by size. Callers use this only to unwind
// the most recent allocation when a subsequent step in a larger operation
// fails; it is not a general-purpose free and must be called with the exact
// size of the last Alloc call.
func (a *Allocator) Free(size mem.Size) *kernel.Error {
	if uint64(a.current) < uint64(a.base)+uint64(size) {
		panicFn(errUnderflow)
		return errUnderflow
	}

	a.current -= mem.VAddr(size)
	return nil
}

// Current returns the allocator's cursor, mostly useful for tests and
// diagnostics.
func (a *Allocator) Current() mem.VAddr {
	return a.current
}
