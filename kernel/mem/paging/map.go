package paging

import (
	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/kfmt/early"
	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/pmm"
)

var (
	// IntermediateAllocFn supplies the frames used for missing
	// intermediate (PML4/PDPT/PD) tables. During bootstrap this is
	// backed by the placement allocator (identity-plus-offset makes its
	// pointers usable immediately, before pmm exists); bootstrap swaps
	// it for a pmm.Default.Alloc-backed function the moment the frame
	// allocator comes up. The spec permits either strategy; this
	// resolves the open question by picking one and documenting it.
	IntermediateAllocFn FrameAllocatorFn

	// flushTLBEntryFn is mocked by tests; on real hardware it resolves
	// to cpu.FlushTLBEntry.
	flushTLBEntryFn = func(mem.VAddr) {}
)

// Map installs a mapping from vaddr to paddr in the directory rooted at
// dir, creating any missing intermediate tables via IntermediateAllocFn.
// Intermediate tables are always created Present+Writable (and User when
// flags requests User), propagating permissions down per invariant I6
// regardless of what flags the caller passed for the leaf itself.
func Map(dir mem.PAddr, vaddr mem.VAddr, paddr mem.PAddr, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(dir, vaddr, func(level int, pte *pageTableEntry) (mem.PAddr, bool) {
		if level == numLevels-1 {
			*pte = 0
			pte.SetFrame(pmm.FrameForAddress(paddr))
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(vaddr)
			return 0, false
		}

		if !pte.HasFlags(FlagPresent) {
			frame, allocErr := IntermediateAllocFn()
			if allocErr != nil {
				err = allocErr
				return 0, false
			}

			dirFlags := FlagPresent | FlagWritable
			if flags&FlagUser != 0 {
				dirFlags |= FlagUser
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(dirFlags)
			memsetFn(uintptr(derefPtr(frame.Address())), 0, mem.PageSize)
		} else {
			// An existing intermediate entry must keep carrying User
			// down to this new leaf if the leaf itself is User (I6).
			if flags&FlagUser != 0 && !pte.HasFlags(FlagUser) {
				pte.SetFlags(FlagUser)
			}
		}

		return pte.Frame().Address(), true
	})

	return err
}

// Unmap removes a mapping previously installed by Map. Walking through a
// non-present intermediate table is a logged no-op, not an error — the spec
// treats unmapping an already-absent mapping as harmless.
func Unmap(dir mem.PAddr, vaddr mem.VAddr) *kernel.Error {
	walk(dir, vaddr, func(level int, pte *pageTableEntry) (mem.PAddr, bool) {
		if level == numLevels-1 {
			pte.ClearFlags(FlagPresent | FlagWritable | FlagUser)
			flushTLBEntryFn(vaddr)
			return 0, false
		}

		if !pte.HasFlags(FlagPresent) {
			early.Printf("[[CRITICAL]] [paging] unmap of non-present path at level %d for %16x\n", level, uint64(vaddr))
			return 0, false
		}

		return pte.Frame().Address(), true
	})

	return nil
}

// Translate returns the physical address vaddr currently resolves to, or
// ErrInvalidMapping if the leaf (or any intermediate on the path) is not
// present.
func Translate(dir mem.PAddr, vaddr mem.VAddr) (mem.PAddr, *kernel.Error) {
	var (
		leaf *pageTableEntry
		err  *kernel.Error = ErrInvalidMapping
	)

	walk(dir, vaddr, func(level int, pte *pageTableEntry) (mem.PAddr, bool) {
		if !pte.HasFlags(FlagPresent) {
			return 0, false
		}

		if level == numLevels-1 {
			leaf = pte
			err = nil
			return 0, false
		}

		return pte.Frame().Address(), true
	})

	if err != nil {
		return 0, err
	}

	return leaf.Frame().Address() + mem.PAddr(uint64(vaddr)&uint64(mem.PageSize-1)), nil
}

func derefPtr(p mem.PAddr) mem.VAddr {
	return mem.VAddr(uintptr(derefFn(p)))
}
