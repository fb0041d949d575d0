// Package paging implements the 4-level x86-64 page-table engine: walking,
// building and tearing down the PML4 -> PDPT -> PD -> PT hierarchy. Unlike
// the recursive-mapping trick used by some kernels, every table here is
// dereferenced through the kernel's identity-plus-offset view of physical
// memory (VAddr = (PAddr &^ 0xFFF) + KVirtualAddress), so the engine never
// needs the table it is editing to be the one currently installed in CR3.
package paging

import (
	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/pmm"
)

// pageTableEntry is a single 64-bit PML4E/PDPTE/PDE/PTE. Bits [51:12] hold
// the physical frame address; the low bits hold the architectural flags
// below.
type pageTableEntry uint64

// PageTableEntryFlag enumerates the PTE flag bits this engine understands.
// Only the bits the spec calls out (present/writable/user) are modeled;
// other architectural bits are passed through unexamined.
type PageTableEntryFlag uint64

const (
	// FlagPresent marks the entry as valid.
	FlagPresent PageTableEntryFlag = 1 << 0
	// FlagWritable allows writes through this mapping.
	FlagWritable PageTableEntryFlag = 1 << 1
	// FlagUser allows ring-3 access through this mapping.
	FlagUser PageTableEntryFlag = 1 << 2

	frameAddrMask = uint64(0x000FFFFFFFFFF000)
	flagMask      = uint64(0xFFF)
)

// HasFlags returns true if all bits in flags are set on the entry.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uint64(pte)&uint64(flags) == uint64(flags)
}

// HasAnyFlag returns true if at least one bit in flags is set on the entry.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return uint64(pte)&uint64(flags) != 0
}

// SetFlags ORs flags into the entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte |= pageTableEntry(flags)
}

// ClearFlags clears flags on the entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte &^= pageTableEntry(flags)
}

// Frame returns the physical frame this entry currently points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.FrameForAddress(mem.PAddr(uint64(pte) & frameAddrMask))
}

// SetFrame updates the physical frame this entry points to, leaving the
// flag bits untouched.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = pageTableEntry(uint64(*pte)&flagMask | (uint64(frame.Address()) & frameAddrMask))
}
