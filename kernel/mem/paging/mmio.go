package paging

import (
	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/mem"
)

// MapIO reserves the fixed PCI/MMIO window for phys and maps it there with
// the given flags (always Present, plus whatever of Writable/User the
// caller asked for). The window is a single fixed 1 MiB-aligned region per
// the boot contract, so repeated calls for different devices are expected
// to collide unless callers coordinate placement externally — this engine
// only implements the map/unmap mechanics.
func MapIO(dir mem.PAddr, phys mem.PAddr, flags PageTableEntryFlag) (mem.VAddr, *kernel.Error) {
	vaddr := mem.VAddr(mem.PCIVirtualAddress) + mem.VAddr(uint64(phys)&0x000F_FFFF)

	if err := Map(dir, vaddr, phys.Align4K(), flags); err != nil {
		return 0, err
	}

	return vaddr, nil
}

// UnmapIO reverses a MapIO call.
func UnmapIO(dir mem.PAddr, vaddr mem.VAddr) *kernel.Error {
	return Unmap(dir, vaddr)
}
