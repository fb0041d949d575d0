package mem

// Fixed user-space virtual layout. These ranges are a contract between the
// page-table engine (which pre-maps the stack) and the user heap / process
// memory layer (which maps code, data and the heap) — both sides read the
// same constants rather than duplicating the numbers.
const (
	// NullGuardEnd is the first byte past the unmapped NULL-guard region.
	NullGuardEnd = VAddr(0x0040_0000)

	// CodeDataStart/CodeDataEnd bound the code+data region (<=128 MiB).
	CodeDataStart = VAddr(0x0040_0000)
	CodeDataEnd   = VAddr(0x0800_0000)

	// UserHeapStart/UserHeapEnd bound the per-process heap region (<=1 GiB).
	UserHeapStart = VAddr(0x0800_0000)
	UserHeapEnd   = VAddr(0x4000_0000)

	// MmapStart/MmapEnd bound the mmap/shared-library region.
	MmapStart = VAddr(0x4000_0000)
	MmapEnd   = VAddr(0x7000_0000)

	// UserStackTop is the first address of the kernel-canonical half;
	// the user stack occupies [UserStackTop-UserStackSize, UserStackTop)
	// and grows down.
	UserStackTop = VAddr(0x8000_0000)

	// KernelHalfStart is the lowest address considered part of the
	// kernel-canonical half for pointer-validation purposes.
	KernelHalfStart = VAddr(1 << 47)
)
