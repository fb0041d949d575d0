package mem

// PAddr is an opaque physical memory address. It is disjoint from VAddr on
// purpose: the two are never interchangeable without going through an
// explicit conversion, so a stray arithmetic mix-up between a physical and a
// virtual pointer is a compile error instead of a boot-time page fault.
type PAddr uint64

// VAddr is an opaque virtual memory address.
type VAddr uint64

// KernelVirtual returns the virtual address the kernel dereferences this
// physical address through, using the global identity-plus-offset rule
// VAddr = (PAddr &^ 0xFFF) + KVirtualAddress.
func (p PAddr) KernelVirtual() VAddr {
	return VAddr(uint64(p)&^uint64(PageSize-1)) + KVirtualAddress
}

// Align4K rounds p down to the start of its containing frame.
func (p PAddr) Align4K() PAddr {
	return PAddr(uint64(p) &^ uint64(PageSize-1))
}

// Offset returns the byte offset of p within its containing frame.
func (p PAddr) Offset() uint64 {
	return uint64(p) & uint64(PageSize-1)
}

// Align4K rounds v down to the start of its containing page.
func (v VAddr) Align4K() VAddr {
	return VAddr(uint64(v) &^ uint64(PageSize-1))
}

// Offset returns the byte offset of v within its containing page.
func (v VAddr) Offset() uint64 {
	return uint64(v) & uint64(PageSize-1)
}

// Add returns v+delta. Kept as a method (rather than relying on the
// underlying uint64) so call-sites read as address arithmetic.
func (v VAddr) Add(delta Size) VAddr {
	return v + VAddr(delta)
}

// Add returns p+delta.
func (p PAddr) Add(delta Size) PAddr {
	return p + PAddr(delta)
}
