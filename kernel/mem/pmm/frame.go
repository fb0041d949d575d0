// Package pmm implements the physical frame allocator: a bitmap-backed pool
// tracking the free/used state of every 4 KiB frame in a single contiguous
// physical region. It is the allocator every mapped page in the kernel or a
// process ultimately gets its backing memory from.
package pmm

import (
	"math"

	"github.com/coronel-os/coronel/kernel/mem"
)

// Frame describes a physical memory frame index. Huge pages are out of
// scope, so unlike the teacher's buddy-oriented Frame type, a Frame always
// refers to exactly one PageSize-sized unit; there is no order encoding.
type Frame uint64

// InvalidFrame is returned by the allocator when it fails to reserve a
// frame, or used by callers as a "no frame" sentinel.
const InvalidFrame = Frame(math.MaxUint64)

// IsValid returns true if this is not the InvalidFrame sentinel.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical address of this frame.
func (f Frame) Address() mem.PAddr {
	return mem.PAddr(uint64(f) << mem.PageShift)
}

// FrameForAddress returns the frame that contains the supplied physical
// address, rounding down to the nearest frame boundary.
func FrameForAddress(addr mem.PAddr) Frame {
	return Frame(uint64(addr) >> mem.PageShift)
}
