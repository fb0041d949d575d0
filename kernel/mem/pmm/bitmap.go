package pmm

import (
	"reflect"
	"unsafe"

	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/kfmt/early"
	"github.com/coronel-os/coronel/kernel/mem"
	"github.com/coronel-os/coronel/kernel/mem/placement"
)

var (
	// Default is the kernel's single physical frame allocator instance.
	// The physical allocator is a shared, process-independent resource;
	// every address space allocates frames through this one pool.
	Default Allocator

	errDoubleFree = &kernel.Error{Module: "pmm", Message: "double free of a physical frame"}

	// memsetFn is mocked by tests.
	memsetFn = mem.Memset
)

// Allocator tracks the free/used state of every frame in a single
// contiguous physical region using a bitmap, one bit per frame (1 == used).
// A bitmap was chosen over a free-list because the spec only requires a
// contiguous region (no multi-pool bookkeeping), and a bitmap gives O(1)
// amortized allocation via a running free-count plus word-at-a-time
// scanning for the rare case the last-known-free hint is stale.
type Allocator struct {
	startFrame Frame
	frameCount uint32

	freeCount uint32
	// lastFreed is a scan hint: the relative index of the most recently
	// freed frame, which is likely to be free on the next allocation.
	lastFreed uint32

	bitmap    []uint64
	bitmapHdr reflect.SliceHeader
}

// Setup initializes the allocator over the frames covering [start,
// start+length). The backing bitmap storage is carved from the placement
// allocator, since the physical frame allocator itself must exist before
// anything can ask it for memory.
func (a *Allocator) Setup(start mem.PAddr, length mem.Size) *kernel.Error {
	a.startFrame = FrameForAddress(start)
	a.frameCount = uint32(length.Pages())
	a.freeCount = a.frameCount

	requiredWords := (uint64(a.frameCount) + 63) >> 6
	bitmapBytes := mem.Size(requiredWords * 8)

	bitmapAddr, _ := placement.Default.Alloc(bitmapBytes, false)

	a.bitmapHdr.Data = uintptr(bitmapAddr)
	a.bitmapHdr.Len = int(requiredWords)
	a.bitmapHdr.Cap = int(requiredWords)
	a.bitmap = *(*[]uint64)(unsafe.Pointer(&a.bitmapHdr))

	for i := range a.bitmap {
		a.bitmap[i] = 0
	}

	early.Printf("[pmm] frame pool [frame %d - %d), %d frames free\n", a.startFrame, a.startFrame+Frame(a.frameCount), a.freeCount)
	return nil
}

// Alloc reserves and zero-fills a free frame, or returns InvalidFrame if the
// pool is exhausted.
func (a *Allocator) Alloc() Frame {
	if a.freeCount == 0 {
		return InvalidFrame
	}

	rel, ok := a.scanFree(a.lastFreed)
	if !ok {
		return InvalidFrame
	}

	a.setBit(rel)
	a.freeCount--

	frame := a.startFrame + Frame(rel)
	memsetFn(uintptr(frame.Address().KernelVirtual()), 0, mem.PageSize)
	return frame
}

// Free marks frame as available again. Freeing a frame outside the pool or
// a frame that is already free is logged at CRITICAL and otherwise ignored,
// matching the double-free handling contract.
func (a *Allocator) Free(frame Frame) {
	if frame < a.startFrame || frame >= a.startFrame+Frame(a.frameCount) {
		early.Printf("[[CRITICAL]] [pmm] free of out-of-pool frame %d\n", frame)
		return
	}

	rel := uint32(frame - a.startFrame)
	if !a.bitSet(rel) {
		early.Printf("[[CRITICAL]] [pmm] %s: frame %d\n", errDoubleFree.Message, frame)
		return
	}

	a.clearBit(rel)
	a.freeCount++
	a.lastFreed = rel
}

// FreeCount returns the number of frames currently available for
// allocation.
func (a *Allocator) FreeCount() uint32 {
	return a.freeCount
}

func (a *Allocator) scanFree(hint uint32) (uint32, bool) {
	if hint < a.frameCount && !a.bitSet(hint) {
		return hint, true
	}

	for word := uint32(0); word < uint32(len(a.bitmap)); word++ {
		if a.bitmap[word] == ^uint64(0) {
			continue
		}

		for bit := uint32(0); bit < 64; bit++ {
			rel := word*64 + bit
			if rel >= a.frameCount {
				break
			}
			if !a.bitSet(rel) {
				return rel, true
			}
		}
	}

	return 0, false
}

func (a *Allocator) bitSet(rel uint32) bool {
	return a.bitmap[rel>>6]&(1<<(rel&63)) != 0
}

func (a *Allocator) setBit(rel uint32) {
	a.bitmap[rel>>6] |= 1 << (rel & 63)
}

func (a *Allocator) clearBit(rel uint32) {
	a.bitmap[rel>>6] &^= 1 << (rel & 63)
}
