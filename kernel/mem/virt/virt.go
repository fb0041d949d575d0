// Package virt implements the virtual-range allocator: a per-address-space
// free-range list that hands out aligned virtual ranges without backing
// them with physical memory. It is the layer a heap asks for room to grow
// into before it maps any frames.
package virt

import (
	"github.com/coronel-os/coronel/kernel"
	"github.com/coronel-os/coronel/kernel/mem"
)

var errExhausted = &kernel.Error{Module: "virt", Message: "no free virtual range large enough for this request"}

// node is one entry of the free-range list. A size of 0 marks a tombstone:
// logically removed without unlinking the node, so a reference a caller
// might still be holding to a neighboring node stays valid. Unlike a heap
// block header, a node does not live inside the memory range it describes,
// so an ordinary garbage-collected *node is the idiomatic choice here —
// there is no "the allocator lives inside the memory it manages" hazard to
// route around.
type node struct {
	start mem.VAddr
	size  mem.Size
	prev  *node
	next  *node
}

// Virt manages a single virtual address window as a doubly-linked list of
// free ranges.
type Virt struct {
	head *node
	base mem.VAddr
	size mem.Size
}

// New constructs a Virt managing [base, base+size) as one large free range.
func New(base mem.VAddr, size mem.Size) *Virt {
	n := &node{start: base, size: size}
	return &Virt{head: n, base: base, size: size}
}

// Alloc rounds size up to a 4 KiB multiple and returns the start of the
// first free range able to satisfy it, carving the range from the front.
// If the chosen range becomes empty it is tombstoned instead of unlinked.
func (v *Virt) Alloc(size mem.Size) (mem.VAddr, *kernel.Error) {
	size = size.Align4K()

	for n := v.head; n != nil; n = n.next {
		if n.size == 0 || n.size < size {
			continue
		}

		start := n.start
		if n.size == size {
			n.size = 0 // tombstone
		} else {
			n.start += mem.VAddr(size)
			n.size -= size
		}
		return start, nil
	}

	return 0, errExhausted
}

// AllocAt reserves exactly [at, at+size) by finding the free range that
// encloses it and splitting off up to two remainder fragments.
func (v *Virt) AllocAt(at mem.VAddr, size mem.Size) bool {
	size = size.Align4K()
	end := at + mem.VAddr(size)

	for n := v.head; n != nil; n = n.next {
		if n.size == 0 {
			continue
		}
		nEnd := n.start + mem.VAddr(n.size)
		if at < n.start || end > nEnd {
			continue
		}

		leadSize := mem.Size(at - n.start)
		trailSize := mem.Size(nEnd - end)

		if leadSize > 0 {
			n.size = leadSize
			if trailSize > 0 {
				v.insertAfter(n, &node{start: end, size: trailSize})
			}
		} else if trailSize > 0 {
			n.start, n.size = end, trailSize
		} else {
			n.size = 0 // exact match, tombstone
		}
		return true
	}

	return false
}

// Free rounds size up to a 4 KiB multiple and returns [addr, addr+size) to
// the free list, coalescing with an adjacent free range on either side (a
// three-way coalesce if both neighbors are adjacent), or allocating a fresh
// node when no neighbor touches it.
func (v *Virt) Free(addr mem.VAddr, size mem.Size) {
	size = size.Align4K()
	end := addr + mem.VAddr(size)

	var before, after *node
	for n := v.head; n != nil; n = n.next {
		if n.size == 0 {
			continue
		}
		if n.start+mem.VAddr(n.size) == addr {
			before = n
		}
		if n.start == end {
			after = n
		}
	}

	switch {
	case before != nil && after != nil:
		before.size += size + after.size
		after.size = 0 // tombstone the consumed neighbor
	case before != nil:
		before.size += size
	case after != nil:
		after.start = addr
		after.size += size
	default:
		// Insert in address order so the live ranges stay sorted.
		n := &node{start: addr, size: size}
		if v.head.size != 0 && v.head.start > addr {
			n.next = v.head
			v.head.prev = n
			v.head = n
			return
		}
		at := v.head
		for at.next != nil && (at.next.size == 0 || at.next.start < addr) {
			at = at.next
		}
		v.insertAfter(at, n)
	}
}

func (v *Virt) insertAfter(at, n *node) {
	n.next = at.next
	n.prev = at
	if at.next != nil {
		at.next.prev = n
	}
	at.next = n
}

// Clone returns a deep copy of v: every free range gets a freshly allocated
// node. Clones are used when planning a forked process' address space,
// never for a live, in-use Virt.
func (v *Virt) Clone() *Virt {
	clone := &Virt{base: v.base, size: v.size}

	var tail *node
	for n := v.head; n != nil; n = n.next {
		cp := &node{start: n.start, size: n.size}
		if tail == nil {
			clone.head = cp
		} else {
			tail.next = cp
			cp.prev = tail
		}
		tail = cp
	}

	return clone
}

// Ranges returns the non-tombstoned free ranges in list order, mostly
// useful for tests and diagnostics.
func (v *Virt) Ranges() []struct {
	Start mem.VAddr
	Size  mem.Size
} {
	var out []struct {
		Start mem.VAddr
		Size  mem.Size
	}
	for n := v.head; n != nil; n = n.next {
		if n.size == 0 {
			continue
		}
		out = append(out, struct {
			Start mem.VAddr
			Size  mem.Size
		}{n.start, n.size})
	}
	return out
}

// AllocatedRanges returns the currently allocated sub-ranges of
// [base, base+size) — the gaps between successive free ranges. Free
// ranges are kept disjoint and in address order (Free's coalescing
// preserves this), so the complement is exactly what callers have
// handed out via Alloc/AllocAt and not yet returned. Used when tearing
// an address space down, to find every region that may still be backed
// by mapped physical frames.
func (v *Virt) AllocatedRanges() []struct {
	Start mem.VAddr
	Size  mem.Size
} {
	var out []struct {
		Start mem.VAddr
		Size  mem.Size
	}

	cursor := v.base
	end := v.base + mem.VAddr(v.size)

	for _, r := range v.Ranges() {
		if r.Start > cursor {
			out = append(out, struct {
				Start mem.VAddr
				Size  mem.Size
			}{cursor, mem.Size(r.Start - cursor)})
		}
		cursor = r.Start + mem.VAddr(r.Size)
	}
	if cursor < end {
		out = append(out, struct {
			Start mem.VAddr
			Size  mem.Size
		}{cursor, mem.Size(end - cursor)})
	}

	return out
}
