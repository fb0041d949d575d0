// Package multiboot parses the boot information structure a multiboot *1*
// compliant bootloader (GRUB legacy, and most others in practice) hands the
// kernel in %ebx at entry: a single fixed-layout struct followed by a
// variable-length memory map, rather than the tag-stream format multiboot 2
// uses. Every accessor reads directly out of the structure at infoData;
// none of it is copied.
package multiboot

import (
	"unsafe"

	"github.com/coronel-os/coronel/kernel/mem"
)

// Magic is the value a multiboot 1 bootloader leaves in %eax. Kmain is not
// passed that value, so nothing in this kernel checks it.
const Magic = 0x2BADB002

// Flag bits in Info.Flags, indicating which optional fields are valid.
const (
	FlagMemory          = 1 << 0
	FlagBootDevice      = 1 << 1
	FlagCmdLine         = 1 << 2
	FlagModules         = 1 << 3
	FlagAoutSymbols     = 1 << 4
	FlagElfSymbols      = 1 << 5
	FlagMemMap          = 1 << 6
	FlagDriveInfo       = 1 << 7
	FlagConfigTable     = 1 << 8
	FlagBootLoaderName  = 1 << 9
	FlagApmTable        = 1 << 10
	FlagVbeInfo         = 1 << 11
	FlagFramebufferInfo = 1 << 12
)

// info is the multiboot 1 information structure, laid out exactly as the
// bootloader wrote it. Only the fields this kernel reads are given their
// real names; the a.out/ELF symbol-table union and the framebuffer color
// union are both represented by their raw byte width instead, since this
// kernel never needs to decode either.
type info struct {
	flags uint32

	memLower uint32
	memUpper uint32

	bootDevice uint32
	cmdLine    uint32

	modsCount uint32
	modsAddr  uint32

	symbolTable [4]uint32

	mmapLength uint32
	mmapAddr   uint32

	drivesLength uint32
	drivesAddr   uint32

	configTable    uint32
	bootLoaderName uint32
	apmTable       uint32

	vbeControlInfo  uint32
	vbeModeInfo     uint32
	vbeMode         uint16
	vbeInterfaceSeg uint16
	vbeInterfaceOff uint16
	vbeInterfaceLen uint16

	framebufferAddr   uint64
	framebufferPitch  uint32
	framebufferWidth  uint32
	framebufferHeight uint32
	framebufferBpp    uint8
	framebufferType   uint8
	colorInfo         [6]byte
}

// mmapEntry is one entry of the memory map multiboot_info.mmap_addr points
// to. Per the spec, entry.size does not count itself, so the walk in
// walkMmap steps by size+4, not size.
type mmapEntry struct {
	size uint32
	addr uint64
	len  uint64
	typ  uint32
}

// FramebufferType defines the type of the initialized framebuffer.
type FramebufferType uint8

const (
	// FrameBufferTypeIndexed specifies a 256-color palette.
	FrameBufferTypeIndexed FramebufferType = iota

	// FramebufferTypeRGB specifies direct RGB mode.
	FramebufferTypeRGB

	// FramebufferTypeEGA specifies EGA text mode.
	FramebufferTypeEGA
)

// FramebufferInfo provides information about the initialized framebuffer.
type FramebufferInfo struct {
	// The framebuffer physical address.
	PhysAddr uint64

	// Row pitch in bytes.
	Pitch uint32

	// Width and height in pixels (or characters if Type = FramebufferTypeEGA)
	Width, Height uint32

	// Bits per pixel (non EGA modes only).
	Bpp uint8

	// Framebuffer type.
	Type FramebufferType
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

var infoData uintptr

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

func infoPtr() *info {
	return (*info)(unsafe.Pointer(infoData))
}

// Flags returns the raw flags bitfield, so bootstrap can check FlagMemMap /
// FlagMemory itself the same way original_source's initialize_memory does.
func Flags() uint32 {
	return infoPtr().flags
}

// MemLower and MemUpper report the basic (pre-1.1) memory info, in
// kilobytes, valid when FlagMemory is set. MemLower covers conventional
// memory below 1 MiB; MemUpper covers the first contiguous chunk starting
// at 1 MiB.
func MemLower() uint32 { return infoPtr().memLower }
func MemUpper() uint32 { return infoPtr().memUpper }

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
// Returns false without invoking the visitor if FlagMemMap is not set.
//
// mmap_addr is a physical address (the bootloader runs before paging is
// set up and only ever hands out addresses below 4 GiB); it is dereferenced
// through the kernel's identity-plus-offset window, matching
// original_source's initialize_memory (which adds KVIRTUAL_ADDRESS to
// bootinfo->mmap_addr before casting it to a pointer).
func VisitMemRegions(visitor MemRegionVisitor) bool {
	in := infoPtr()
	if in.flags&FlagMemMap == 0 {
		return false
	}

	start := mem.PAddr(in.mmapAddr).KernelVirtual()
	walkMmap(uintptr(start), uintptr(start)+uintptr(in.mmapLength), visitor)
	return true
}

// walkMmap scans [curPtr, endPtr) as a run of mmapEntry records, stopping
// early if the visitor returns false. Split out from VisitMemRegions so
// tests can drive it directly over ordinary Go-owned memory instead of
// faking a sub-4GiB physical address.
func walkMmap(curPtr, endPtr uintptr, visitor MemRegionVisitor) {
	var out MemoryMapEntry

	for curPtr < endPtr {
		raw := (*mmapEntry)(unsafe.Pointer(curPtr))

		out.PhysAddress = raw.addr
		out.Length = raw.len
		out.Type = MemoryEntryType(raw.typ)
		if out.Type == 0 || out.Type >= memUnknown {
			out.Type = MemReserved
		}

		if !visitor(&out) {
			return
		}

		// raw.size does not include the size field itself.
		curPtr += uintptr(raw.size) + 4
	}
}

// GetFramebufferInfo returns information about the framebuffer initialized by the
// bootloader. This function returns nil if no framebuffer info is available.
func GetFramebufferInfo() *FramebufferInfo {
	in := infoPtr()
	if in.flags&FlagFramebufferInfo == 0 {
		return nil
	}

	return &FramebufferInfo{
		PhysAddr: in.framebufferAddr,
		Pitch:    in.framebufferPitch,
		Width:    in.framebufferWidth,
		Height:   in.framebufferHeight,
		Bpp:      in.framebufferBpp,
		Type:     FramebufferType(in.framebufferType),
	}
}
