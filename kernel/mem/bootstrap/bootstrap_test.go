package bootstrap

import (
	"testing"

	"github.com/coronel-os/coronel/kernel/hal/multiboot"
	"github.com/coronel-os/coronel/kernel/mem"
)

// Exercising Initialize end-to-end would require a real CR3, real page
// tables and real physical RAM, none of which a hosted test process has;
// the pure region-selection logic it is built on is tested directly
// instead, the same way multiboot's own tests drive walkMmap rather than
// VisitMemRegions.

func TestRegionAccumulatorPicksLargestAvailableRegion(t *testing.T) {
	var acc regionAccumulator

	regions := []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x9fc00, Type: multiboot.MemAvailable},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Type: multiboot.MemAvailable},
		{PhysAddress: 0xfffc0000, Length: 0x40000, Type: multiboot.MemReserved},
	}
	for i := range regions {
		acc.visit(&regions[i])
	}

	// The region at 0x100000 straddles kernelImageReserve, so only its part
	// above the reserve counts.
	start, size := acc.result()
	if start != mem.PAddr(kernelImageReserve) {
		t.Fatalf("expected the largest region to start at kernelImageReserve; got 0x%x", uint64(start))
	}
	wantSize := mem.Size(0x100000+0x7ee0000) - kernelImageReserve
	if size != wantSize {
		t.Fatalf("expected size 0x%x; got 0x%x", uint64(wantSize), uint64(size))
	}
}

func TestRegionAccumulatorClipsRegionStraddlingKernelImage(t *testing.T) {
	var acc regionAccumulator

	region := multiboot.MemoryMapEntry{PhysAddress: 0x100000, Length: 16 * uint64(mem.Mb), Type: multiboot.MemAvailable}
	acc.visit(&region)

	start, size := acc.result()
	if start != mem.PAddr(kernelImageReserve) {
		t.Fatalf("expected the clipped region to start at kernelImageReserve; got 0x%x", uint64(start))
	}

	wantSize := mem.Size(0x100000+16*uint64(mem.Mb)) - kernelImageReserve
	if size != wantSize {
		t.Fatalf("expected clipped size %d; got %d", wantSize, size)
	}
}

func TestRegionAccumulatorSkipsRegionEntirelyBelowKernelImage(t *testing.T) {
	var acc regionAccumulator

	region := multiboot.MemoryMapEntry{PhysAddress: 0, Length: uint64(kernelImageReserve) / 2, Type: multiboot.MemAvailable}
	acc.visit(&region)

	_, size := acc.result()
	if size != 0 {
		t.Fatalf("expected no usable region; got size %d", size)
	}
}

func TestRegionAccumulatorIgnoresReservedRegions(t *testing.T) {
	var acc regionAccumulator

	region := multiboot.MemoryMapEntry{PhysAddress: 0x100000, Length: 64 * uint64(mem.Mb), Type: multiboot.MemReserved}
	acc.visit(&region)

	_, size := acc.result()
	if size != 0 {
		t.Fatalf("expected reserved regions to be ignored; got size %d", size)
	}
}

func TestRegionFromUpperMemKB(t *testing.T) {
	// 127 MiB of upper memory, matching a typical QEMU default.
	start, size := regionFromUpperMemKB(130048)

	if start != mem.PAddr(kernelImageReserve) {
		t.Fatalf("expected region to start at kernelImageReserve; got 0x%x", uint64(start))
	}

	wantSize := mem.Size(130048*1024+uint64(mem.Mb)) - kernelImageReserve
	if size != wantSize {
		t.Fatalf("expected size %d; got %d", wantSize, size)
	}
}

func TestStatsBeforeInitializeIsZero(t *testing.T) {
	if got := Stats(); got != (MemoryStats{}) {
		t.Fatalf("expected zero-value stats before initialization; got %+v", got)
	}
}

func TestPrintMemoryInfoBeforeInitializeDoesNotPanic(t *testing.T) {
	PrintMemoryInfo()
}
