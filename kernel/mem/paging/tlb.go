package paging

import (
	"github.com/coronel-os/coronel/kernel/cpu"
	"github.com/coronel-os/coronel/kernel/mem"
)

func init() {
	flushTLBEntryFn = func(vaddr mem.VAddr) {
		cpu.FlushTLBEntry(uintptr(vaddr))
	}
}

// Activate installs dir as the hardware's current page directory and
// flushes the TLB, via the architecture layer's CR3 write.
func Activate(dir mem.PAddr) {
	cpu.SwitchPDT(uintptr(dir))
}

// Active returns the physical address of the currently installed page
// directory, read from CR3.
func Active() mem.PAddr {
	return mem.PAddr(cpu.ActivePDT())
}
