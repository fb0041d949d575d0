package hal

import (
	"github.com/coronel-os/coronel/kernel/driver/tty"
	"github.com/coronel-os/coronel/kernel/driver/video/console"
	"github.com/coronel-os/coronel/kernel/hal/multiboot"
)

var (
	egaConsole = &console.Ega{}

	// ActiveTerminal points to the currently active terminal.
	ActiveTerminal = &tty.Vt{}
)

// defaultFramebuffer is used when the bootloader didn't set
// FlagFramebufferInfo, matching the standard VGA text-mode geometry at its
// well-known physical address.
var defaultFramebuffer = multiboot.FramebufferInfo{
	PhysAddr: 0xB8000,
	Width:    80,
	Height:   25,
}

// InitTerminal provides a basic terminal to allow the kernel to emit some output
// till everything is properly setup
func InitTerminal() {
	fbInfo := multiboot.GetFramebufferInfo()
	if fbInfo == nil {
		fbInfo = &defaultFramebuffer
	}

	egaConsole.Init(uint16(fbInfo.Width), uint16(fbInfo.Height), uintptr(fbInfo.PhysAddr))
	ActiveTerminal.AttachTo(egaConsole)
}
