package kernel

import "silicium/symtab"

// Config is the boot-time layout table kernel.Boot needs. It mirrors how
// src/joy/main.go and src/lib/loader/main.go hard-code their memory
// layout as literal constants rather than reading a config file or
// environment: a bare-metal image has no such sources available before
// its own memory management exists.
type Config struct {
	// FrameCount is the number of 4 KiB physical frames the memory map
	// describes. BIOSFrames and ISAFrames classify the lowest frames per
	// frame.New's zone thresholds.
	FrameCount uint32
	BIOSFrames uint32
	ISAFrames  uint32

	// KernelVAStart/KernelVAEnd bound the kernel virtual-address range
	// kvmalloc.New manages (vmalloc-style heap backing slab/heap/kernel
	// stacks).
	KernelVAStart uintptr
	KernelVAEnd   uintptr

	// IdleEntry is the address the idle thread resumes at once first
	// scheduled — the address of the architecture's halt-loop.
	IdleEntry uintptr

	// KernelSymbols seeds symtab for module relocation. On a real target
	// this comes from the kernel image's own linked symbol table; here
	// the caller supplies it directly; DefaultConfig leaves it empty.
	KernelSymbols []symtab.KernelSymbol
}

// DefaultConfig returns a Config sized for the synthetic single-host boot
// cmd/siliciumctl exercises: enough frames for the kernel's own
// structures plus headroom for a handful of user address spaces.
func DefaultConfig() Config {
	return Config{
		FrameCount: 8192,
		BIOSFrames: 16,
		ISAFrames:  64,

		KernelVAStart: 0xD0000000,
		KernelVAEnd:   0xD0000000 + 4096*4096,

		IdleEntry: 0xC0001000,
	}
}
