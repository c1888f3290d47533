// Package arch abstracts the CPU primitives that, in the source kernel,
// live in hand-written assembly per target (x86-32, x86-64, aarch64):
// context switch, TLB invalidation, interrupt masking, and halt. The
// original exposes these as //go:external stubs bound at link time; this
// port instead defines an Arch interface so the rest of the tree — mapper,
// scheduler, trap dispatch — is host-testable against a fake implementation
// without real hardware, per idiomatic Go's "accept interfaces" guidance.
// A real target wires a concrete per-architecture implementation here at
// boot; this repository ships only the host test double (see arch_test.go
// callers in other packages) since cross-architecture assembly is outside
// what a hosted Go build can exercise.
package arch

// RegisterFrame is the architecture-defined saved machine state: preserved
// registers, scratch registers, a trap-specific data word, trap number,
// error code, instruction pointer, code selector, flags, user stack
// pointer and selector — the fixed layout from spec.md §6. Fields unused by
// a given trap are left zero by the entry stub and must round-trip
// unchanged through save/restore.
type RegisterFrame struct {
	Preserved  [8]uint64
	Scratch    [8]uint64
	Data       uint64
	TrapNumber uint32
	ErrorCode  uint32
	IP         uint64
	CodeSel    uint32
	Flags      uint64
	UserSP     uint64
	UserSSel   uint32
}

// Arch is the set of primitives the substrate needs from the CPU and MMU.
type Arch interface {
	// SwitchTo performs the final context-switch handoff to next's saved
	// frame; it does not return until the switched-away-from thread is
	// resumed again by some later SwitchTo.
	SwitchTo(prev, next *RegisterFrame)

	// FlushTLBPage invalidates the TLB entry for a single virtual page.
	FlushTLBPage(va uintptr)

	// FlushTLBAll invalidates the whole TLB, used when swapping root
	// tables and after vmem's Clone rewrites many directory entries at
	// once (the Open Question decision in SPEC_FULL.md §14).
	FlushTLBAll()

	// DisableInterrupts masks maskable interrupts on the current core and
	// returns whether they were previously enabled, so callers can
	// restore the prior state exactly.
	DisableInterrupts() (wasEnabled bool)

	// RestoreInterrupts sets the interrupt-enable state to the value
	// previously returned by DisableInterrupts.
	RestoreInterrupts(enabled bool)

	// Halt disables interrupts and stops the core forever. Never
	// returns on a real target.
	Halt()
}

// current is the architecture implementation installed at boot. Nil until
// Set is called; kernel.Boot installs it before any package that depends
// on Arch is exercised.
var current Arch

// Set installs the architecture implementation, returning the previous one
// (nil on first call).
func Set(a Arch) Arch {
	prev := current
	current = a
	return prev
}

// Current returns the installed architecture implementation, or nil if
// none has been installed yet.
func Current() Arch {
	return current
}
