// Command siliciumctl is the hosted entry point for this core substrate:
// it boots against a synthetic memory map and a fake architecture, the
// way src/joy/cmd/joy/main.go hands off to KernelMain on real hardware,
// then prints a diagnostic report. This target is architecture-abstracted
// for testability rather than compiled for a real machine, so there is no
// bootloader handoff here to imitate beyond the boot sequencing itself.
package main

import (
	"fmt"
	"os"

	"silicium/internal/arch"
	"silicium/internal/trust"
	"silicium/kernel"
)

func main() {
	// The core's panic(message) contract never returns on a real target
	// (internal/arch.Halt disables interrupts and stops the core); this
	// hosted entry point is the one place that recovers, so a boot-time
	// fatal error becomes a clean process exit instead of an unhandled
	// panic backtrace.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			a := arch.Current()
			if a == nil {
				a = arch.NewFake()
			}
			a.Halt()
			os.Exit(1)
		}
	}()

	trust.SetLevel(trust.ErrorLevel | trust.Warn | trust.Info | trust.Stats)

	a := arch.NewFake()
	k, err := kernel.Boot(a, kernel.DefaultConfig())
	if err != nil {
		trust.Fatalf("boot failed: %v", err)
	}

	fmt.Println(k.Report())
}
