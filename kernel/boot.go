// Package kernel wires every core-substrate package into a single running
// instance: physical frames, the virtual-memory mapper, the kernel VA
// allocator, the kernel's own address-space context, the general heap,
// the exported symbol table, and the idle thread/system process — the
// sequencing src/joy/main.go's kernel_main and
// _examples/original_source/kernel/process/process.c's process_init
// perform before any other subsystem may run.
package kernel

import (
	"fmt"

	"silicium/aspace"
	"silicium/frame"
	"silicium/heap"
	"silicium/internal/arch"
	"silicium/internal/trust"
	"silicium/kvmalloc"
	"silicium/proc"
	"silicium/sched"
	"silicium/symtab"
	"silicium/vmem"
)

// Kernel is every subsystem handle Boot assembled, kept around so
// cmd/siliciumctl (or a test) can drive further operations and report on
// them.
type Kernel struct {
	Arch   arch.Arch
	Frames *frame.Allocator
	Mapper *vmem.Mapper
	KV     *kvmalloc.Allocator
	Ctx    *aspace.Context
	Heap   *heap.Heap
	Idle   *proc.Thread
	System *proc.Process
}

// Boot brings up the substrate against cfg and installs a as the
// architecture implementation. Matches the early portion of
// kernel_main: frame table, paging, kernel heap, symbol table, then the
// idle thread and pid-0 system process — in that order, since each
// depends on the one before it.
func Boot(a arch.Arch, cfg Config) (*Kernel, error) {
	arch.Set(a)

	frames := frame.New(cfg.FrameCount, cfg.BIOSFrames, cfg.ISAFrames)
	frames.MarkAvailable(0, cfg.FrameCount)
	frames.Finalize()

	mapper, err := vmem.NewMapper(frames)
	if err != nil {
		return nil, fmt.Errorf("kernel: mapper: %w", err)
	}

	kernelAS, err := mapper.NewAddressSpace()
	if err != nil {
		return nil, fmt.Errorf("kernel: kernel address space: %w", err)
	}
	kv := kvmalloc.New(cfg.KernelVAStart, cfg.KernelVAEnd, mapper, kernelAS)

	ctx, err := aspace.Create(mapper)
	if err != nil {
		return nil, fmt.Errorf("kernel: aspace context: %w", err)
	}
	aspace.SetKernelDefault(ctx)
	aspace.Set(ctx)
	// The kernel's own context outlives any single thread scheduled under
	// it (see sched's design note on the C8 transition): take out the
	// standing reference here, at boot, before anything can be scheduled
	// away from it.
	ctx.Use()

	hp, err := heap.New(kv)
	if err != nil {
		return nil, fmt.Errorf("kernel: heap: %w", err)
	}

	symtab.Init(cfg.KernelSymbols)

	idle, system, err := proc.Bootstrap(kv, ctx, cfg.IdleEntry)
	if err != nil {
		return nil, fmt.Errorf("kernel: process bootstrap: %w", err)
	}
	sched.SetCurrent(idle)

	return &Kernel{
		Arch:   a,
		Frames: frames,
		Mapper: mapper,
		KV:     kv,
		Ctx:    ctx,
		Heap:   hp,
		Idle:   idle,
		System: system,
	}, nil
}

// Report renders a one-line diagnostic summary (idle tid, system pid and
// log level), the hosted
// stand-in for the source's boot-time Statsf banner.
func (k *Kernel) Report() string {
	return fmt.Sprintf(
		"silicium boot: idle=tid%d system=pid%d log-level=%v",
		k.Idle.Tid, k.System.Pid, trust.Level(),
	)
}
