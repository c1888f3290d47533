package trap

import (
	"testing"

	"silicium/aspace"
	"silicium/frame"
	"silicium/internal/arch"
	"silicium/internal/spinlock"
	"silicium/kvmalloc"
	"silicium/proc"
	"silicium/sched"
	"silicium/vmem"
)

func TestExceptionHandlerIsFatal(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected an exception to be fatal")
		}
	}()
	ExceptionHandler(&arch.RegisterFrame{TrapNumber: ExceptionGeneralProtection, IP: 0x1000})
}

func TestExceptionHandlerRejectsOutOfRangeVector(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected an out-of-range vector to be fatal")
		}
	}()
	ExceptionHandler(&arch.RegisterFrame{TrapNumber: ExceptionCount})
}

func TestRequestIRQRefusesSecondHandlerForSameLine(t *testing.T) {
	defer func() { irqHandlers[3] = nil }()

	if err := RequestIRQ(3, func(*arch.RegisterFrame) {}); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := RequestIRQ(3, func(*arch.RegisterFrame) {}); err == nil {
		t.Fatalf("expected second request for the same irq to be refused")
	}
}

func TestIRQHandlerEntryDispatchesAndAcks(t *testing.T) {
	defer func() { irqHandlers[5] = nil; AckIRQ = nil }()

	called := false
	if err := RequestIRQ(5, func(*arch.RegisterFrame) { called = true }); err != nil {
		t.Fatalf("request: %v", err)
	}
	acked := -1
	AckIRQ = func(irq uint) { acked = int(irq) }

	IRQHandlerEntry(&arch.RegisterFrame{Data: 5})
	if !called {
		t.Fatalf("expected the registered handler to run")
	}
	if acked != 5 {
		t.Fatalf("expected irq 5 to be acknowledged, got %d", acked)
	}
}

func TestIRQHandlerEntryAcksEvenWithNoHandler(t *testing.T) {
	defer func() { AckIRQ = nil }()
	acked := -1
	AckIRQ = func(irq uint) { acked = int(irq) }

	IRQHandlerEntry(&arch.RegisterFrame{Data: 7})
	if acked != 7 {
		t.Fatalf("expected irq 7 to be acknowledged even with no handler installed")
	}
}

func newTestEnv(t *testing.T) (*kvmalloc.Allocator, *aspace.Context) {
	t.Helper()
	fa := frame.New(4096, 16, 64)
	fa.MarkAvailable(0, 4096)
	fa.Finalize()
	mapper, err := vmem.NewMapper(fa)
	if err != nil {
		t.Fatalf("NewMapper: %v", err)
	}
	as, err := mapper.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	const start = 0x60000000
	const end = start + 512*vmem.PageSize
	kv := kvmalloc.New(start, end, mapper, as)

	ctx, err := aspace.Create(mapper)
	if err != nil {
		t.Fatalf("aspace.Create: %v", err)
	}
	aspace.SetKernelDefault(ctx)
	aspace.Set(ctx)
	return kv, ctx
}

func TestReturnReschedulesWhenFlaggedAndPreemptible(t *testing.T) {
	kv, ctx := newTestEnv(t)
	idle, system, err := proc.Bootstrap(kv, ctx, 0)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sched.SetCurrent(idle)

	worker, err := proc.Allocate(kv)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := proc.CreateKernel(worker); err != nil {
		t.Fatalf("create: %v", err)
	}
	proc.AddThread(system, worker)
	sched.AddThread(worker)
	idle.Reschedule = true

	fake := arch.NewFake()
	prevArch := arch.Set(fake)
	defer arch.Set(prevArch)

	Return(idle.Frame)
	if sched.Current() != worker {
		t.Fatalf("expected Return to dispatch the ready worker thread")
	}
}

func TestReturnIsNoopWithPreemptionDisabled(t *testing.T) {
	kv, ctx := newTestEnv(t)
	idle, _, err := proc.Bootstrap(kv, ctx, 0)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	sched.SetCurrent(idle)
	idle.Reschedule = true

	spinlock.Disable()
	defer spinlock.Enable()

	Return(idle.Frame)
	if sched.Current() != idle {
		t.Fatalf("expected Return to leave current thread alone with preemption disabled")
	}
}
