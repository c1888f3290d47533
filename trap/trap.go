// Package trap implements the common entry/dispatch abstraction over the
// three trap sources a real x86 target vectors through one IDT for
// (spec.md C11), grounded on
// _examples/original_source/kernel/arch/x86/{exception,irq,interrupt}.c.
// This package dispatches CPU exceptions and IRQs and provides the common
// trap-exit path; it has no syscall entry point.
package trap

import (
	"silicium/internal/arch"
	"silicium/internal/spinlock"
	"silicium/internal/trust"
	"silicium/sched"
)

// ExceptionCount mirrors EXCEPTION_COUNT: the fixed x86 exception vector
// range, all of which are fatal on this substrate (no recoverable page
// fault handling; COW fault handling is not implemented).
const ExceptionCount = 32

// Exception vector numbers, matching exception.h.
const (
	ExceptionDivideError               = 0
	ExceptionDebug                     = 1
	ExceptionNMI                       = 2
	ExceptionBreakpoint                = 3
	ExceptionOverflow                  = 4
	ExceptionBound                     = 5
	ExceptionInvalidOpcode             = 6
	ExceptionDeviceNotAvailable        = 7
	ExceptionDoubleFault               = 8
	ExceptionCoprocessorSegmentOverrun = 9
	ExceptionInvalidTSS                = 10
	ExceptionSegmentNotPresent         = 11
	ExceptionStackSegmentFault         = 12
	ExceptionGeneralProtection         = 13
	ExceptionPageFault                 = 14
	ExceptionReserved                  = 15
	ExceptionFPUError                  = 16
	ExceptionAlignmentCheck            = 17
	ExceptionMachineCheck              = 18
	ExceptionSIMDError                 = 19
)

var exceptionNames = map[uint32]string{
	ExceptionDivideError:               "divide error",
	ExceptionDebug:                     "debug",
	ExceptionNMI:                       "NMI",
	ExceptionBreakpoint:                "breakpoint",
	ExceptionOverflow:                  "overflow",
	ExceptionBound:                     "bound range exceeded",
	ExceptionInvalidOpcode:             "invalid opcode",
	ExceptionDeviceNotAvailable:        "device not available",
	ExceptionDoubleFault:               "double fault",
	ExceptionCoprocessorSegmentOverrun: "coprocessor segment overrun",
	ExceptionInvalidTSS:                "invalid TSS",
	ExceptionSegmentNotPresent:         "segment not present",
	ExceptionStackSegmentFault:         "stack segment fault",
	ExceptionGeneralProtection:         "general protection",
	ExceptionPageFault:                 "page fault",
	ExceptionReserved:                  "reserved",
	ExceptionFPUError:                  "x87 floating point",
	ExceptionAlignmentCheck:            "alignment check",
	ExceptionMachineCheck:              "machine check",
	ExceptionSIMDError:                 "SIMD floating point",
}

// ExceptionHandler dispatches a CPU exception. Every installed exception
// vector on this substrate is fatal: there is no recoverable fault path
// (page-fault/COW handling is not implemented, see SPEC_FULL.md §14). Matches
// exception_handler's switch-to-panic body, collapsed since every case does
// the same thing with a different name.
func ExceptionHandler(frame *arch.RegisterFrame) {
	trust.Assert(frame.TrapNumber < ExceptionCount, "exception vector %d out of range", frame.TrapNumber)

	name, ok := exceptionNames[frame.TrapNumber]
	if !ok {
		name = "unknown"
	}
	trust.Fatalf("%s exception at ip=0x%x (vector %d, error=0x%x)", name, frame.IP, frame.TrapNumber, frame.ErrorCode)
}

// IRQHandler is called with the saved frame when the IRQ it was registered
// for fires.
type IRQHandler func(frame *arch.RegisterFrame)

// IRQMax is the number of IRQ lines this substrate dispatches, matching the
// source's PIC_TOTAL_IRQ-derived IRQ_MAX.
const IRQMax = 16

var (
	irqLock     spinlock.Spinlock
	irqHandlers [IRQMax]IRQHandler
)

// RequestIRQ installs handler for irq. Only one handler may be installed per
// line, matching irq_request's "for now, only one handler" contract: a
// second request for the same line is refused rather than silently
// replacing the first.
func RequestIRQ(irq uint, handler IRQHandler) error {
	if irq >= IRQMax {
		return trust.New(trust.ErrInvalid, "irq out of range")
	}

	defer spinlock.Guard(&irqLock)()
	if irqHandlers[irq] != nil {
		return trust.New(trust.ErrBusy, "irq already has a handler")
	}
	irqHandlers[irq] = handler
	return nil
}

// ReleaseIRQ removes whatever handler is installed for irq, if any.
func ReleaseIRQ(irq uint) {
	if irq >= IRQMax {
		return
	}
	defer spinlock.Guard(&irqLock)()
	irqHandlers[irq] = nil
}

// AckIRQ is called once the handler (if any) has run, standing in for the
// source's pic_send_eoi: there is no real 8259 on this host build, so this
// is the observable hook tests assert the dispatch path reached.
var AckIRQ func(irq uint)

// IRQHandlerEntry is the common IRQ entry point: it looks up and invokes
// whatever handler is registered for frame.Data (the IRQ number the entry
// stub stashed there), then acknowledges the interrupt. Matches irq_handler.
func IRQHandlerEntry(frame *arch.RegisterFrame) {
	irq := uint(frame.Data)
	trust.Assert(irq < IRQMax, "irq number %d out of range", irq)

	irqLock.Acquire()
	handler := irqHandlers[irq]
	irqLock.Release()

	if handler != nil {
		handler(frame)
	}
	if AckIRQ != nil {
		AckIRQ(irq)
	}
}

// Return is the common trap-exit path: if the current thread was marked for
// reschedule and preemption is enabled, it hands off to the scheduler.
// Matches interrupt_return.
func Return(frame *arch.RegisterFrame) {
	current := sched.Current()
	if current == nil {
		return
	}
	if current.Reschedule && spinlock.Enabled() {
		sched.Schedule(frame)
	}
}
