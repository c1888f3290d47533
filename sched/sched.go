// Package sched implements the round-robin scheduler (spec.md C10),
// grounded on _examples/original_source/kernel/process/schedule.c.
package sched

import (
	"silicium/aspace"
	"silicium/internal/arch"
	"silicium/internal/klist"
	"silicium/internal/spinlock"
	"silicium/internal/trust"
	"silicium/proc"
)

// DefaultQuantum is the tick count a thread is given each time the run
// queue is redistributed. Matches SCHEDULER_DEFAULT_QUANTUM.
const DefaultQuantum = 10

var (
	runQueueLock spinlock.Spinlock
	runQueue     = klist.New[proc.Thread]()
	current      *proc.Thread

	// tssKStackTop stands in for the real TSS's esp0 field: the kernel
	// stack pointer the CPU loads on the next privilege-level transition
	// into a user thread. There is no real TSS on this host build; this
	// package variable is the observable side effect tests assert on.
	tssKStackTop uintptr
)

// SetCurrent installs thread as the current thread without going through
// Schedule, for boot-time initialization. Matches scheduler_set_current.
func SetCurrent(thread *proc.Thread) {
	current = thread
}

// Current returns the thread presently running on this core.
func Current() *proc.Thread {
	return current
}

// AddThread puts thread on the run queue with a full quantum, ready to be
// dispatched. Matches scheduler_add_thread.
func AddThread(thread *proc.Thread) {
	trust.Assert(!klist.IsLinked(thread.SchedulerNode()), "thread %d already on the run queue", thread.Tid)
	thread.Quantum = DefaultQuantum
	thread.State = proc.Ready

	defer spinlock.Guard(&runQueueLock)()
	runQueue.AddTail(thread.SchedulerNode())
}

// RemoveThread takes thread off the run queue. The caller is responsible
// for giving it whatever state follows (sleeping, zombie, ...) — this
// port's thread-state enum (spec.md §3) has no THREAD_UNRUNNABLE
// placeholder state the way the source does, so RemoveThread does not
// assign one. Matches scheduler_remove_thread's list-removal half.
func RemoveThread(thread *proc.Thread) {
	trust.Assert(klist.IsLinked(thread.SchedulerNode()), "thread %d not on the run queue", thread.Tid)

	defer spinlock.Guard(&runQueueLock)()
	klist.Remove(thread.SchedulerNode())
}

func redistribute() {
	runQueue.ForEach(func(t *proc.Thread) {
		if t.Tid != proc.IdleTid {
			t.Quantum = DefaultQuantum
		}
	})
}

func firstRunnable() *proc.Thread {
	var found *proc.Thread
	runQueue.ForEach(func(t *proc.Thread) {
		if found != nil {
			return
		}
		if t.Tid != proc.IdleTid && t.State == proc.Ready && t.Quantum > 0 {
			found = t
		}
	})
	return found
}

func idleThread() *proc.Thread {
	var found *proc.Thread
	runQueue.ForEach(func(t *proc.Thread) {
		if t.Tid == proc.IdleTid {
			found = t
		}
	})
	return found
}

// Next selects the thread to dispatch: the first ready non-idle thread
// with quantum left; failing that, every thread's quantum is
// redistributed and the search retried once; failing that, the idle
// thread. Matches schedule_next's three-phase search.
func Next() *proc.Thread {
	defer spinlock.Guard(&runQueueLock)()

	if t := firstRunnable(); t != nil {
		return t
	}
	redistribute()
	if t := firstRunnable(); t != nil {
		return t
	}
	idle := idleThread()
	trust.Assert(idle != nil, "no idle thread on the run queue")
	return idle
}

// Tick accounts for one timer tick against the current thread: idle is
// always treated as expired, everyone else decrements their quantum and
// is marked for reschedule on reaching zero. Matches schedule_tick.
func Tick() {
	if current.Tid == proc.IdleTid {
		current.Reschedule = true
		return
	}
	current.Quantum--
	if current.Quantum == 0 {
		current.Reschedule = true
	}
}

// Schedule is the preemption point: it requires preemption enabled,
// selects the next thread, and — only when it differs from current —
// clears current's FPU-dirty flag (no FPU state is copied), performs the C8 use/set/drop address-space
// transition when crossing into a user thread with a different address
// space, updates the pseudo-TSS kernel-stack pointer for user threads,
// and hands off via the architecture's switch primitive. Matches
// schedule(). Host note: there is no real machine context to suspend and
// resume, so Run's handoff is the observable tail of this function rather
// than a true stack switch; callers that need the "never returns except
// when the caller is itself rescheduled back in" semantics get it from
// the bookkeeping (current, thread states), not from control flow.
func Schedule(savedFrame *arch.RegisterFrame) {
	trust.Assert(spinlock.Enabled(), "schedule() called with preemption disabled")

	next := Next()
	if current == nil || current == next {
		return
	}

	if current.State == proc.Running {
		current.State = proc.Ready
	}
	if current.FPUDirty {
		current.FPUDirty = false
	}

	// Kernel threads keep whatever address space is already current
	// (they have none of their own). A user thread only triggers a C8
	// use/set/drop transition when it does not already share current's
	// address space. Every thread reaching the scheduler is assumed to
	// have a Process (proc.Bootstrap attaches even the idle thread to
	// the system process), per spec.md §4.8.
	if next.Type != proc.KernelThread && current.Process.Ctx != next.Process.Ctx {
		next.Process.Ctx.Use()
		aspace.Set(next.Process.Ctx)
		current.Process.Ctx.Drop()
	}

	current.Reschedule = false
	current.Frame = savedFrame

	Run(next, true)
}

// Run makes thread the current thread and hands control to it, saving the
// previous thread's frame pointer first when save is set. Matches
// scheduler_run, including the boot-time "no thread yet to save" call
// with save=false.
func Run(thread *proc.Thread, save bool) {
	prev := current
	current = thread
	current.State = proc.Running
	if current.Type == proc.UserThread {
		tssKStackTop = current.KStackTop()
	}

	a := arch.Current()
	if a == nil {
		return
	}
	if save && prev != nil {
		a.SwitchTo(prev.Frame, current.Frame)
	} else {
		a.SwitchTo(nil, current.Frame)
	}
}
