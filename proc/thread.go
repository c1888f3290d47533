// Package proc implements the thread and process model (spec.md C9),
// grounded on _examples/original_source/kernel/process/thread.c and
// process.c.
package proc

import (
	"silicium/internal/arch"
	"silicium/internal/klist"
	"silicium/internal/spinlock"
	"silicium/internal/trust"
	"silicium/kvmalloc"
)

// State is one of the thread lifecycle states from spec.md §3:
// created -> ready <-> running, running -> {sleeping, zombie},
// sleeping -> ready, zombie -> (destroyed).
type State int

const (
	Created State = iota
	Ready
	Running
	Sleeping
	Zombie
)

// Type distinguishes a kernel thread (no address space of its own) from a
// user thread.
type Type int

const (
	KernelThread Type = iota
	UserThread
)

// IdleTid is reserved for the per-core idle thread. Matches tid 0 in
// spec.md §3.
const IdleTid = 0

// KStackSize is the fixed kernel stack size allocated per thread via
// kvmalloc. Matches KSTACK_SIZE.
const KStackSize = 8192

// FPUState is the saved x87/SSE state area, 16-byte aligned on the
// original target. This port has no real FXSAVE/FXRSTOR instruction to
// target, so it is modeled as an opaque fixed-size blob threads copy
// wholesale on clone.
type FPUState struct {
	data [512]byte
}

// Thread is one schedulable unit of execution.
type Thread struct {
	Tid        int
	State      State
	Type       Type
	Quantum    int
	Reschedule bool

	kstackBase uintptr
	kstackTop  uintptr
	Frame      *arch.RegisterFrame
	FPU        *FPUState
	FPUDirty   bool

	Process  *Process
	ExitCode int

	schedulerNode klist.Node[Thread]
	processNode   klist.Node[Thread]
	globalNode    klist.Node[Thread]
}

// SchedulerNode exposes the scheduler-queue link for sched.
func (t *Thread) SchedulerNode() *klist.Node[Thread] { return &t.schedulerNode }

// KStackTop returns the initial stack pointer for a freshly allocated
// thread, for the TSS/RegisterFrame wiring done by sched.
func (t *Thread) KStackTop() uintptr { return t.kstackTop }

var (
	tidLock    spinlock.Spinlock
	listLock   spinlock.Spinlock
	threads    = klist.New[Thread]()
	nextTid    = IdleTid
	threadMax  = 4096
	threadCount int
)

// SetThreadMax overrides the maximum live thread count, for tests; the
// default mirrors a generous THREAD_MAX.
func SetThreadMax(max int) { threadMax = max }

func tidFree(id int) bool {
	free := true
	threads.ForEach(func(t *Thread) {
		if t.Tid == id {
			free = false
		}
	})
	return free
}

// generateTid assigns the next free tid by a rolling linear scan, and
// links thread onto the global list. Matches thread_generate_tid: it
// never fails, so callers must refuse creation ahead of time when the
// thread count is already at threadMax (spec.md §4.7).
func generateTid(t *Thread) {
	defer spinlock.Guard(&listLock)()
	defer spinlock.Guard(&tidLock)()
	for {
		if nextTid >= threadMax {
			nextTid = IdleTid + 1
		}
		if tidFree(nextTid) {
			t.Tid = nextTid
			nextTid++
			threads.AddTail(&t.globalNode)
			return
		}
		nextTid++
	}
}

// Allocate reserves a thread descriptor, an 8 KiB kernel stack from kv,
// and an FPU save area. Matches thread_allocate.
func Allocate(kv *kvmalloc.Allocator) (*Thread, error) {
	base, err := kv.Alloc(KStackSize, kvmalloc.FlagMap)
	if err != nil {
		return nil, err
	}
	t := &Thread{
		kstackBase: base,
		kstackTop:  base + KStackSize,
		FPU:        &FPUState{},
		Frame:      &arch.RegisterFrame{},
	}
	klist.InitNode(&t.schedulerNode, t)
	klist.InitNode(&t.processNode, t)
	klist.InitNode(&t.globalNode, t)
	return t, nil
}

// create does the common partial initialization shared by kernel and user
// threads: tid assignment, state reset, thread-count accounting. Matches
// the static thread_creat.
func create(t *Thread) error {
	err := func() error {
		defer spinlock.Guard(&tidLock)()
		threadCount++
		if threadCount > threadMax {
			threadCount--
			return trust.New(trust.ErrAgain, "maximum thread count reached")
		}
		return nil
	}()
	if err != nil {
		return err
	}

	t.State = Created
	t.Reschedule = false
	t.FPUDirty = false
	generateTid(t)
	return nil
}

// Placeholder segment selectors standing in for the real GDT entries a
// concrete architecture wires at boot; this core only needs them to be
// distinct so kernel/user register frames are told apart in tests.
const (
	kernelCodeSelector = 0x08
	kernelDataSelector = 0x10
	kernelStackSelector = 0x18
	userCodeSelector   = 0x23
	userDataSelector   = 0x2b
	userStackSelector  = 0x33
)

// eflagsInterruptEnable is the flag bit every freshly created thread
// starts with interrupts enabled, matching EFLAGS_IF.
const eflagsInterruptEnable = 1 << 9

// CreateKernel initializes t as a kernel thread: no address space of its
// own, kernel-segment register frame. Matches thread_kernel_creat.
func CreateKernel(t *Thread) error {
	if err := create(t); err != nil {
		return err
	}
	t.Process = nil
	t.Type = KernelThread
	t.Frame.CodeSel = kernelCodeSelector
	t.Frame.Flags = eflagsInterruptEnable
	t.Frame.UserSP = 0
	return nil
}

// UserStackTop is the fixed top-of-stack virtual address a user thread's
// initial register frame points at. Matches THREAD_STACK_TOP.
const UserStackTop = 0xB0000000

// CreateUser initializes t as a user thread with a user-segment register
// frame. Matches thread_user_creat (the stack itself is mapped by the
// caller, same TODO the source leaves).
func CreateUser(t *Thread) error {
	if err := create(t); err != nil {
		return err
	}
	t.Type = UserThread
	t.Frame.CodeSel = userCodeSelector
	t.Frame.UserSSel = userStackSelector
	t.Frame.UserSP = UserStackTop - 16
	t.Frame.Flags = eflagsInterruptEnable
	return nil
}

// SetEntry sets the instruction pointer a freshly created thread resumes
// at. Matches thread_set_entry.
func (t *Thread) SetEntry(entry uintptr) {
	t.Frame.IP = uint64(entry)
}

// Clone creates clone as a copy of src's FPU and register state. Kernel
// threads cannot be cloned. A running source becomes ready in the clone
// (it has not actually resumed execution yet). Matches thread_clone.
func Clone(clone, src *Thread, frame *arch.RegisterFrame) error {
	if src.Type == KernelThread {
		return trust.New(trust.ErrInvalid, "cannot clone a kernel thread")
	}
	if err := create(clone); err != nil {
		return err
	}

	*clone.FPU = *src.FPU
	*clone.Frame = *frame

	clone.FPUDirty = src.FPUDirty
	clone.Type = src.Type
	clone.State = src.State
	if clone.State == Running {
		clone.State = Ready
	}
	return nil
}

// Zombify marks thread as a zombie, retaining its descriptor until a
// parent reaps it via Destroy. thread must already be off the scheduler.
// Matches thread_zombify.
func Zombify(t *Thread, code int) {
	trust.Assert(!klist.IsLinked(&t.schedulerNode), "zombify: thread %d is still on the scheduler", t.Tid)
	t.State = Zombie
	t.ExitCode = code
}

// Destroy frees a zombie thread's kernel stack and descriptor and unlinks
// it from the global thread list. Matches thread_destroy.
func Destroy(t *Thread, kv *kvmalloc.Allocator) {
	trust.Assert(t.State == Zombie, "destroy: thread %d is not a zombie", t.Tid)

	func() {
		defer spinlock.Guard(&listLock)()
		klist.Remove(&t.globalNode)
	}()

	kv.Free(t.kstackBase)

	defer spinlock.Guard(&tidLock)()
	threadCount--
}

// GetByTid returns the thread with the given tid, or nil.
func GetByTid(tid int) *Thread {
	defer spinlock.Guard(&listLock)()
	var found *Thread
	threads.ForEach(func(t *Thread) {
		if t.Tid == tid {
			found = t
		}
	})
	return found
}
