package proc

import (
	"silicium/aspace"
	"silicium/internal/klist"
	"silicium/internal/spinlock"
	"silicium/internal/trust"
)

// InitPid is the reserved pid of the init process, the reparenting target
// for orphaned processes. Matches PROCESS_INIT_PID.
const InitPid = 1

// Credentials mirrors the process.c uid/gid/session/group/umask fields.
type Credentials struct {
	Uid, Gid, Euid, Egid, Fsuid, Fsgid int
	Sid, Pgid                         int
	Umask                              int
}

// Process aggregates a credential set, an address-space context, and the
// threads/children currently attached to it.
type Process struct {
	Pid int
	Credentials
	Parent *Process
	Ctx    *aspace.Context

	lock     spinlock.Spinlock
	threads  *klist.List[Thread]
	children *klist.List[Process]
	node     klist.Node[Process]
	siblings klist.Node[Process]
}

var (
	processListLock spinlock.Spinlock
	processes       = klist.New[Process]()

	// systemProcess is pid 0, home for every kernel thread. Set once by
	// Bootstrap.
	systemProcess *Process
)

// AddSystemThread attaches thread to the system process (pid 0). Every
// kernel thread belongs here. Matches process_add_system_thread.
func AddSystemThread(thread *Thread) {
	trust.Assert(systemProcess != nil, "system process not bootstrapped")
	trust.Assert(thread.Type == KernelThread, "only kernel threads may join the system process")
	AddThread(systemProcess, thread)
}

// AllocateProcess reserves a process descriptor with initialized list
// nodes. No pid is assigned yet. Matches process_allocate.
func AllocateProcess() *Process {
	p := &Process{
		threads:  klist.New[Thread](),
		children: klist.New[Process](),
	}
	klist.InitNode(&p.node, p)
	klist.InitNode(&p.siblings, p)

	defer spinlock.Guard(&processListLock)()
	processes.AddTail(&p.node)
	return p
}

// Create attaches the caller's address-space context ctx to p with pid
// left unset until the first thread joins. It does not create a context
// of its own; ctx is stored as given. Matches process_creat.
func Create(p *Process, ctx *aspace.Context) {
	p.Pid = -1
	p.Ctx = ctx
	p.Parent = nil
}

// DestroyProcess removes p from the global process list and drops its
// address space. All of p's threads must already have been reaped. Matches
// process_destroy.
func DestroyProcess(p *Process) {
	trust.Assert(p.threads.Empty(), "process %d destroyed with live threads", p.Pid)

	defer spinlock.Guard(&processListLock)()
	klist.Remove(&p.node)
	p.Ctx.Drop()
}

// CloneProcess creates a copy-on-write child of parent: a cloned address-space
// context and copied credentials. The child has no threads and no pid
// until AddThread assigns one. Matches process_clone.
func CloneProcess(parent *Process) (*Process, error) {
	ctx, err := aspace.Clone(parent.Ctx)
	if err != nil {
		return nil, err
	}
	child := AllocateProcess()
	child.Pid = -1
	child.Ctx = ctx
	child.Parent = parent
	child.Credentials = parent.Credentials
	return child, nil
}

// AddThread attaches thread to process, assigning process's pid from the
// thread's tid if this is its first thread. Matches process_add_thread.
func AddThread(process *Process, thread *Thread) {
	trust.Assert(!klist.IsLinked(&thread.processNode), "thread %d already attached to a process", thread.Tid)

	thread.Process = process
	if process.Pid < 0 {
		process.Pid = thread.Tid
	}

	defer spinlock.Guard(&process.lock)()
	process.threads.AddTail(&thread.processNode)
}

// RemoveThread detaches thread from process. Matches process_remove_thread.
func RemoveThread(process *Process, thread *Thread) {
	trust.Assert(klist.IsLinked(&thread.processNode), "thread %d not attached to process %d", thread.Tid, process.Pid)

	defer spinlock.Guard(&process.lock)()
	klist.Remove(&thread.processNode)
	thread.Process = nil
}

// Abandoned reparents process to the init process, called when process's
// original parent has died. Matches process_abandoned.
func Abandoned(process *Process) {
	parent := GetByPid(InitPid)
	trust.Assert(parent != nil, "no init process to reparent to")

	defer spinlock.Guard(&process.lock)()
	process.Parent = parent
	klist.Remove(&process.siblings)
	parent.children.AddHead(&process.siblings)
}

// GetByPid returns the process with the given pid, or nil.
func GetByPid(pid int) *Process {
	defer spinlock.Guard(&processListLock)()
	var found *Process
	processes.ForEach(func(p *Process) {
		if p.Pid == pid {
			found = p
		}
	})
	return found
}
