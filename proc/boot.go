package proc

import (
	"silicium/aspace"
	"silicium/kvmalloc"
)

// Bootstrap creates the idle thread (tid 0) and the system process (pid 0,
// home for every kernel thread), matching process_init's system_idle /
// system_process construction. idleEntry is the address the idle thread
// resumes at once scheduled; callers pass their halt-loop's address.
func Bootstrap(kv *kvmalloc.Allocator, ctx *aspace.Context, idleEntry uintptr) (idle *Thread, system *Process, err error) {
	idle, err = Allocate(kv)
	if err != nil {
		return nil, nil, err
	}
	if err := CreateKernel(idle); err != nil {
		return nil, nil, err
	}
	idle.SetEntry(idleEntry)

	system = AllocateProcess()
	Create(system, ctx)
	AddThread(system, idle)
	systemProcess = system

	return idle, system, nil
}
