// Package spinlock implements mutual exclusion with the preemption-counter
// discipline the scheduler depends on: every acquire disables preemption,
// every release re-enables it, so the invariant lives in the lock primitive
// itself rather than at each call site (spec.md design note "Scheduler
// preemption").
package spinlock

import "sync/atomic"

// preempt is the per-CPU preemption-disable counter. This build targets a
// single core (SMP is an explicit non-goal), so one counter suffices; it
// still uses atomic ops because timer and interrupt dispatch can touch it
// from contexts that, on a real target, would be asynchronous with the
// thread holding the lock.
var preempt int32

// Disable increments the preemption-disable counter. Safe to call nested;
// preemption stays disabled until the counter returns to zero. Matches
// preempt_disable.
func Disable() {
	atomic.AddInt32(&preempt, 1)
}

// Enable decrements the preemption-disable counter. Panics if called more
// times than Disable, which is a programming error. Matches preempt_enable.
func Enable() {
	for {
		cur := atomic.LoadInt32(&preempt)
		if cur <= 0 {
			panic("spinlock: preempt_enable called while already enabled")
		}
		if atomic.CompareAndSwapInt32(&preempt, cur, cur-1) {
			return
		}
	}
}

// Enabled reports whether preemption is currently enabled on this core.
// Matches preempt_enabled.
func Enabled() bool {
	return atomic.LoadInt32(&preempt) == 0
}

// Spinlock is a mutual-exclusion lock. Acquire disables preemption before
// spinning for the lock bit; Release restores the lock bit before
// re-enabling preemption. This build has no second core to spin against, so
// Acquire degenerates to a single CAS loop instead of the original's
// CONFIG_SMP busy-wait, but the ordering relative to the preempt counter is
// preserved exactly.
type Spinlock struct {
	locked int32
}

// New returns an initialized, unlocked spinlock. Matches spin_init.
func New() *Spinlock {
	return &Spinlock{}
}

// Acquire disables preemption and then takes the lock. Matches spin_lock.
func (s *Spinlock) Acquire() {
	Disable()
	for !atomic.CompareAndSwapInt32(&s.locked, 0, 1) {
	}
}

// Release drops the lock and re-enables preemption, in that order. Matches
// spin_unlock.
func (s *Spinlock) Release() {
	atomic.StoreInt32(&s.locked, 0)
	Enable()
}

// TryAcquire attempts to take the lock without blocking. On failure it
// leaves preemption exactly as it found it. Matches spin_trylock.
func (s *Spinlock) TryAcquire() bool {
	Disable()
	if !atomic.CompareAndSwapInt32(&s.locked, 0, 1) {
		Enable()
		return false
	}
	return true
}

// Guard acquires s and returns a function that releases it, for use with
// defer: `defer spinlock.Guard(s)()`. This is the Go rendition of the
// source's scoped spin_acquire(spin) { ... } block macro — release on every
// exit path, including a panic unwind.
func Guard(s *Spinlock) func() {
	s.Acquire()
	return s.Release
}
