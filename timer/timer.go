// Package timer implements the one-shot software timer list (spec.md C12),
// grounded on _examples/original_source/kernel/core/timer.c. Time is
// tracked as a monotonic tick count advanced by Tick rather than a wall
// clock millisecond count, since this host build has no hardware clock
// source to read — every other package already measures time this way
// (sched's quantum, proc's nothing-time-based) so this keeps the whole
// tree on one notion of time.
package timer

import (
	"silicium/internal/klist"
	"silicium/internal/spinlock"
	"silicium/internal/trust"
)

// Callback is invoked with Timer.Data when a timer expires.
type Callback func(data interface{})

// Timer is a one-shot alarm: Callback runs once Expire is reached, then the
// timer becomes inactive. Matches timer_t.
type Timer struct {
	Callback Callback
	Data     interface{}
	Expire   uint64
	Active   bool

	node klist.Node[Timer]
}

var (
	lock   spinlock.Spinlock
	timers = klist.New[Timer]()
	now    uint64
)

// Now returns the current tick count.
func Now() uint64 {
	return now
}

// Init prepares timer for use: inactive, detached. Other fields are left to
// the caller. Matches timer_init.
func Init(t *Timer) {
	klist.InitNode(&t.node, t)
	t.Active = false
}

// Expired reports whether t has reached its expiration tick. t must be
// active. Matches timer_expired.
func Expired(t *Timer) bool {
	trust.Assert(t.Active, "timer_expired called on an inactive timer")
	return t.Expire <= now
}

// SetExpire arms t to fire delta ticks from now. Matches timer_expire.
func SetExpire(t *Timer, delta uint64) {
	t.Expire = now + delta
}

// Add puts t on the active timer list. If t is already active this is
// refused with ErrExists; if t's expiration has already passed, Add runs
// the callback immediately instead of queuing it and returns ErrAgain,
// matching timer_add's "already-expired" fast path. Matches timer_add.
func Add(t *Timer) error {
	if klist.IsLinked(&t.node) {
		return trust.New(trust.ErrExists, "timer already active")
	}
	if t.Expire <= now {
		t.Callback(t.Data)
		return trust.New(trust.ErrAgain, "timer already expired")
	}

	t.Active = true
	defer spinlock.Guard(&lock)()
	timers.AddTail(&t.node)
	return nil
}

// Remove takes t off the active timer list. Returns ErrNotFound if t was
// not active. This is the one place this package deliberately diverges
// from the source: the C timer_remove calls list_add instead of
// list_remove, a copy-paste bug that re-adds the timer it was asked to
// take off the list. This port removes it, as the name promises.
func Remove(t *Timer) error {
	if !klist.IsLinked(&t.node) {
		return trust.New(trust.ErrNotFound, "timer not active")
	}

	defer spinlock.Guard(&lock)()
	klist.Remove(&t.node)
	t.Active = false
	return nil
}

// Update rearms t to fire delta ticks from now, removing it from the active
// list first if already queued. Matches timer_update.
func Update(t *Timer, delta uint64) error {
	Remove(t)
	SetExpire(t, delta)
	return Add(t)
}

// Tick advances the clock by one tick and fires every timer whose
// expiration has been reached. Matches timer_tick's per-tick scan, except
// that callbacks run with no timer lock held (spec.md §4.10: "its callback
// invoked while holding no timer lock"), so a callback that re-arms
// itself — or any other timer — via Add/Remove/Update does not deadlock
// against this function's own lock.
func Tick() {
	now++

	var expired []*Timer
	func() {
		defer spinlock.Guard(&lock)()
		timers.ForEach(func(t *Timer) {
			if t.Expire <= now {
				klist.Remove(&t.node)
				t.Active = false
				expired = append(expired, t)
			}
		})
	}()

	for _, t := range expired {
		t.Callback(t.Data)
	}
}
