// Package frame implements the physical frame allocator (spec.md C3):
// zone-aware 4 KiB frame allocation with reference counting, grounded on
// _examples/original_source/kernel/mm/page.c (page_alloc/page_free/
// page_reference/page_counter/page_lock/page_unlock and the BIOS/ISA/normal
// zone classification built in page_setup).
package frame

import (
	"silicium/internal/klist"
	"silicium/internal/spinlock"
	"silicium/internal/trust"
)

// Size is the fixed frame size in bytes.
const Size = 4096

// Zone classifies a frame by its physical address range, used for
// fallback ordering on allocation. A frame's zone is fixed at
// construction and never changes.
type Zone int

const (
	ZoneNormal Zone = iota
	ZoneISA
	ZoneBios
)

// Flags selects the requested zone and clearing behavior for Alloc.
// Matches PAGE_BIOS / PAGE_ISA / PAGE_CLEAR.
type Flags uint8

const (
	FlagNone  Flags = 0
	FlagBios  Flags = 1 << 0
	FlagISA   Flags = 1 << 1
	FlagClear Flags = 1 << 2
)

// Frame is one physical-page descriptor. Invariants (spec.md §3):
// reserved ⇒ never on a free list and refcount == 0; refcount == 0 ∧
// ¬reserved ⇒ exactly one free-list membership; refcount ≥ 1 ⇒ no
// free-list membership.
type Frame struct {
	Index    uint32
	zone     Zone
	refcount int32
	reserved bool
	cleared  bool
	node     klist.Node[Frame]
	lock     spinlock.Spinlock
}

// Allocator owns the frame table and the three zone free lists. Created
// once at boot from the physical memory map; every Frame it returns lives
// for the process lifetime — frames are never destroyed, only recycled.
type Allocator struct {
	frames []Frame
	bios   *klist.List[Frame]
	isa    *klist.List[Frame]
	normal *klist.List[Frame]
	lock   spinlock.Spinlock

	// data simulates backing physical memory content so Alloc's
	// FlagClear contract ("returns an all-zero frame") is host-testable.
	// A real target instead maps the frame and memzeros it in place.
	data [][Size]byte
}

func zoneOf(index, biosFrames, isaFrames uint32) Zone {
	if index < biosFrames {
		return ZoneBios
	}
	if index < isaFrames {
		return ZoneISA
	}
	return ZoneNormal
}

// New constructs an allocator for numFrames frames, classifying frame i as
// ZoneBios if i < biosFrames, ZoneISA if i < isaFrames, else ZoneNormal —
// matching page_setup's independently-evaluated bios/isa thresholds, where
// the lower range also satisfies the wider threshold but free-list
// placement picks the narrowest classification. Every frame starts
// reserved; call MarkAvailable then Finalize to populate the free lists
// from the boot memory map, exactly as page_setup calls
// for_each_mmap(...page_mark_free_area) then page_construct_lists.
func New(numFrames, biosFrames, isaFrames uint32) *Allocator {
	a := &Allocator{
		frames: make([]Frame, numFrames),
		bios:   klist.New[Frame](),
		isa:    klist.New[Frame](),
		normal: klist.New[Frame](),
		data:   make([][Size]byte, numFrames),
	}
	for i := range a.frames {
		f := &a.frames[i]
		f.Index = uint32(i)
		f.zone = zoneOf(uint32(i), biosFrames, isaFrames)
		f.reserved = true
		klist.InitNode(&f.node, f)
	}
	return a
}

func (a *Allocator) freeListFor(z Zone) *klist.List[Frame] {
	switch z {
	case ZoneBios:
		return a.bios
	case ZoneISA:
		return a.isa
	default:
		return a.normal
	}
}

// MarkAvailable clears the reserved bit for frames [first, first+count),
// matching page_mark_free_area. Call Finalize afterward to build the free
// lists.
func (a *Allocator) MarkAvailable(first, count uint32) {
	for i := first; i < first+count && int(i) < len(a.frames); i++ {
		a.frames[i].reserved = false
	}
}

// Finalize inserts every non-reserved, zero-refcount frame into its zone's
// free list. Matches page_construct_lists.
func (a *Allocator) Finalize() {
	for i := range a.frames {
		f := &a.frames[i]
		if f.reserved || f.refcount != 0 {
			continue
		}
		a.freeListFor(f.zone).AddTail(&f.node)
	}
}

// Reserve removes frame index from its free list and marks it reserved.
// Fatal if the frame is already in use. Matches page_reserve.
func (a *Allocator) Reserve(index uint32) {
	f := &a.frames[index]
	if f.refcount != 0 {
		trust.Fatalf("frame %d is used and cannot be reserved", index)
	}
	if klist.IsLinked(&f.node) {
		klist.Remove(&f.node)
	}
	f.reserved = true
}

// Frame returns the descriptor for a given frame index.
func (a *Allocator) Frame(index uint32) *Frame {
	return &a.frames[index]
}

// Alloc selects a frame using the zone fallback order: the requested zone
// first, widening normal → isa → bios when the requested/narrower zone is
// empty (spec.md §4.1: "fall back to the next wider zone in the order
// normal → isa → bios"). Matches page_alloc's list-selection cascade.
// Returns nil, error on exhaustion — it never blocks.
func (a *Allocator) Alloc(flags Flags) (*Frame, error) {
	var f *Frame
	func() {
		defer spinlock.Guard(&a.lock)()

		list := a.normal
		if flags&FlagISA != 0 || list.Empty() {
			list = a.isa
		}
		if flags&FlagBios != 0 || list.Empty() {
			list = a.bios
		}
		if list.Empty() {
			return
		}
		node := list.Front()
		f = klist.Owner(node)
		klist.Remove(node)
	}()
	if f == nil {
		return nil, trust.New(trust.ErrNoMem, "no free frames in any zone")
	}

	if flags&FlagClear != 0 && !f.cleared {
		a.data[f.Index] = [Size]byte{}
	}
	f.cleared = false
	f.refcount = 1
	return f, nil
}

// Free decrements a frame's reference count, returning it to its zone's
// free list when the count reaches zero. Fatal on double-free or
// free-of-reserved. Matches page_free.
func (a *Allocator) Free(f *Frame) {
	if f.refcount == 0 {
		trust.Fatalf("frame %d is already free", f.Index)
	}
	if f.reserved {
		trust.Fatalf("frame %d is reserved and cannot be freed", f.Index)
	}

	defer spinlock.Guard(&f.lock)()
	f.refcount--
	if f.refcount == 0 {
		a.freeListFor(f.zone).AddTail(&f.node)
	}
}

// Reference increments a frame's reference count. Fatal if the frame is
// currently free (refcount underflow would otherwise be silent). Matches
// page_reference.
func (a *Allocator) Reference(f *Frame) {
	if f.refcount == 0 {
		trust.Fatalf("trying to reference a free frame %d", f.Index)
	}
	f.refcount++
}

// Counter returns a frame's current reference count, or -1 for a reserved
// frame. Matches page_counter.
func (a *Allocator) Counter(f *Frame) int32 {
	if f.reserved {
		return -1
	}
	return f.refcount
}

// Lock acquires a frame's per-descriptor lock. Fatal if the frame is free
// or reserved. Matches page_lock.
func (a *Allocator) Lock(f *Frame) {
	if f.refcount == 0 {
		trust.Fatalf("trying to lock a free frame %d", f.Index)
	}
	if f.reserved {
		trust.Fatalf("trying to lock a reserved frame %d", f.Index)
	}
	f.lock.Acquire()
}

// Unlock releases a frame's per-descriptor lock. Matches page_unlock.
func (a *Allocator) Unlock(f *Frame) {
	if f.refcount == 0 {
		trust.Fatalf("trying to unlock a free frame %d", f.Index)
	}
	if f.reserved {
		trust.Fatalf("trying to unlock a reserved frame %d", f.Index)
	}
	f.lock.Release()
}

// Data returns the simulated physical bytes backing f, for tests that
// verify the FlagClear contract.
func (a *Allocator) Data(f *Frame) *[Size]byte {
	return &a.data[f.Index]
}
