// Package kvmalloc implements the kernel virtual-address allocator
// (spec.md C5): first-fit carving of the fixed kernel VA window
// [Start, End) into mapped/unmapped vmareas, grounded on
// _examples/original_source/kernel/mm/vmalloc.c.
package kvmalloc

import (
	"silicium/internal/klist"
	"silicium/internal/spinlock"
	"silicium/internal/trust"
	"silicium/vmem"
)

// Flags controls backing behavior. Matches VMALLOC_MAP / VMALLOC_ZERO.
type Flags uint8

const (
	FlagNone Flags = 0
	FlagMap  Flags = 1 << 0
	FlagZero Flags = 1 << 1
)

// vmarea is one carved region of the kernel VA window. Invariants
// (spec.md §3): areas tile [Start, End) with no gaps; mapped iff it is on
// the used list.
type vmarea struct {
	base, length uintptr
	mapped       bool
	node         klist.Node[vmarea]
}

// descriptorPool is the bootstrap arena vmarea descriptors are drawn
// from. spec.md §4.3: "the allocator's own vmarea descriptors come from a
// slab whose first chunk is a statically mapped hard-coded 8 KiB range
// immediately below VMALLOC_START" — a dedicated bootstrap pool, not the
// general slab allocator, because the general slab allocator is itself
// layered on this package (C6 depends on C5): going through it here would
// be circular. This is a fixed-capacity free-list-of-structs arena,
// exactly the self-contained special case the source carves out.
type descriptorPool struct {
	storage []vmarea
	free    []*vmarea
}

func newDescriptorPool(capacity int) *descriptorPool {
	p := &descriptorPool{storage: make([]vmarea, capacity)}
	for i := range p.storage {
		p.free = append(p.free, &p.storage[i])
	}
	return p
}

func (p *descriptorPool) alloc() *vmarea {
	if len(p.free) == 0 {
		return nil
	}
	v := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	klist.InitNode(&v.node, v)
	return v
}

func (p *descriptorPool) free_(v *vmarea) {
	*v = vmarea{}
	p.free = append(p.free, v)
}

// descriptorCapacity bounds how many live vmareas this allocator can track
// at once, standing in for the "8 KiB range" bootstrap buffer (8192 /
// sizeof(vmarea_t) in the source; this port picks a generous round number
// since the host build has no fixed memory budget to size it against).
const descriptorCapacity = 512

// Allocator carves [Start, End) into mapped/unmapped vmareas.
type Allocator struct {
	start, end uintptr
	mapper     *vmem.Mapper
	as         *vmem.AddressSpace
	descs      *descriptorPool
	free       *klist.List[vmarea]
	used       *klist.List[vmarea]
	lock       spinlock.Spinlock
}

// New creates an allocator owning [start, end) of kernel VA space, backed
// by mapper for the address space as. Matches vmalloc_setup.
func New(start, end uintptr, mapper *vmem.Mapper, as *vmem.AddressSpace) *Allocator {
	a := &Allocator{
		start:  start,
		end:    end,
		mapper: mapper,
		as:     as,
		descs:  newDescriptorPool(descriptorCapacity),
		free:   klist.New[vmarea](),
		used:   klist.New[vmarea](),
	}
	whole := a.descs.alloc()
	whole.base = start
	whole.length = end - start
	whole.mapped = false
	a.free.AddTail(&whole.node)
	return a
}

func alignUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// Alloc carves size bytes (rounded up to a whole number of pages) out of
// the free list using first-fit, optionally backing it with physical
// frames. Matches vmalloc.
func (a *Allocator) Alloc(size uintptr, flags Flags) (uintptr, error) {
	size = alignUp(size, vmem.PageSize)

	defer spinlock.Guard(&a.lock)()

	var found *vmarea
	for n := a.free.Front(); n != nil; n = a.free.Next(n) {
		v := klist.Owner(n)
		if v.length >= size {
			found = v
			break
		}
	}
	if found == nil {
		return 0, trust.New(trust.ErrNoMem, "no kernel VA area large enough")
	}

	klist.Remove(&found.node)
	a.used.AddTail(&found.node)

	if found.length > size {
		rest := a.descs.alloc()
		if rest == nil {
			// Can't split: put the whole area back in the free list,
			// matching vmalloc's "can't split" revert path.
			klist.Remove(&found.node)
			a.free.AddTail(&found.node)
			return 0, trust.New(trust.ErrNoMem, "no vmarea descriptor available to split")
		}
		rest.base = found.base + size
		rest.length = found.length - size
		found.length = size
		a.free.AddTail(&rest.node)
	}

	if flags&FlagMap != 0 {
		if err := a.mapAndMaybeZero(found, flags); err != nil {
			klist.Remove(&found.node)
			a.free.AddTail(&found.node)
			return 0, err
		}
		found.mapped = true
	}
	return found.base, nil
}

func (a *Allocator) mapAndMaybeZero(v *vmarea, flags Flags) error {
	for off := uintptr(0); off < v.length; off += vmem.PageSize {
		pf, err := a.mapper.AllocBackingFrame(flags&FlagZero != 0)
		if err != nil {
			for back := uintptr(0); back < off; back += vmem.PageSize {
				a.mapper.Unmap(a.as, v.base+back)
			}
			return trust.New(trust.ErrNoMem, "failed to back kernel VA range")
		}
		if err := a.mapper.Map(a.as, v.base+off, pf, vmem.Access{Read: true, Write: true}, vmem.Flags{}); err != nil {
			return err
		}
	}
	return nil
}

// Free returns the vmarea starting at base to the free list, unmapping it
// first if it was backed. Matches vmfree; logs a warning (rather than
// failing silently) for an address that names no live area, matching the
// source's warn(). The area goes back at the head of the free list as it
// is; it is not merged with adjacent free areas.
func (a *Allocator) Free(base uintptr) {
	defer spinlock.Guard(&a.lock)()

	for n := a.used.Front(); n != nil; n = a.used.Next(n) {
		v := klist.Owner(n)
		if v.base != base {
			continue
		}
		klist.Remove(n)
		if v.mapped {
			for off := uintptr(0); off < v.length; off += vmem.PageSize {
				a.mapper.Unmap(a.as, v.base+off)
			}
			v.mapped = false
		}
		a.free.AddHead(n)
		return
	}
	trust.Warnf("vmfree(): impossible to free the memory because the area doesn't exist")
}
