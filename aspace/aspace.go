// Package aspace implements the refcounted address-space context
// (spec.md C8): a handle over a (vmem.AddressSpace, vmem.Mapper) pair with
// create/clone/use/set/drop lifecycle, grounded on spec.md §4.6 (no direct
// original_source file owns this contract by itself — the C kernel
// threads pd_t pointers and a raw refcount through process.c/paging.c
// rather than naming a single type for it; this package is the handle the
// spec calls out).
package aspace

import (
	"sync/atomic"

	"silicium/internal/arch"
	"silicium/internal/spinlock"
	"silicium/internal/trust"
	"silicium/vmem"
)

// Context is a refcounted handle over one address-space's page tables.
// Invariant (spec.md §3): refcount >= 1 while live, reaches 0 exactly
// once, at which point it must be the context currently set on the core.
type Context struct {
	as       *vmem.AddressSpace
	mapper   *vmem.Mapper
	refcount int32
}

var (
	currentLock spinlock.Spinlock
	current     *Context
	kernel      *Context // fallback root loaded once the last user context drops
)

// Create allocates a fresh address space with refcount 1. Matches
// process_create's address-space acquisition.
func Create(mapper *vmem.Mapper) (*Context, error) {
	as, err := mapper.NewAddressSpace()
	if err != nil {
		return nil, err
	}
	return &Context{as: as, mapper: mapper, refcount: 1}, nil
}

// Clone establishes a copy-on-write child of src with refcount 1. Matches
// process_clone's C8 step.
func Clone(src *Context) (*Context, error) {
	dst, err := Create(src.mapper)
	if err != nil {
		return nil, err
	}
	src.mapper.Clone(dst.as, src.as)
	return dst, nil
}

// SetKernelDefault installs ctx as the fallback root table loaded when the
// last reference to some other context is dropped. Called once at boot.
func SetKernelDefault(ctx *Context) {
	kernel = ctx
}

// Use increments the refcount. Matches the C8 "use(ctx)" contract.
func (c *Context) Use() {
	atomic.AddInt32(&c.refcount, 1)
}

// Set swaps the core's current address space to c and flushes the whole
// TLB, returning the previously current context (nil before boot). Matches
// the C8 "set(ctx)" contract.
func Set(c *Context) *Context {
	defer spinlock.Guard(&currentLock)()
	prev := current
	current = c
	if a := arch.Current(); a != nil {
		a.FlushTLBAll()
	}
	return prev
}

// Current returns the address space presently set on the core.
func Current() *Context {
	defer spinlock.Guard(&currentLock)()
	return current
}

// Drop decrements the refcount and, on reaching zero, tears the address
// space down. Per spec.md §3/§4.6 this MUST happen while c is the current
// context — the scheduler's use(new) -> set(new) -> drop(old) ordering
// exists precisely so drop only ever reaches zero for a context that is
// not relied on being "current" as of this call returning; a violation of
// the "current while reaching zero" invariant is a programming error.
func (c *Context) Drop() {
	if atomic.AddInt32(&c.refcount, -1) > 0 {
		return
	}

	defer spinlock.Guard(&currentLock)()
	if current != c {
		trust.Fatalf("aspace: context dropped to zero refcount while not current")
	}
	if kernel == nil {
		trust.Fatalf("aspace: no kernel default context installed")
	}
	current = kernel
	if a := arch.Current(); a != nil {
		a.FlushTLBAll()
	}
	c.mapper.Destroy(c.as)
}

// AddressSpace exposes the underlying vmem.AddressSpace, for proc's
// RegisterFrame/TSS construction and for tests.
func (c *Context) AddressSpace() *vmem.AddressSpace {
	return c.as
}
