// Package slab implements the slab (object-pool) allocator (spec.md C6):
// fixed-size object pools, each slab carved into objPerSlab equal slots,
// grounded on _examples/original_source/kernel/mm/slub.c.
package slab

import (
	"unsafe"

	"silicium/internal/klist"
	"silicium/internal/spinlock"
	"silicium/internal/trust"
	"silicium/kvmalloc"
)

// Flags mirrors SLUB_LAZY: skip proactively creating the first slab at
// pool-creation time.
type Flags uint8

const (
	FlagNone Flags = 0
	FlagLazy Flags = 1 << 0
)

// Slab is one fixed-size arena of objPerSlab equal-size object slots.
//
// slub.c chains free objects through their own storage (the free-list
// pointer is written into the first bytes of the free slot itself) to
// avoid a separate allocation for bookkeeping. That trick buys nothing in
// a garbage-collected host: Go can't portably embed a raw pointer into an
// arbitrary byte slot without unsafe, and the thing it's avoiding — one
// extra allocation per slab, not per object — is not worth the risk in
// code that is never run through the compiler before being handed over.
// This port instead keeps, per slab, an explicit slice of free slot
// offsets with one entry per free slot, held outside the slot storage.
// Alloc and release stay O(1) without the embedded-chain unsafe trick.
type Slab struct {
	storage    []byte
	vaddr      uintptr // kvmalloc-owned VA, kept for bookkeeping/Destroy symmetry
	objSize    uintptr
	maxObjects int
	used       int
	free       []uintptr // free slot offsets into storage
	node       klist.Node[Slab]
}

func newSlab(objSize uintptr, storage []byte, vaddr uintptr) *Slab {
	max := int(uintptr(len(storage)) / objSize)
	s := &Slab{
		storage:    storage,
		vaddr:      vaddr,
		objSize:    objSize,
		maxObjects: max,
	}
	for i := 0; i < max; i++ {
		s.free = append(s.free, uintptr(i)*objSize)
	}
	klist.InitNode(&s.node, s)
	return s
}

func (s *Slab) base() uintptr {
	if len(s.storage) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s.storage[0]))
}

func (s *Slab) contains(addr uintptr) bool {
	b := s.base()
	return addr >= b && addr < b+uintptr(len(s.storage))
}

func (s *Slab) allocate() uintptr {
	n := len(s.free)
	off := s.free[n-1]
	s.free = s.free[:n-1]
	s.used++
	return s.base() + off
}

func (s *Slab) release(addr uintptr) bool {
	off := addr - s.base()
	if off%s.objSize != 0 {
		trust.Fatalf("slab: freed address %#x is misaligned for object size %d", addr, s.objSize)
	}
	s.free = append(s.free, off)
	s.used--
	return true
}

// Pool is a fixed-object-size allocator: one or more Slabs, bucketed by
// fill state exactly as slub.c's free_slubs/used_slubs/full_slubs lists.
// empty = no objects allocated, partial = some, full = objects_used ==
// objects_max.
type Pool struct {
	objSize    uintptr
	objPerSlab int
	minFree    int
	lazy       bool

	kv *kvmalloc.Allocator

	empty   *klist.List[Slab]
	partial *klist.List[Slab]
	full    *klist.List[Slab]

	freeCount int // objects immediately available across empty+partial slabs
	lock      spinlock.Spinlock
}

// descriptor storage for Pool/Slab bookkeeping structs themselves comes
// from ordinary Go heap allocation (new/make), not a self-hosted slab of
// slabs. slub.c needs slub_setup's two static buffers because C has no
// allocator available before the first one exists; Go's runtime already
// provides one, so the only genuine self-hosting problem — finding
// backing bytes for *object storage* — is solved below by bootstrapping
// the very first slab's storage from a static buffer, while descriptor
// structs (Pool, Slab) are plain Go values throughout. The buffer is an
// ordinary Go byte array; it is not page-aligned.
var bootstrapStorage [16 * 1024]byte
var bootstrapStorageUsed bool

// CreatePool creates a pool of objects of the given size, backed by kv for
// additional slabs, with objPerSlab objects per slab and a minFree
// watermark enforced by Alloc. Matches creat_slub_allocator.
func CreatePool(objSize uintptr, objPerSlab int, minFree int, kv *kvmalloc.Allocator, flags Flags) (*Pool, error) {
	p := &Pool{
		objSize:    objSize,
		objPerSlab: objPerSlab,
		minFree:    minFree,
		lazy:       flags&FlagLazy != 0,
		kv:         kv,
		empty:      klist.New[Slab](),
		partial:    klist.New[Slab](),
		full:       klist.New[Slab](),
	}
	if p.lazy {
		return p, nil
	}
	if err := p.addSlab(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) slabLength() uintptr {
	return p.objSize * uintptr(p.objPerSlab)
}

// addSlab creates and links in one more empty slab, bumping freeCount.
// Matches slub_add_slub / slub_creat_and_add.
func (p *Pool) addSlab() error {
	length := p.slabLength()

	var storage []byte
	var vaddr uintptr
	if !bootstrapStorageUsed && length <= uintptr(len(bootstrapStorage)) {
		storage = bootstrapStorage[:length]
		bootstrapStorageUsed = true
	} else {
		va, err := p.kv.Alloc(length, kvmalloc.FlagMap|kvmalloc.FlagZero)
		if err != nil {
			return err
		}
		vaddr = va
		storage = make([]byte, length)
	}

	s := newSlab(p.objSize, storage, vaddr)
	p.empty.AddTail(&s.node)
	p.freeCount += s.maxObjects
	return nil
}

// Alloc returns one zero-length-uninitialized object from the pool,
// preferring a partially-used slab over an empty one, matching
// slub_allocate's used-then-free-slub selection. It proactively grows the
// pool when freeCount drops to minFree, matching the watermark check in
// the source ("if (allocator->free_count == allocator->min_free)").
func (p *Pool) Alloc() (uintptr, error) {
	defer spinlock.Guard(&p.lock)()

	if p.freeCount == p.minFree {
		if err := p.addSlab(); err != nil && p.freeCount == 0 {
			return 0, err
		}
	}

	n := p.partial.Front()
	if n == nil {
		n = p.empty.Front()
	}
	if n == nil {
		return 0, trust.New(trust.ErrNoMem, "slab pool exhausted")
	}

	s := klist.Owner(n)
	addr := s.allocate()
	p.freeCount--

	klist.Remove(n)
	if s.used == s.maxObjects {
		p.full.AddTail(n)
	} else {
		p.partial.AddTail(n)
	}
	return addr, nil
}

// Free locates the slab containing addr by scanning full then partial
// slabs (matching slub_free's scan order), and releases the slot. It
// silently refuses (returns false, does not panic) for an address this
// pool never handed out, matching the source's "pointer doesn't belong to
// us" behavior.
func (p *Pool) Free(addr uintptr) bool {
	defer spinlock.Guard(&p.lock)()

	if s, n := p.find(p.full, addr); s != nil {
		s.release(addr)
		p.freeCount++
		klist.Remove(n)
		if s.used == 0 {
			p.empty.AddTail(n)
		} else {
			p.partial.AddTail(n)
		}
		return true
	}
	if s, n := p.find(p.partial, addr); s != nil {
		s.release(addr)
		p.freeCount++
		klist.Remove(n)
		if s.used == 0 {
			p.empty.AddTail(n)
		} else {
			p.partial.AddTail(n)
		}
		return true
	}
	return false
}

func (p *Pool) find(list *klist.List[Slab], addr uintptr) (*Slab, *klist.Node[Slab]) {
	for n := list.Front(); n != nil; n = list.Next(n) {
		s := klist.Owner(n)
		if s.contains(addr) {
			return s, n
		}
	}
	return nil, nil
}

// FreeCount reports the number of objects immediately available without
// growing the pool, for tests and diagnostics.
func (p *Pool) FreeCount() int {
	defer spinlock.Guard(&p.lock)()
	return p.freeCount
}
