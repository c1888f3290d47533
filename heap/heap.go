// Package heap implements the general-purpose allocator (spec.md C7): a
// size-class table over lazily-created slab pools, grounded on spec.md
// §4.5. There is no direct C equivalent in
// _examples/original_source/kernel/mm (the original leans on slub_t pools
// directly at call sites); this package is the size-class dispatcher the
// spec describes, built the way slab.Pool's own call sites in this tree
// already compose.
package heap

import (
	"silicium/internal/trust"
	"silicium/kvmalloc"
	"silicium/slab"
)

// classSizes is the fixed size-class ladder from spec.md §4.5.
var classSizes = []uintptr{32, 64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768, 65536}

const objPerSlabDefault = 32

// Heap dispatches malloc/free across one lazy slab.Pool per size class.
type Heap struct {
	classes []*slab.Pool
}

// New creates a Heap with one lazy pool per entry of classSizes, each
// backed by kv for growth beyond its (absent) initial slab.
func New(kv *kvmalloc.Allocator) (*Heap, error) {
	h := &Heap{classes: make([]*slab.Pool, len(classSizes))}
	for i, size := range classSizes {
		p, err := slab.CreatePool(size, objPerSlabDefault, 0, kv, slab.FlagLazy)
		if err != nil {
			return nil, err
		}
		h.classes[i] = p
	}
	return h, nil
}

// Malloc selects the smallest size class able to hold n bytes and returns
// one object from its pool. Allocations above the largest class are a
// caller error, logged rather than panicked on (spec.md §4.5).
func (h *Heap) Malloc(n uintptr) (uintptr, error) {
	for i, size := range classSizes {
		if n <= size {
			return h.classes[i].Alloc()
		}
	}
	trust.Errorf("heap: allocation of %d bytes exceeds the largest size class (%d)", n, classSizes[len(classSizes)-1])
	return 0, trust.New(trust.ErrInvalid, "allocation exceeds largest size class")
}

// Free probes size classes in order until one claims the pointer, matching
// the "free(p) probes size classes in order until one accepts the
// pointer" contract. It is a no-op (not fatal) for a pointer this heap
// never handed out.
func (h *Heap) Free(p uintptr) {
	for _, pool := range h.classes {
		if pool.Free(p) {
			return
		}
	}
}
