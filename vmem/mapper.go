// Package vmem implements the virtual memory mapper (spec.md C4) and the
// page-table self-map / boot mapping (C15): an architecture-neutral,
// two-level page-table abstraction with a top-slot self-map so the mapper
// never needs temporary mappings to reach its own tables, grounded on
// _examples/original_source/kernel/arch/x86/paging.c
// (paging_map_page_helper, paging_clone_pd, paging_destroy_userspace,
// paging_get_pde/paging_get_pte's mirroring arithmetic).
//
// This port has no real MMU to walk: each page table is simply a physical
// frame's bytes, and Map/Unmap/Paddr read and write those bytes directly
// instead of issuing hardware table walks. The self-map slot is still
// installed and Map/Unmap still reject addresses targeting it (spec.md
// §4.2), preserving the invariant even though this implementation does not
// need the trick to reach its own tables.
package vmem

import (
	"silicium/frame"
	"silicium/internal/arch"
	"silicium/internal/trust"
)

// PageSize is the fixed virtual page size, matching frame.Size.
const PageSize = frame.Size

// AllocBackingFrame allocates one physical frame for use as a kvmalloc
// backing page, optionally zeroing it, and returns its physical address.
// Exposed so kvmalloc can back a vmarea without reaching into the frame
// allocator's internals directly.
func (m *Mapper) AllocBackingFrame(zero bool) (uintptr, error) {
	flags := frame.FlagNone
	if zero {
		flags = frame.FlagClear
	}
	f, err := m.frames.Alloc(flags)
	if err != nil {
		return 0, err
	}
	return uintptr(f.Index) << 12, nil
}

// KernelBase is the fixed split between user space [0, KernelBase) and the
// high-half kernel, matching the x86 "identity map the first 3 GiB" layout
// in paging_remap_kernel.
const KernelBase = 0xC0000000

// MirrorIndex is the top directory slot, reserved unconditionally at every
// address space's creation so the page-table tree is (in principle)
// self-addressable. Matches PAGING_MIRRORING_INDEX.
const MirrorIndex = entriesPerTable - 1

func pdIndex(va uintptr) uint32 { return uint32((va >> 22) & (entriesPerTable - 1)) }
func ptIndex(va uintptr) uint32 { return uint32((va >> 12) & (entriesPerTable - 1)) }
func pageOffset(va uintptr) uintptr { return va & (frame.Size - 1) }

func kernelPDIndex() uint32 { return pdIndex(KernelBase) }

func inMirrorWindow(va uintptr) bool {
	return pdIndex(va) == MirrorIndex
}

// Access is the subset of {read, write, execute, user} requested for a
// mapping. This port's entry layout (spec.md §3) carries no execute/NX bit,
// so Execute and Read are accepted but always implied by present — a
// documented simplification, not a silent drop of the contract.
type Access struct {
	Read, Write, Execute, User bool
}

// Flags is the subset of {present, global} from spec.md §4.2's set_flags
// contract.
type Flags struct {
	Present bool
	Global  bool
}

// AddressSpace is a single page-table tree: one root directory frame plus
// whatever page-table frames its entries reference.
type AddressSpace struct {
	root *frame.Frame
}

// Mapper owns the frame allocator, the architecture TLB primitives, and
// the shared kernel page-table template that every address space's
// higher-half entries are copied from (spec.md §4.2: "Page-directory
// entries for higher-half addresses are preallocated at boot and shared
// across every address space; they are never freed").
type Mapper struct {
	frames   *frame.Allocator
	template *frame.Frame
}

// NewMapper allocates the shared kernel template directory, preallocating
// one page-table frame for every higher-half directory slot except the
// mirror slot. Matches the preallocation loop in paging_remap_kernel.
func NewMapper(frames *frame.Allocator) (*Mapper, error) {
	tmpl, err := frames.Alloc(frame.FlagClear)
	if err != nil {
		return nil, err
	}
	m := &Mapper{frames: frames, template: tmpl}

	pd := frames.Data(tmpl)
	for i := kernelPDIndex(); i < MirrorIndex; i++ {
		pt, err := frames.Alloc(frame.FlagClear)
		if err != nil {
			return nil, err
		}
		setEntry(pd, i, makeEntry(pt.Index, true, true, false, false))
	}
	return m, nil
}

// NewAddressSpace allocates a fresh root directory, copies the shared
// kernel template into it, and installs this address space's own
// self-map slot. Matches paging_creat_pd.
func (m *Mapper) NewAddressSpace() (*AddressSpace, error) {
	root, err := m.frames.Alloc(frame.FlagClear)
	if err != nil {
		return nil, err
	}
	pd := m.frames.Data(root)
	tmplPD := m.frames.Data(m.template)
	*pd = *tmplPD
	setEntry(pd, MirrorIndex, makeEntry(root.Index, true, true, false, false))
	return &AddressSpace{root: root}, nil
}

func tableFor(frames *frame.Allocator, idx uint32) *[frame.Size]byte {
	return frames.Data(frames.Frame(idx))
}

// Map installs a VA→PA mapping with the requested access and flags,
// allocating a page-table frame on demand if this is the first mapping in
// its 4 MiB region. Matches paging_map_page_helper. Fatal on double-map;
// returns a no-mem error if a page-table frame cannot be allocated;
// returns an invalid-operation error for an address in the mirror window.
func (m *Mapper) Map(as *AddressSpace, va, pa uintptr, access Access, flags Flags) error {
	if inMirrorWindow(va) {
		return trust.New(trust.ErrInvalid, "address is in the self-map mirroring window")
	}

	pd := m.frames.Data(as.root)
	pdIdx := pdIndex(va)
	pde := getEntry(pd, pdIdx)
	var ptIdxFrame uint32
	if !pde.present() {
		pt, err := m.frames.Alloc(frame.FlagClear)
		if err != nil {
			return trust.New(trust.ErrNoMem, "no frame available for a new page table")
		}
		ptIdxFrame = pt.Index
		setEntry(pd, pdIdx, makeEntry(ptIdxFrame, true, true, va < KernelBase, false))
	} else {
		ptIdxFrame = pde.frameIndex()
	}

	pt := tableFor(m.frames, ptIdxFrame)
	idx := ptIndex(va)
	if getEntry(pt, idx).present() {
		trust.Fatalf("mapping page at 0x%x: already mapped", va)
	}
	setEntry(pt, idx, makeEntry(uint32(pa>>12), true, access.Write, access.User, flags.Global))
	if a := arch.Current(); a != nil {
		a.FlushTLBPage(va)
	}
	return nil
}

// Unmap removes the mapping at va and returns the physical address it had
// been mapped to. Matches the read/clear half of paging_get_pte plus
// pte clearing; returns an unmapped error if va had no mapping.
func (m *Mapper) Unmap(as *AddressSpace, va uintptr) (uintptr, error) {
	if inMirrorWindow(va) {
		return 0, trust.New(trust.ErrInvalid, "address is in the self-map mirroring window")
	}
	pd := m.frames.Data(as.root)
	pde := getEntry(pd, pdIndex(va))
	if !pde.present() {
		return 0, trust.New(trust.ErrUnmapped, "")
	}
	pt := tableFor(m.frames, pde.frameIndex())
	idx := ptIndex(va)
	pte := getEntry(pt, idx)
	if !pte.present() {
		return 0, trust.New(trust.ErrUnmapped, "")
	}
	pa := uintptr(pte.frameIndex()) << 12
	setEntry(pt, idx, entry(0))
	if a := arch.Current(); a != nil {
		a.FlushTLBPage(va)
	}
	return pa, nil
}

// Paddr returns the physical address va is mapped to, or 0 if unmapped.
// Matches paging_get_paddr.
func (m *Mapper) Paddr(as *AddressSpace, va uintptr) uintptr {
	pd := m.frames.Data(as.root)
	pde := getEntry(pd, pdIndex(va))
	if !pde.present() {
		return 0
	}
	pt := tableFor(m.frames, pde.frameIndex())
	pte := getEntry(pt, ptIndex(va))
	if !pte.present() {
		return 0
	}
	return uintptr(pte.frameIndex())<<12 | pageOffset(va)
}

// Rights returns the access currently in effect at va. Write is granted
// only when both the directory entry and the table entry are writable, so
// a PDE write-protected by Clone removes it.
func (m *Mapper) Rights(as *AddressSpace, va uintptr) Access {
	pd := m.frames.Data(as.root)
	pde := getEntry(pd, pdIndex(va))
	if !pde.present() {
		return Access{}
	}
	pt := tableFor(m.frames, pde.frameIndex())
	pte := getEntry(pt, ptIndex(va))
	if !pte.present() {
		return Access{}
	}
	return Access{Read: true, Execute: true, Write: pde.write() && pte.write(), User: pte.user()}
}

// SetRights updates the writable/user bits of the mapping at va.
func (m *Mapper) SetRights(as *AddressSpace, va uintptr, access Access) error {
	pd := m.frames.Data(as.root)
	pde := getEntry(pd, pdIndex(va))
	if !pde.present() {
		return trust.New(trust.ErrUnmapped, "")
	}
	pt := tableFor(m.frames, pde.frameIndex())
	idx := ptIndex(va)
	pte := getEntry(pt, idx)
	if !pte.present() {
		return trust.New(trust.ErrUnmapped, "")
	}
	pte = pte.withWrite(access.Write).withUser(access.User)
	setEntry(pt, idx, pte)
	if a := arch.Current(); a != nil {
		a.FlushTLBPage(va)
	}
	return nil
}

// Flags returns the flags currently in effect at va.
func (m *Mapper) Flags(as *AddressSpace, va uintptr) Flags {
	pd := m.frames.Data(as.root)
	pde := getEntry(pd, pdIndex(va))
	if !pde.present() {
		return Flags{}
	}
	pt := tableFor(m.frames, pde.frameIndex())
	pte := getEntry(pt, ptIndex(va))
	return Flags{Present: pte.present(), Global: pte.global()}
}

// SetFlags updates the present and global bits of the mapping at va,
// invalidating the page's TLB entry afterward — the same per-mutation
// invalidation Map/Unmap/SetRights perform, per spec.md §4.2's "invalidate
// the single affected page after any mutation" contract.
func (m *Mapper) SetFlags(as *AddressSpace, va uintptr, flags Flags) error {
	pd := m.frames.Data(as.root)
	pde := getEntry(pd, pdIndex(va))
	if !pde.present() {
		return trust.New(trust.ErrUnmapped, "")
	}
	pt := tableFor(m.frames, pde.frameIndex())
	idx := ptIndex(va)
	pte := getEntry(pt, idx)
	e := pte.withPresent(flags.Present)
	e = e.withGlobal(flags.Global)
	setEntry(pt, idx, e)
	if a := arch.Current(); a != nil {
		a.FlushTLBPage(va)
	}
	return nil
}

// Clone establishes copy-on-write sharing between src and dst: every
// present user PDE in src is marked writable=0, the underlying page-table
// frame's refcount is bumped, and dst receives the identical entry.
// Matches paging_clone_pd. Actual content copy is deferred to the
// write-fault handler, which is out of scope for this core (spec.md §9
// Open Question (c)).
func (m *Mapper) Clone(dst, src *AddressSpace) {
	srcPD := m.frames.Data(src.root)
	dstPD := m.frames.Data(dst.root)
	for i := uint32(0); i < kernelPDIndex(); i++ {
		pde := getEntry(srcPD, i)
		if !pde.present() {
			continue
		}
		ptFrame := m.frames.Frame(pde.frameIndex())
		m.frames.Reference(ptFrame)

		shared := pde.withWrite(false)
		setEntry(srcPD, i, shared)
		setEntry(dstPD, i, shared)
	}
	// Whole-TLB flush rather than per-page shootdown: SPEC_FULL.md §14
	// Open Question (a) decision.
	if a := arch.Current(); a != nil {
		a.FlushTLBAll()
	}
}

// Destroy tears down every user mapping in as and frees the page-table
// frames, releasing the underlying data frames only when this was the
// last address space sharing them. The root frame itself is freed too;
// callers (aspace) must not touch as again afterward. Matches
// paging_destroy_userspace.
func (m *Mapper) Destroy(as *AddressSpace) {
	pd := m.frames.Data(as.root)
	for i := uint32(0); i < kernelPDIndex(); i++ {
		pde := getEntry(pd, i)
		if !pde.present() {
			continue
		}
		ptFrame := m.frames.Frame(pde.frameIndex())
		m.frames.Lock(ptFrame)
		if m.frames.Counter(ptFrame) == 1 {
			pt := m.frames.Data(ptFrame)
			for j := uint32(0); j < entriesPerTable; j++ {
				pte := getEntry(pt, j)
				if !pte.present() {
					continue
				}
				m.frames.Free(m.frames.Frame(pte.frameIndex()))
			}
		}
		m.frames.Unlock(ptFrame)
		m.frames.Free(ptFrame)
	}
	m.frames.Free(as.root)
}

// RootFrame exposes the address space's root frame for aspace's refcount
// bookkeeping and for arch.RegisterFrame construction by proc.
func (as *AddressSpace) RootFrame() *frame.Frame {
	return as.root
}
