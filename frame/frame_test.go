package frame

import "testing"

func newTestAllocator() *Allocator {
	// 32 frames total: frames [0,4) bios, [0,8) isa, [8,32) normal.
	a := New(32, 4, 8)
	a.MarkAvailable(0, 32)
	a.Finalize()
	return a
}

func TestAllocFreeCounterInvariant(t *testing.T) {
	a := newTestAllocator()
	f, err := a.Alloc(FlagNone)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	if a.Counter(f) != 1 {
		t.Fatalf("expected counter 1 after alloc, got %d", a.Counter(f))
	}
	a.Reference(f)
	if a.Counter(f) != 2 {
		t.Fatalf("expected counter 2 after reference, got %d", a.Counter(f))
	}
	a.Free(f)
	if a.Counter(f) != 1 {
		t.Fatalf("expected counter 1 after one free, got %d", a.Counter(f))
	}
	a.Free(f)
	if a.Counter(f) != 0 {
		t.Fatalf("expected counter 0 after second free, got %d", a.Counter(f))
	}
}

func TestDoubleFreePanics(t *testing.T) {
	a := newTestAllocator()
	f, _ := a.Alloc(FlagNone)
	a.Free(f)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on double free")
		}
	}()
	a.Free(f)
}

func TestClearedAllocationIsZero(t *testing.T) {
	a := newTestAllocator()
	f, _ := a.Alloc(FlagNone)
	data := a.Data(f)
	data[0] = 0xAA
	a.Free(f)

	f2, err := a.Alloc(FlagClear)
	if err != nil {
		t.Fatalf("alloc failed: %v", err)
	}
	for i, b := range a.Data(f2) {
		if b != 0 {
			t.Fatalf("byte %d not cleared: %x", i, b)
		}
	}
}

func TestZoneFallbackOnExhaustion(t *testing.T) {
	a := newTestAllocator() // 24 normal frames [8,32), 4 isa-only [4,8), 4 bios [0,4)
	var normals []*Frame
	for i := 0; i < 24; i++ {
		f, err := a.Alloc(FlagNone)
		if err != nil {
			t.Fatalf("unexpected exhaustion at %d: %v", i, err)
		}
		if f.zone != ZoneNormal {
			t.Fatalf("expected normal-zone frame, got zone %v", f.zone)
		}
		normals = append(normals, f)
	}

	// Normal zone is now exhausted; alloc(none) must fall back to isa.
	f, err := a.Alloc(FlagNone)
	if err != nil {
		t.Fatalf("expected fallback alloc to succeed: %v", err)
	}
	if f.zone != ZoneISA {
		t.Fatalf("expected isa-zone fallback frame, got zone %v", f.zone)
	}

	for _, nf := range normals {
		a.Free(nf)
	}
}

func TestFrameReservedNeverAllocated(t *testing.T) {
	a := New(4, 1, 2)
	a.MarkAvailable(1, 3) // frame 0 stays reserved
	a.Finalize()

	for i := 0; i < 3; i++ {
		f, err := a.Alloc(FlagNone)
		if err != nil {
			t.Fatalf("alloc %d failed: %v", i, err)
		}
		if f.Index == 0 {
			t.Fatalf("reserved frame 0 must never be allocated")
		}
	}
	if _, err := a.Alloc(FlagNone); err == nil {
		t.Fatalf("expected exhaustion after draining all non-reserved frames")
	}
}
