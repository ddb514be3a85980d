package vmalloc

import (
	"silicium/kernel"
	"silicium/kernel/mem/pmm"
	"silicium/kernel/mem/vmm"
	"testing"
)

// fakeBacking overrides the package's vmm indirection with trivial fakes so
// Allocate/Deallocate can be exercised without a real page table walk.
func fakeBacking(t *testing.T) (restore func()) {
	t.Helper()

	savedMap, savedUnmap, savedLeaf := mapFn, unmapFn, allocZeroedLeafFn
	savedAlloc, savedRelease := frameAllocator, frameReleaser

	mapped := map[uintptr]pmm.Frame{}
	var nextFrame pmm.Frame
	releasedCount := 0

	frameAllocator = func(flags pmm.Flag) (pmm.Frame, *kernel.Error) {
		f := nextFrame
		nextFrame++
		return f, nil
	}
	frameReleaser = func(f pmm.Frame) { releasedCount++ }
	mapFn = func(root *vmm.TableRoot, vaddr uintptr, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
		if _, ok := mapped[vaddr]; ok {
			return vmm.ErrAlreadyMapped
		}
		mapped[vaddr] = frame
		return nil
	}
	unmapFn = func(root *vmm.TableRoot, vaddr uintptr) (uintptr, *kernel.Error) {
		frame, ok := mapped[vaddr]
		if !ok {
			return 0, vmm.ErrInvalidMapping
		}
		delete(mapped, vaddr)
		return frame.Address(), nil
	}
	allocZeroedLeafFn = func(root *vmm.TableRoot, vaddr uintptr, zeroed bool, flags vmm.PageTableEntryFlag) *vmm.PageFaultReason {
		f, _ := frameAllocator(pmm.Kernel)
		mapped[vaddr] = f
		return nil
	}

	return func() {
		mapFn, unmapFn, allocZeroedLeafFn = savedMap, savedUnmap, savedLeaf
		frameAllocator, frameReleaser = savedAlloc, savedRelease
	}
}

func TestAllocateSplitsFreeArea(t *testing.T) {
	restore := fakeBacking(t)
	defer restore()

	s := NewState(0x1000, 0x10000) // 60 KiB region

	rng, err := s.Allocate(0x2000, 0, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if rng.Size() != 0x2000 {
		t.Fatalf("expected 0x2000-byte range; got %#x", rng.Size())
	}
	if rng.Start != 0x1000 {
		t.Fatalf("expected allocation to start at region base; got %#x", rng.Start)
	}

	// The remainder must still be available to a second allocation.
	rng2, err := s.Allocate(0x4000, 0, nil)
	if err != nil {
		t.Fatalf("second Allocate: %v", err)
	}
	if rng2.Start == rng.Start {
		t.Fatalf("second allocation overlaps the first")
	}
}

func TestAllocateOutOfMemory(t *testing.T) {
	restore := fakeBacking(t)
	defer restore()

	s := NewState(0, 0x1000)
	if _, err := s.Allocate(0x2000, 0, nil); err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory; got %v", err)
	}
}

func TestDeallocateUnknownRange(t *testing.T) {
	restore := fakeBacking(t)
	defer restore()

	s := NewState(0, 0x10000)
	if err := s.Deallocate(nil, VirtualRange{Start: 0x4000, End: 0x5000}); err != ErrUnknownRange {
		t.Fatalf("expected ErrUnknownRange; got %v", err)
	}
}

func TestDeallocateReturnsRangeToFreeList(t *testing.T) {
	restore := fakeBacking(t)
	defer restore()

	s := NewState(0, 0x3000)

	rng, err := s.Allocate(0x3000, 0, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := s.Deallocate(nil, rng); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}

	// The whole region should be allocatable again now that it was freed.
	if _, err := s.Allocate(0x3000, 0, nil); err != nil {
		t.Fatalf("Allocate after Deallocate: %v", err)
	}
}

func TestMapFlagUnmapsOnDeallocate(t *testing.T) {
	restore := fakeBacking(t)
	defer restore()

	s := NewState(0, 0x2000)

	rng, err := s.Allocate(0x1000, Map|Atomic, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !s.Contains(rng.Start) {
		t.Fatalf("expected Contains to report the eagerly mapped range as used")
	}

	if err := s.Deallocate(nil, rng); err != nil {
		t.Fatalf("Deallocate: %v", err)
	}
	if s.Contains(rng.Start) {
		t.Fatalf("expected Contains to report false once the range is freed")
	}
	if _, err := unmapFn(nil, rng.Start); err != vmm.ErrInvalidMapping {
		t.Fatalf("expected Deallocate to unmap the eagerly mapped page; got %v", err)
	}
}

func TestAllocateAtomicMapReturnsWouldBlockOnFailure(t *testing.T) {
	restore := fakeBacking(t)
	defer restore()

	errNoFrames := &kernel.Error{Module: "pmm", Message: "out of frames"}
	frameAllocator = func(flags pmm.Flag) (pmm.Frame, *kernel.Error) {
		return 0, errNoFrames
	}

	s := NewState(0, 0x3000)

	rng, err := s.Allocate(0x2000, Map|Atomic, nil)
	if err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock; got %v", err)
	}

	// The failed eager mapping must unwind: the range goes back to the free
	// list rather than staying reserved against a mapping that never
	// completed.
	if s.Contains(rng.Start) {
		t.Fatalf("expected the failed allocation to be unwound, not left as used")
	}
	if _, err := s.Allocate(0x3000, 0, nil); err != nil {
		t.Fatalf("expected the whole region to be free again after unwind: %v", err)
	}
}

func TestResolveRejectsUnmappedArea(t *testing.T) {
	restore := fakeBacking(t)
	defer restore()

	s := NewState(0, 0x2000)

	rng, err := s.Allocate(0x1000, 0, nil) // no Map flag
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	reason := s.Resolve(nil, rng.Start, 0)
	if reason == nil || *reason != vmm.ReasonNotMappable {
		t.Fatalf("expected ReasonNotMappable; got %v", reason)
	}
}

func TestResolveDemandPagesMappedArea(t *testing.T) {
	restore := fakeBacking(t)
	defer restore()

	s := NewState(0, 0x2000)

	rng, err := s.Allocate(0x1000, Map, nil)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if reason := s.Resolve(nil, rng.Start, 0); reason != nil {
		t.Fatalf("expected successful resolution; got reason %v", *reason)
	}
}

func TestResolveMissingPageOutsideAnyArea(t *testing.T) {
	restore := fakeBacking(t)
	defer restore()

	s := NewState(0, 0x2000)

	reason := s.Resolve(nil, 0x1_0000_0000, 0)
	if reason == nil || *reason != vmm.ReasonMissingPage {
		t.Fatalf("expected ReasonMissingPage; got %v", reason)
	}
}
