package allocator

import (
	"silicium/kernel/mem/pmm"
	"testing"
)

// newTestState builds a State over count synthetic Free frames, with
// whatever extra placement flags the test marks afterwards.
func newTestState(count int) *pmm.State {
	frames := make([]pmm.Info, count)
	for i := range frames {
		frames[i] = pmm.Info{Frame: pmm.Frame(i), Flags: pmm.Free}
	}
	return pmm.NewState(frames)
}

func withRecordedZeroing(t *testing.T) *[]pmm.Frame {
	t.Helper()
	zeroed := &[]pmm.Frame{}
	saved := zeroFn
	zeroFn = func(f pmm.Frame) { *zeroed = append(*zeroed, f) }
	t.Cleanup(func() { zeroFn = saved })
	return zeroed
}

func statsClosure(s pmm.Stats) uint64 {
	return s.Free + s.Allocated + s.Reserved + s.Kernel + s.Borrowed + s.Poisoned
}

func TestAllocateMarksFrameAndKeepsAccountingClosed(t *testing.T) {
	state := newTestState(4)
	alloc := NewLinear(state)

	frame, err := alloc.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	info := state.FrameInfo(frame)
	if info.HasFlags(pmm.Free) {
		t.Error("expected the Free flag to be cleared on allocation")
	}
	if info.Count != 1 {
		t.Errorf("count = %d, want 1", info.Count)
	}

	stats := alloc.Statistics()
	if stats.Free != 3 || stats.Allocated != 1 {
		t.Errorf("stats = %+v, want Free=3 Allocated=1", stats)
	}
	if got := statsClosure(stats); got != stats.Total {
		t.Errorf("category sum = %d, want Total = %d", got, stats.Total)
	}
}

func TestAllocateKernelFlagCountsUnderKernel(t *testing.T) {
	state := newTestState(2)
	alloc := NewLinear(state)

	frame, err := alloc.Allocate(pmm.Kernel)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if !state.FrameInfo(frame).HasFlags(pmm.Kernel) {
		t.Error("expected the Kernel flag to be set on the frame")
	}

	stats := alloc.Statistics()
	if stats.Kernel != 1 || stats.Allocated != 0 {
		t.Errorf("stats = %+v, want Kernel=1 Allocated=0", stats)
	}
	if got := statsClosure(stats); got != stats.Total {
		t.Errorf("category sum = %d, want Total = %d", got, stats.Total)
	}
}

func TestAllocateZeroedZerosTheBackingFrame(t *testing.T) {
	zeroed := withRecordedZeroing(t)

	state := newTestState(1)
	alloc := NewLinear(state)

	frame, err := alloc.Allocate(pmm.Zeroed)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	if len(*zeroed) != 1 || (*zeroed)[0] != frame {
		t.Errorf("zeroed frames = %v, want exactly [%v]", *zeroed, frame)
	}
	if !state.FrameInfo(frame).HasFlags(pmm.Zeroed) {
		t.Error("expected the Zeroed flag to be recorded on the frame")
	}
}

func TestAllocateHonorsPlacementFlags(t *testing.T) {
	state := newTestState(4)
	// Only frame 2 satisfies an ISA-restricted request.
	state.FrameInfo(pmm.Frame(2)).Flags |= pmm.Bios | pmm.Isa | pmm.X86
	alloc := NewLinear(state)

	frame, err := alloc.Allocate(pmm.Isa)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if frame != pmm.Frame(2) {
		t.Errorf("Allocate(Isa) = %v, want frame 2", frame)
	}
}

func TestAllocateReturnsOutOfMemoryWhenNothingSatisfies(t *testing.T) {
	state := newTestState(2)
	alloc := NewLinear(state)

	if _, err := alloc.Allocate(pmm.Bios); err != errOutOfMemory {
		t.Fatalf("expected errOutOfMemory for an unsatisfiable placement, got %v", err)
	}
}

func TestAllocateRangeFindsContiguousRun(t *testing.T) {
	state := newTestState(6)
	// Poke a hole at frame 1 so the first contiguous run of three starts at 2.
	hole := state.FrameInfo(pmm.Frame(1))
	hole.Flags &^= pmm.Free
	hole.Count = 1
	alloc := NewLinear(state)

	rng, err := alloc.AllocateRange(3, 0)
	if err != nil {
		t.Fatalf("AllocateRange: %v", err)
	}
	if rng.Start != pmm.Frame(2) || rng.End != pmm.Frame(5) {
		t.Errorf("range = %+v, want [2, 5)", rng)
	}
	for f := rng.Start; f < rng.End; f++ {
		if info := state.FrameInfo(f); info.HasFlags(pmm.Free) || info.Count != 1 {
			t.Errorf("frame %v = %+v, want allocated with count 1", f, info)
		}
	}
}

func TestReferenceCountGovernsRelease(t *testing.T) {
	state := newTestState(1)
	alloc := NewLinear(state)

	frame, err := alloc.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	alloc.Reference(frame)

	alloc.Deallocate(frame)
	if info := state.FrameInfo(frame); info.HasFlags(pmm.Free) || info.Count != 1 {
		t.Fatalf("frame = %+v, want still allocated with count 1 after the first release", info)
	}

	alloc.Deallocate(frame)
	if info := state.FrameInfo(frame); !info.HasFlags(pmm.Free) || info.Count != 0 {
		t.Fatalf("frame = %+v, want back in the Free pool once the count reaches 0", info)
	}

	stats := alloc.Statistics()
	if stats.Free != 1 || stats.Allocated != 0 {
		t.Errorf("stats = %+v, want the single frame back under Free", stats)
	}
}

func TestDeallocatePanicsOnDoubleFree(t *testing.T) {
	state := newTestState(1)
	alloc := NewLinear(state)

	frame, err := alloc.Allocate(0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	alloc.Deallocate(frame)

	defer func() {
		if recover() == nil {
			t.Fatal("expected Deallocate to panic on double-free")
		}
	}()
	alloc.Deallocate(frame)
}

func TestReferencePanicsOnUnallocatedFrame(t *testing.T) {
	state := newTestState(1)
	alloc := NewLinear(state)

	defer func() {
		if recover() == nil {
			t.Fatal("expected Reference to panic on an unallocated frame")
		}
	}()
	alloc.Reference(pmm.Frame(0))
}

func TestDeallocateRangeReleasesEveryFrame(t *testing.T) {
	state := newTestState(4)
	alloc := NewLinear(state)

	rng, err := alloc.AllocateRange(4, 0)
	if err != nil {
		t.Fatalf("AllocateRange: %v", err)
	}

	alloc.DeallocateRange(rng)

	stats := alloc.Statistics()
	if stats.Free != 4 || stats.Allocated != 0 {
		t.Errorf("stats = %+v, want every frame back under Free", stats)
	}
}
