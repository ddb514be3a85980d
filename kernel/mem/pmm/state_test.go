package pmm

import (
	"silicium/kernel/boot"
	"testing"
)

// withFakeBacking routes the frame.Info array into plain Go memory instead
// of an HHDM mapping so Setup can run on a hosted GOOS.
func withFakeBacking(t *testing.T) {
	t.Helper()
	saved := backingSliceFn
	backingSliceFn = func(backingStart Frame, numFrames uint64) []Info {
		return make([]Info, numFrames)
	}
	t.Cleanup(func() { backingSliceFn = saved })
}

func withMemoryMap(t *testing.T, entries []boot.MemoryMapEntry) {
	t.Helper()
	if err := boot.Init(boot.Response{
		MemoryMap:  entries,
		HHDMOffset: boot.HHDMBase,
		StackSize:  boot.MinStackSize,
		CPUs:       []boot.CPUInfo{{ProcessorID: 0, LapicID: 0}},
	}); err != nil {
		t.Fatalf("boot.Init: %v", err)
	}
}

// statsClosure sums every disjoint category; for any quiescent state it
// must equal Total.
func statsClosure(s Stats) uint64 {
	return s.Free + s.Allocated + s.Reserved + s.Kernel + s.Borrowed + s.Poisoned
}

func TestSetupClassifiesMemoryMap(t *testing.T) {
	withFakeBacking(t)
	withMemoryMap(t, []boot.MemoryMapEntry{
		{PhysAddress: 0x00000, Length: 0x10000, Type: boot.MemUsable}, // frames 0-15
		{PhysAddress: 0x10000, Length: 0x4000, Type: boot.MemReserved}, // frames 16-19
		{PhysAddress: 0x14000, Length: 0x2000, Type: boot.MemBadMemory}, // frames 20-21
		{PhysAddress: 0x16000, Length: 0x2000, Type: boot.MemKernelAndModules}, // frames 22-23
	})

	st, err := Setup(Frame(2), 1)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	stats := st.Statistics()
	if stats.Total != 24 {
		t.Fatalf("Total = %d, want 24", stats.Total)
	}
	if stats.Usable != 16 {
		t.Errorf("Usable = %d, want 16", stats.Usable)
	}
	// One usable frame was carved out for the array's own backing store.
	if stats.Free != 15 {
		t.Errorf("Free = %d, want 15", stats.Free)
	}
	if stats.Reserved != 4 {
		t.Errorf("Reserved = %d, want 4", stats.Reserved)
	}
	if stats.Poisoned != 2 {
		t.Errorf("Poisoned = %d, want 2", stats.Poisoned)
	}
	// Two frames from the kernel image region plus the backing frame.
	if stats.Kernel != 3 {
		t.Errorf("Kernel = %d, want 3", stats.Kernel)
	}
	if got := statsClosure(stats); got != stats.Total {
		t.Errorf("category sum = %d, want Total = %d", got, stats.Total)
	}

	backing := st.FrameInfo(Frame(2))
	if !backing.HasFlags(Kernel) || backing.Count != 1 {
		t.Errorf("backing frame = %+v, want Kernel with count 1", backing)
	}
	if bad := st.FrameInfo(Frame(20)); !bad.HasFlags(Poisoned) {
		t.Errorf("bad-memory frame = %+v, want Poisoned", bad)
	}
	if kernelFrame := st.FrameInfo(Frame(22)); !kernelFrame.HasFlags(Kernel) || kernelFrame.Count != 1 {
		t.Errorf("kernel-image frame = %+v, want Kernel with count 1", kernelFrame)
	}
}

func TestSetupAppliesPlacementFlagsByAddress(t *testing.T) {
	withFakeBacking(t)
	withMemoryMap(t, []boot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x2000000, Type: boot.MemUsable}, // 32 MiB
	})

	st, err := Setup(Frame(0), 64)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	if info := st.FrameInfo(Frame(0)); !info.HasFlags(Bios | Isa | X86) {
		t.Errorf("frame 0 flags = %v, want Bios|Isa|X86", info.Flags)
	}
	// 2 MiB: above the BIOS boundary, below ISA and X86.
	if info := st.FrameInfo(FrameFromAddress(0x200000)); info.HasFlags(Bios) || !info.HasFlags(Isa|X86) {
		t.Errorf("2MiB frame flags = %v, want Isa|X86 without Bios", info.Flags)
	}
	// 16 MiB: above BIOS and ISA, below X86.
	if info := st.FrameInfo(FrameFromAddress(0x1000000)); info.HasFlags(Isa) || !info.HasFlags(X86) {
		t.Errorf("16MiB frame flags = %v, want X86 without Isa", info.Flags)
	}
}

func TestSetupRejectsTooSmallBackingRun(t *testing.T) {
	withFakeBacking(t)
	withMemoryMap(t, []boot.MemoryMapEntry{
		{PhysAddress: 0, Length: 0x10000000, Type: boot.MemUsable}, // 256 MiB, 65536 frames
	})

	if _, err := Setup(Frame(0), 1); err != errBackingTooSmall {
		t.Fatalf("expected errBackingTooSmall, got %v", err)
	}
}

func TestRecordAllocationKeepsCategoriesDisjoint(t *testing.T) {
	frames := []Info{
		{Frame: 0, Flags: Free},
		{Frame: 1, Flags: Free},
	}
	st := NewState(frames)

	st.RecordAllocation(false)
	st.RecordAllocation(true)

	stats := st.Statistics()
	if stats.Free != 0 || stats.Allocated != 1 || stats.Kernel != 1 {
		t.Errorf("stats = %+v, want Free=0 Allocated=1 Kernel=1", stats)
	}
	if got := statsClosure(stats); got != stats.Total {
		t.Errorf("category sum = %d, want Total = %d", got, stats.Total)
	}

	st.RecordDeallocation(true)
	st.RecordDeallocation(false)

	stats = st.Statistics()
	if stats.Free != 2 || stats.Allocated != 0 || stats.Kernel != 0 {
		t.Errorf("stats after release = %+v, want everything back in Free", stats)
	}
}
