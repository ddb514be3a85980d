package boot

import "testing"

func validResponse() Response {
	return Response{
		MemoryMap: []MemoryMapEntry{
			{PhysAddress: 0, Length: 0x9fc00, Type: MemUsable},
			{PhysAddress: 0x100000, Length: 0x100000, Type: MemKernelAndModules},
		},
		HHDMOffset: HHDMBase,
		RSDPAddr:   0xe0000,
		CPUs:       []CPUInfo{{ProcessorID: 0, LapicID: 0}, {ProcessorID: 1, LapicID: 1}},
		StackSize:  MinStackSize,
		BSPLapicID: 0,
	}
}

func TestInitRejectsBadResponses(t *testing.T) {
	bad := validResponse()
	bad.HHDMOffset = 0xFFFF_9000_0000_0000
	if err := Init(bad); err != errBadHHDM {
		t.Errorf("wrong HHDM offset: got %v, want errBadHHDM", err)
	}

	bad = validResponse()
	bad.StackSize = MinStackSize - 1
	if err := Init(bad); err != errSmallStack {
		t.Errorf("small stack: got %v, want errSmallStack", err)
	}

	bad = validResponse()
	bad.CPUs = nil
	if err := Init(bad); err != errNoCPUs {
		t.Errorf("no CPUs: got %v, want errNoCPUs", err)
	}
}

func TestInitRecordsResponseForAccessors(t *testing.T) {
	if err := Init(validResponse()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if HHDMOffset() != HHDMBase {
		t.Errorf("HHDMOffset() = %#x, want %#x", HHDMOffset(), HHDMBase)
	}
	if RSDPAddr() != 0xe0000 {
		t.Errorf("RSDPAddr() = %#x, want 0xe0000", RSDPAddr())
	}
	if len(CPUs()) != 2 {
		t.Errorf("len(CPUs()) = %d, want 2", len(CPUs()))
	}
	if StackSize() != MinStackSize {
		t.Errorf("StackSize() = %d, want %d", StackSize(), MinStackSize)
	}
}

func TestVisitMemRegionsStopsWhenAsked(t *testing.T) {
	if err := Init(validResponse()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	visited := 0
	VisitMemRegions(func(e *MemoryMapEntry) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Errorf("visited %d regions, want iteration to stop after 1", visited)
	}
}
