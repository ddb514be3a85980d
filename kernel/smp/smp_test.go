package smp

import (
	"silicium/kernel"
	"silicium/kernel/boot"
	"testing"
	"unsafe"
)

func resetGlobals() {
	templateStart, templateEnd = 0, 0
	onlineCPUs = 1
	earlyPhase = true
}

func TestInstallReturnsErrorWithoutTemplate(t *testing.T) {
	defer resetGlobals()
	resetGlobals()

	if err := install(0, 0); err == nil {
		t.Fatal("expected install to fail before SetTemplate is called")
	}
}

func TestInstallCopiesTemplateAndPopulatesHeader(t *testing.T) {
	defer resetGlobals()
	defer func(a func(uintptr) (uintptr, *kernel.Error)) { allocateFn = a }(allocateFn)
	defer func(w func(uint32, uint64)) { writeMSRFn = w }(writeMSRFn)
	resetGlobals()

	template := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	templateStart = uintptr(unsafe.Pointer(&template[0]))
	templateEnd = templateStart + uintptr(len(template))

	backing := make([]byte, len(template)+int(unsafe.Sizeof(ThreadLocalInfo{}))+16)
	base := uintptr(unsafe.Pointer(&backing[0]))
	allocateFn = func(size uintptr) (uintptr, *kernel.Error) {
		if size != uintptr(len(template))+unsafe.Sizeof(ThreadLocalInfo{}) {
			t.Fatalf("unexpected allocation size %d", size)
		}
		return base, nil
	}

	var gotKernelGSBase, gotFSBase uint64
	writeMSRFn = func(reg uint32, val uint64) {
		switch reg {
		case kernelGSBaseMSR:
			gotKernelGSBase = val
		case fsBaseMSR:
			gotFSBase = val
		default:
			t.Fatalf("unexpected MSR %#x", reg)
		}
	}

	if err := install(7, 42); err != nil {
		t.Fatalf("install failed: %v", err)
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(base)), len(template))
	for i := range template {
		if dst[i] != template[i] {
			t.Fatalf("template byte %d = %d, want %d", i, dst[i], template[i])
		}
	}

	info := (*ThreadLocalInfo)(unsafe.Pointer(base + uintptr(len(template))))
	if info.CPUID != 7 || info.LapicID != 42 {
		t.Errorf("info = %+v, want CPUID=7 LapicID=42", info)
	}
	if info.TLSBase != base {
		t.Errorf("info.TLSBase = %#x, want %#x", info.TLSBase, base)
	}
	if info.selfPtr != info {
		t.Error("expected selfPtr to point back at the header")
	}

	wantAddr := uint64(uintptr(unsafe.Pointer(info)))
	if gotKernelGSBase != wantAddr || gotFSBase != wantAddr {
		t.Errorf("MSRs = %#x/%#x, want both %#x", gotKernelGSBase, gotFSBase, wantAddr)
	}
}

func TestAPStartIncrementsOnlineCPUs(t *testing.T) {
	defer resetGlobals()
	defer func(a func(uintptr) (uintptr, *kernel.Error)) { allocateFn = a }(allocateFn)
	defer func(w func(uint32, uint64)) { writeMSRFn = w }(writeMSRFn)
	resetGlobals()

	template := [4]byte{}
	templateStart = uintptr(unsafe.Pointer(&template[0]))
	templateEnd = templateStart + uintptr(len(template))

	backing := make([]byte, len(template)+int(unsafe.Sizeof(ThreadLocalInfo{}))+16)
	base := uintptr(unsafe.Pointer(&backing[0]))
	allocateFn = func(uintptr) (uintptr, *kernel.Error) { return base, nil }
	writeMSRFn = func(uint32, uint64) {}

	if OnlineCPUs() != 1 {
		t.Fatalf("expected BSP to count as online, got %d", OnlineCPUs())
	}

	if err := APStart(boot.CPUInfo{ProcessorID: 1, LapicID: 1}); err != nil {
		t.Fatalf("APStart failed: %v", err)
	}
	if OnlineCPUs() != 2 {
		t.Fatalf("expected 2 online CPUs after one AP, got %d", OnlineCPUs())
	}
}

func TestEarlyPhaseGatesCurrentID(t *testing.T) {
	defer resetGlobals()
	resetGlobals()

	if !Early() {
		t.Fatal("expected Early to be true immediately after reset")
	}
	if got := CurrentID(); got != 0 {
		t.Errorf("CurrentID during early phase = %d, want 0", got)
	}

	EndEarlyPhase()
	if Early() {
		t.Fatal("expected Early to be false after EndEarlyPhase")
	}
}

func TestStartCPUsSkipsBSPAndWaitsForEveryAPOnline(t *testing.T) {
	defer resetGlobals()
	defer func(p func()) { pauseFn = p }(pauseFn)
	resetGlobals()

	cpus := []boot.CPUInfo{
		{ProcessorID: 0, LapicID: 0},
		{ProcessorID: 1, LapicID: 1},
		{ProcessorID: 2, LapicID: 2},
	}
	if err := boot.Init(boot.Response{
		HHDMOffset: boot.HHDMBase,
		StackSize:  boot.MinStackSize,
		CPUs:       cpus,
		BSPLapicID: 0,
	}); err != nil {
		t.Fatalf("boot.Init failed: %v", err)
	}

	spins := 0
	pauseFn = func() {
		spins++
		if spins == 3 {
			onlineCPUs = 3
		}
		if spins > 100 {
			t.Fatal("StartCPUs did not observe every AP coming online")
		}
	}

	StartCPUs(0xdead0000)

	got := boot.CPUs()
	if got[0].GotoAddress != 0 {
		t.Error("expected the BSP's GotoAddress to be left untouched")
	}
	if got[1].GotoAddress != 0xdead0000 || got[2].GotoAddress != 0xdead0000 {
		t.Error("expected every AP's GotoAddress to be set to apEntry")
	}
}
