package vmm

import (
	"silicium/kernel"
	"silicium/kernel/mem/pmm"
	"testing"
	"unsafe"
)

// fakeAddressSpace backs frameAllocator/tableVirtFn/entriesFn with real Go
// memory so Map/Unmap/Translate can be exercised on a hosted GOOS without
// real physical memory behind the walked tables.
func fakeAddressSpace(t *testing.T) (restore func()) {
	t.Helper()

	savedAlloc := frameAllocator
	savedReferencer := frameReferencer
	savedTableVirt := tableVirtFn
	savedEntries := entriesFn
	savedActivePDT := activePDTFn
	savedSetup := setupDone
	savedKernelPML4 := kernelPML4
	savedFlushLocal := flushLocalFn

	flushLocalFn = func(vaddr uintptr) {}
	frameReferencer = func(pmm.Frame) {}

	tables := map[uintptr]*[512]pageTableEntry{}
	var next pmm.Frame

	frameAllocator = func(flags pmm.Flag) (pmm.Frame, *kernel.Error) {
		f := next
		next++
		tables[f.Address()] = &[512]pageTableEntry{}
		return f, nil
	}

	// The fake bootloader table Setup wraps as the initial root.
	bootFrame, _ := frameAllocator(0)
	activePDTFn = func() uintptr { return bootFrame.Address() }
	tableVirtFn = func(physAddr uintptr) uintptr {
		table, ok := tables[physAddr]
		if !ok {
			t.Fatalf("tableVirtFn: no fake table registered for physical address %#x", physAddr)
		}
		return uintptr(unsafe.Pointer(&table[0]))
	}
	entriesFn = func(f pmm.Frame) *[512]pageTableEntry {
		return tables[f.Address()]
	}
	setupDone = false
	kernelPML4 = [512]pageTableEntry{}

	return func() {
		frameAllocator = savedAlloc
		frameReferencer = savedReferencer
		tableVirtFn = savedTableVirt
		entriesFn = savedEntries
		activePDTFn = savedActivePDT
		setupDone = savedSetup
		kernelPML4 = savedKernelPML4
		flushLocalFn = savedFlushLocal
	}
}

func TestMapUnmapTranslateRoundTrip(t *testing.T) {
	restore := fakeAddressSpace(t)
	defer restore()

	if _, err := Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	root, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	backing, err := frameAllocator(pmm.Kernel)
	if err != nil {
		t.Fatalf("frameAllocator: %v", err)
	}

	const vaddr = uintptr(0x0000_1234_5678_0000) // user-half, page aligned relative to PT granularity
	pageAligned := vaddr &^ uintptr(0xfff)

	if err := Map(root, pageAligned, backing, FlagPresent|FlagWritable); err != nil {
		t.Fatalf("Map: %v", err)
	}

	got, err := Translate(root, pageAligned)
	if err != nil {
		t.Fatalf("Translate after Map: %v", err)
	}
	if got != backing.Address() {
		t.Errorf("Translate returned %#x; want %#x", got, backing.Address())
	}

	if err := Map(root, pageAligned, backing, FlagPresent); err != ErrAlreadyMapped {
		t.Errorf("expected ErrAlreadyMapped remapping a present page; got %v", err)
	}

	freed, err := Unmap(root, pageAligned)
	if err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if freed != backing.Address() {
		t.Errorf("Unmap returned %#x; want %#x", freed, backing.Address())
	}

	if _, err := Translate(root, pageAligned); err != ErrInvalidMapping {
		t.Errorf("expected ErrInvalidMapping after Unmap; got %v", err)
	}
}

func TestChangeProtectionReturnsPreviousFlags(t *testing.T) {
	restore := fakeAddressSpace(t)
	defer restore()

	if _, err := Setup(); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	root, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	backing, err := frameAllocator(pmm.Kernel)
	if err != nil {
		t.Fatalf("frameAllocator: %v", err)
	}

	const vaddr = uintptr(0x0000_2000_0000_0000)
	if err := Map(root, vaddr, backing, FlagPresent|FlagWritable); err != nil {
		t.Fatalf("Map: %v", err)
	}

	old, err := ChangeProtection(root, vaddr, FlagPresent)
	if err != nil {
		t.Fatalf("ChangeProtection: %v", err)
	}
	if old&FlagWritable == 0 {
		t.Error("expected previous flags to include FlagWritable")
	}

	now, err := Protection(root, vaddr)
	if err != nil {
		t.Fatalf("Protection: %v", err)
	}
	if now&FlagWritable != 0 {
		t.Error("expected FlagWritable to be cleared after ChangeProtection")
	}
}
