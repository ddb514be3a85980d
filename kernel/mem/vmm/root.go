package vmm

import (
	"silicium/kernel"
	"silicium/kernel/cpu"
	"silicium/kernel/mem"
	"silicium/kernel/mem/pmm"
	"silicium/kernel/sync"
	"unsafe"
)

// FrameAllocatorFn allocates a single physical frame, optionally zeroed.
type FrameAllocatorFn func(flags pmm.Flag) (pmm.Frame, *kernel.Error)

// FrameReleaserFn releases a single physical frame back to the free pool.
type FrameReleaserFn func(f pmm.Frame)

// FrameReferencerFn bumps a frame's reference count.
type FrameReferencerFn func(f pmm.Frame)

// frameAllocator is registered once via SetFrameAllocator during kernel
// bring-up and used whenever the walker needs to materialize a new page
// table or demand-page a fresh frame.
var frameAllocator FrameAllocatorFn

// frameReleaser is registered once via SetFrameReleaser and used by
// TableRoot.Destroy to return a dying address space's PML4 frame.
var frameReleaser FrameReleaserFn

// frameReferencer is registered once via SetFrameReferencer and used by
// Setup to pin the boot PML4's backing frame.
var frameReferencer FrameReferencerFn

// SetFrameAllocator wires the package to the physical frame allocator. Must
// be called before any TableRoot is created.
func SetFrameAllocator(fn FrameAllocatorFn) {
	frameAllocator = fn
}

// SetFrameReleaser wires the package to the physical frame deallocator.
// Must be called before any TableRoot.Destroy.
func SetFrameReleaser(fn FrameReleaserFn) {
	frameReleaser = fn
}

// SetFrameReferencer wires the package to the physical frame reference
// counter. Must be called before Setup.
func SetFrameReferencer(fn FrameReferencerFn) {
	frameReferencer = fn
}

// kernelPML4 holds the 512 entries shared, by pointer identity, across every
// address space. It is populated once by Setup and never mutated afterward
// except to add new kernel mappings (which are then visible everywhere
// without any extra synchronization).
var kernelPML4 [512]pageTableEntry

var errAlreadySetup = &kernel.Error{Module: "vmm", Message: "kernel half already preallocated"}

// setupDone guards against calling Setup twice.
var setupDone bool

// activePDTFn resolves the physical address of the page table CR3 points
// at. Tests override it to hand back a fake boot table.
var activePDTFn = cpu.ActivePDT

// Setup wraps the PML4 the bootloader left in CR3 as the kernel's initial
// TableRoot, pins its backing frame with an extra reference so it can never
// return to the free pool, and preallocates every kernel-space PML4 slot
// (indices kernelPML4Start..511) that the bootloader did not already
// populate, each pointing at a freshly zeroed table. The bootloader's own
// entries (the direct map, the kernel image) are kept as-is.
//
// After this call, creating a new TableRoot is "allocate one frame, copy
// 512 entries": the kernel half never needs its own allocation again, and
// any kernel mapping made later through any root is visible in all of them.
// NXE and CR0.WP are already enabled by the bootloader.
func Setup() (*TableRoot, *kernel.Error) {
	if setupDone {
		return nil, errAlreadySetup
	}

	root := &TableRoot{frame: pmm.FrameFromAddress(activePDTFn())}
	frameReferencer(root.frame)

	entries := root.entries()
	for i := kernelPML4Start; i < 512; i++ {
		if !entries[i].HasFlags(FlagPresent) {
			frame, err := frameAllocator(pmm.Kernel | pmm.Zeroed)
			if err != nil {
				return nil, err
			}
			var entry pageTableEntry
			entry.SetFrame(frame)
			entry.SetFlags(FlagPresent | FlagWritable)
			entries[i] = entry
		}
		kernelPML4[i] = entries[i]
	}

	setupDone = true
	return root, nil
}

// TableRoot owns one physical frame holding a PML4. Every address space
// (including the boot address space) is represented by one TableRoot.
type TableRoot struct {
	lock  sync.IRQSpinlock
	frame pmm.Frame
}

// New allocates a fresh TableRoot. The kernel half is populated from the
// shared kernelPML4 table (Setup must have already run); the user half
// starts entirely empty.
func New() (*TableRoot, *kernel.Error) {
	frame, err := frameAllocator(pmm.Kernel | pmm.Zeroed)
	if err != nil {
		return nil, err
	}

	root := &TableRoot{frame: frame}
	root.copyKernelHalf()
	return root, nil
}

// Clone allocates a fresh TableRoot that shares the kernel half (by entry
// value, which in turn shares the underlying PDPT frames) and copies the
// caller's user half verbatim. This is the O(1)-relative-to-address-space-
// size operation the kernel-half preallocation exists to enable.
func (r *TableRoot) Clone() (*TableRoot, *kernel.Error) {
	frame, err := frameAllocator(pmm.Kernel | pmm.Zeroed)
	if err != nil {
		return nil, err
	}

	r.lock.Acquire()
	defer r.lock.Release()

	src := r.entries()
	clone := &TableRoot{frame: frame}
	dst := clone.entries()
	copy(dst[:], src[:])

	return clone, nil
}

// Frame returns the physical frame backing this root's PML4, e.g. for
// loading into CR3.
func (r *TableRoot) Frame() pmm.Frame {
	return r.frame
}

// entriesFn resolves a root's backing PML4 frame to its 512 live entries.
// Tests override this to point at a plain Go array instead of a real HHDM
// mapping; the kernel build inlines the default.
var entriesFn = func(frame pmm.Frame) *[512]pageTableEntry {
	return (*[512]pageTableEntry)(unsafe.Pointer(mem.PhysToVirt(frame.Address())))
}

// entries returns the 512 PML4 entries for this root via its HHDM mapping.
func (r *TableRoot) entries() *[512]pageTableEntry {
	return entriesFn(r.frame)
}

// Destroy tears down the address space: every page table and leaf frame
// still reachable through the user half is released (leaf frames by
// reference count, so anything shared with another root survives), then
// the PML4's own frame. The kernel half is left alone since its tables are
// shared by every address space.
func (r *TableRoot) Destroy() {
	r.lock.Acquire()
	entries := r.entries()
	for i := 0; i < kernelPML4Start; i++ {
		if entries[i].HasFlags(FlagPresent) {
			destroyTable(entries[i].Frame(), 1)
		}
		entries[i] = 0
	}
	r.lock.Release()

	frameReleaser(r.frame)
}

// destroyTable releases every frame reachable under one page table at the
// given level (1 = PDPT .. 3 = PT), then the table's own frame.
func destroyTable(frame pmm.Frame, level uint8) {
	table := entriesFn(frame)
	for i := range table {
		pte := &table[i]
		if !pte.HasFlags(FlagPresent) {
			continue
		}
		if level < pageLevels-1 {
			destroyTable(pte.Frame(), level+1)
		} else {
			frameReleaser(pte.Frame())
		}
	}
	frameReleaser(frame)
}

// copyKernelHalf installs the shared kernel-space PML4 entries into a
// freshly allocated root.
func (r *TableRoot) copyKernelHalf() {
	dst := r.entries()
	for i := kernelPML4Start; i < 512; i++ {
		dst[i] = kernelPML4[i]
	}
}
