// Package allocator implements the physical frame allocators: Bootstrap,
// which reserves whole frame runs during the window before the frame.Info
// array exists, and Linear, the reference frame allocator used once it does.
package allocator

import (
	"silicium/kernel"
	"silicium/kernel/boot"
	"silicium/kernel/kfmt/early"
	"silicium/kernel/mem"
	"silicium/kernel/mem/pmm"
)

// maxBootstrapReservations bounds how many runs Bootstrap can track. Early
// boot makes only a handful of reservations, and a fixed table keeps this
// allocator off the kernel heap, which does not exist yet when it runs.
const maxBootstrapReservations = 8

var (
	errBootstrapOutOfMemory = &kernel.Error{Module: "bootstrap", Message: "no usable region can hold the requested frame run"}
	errBootstrapTableFull   = &kernel.Error{Module: "bootstrap", Message: "bootstrap reservation table full"}
	errBootstrapZeroRun     = &kernel.Error{Module: "bootstrap", Message: "zero-length frame run requested"}
)

// Bootstrap reserves physical memory before pmm.Setup has built the
// frame.Info array: the array's own backing store has to come from
// somewhere nothing tracks yet. Reservations are whole contiguous frame
// runs carved out of the bootloader's usable regions, excluding the kernel
// image and every run already handed out. Nothing can be freed; ownership
// of each run transfers to the frame state, which marks it Kernel with one
// reference during its own setup.
type Bootstrap struct {
	// kernelImage is the page-rounded physical extent of the kernel
	// binary, which every usable region may silently contain.
	kernelImage pmm.Range

	reserved      [maxBootstrapReservations]pmm.Range
	reservedCount int
}

// Init records the physical extent of the kernel image, rounded outward to
// whole frames, so no reservation ever overlaps it.
func (alloc *Bootstrap) Init(kernelStart, kernelEnd uintptr) {
	alloc.kernelImage = pmm.Range{
		Start: pmm.FrameFromAddress(kernelStart),
		End:   pmm.FrameFromAddress(kernelEnd + uintptr(mem.PageSize) - 1),
	}
}

// ReserveContiguous finds the lowest run of count contiguous frames that
// lies inside a single usable region, below the placement bound flags
// selects (Bios/Isa/X86, the same contract Linear.Allocate honors), and
// outside both the kernel image and every earlier reservation. The run is
// recorded and returned.
func (alloc *Bootstrap) ReserveContiguous(count uint64, flags pmm.Flag) (pmm.Range, *kernel.Error) {
	if count == 0 {
		return pmm.Range{}, errBootstrapZeroRun
	}
	if alloc.reservedCount == maxBootstrapReservations {
		return pmm.Range{}, errBootstrapTableFull
	}

	var (
		found bool
		run   pmm.Range
	)
	pageSize := uint64(mem.PageSize)
	bound := pmm.PlacementBound(flags)

	boot.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		if region.Type != boot.MemUsable {
			return true
		}

		// Regions may be arbitrarily aligned; only the whole frames
		// inside one are candidates.
		regionStart := (region.PhysAddress + pageSize - 1) / pageSize
		regionEnd := (region.PhysAddress + region.Length) / pageSize
		if bound != 0 && regionEnd > bound/pageSize {
			regionEnd = bound / pageSize
		}

		candidate := pmm.Range{Start: pmm.Frame(regionStart), End: pmm.Frame(regionStart) + pmm.Frame(count)}
		for uint64(candidate.End) <= regionEnd {
			blocker, blocked := alloc.firstOverlap(candidate)
			if !blocked {
				run = candidate
				found = true
				return false
			}
			// Restart the candidate just past whatever is in the
			// way; anything between the region start and the
			// blocker is too small or it would have matched.
			candidate = pmm.Range{Start: blocker.End, End: blocker.End + pmm.Frame(count)}
		}
		return true
	})

	if !found {
		return pmm.Range{}, errBootstrapOutOfMemory
	}

	alloc.reserved[alloc.reservedCount] = run
	alloc.reservedCount++
	return run, nil
}

// firstOverlap returns the kernel image or prior reservation intersecting
// candidate, if any.
func (alloc *Bootstrap) firstOverlap(candidate pmm.Range) (pmm.Range, bool) {
	if rangesOverlap(candidate, alloc.kernelImage) {
		return alloc.kernelImage, true
	}
	for _, r := range alloc.reserved[:alloc.reservedCount] {
		if rangesOverlap(candidate, r) {
			return r, true
		}
	}
	return pmm.Range{}, false
}

// rangesOverlap reports whether two half-open frame ranges intersect. An
// empty range overlaps nothing.
func rangesOverlap(a, b pmm.Range) bool {
	return a.Start < b.End && b.Start < a.End
}

// PrintMemoryMap logs the bootloader's physical memory map and the extents
// this allocator will refuse to hand out.
func (alloc *Bootstrap) PrintMemoryMap() {
	var usable mem.Size
	early.Printf("[bootstrap] physical memory map:\n")
	boot.VisitMemRegions(func(region *boot.MemoryMapEntry) bool {
		early.Printf("\t0x%10x - 0x%10x  %s (%d frames)\n",
			region.PhysAddress,
			region.PhysAddress+region.Length,
			region.Type.String(),
			region.Length/uint64(mem.PageSize),
		)
		if region.Type == boot.MemUsable {
			usable += mem.Size(region.Length)
		}
		return true
	})
	early.Printf("[bootstrap] %dKb usable, kernel image occupies frames %d - %d\n",
		uint64(usable/mem.Kb),
		uint64(alloc.kernelImage.Start),
		uint64(alloc.kernelImage.End),
	)
}
