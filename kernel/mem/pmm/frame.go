// Package pmm owns the array of per-frame records that track every physical
// page in the system: its placement constraints, its allocation state and its
// reference count.
package pmm

import (
	"math"
	"silicium/kernel/mem"
)

// Frame describes a physical memory page index. Arithmetic on a Frame is by
// whole 4 KiB pages.
type Frame uintptr

// InvalidFrame is returned by allocators when they fail to reserve the
// requested frame.
const InvalidFrame = Frame(math.MaxUint64)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns the Frame that covers the given physical address.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame(physAddr >> mem.PageShift)
}

// Flag describes the placement and lifecycle state of a physical frame. A
// frame is in exactly one of Poisoned/Reserved/Free/allocated at any time;
// Zeroed/Dirty/Bios/Isa/X86/Borrowed/Kernel are orthogonal attributes layered
// on top of that primary state.
type Flag uint16

// nolint
const (
	// Poisoned marks a frame that must never be handed out: no memory-map
	// entry the bootloader reported covers it, or it was explicitly
	// reported as bad memory.
	Poisoned Flag = 1 << iota

	// Reserved marks a frame the bootloader claimed for something the
	// kernel does not manage (firmware, MMIO, framebuffer, ...).
	Reserved

	// Free marks a frame available for allocation.
	Free

	// Zeroed marks a frame whose backing bytes are known to be all zero.
	Zeroed

	// Dirty marks a frame that has been written to since it was last
	// zeroed or allocated.
	Dirty

	// Kernel marks a frame used by kernel data structures (the frame
	// array itself, preallocated page tables, ...).
	Kernel

	// Borrowed marks a frame temporarily lent out without a reference
	// count bump. No allocator in this tree sets it; Stats still counts
	// it.
	Borrowed

	// Bios marks a frame below the 1 MiB BIOS boundary.
	Bios

	// Isa marks a frame below the 16 MiB ISA DMA boundary.
	Isa

	// X86 marks a frame below the 256 MiB boundary some legacy 32-bit
	// devices are restricted to.
	X86
)

const (
	biosBoundary = 1 * mem.Mb
	isaBoundary  = 16 * mem.Mb
	x86Boundary  = 256 * mem.Mb
)

// PlacementBound returns the exclusive upper physical address implied by
// the strictest placement bit set in flags, or 0 when flags carries no
// placement restriction.
func PlacementBound(flags Flag) uint64 {
	switch {
	case flags&Bios != 0:
		return uint64(biosBoundary)
	case flags&Isa != 0:
		return uint64(isaBoundary)
	case flags&X86 != 0:
		return uint64(x86Boundary)
	}
	return 0
}

// placementFlags returns the Bios/Isa/X86 bits that apply to a frame at the
// given physical address. These bits depend only on the address and are set
// once, at frame-state initialization.
func placementFlags(physAddr uint64) Flag {
	var f Flag
	if physAddr < uint64(biosBoundary) {
		f |= Bios
	}
	if physAddr < uint64(isaBoundary) {
		f |= Isa
	}
	if physAddr < uint64(x86Boundary) {
		f |= X86
	}
	return f
}

// Info is the per-frame bookkeeping record. One Info exists for every frame
// up to the highest address reported by the boot memory map.
type Info struct {
	Flags Flag
	Frame Frame
	Count uint64
}

// HasFlags returns true if every bit in flags is set.
func (i *Info) HasFlags(flags Flag) bool {
	return i.Flags&flags == flags
}
