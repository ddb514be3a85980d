package vmalloc

import (
	"silicium/kernel"
	"silicium/kernel/mem/pmm"
)

// FrameAllocatorFn allocates a single physical frame.
type FrameAllocatorFn func(flags pmm.Flag) (pmm.Frame, *kernel.Error)

// FrameReleaserFn returns a physical frame to the allocator it came from.
type FrameReleaserFn func(frame pmm.Frame)

var (
	frameAllocator FrameAllocatorFn
	frameReleaser  FrameReleaserFn
)

// SetFrameAllocator wires the package to the physical frame allocator used
// when eagerly mapping Atomic ranges and resolving demand-paging faults.
func SetFrameAllocator(fn FrameAllocatorFn) {
	frameAllocator = fn
}

// SetFrameReleaser wires the package to the physical frame deallocator used
// when a Map-flagged range is freed.
func SetFrameReleaser(fn FrameReleaserFn) {
	frameReleaser = fn
}
