// Package vmalloc manages the kernel's vmalloc region: a pool of virtual
// address ranges handed out independently of physical backing, optionally
// demand-paged on first touch. State implements vmm.RangeResolver; once
// registered (kmain does so with vmm.RegisterResolver), page faults inside
// its range are resolved without the caller having to know which subsystem
// owns the address.
package vmalloc

import (
	"silicium/kernel"
	"silicium/kernel/mem/pmm"
	"silicium/kernel/mem/vmm"
	"silicium/kernel/sync"
)

// Flags controls how an allocated range behaves.
type Flags uint32

// nolint
const (
	// Atomic requests a non-blocking allocation. Combined with Map, the
	// whole range is mapped eagerly before Allocate returns so no later
	// page fault can block; without Map it has no additional effect
	// since finding a free range never blocks.
	Atomic Flags = 1 << iota

	// Map marks the range as backed by demand-paged frames: touching an
	// unmapped page inside it resolves through Resolve instead of
	// faulting unrecoverably.
	Map

	// Zeroed, only meaningful together with Map, zero-fills each frame
	// as it is faulted in.
	Zeroed
)

// ErrOutOfMemory is returned when no free virtual range is large enough to
// satisfy a request.
var ErrOutOfMemory = &kernel.Error{Module: "vmalloc", Message: "no free virtual range large enough"}

// ErrUnknownRange is returned by Deallocate when passed a range that was not
// the exact result of a prior Allocate call.
var ErrUnknownRange = &kernel.Error{Module: "vmalloc", Message: "virtual range is not currently allocated"}

// ErrWouldBlock is returned by Allocate when Atomic|Map eager mapping cannot
// complete without blocking (a frame could not be allocated, or a page
// could not be mapped, partway through the range). Distinct from
// ErrOutOfMemory: this signals that the atomic fast path specifically
// could not be honored, not that the system is out of memory in general.
var ErrWouldBlock = &kernel.Error{Module: "vmalloc", Message: "eager mapping could not complete without blocking"}

// VirtualRange is a half-open [Start, End) span of virtual addresses.
type VirtualRange struct {
	Start uintptr
	End   uintptr
}

// Size returns the number of bytes spanned by the range.
func (r VirtualRange) Size() uintptr {
	return r.End - r.Start
}

// Contains reports whether addr falls within the range.
func (r VirtualRange) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End
}

type virtualArea struct {
	rng   VirtualRange
	flags Flags
}

// pageSize is fixed at 4 KiB; every range this package hands out is rounded
// up to a whole number of pages.
const pageSize = uintptr(4096)

// mapFn, unmapFn and allocZeroedLeafFn indirect through the vmm package so
// tests can substitute fakes instead of walking real page tables.
var (
	mapFn             = vmm.Map
	unmapFn           = vmm.Unmap
	allocZeroedLeafFn = vmm.AllocZeroedLeaf
)

// State tracks the free and in-use virtual ranges of one vmalloc region.
// A kernel normally has exactly one, spanning vmm.VmallocBase..VmallocEnd,
// but the type takes no global dependency so tests can exercise a
// standalone instance.
type State struct {
	lock sync.IRQSpinlock

	// freeBySize buckets free areas by their exact size, mirroring a
	// first-fit-by-size free list: allocation looks for the smallest
	// bucket key >= the requested size.
	freeBySize map[uintptr][]virtualArea

	// usedByStart indexes in-use areas by their start address, which is
	// exactly the key Deallocate is called with.
	usedByStart map[uintptr]virtualArea
}

// NewState creates a vmalloc region covering exactly [base, end).
func NewState(base, end uintptr) *State {
	s := &State{
		freeBySize:  map[uintptr][]virtualArea{},
		usedByStart: map[uintptr]virtualArea{},
	}
	s.insertFree(virtualArea{rng: VirtualRange{Start: base, End: end}})
	return s
}

// Allocate reserves a range of at least size bytes (rounded up to a page)
// and returns it. If flags includes Map, the range is registered for
// demand paging via Resolve; Atomic|Map additionally maps every page
// up front so the caller never takes a page fault inside the range.
func (s *State) Allocate(size uintptr, flags Flags, root *vmm.TableRoot) (VirtualRange, *kernel.Error) {
	aligned := (size + pageSize - 1) &^ (pageSize - 1)

	s.lock.Acquire()
	area, ok := s.findFreeFirstFit(aligned)
	if !ok {
		s.lock.Release()
		return VirtualRange{}, ErrOutOfMemory
	}
	area.flags = flags
	s.usedByStart[area.rng.Start] = area
	s.lock.Release()

	if flags&Map != 0 && flags&Atomic != 0 {
		if err := s.mapEagerly(root, area); err != nil {
			s.lock.Acquire()
			delete(s.usedByStart, area.rng.Start)
			s.insertFree(virtualArea{rng: area.rng})
			s.lock.Release()
			return VirtualRange{}, err
		}
	}

	return area.rng, nil
}

// mapEagerly installs a mapping for every page in area, zeroing frames if
// area.flags includes Zeroed. It unwinds any partial mapping on failure and
// reports ErrWouldBlock: the Atomic contract is "map the whole range up
// front or fail", so any failure partway through means that guarantee
// cannot be honored, regardless of the underlying cause.
func (s *State) mapEagerly(root *vmm.TableRoot, area virtualArea) *kernel.Error {
	allocFlags := pmm.Kernel
	if area.flags&Zeroed != 0 {
		allocFlags |= pmm.Zeroed
	}

	for addr := area.rng.Start; addr < area.rng.End; addr += pageSize {
		frame, err := frameAllocator(allocFlags)
		if err != nil {
			unmapRange(root, area.rng.Start, addr)
			return ErrWouldBlock
		}
		leafFlags := vmm.FlagPresent | vmm.FlagWritable
		if mapErr := mapFn(root, addr, frame, leafFlags); mapErr != nil {
			unmapRange(root, area.rng.Start, addr)
			return ErrWouldBlock
		}
	}
	return nil
}

// unmapRange unmaps every page in [start, end), releasing its frame. Used
// both by Deallocate and to unwind a failed eager mapping.
func unmapRange(root *vmm.TableRoot, start, end uintptr) {
	for addr := start; addr < end; addr += pageSize {
		if phys, err := unmapFn(root, addr); err == nil {
			frameReleaser(pmm.FrameFromAddress(phys))
		}
	}
}

// Deallocate releases a range previously returned by Allocate. rng must be
// the exact range returned (vmalloc never splits or merges on free except
// by growing the free list, which keeps lookups at the granularity the
// region was allocated at).
func (s *State) Deallocate(root *vmm.TableRoot, rng VirtualRange) *kernel.Error {
	s.lock.Acquire()
	area, ok := s.usedByStart[rng.Start]
	if !ok {
		s.lock.Release()
		return ErrUnknownRange
	}
	delete(s.usedByStart, rng.Start)
	s.lock.Release()

	if area.flags&Map != 0 {
		unmapRange(root, area.rng.Start, area.rng.End)
	}

	s.lock.Acquire()
	s.insertFree(virtualArea{rng: area.rng})
	s.lock.Release()
	return nil
}

// Contains implements vmm.RangeResolver.
func (s *State) Contains(vaddr uintptr) bool {
	s.lock.Acquire()
	defer s.lock.Release()

	for _, area := range s.usedByStart {
		if area.rng.Contains(vaddr) {
			return true
		}
	}
	return false
}

// Resolve implements vmm.RangeResolver: it demand-pages a single frame into
// vaddr's containing page if, and only if, vaddr falls in a Map-flagged
// used area.
func (s *State) Resolve(root *vmm.TableRoot, vaddr uintptr, code vmm.FaultErrorCode) *vmm.PageFaultReason {
	s.lock.Acquire()
	var area virtualArea
	found := false
	for _, a := range s.usedByStart {
		if a.rng.Contains(vaddr) {
			area, found = a, true
			break
		}
	}
	s.lock.Release()

	if !found {
		reason := vmm.ReasonMissingPage
		return &reason
	}
	if area.flags&Map == 0 {
		reason := vmm.ReasonNotMappable
		return &reason
	}

	return allocZeroedLeafFn(root, vaddr, area.flags&Zeroed != 0, vmm.FlagPresent|vmm.FlagWritable)
}

// insertFree adds area to the free-by-size index. Caller must hold s.lock.
func (s *State) insertFree(area virtualArea) {
	size := area.rng.Size()
	s.freeBySize[size] = append(s.freeBySize[size], area)
}

// findFreeFirstFit removes and returns a free area of at least size bytes,
// splitting off and re-inserting the remainder if the match is larger than
// requested. Caller must hold s.lock.
func (s *State) findFreeFirstFit(size uintptr) (virtualArea, bool) {
	var bestSize uintptr
	found := false
	for candidate, areas := range s.freeBySize {
		if candidate >= size && len(areas) > 0 && (!found || candidate < bestSize) {
			bestSize = candidate
			found = true
		}
	}
	if !found {
		return virtualArea{}, false
	}

	bucket := s.freeBySize[bestSize]
	area := bucket[len(bucket)-1]
	bucket = bucket[:len(bucket)-1]
	if len(bucket) == 0 {
		delete(s.freeBySize, bestSize)
	} else {
		s.freeBySize[bestSize] = bucket
	}

	if area.rng.Size() > size {
		remainder := virtualArea{rng: VirtualRange{Start: area.rng.Start + size, End: area.rng.End}}
		area.rng.End = area.rng.Start + size
		s.insertFree(remainder)
	}

	return area, true
}
