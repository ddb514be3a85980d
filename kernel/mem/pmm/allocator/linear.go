package allocator

import (
	"silicium/kernel"
	"silicium/kernel/mem"
	"silicium/kernel/mem/pmm"
)

var errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

// Linear is the reference frame.Allocator: a linear scan over the frame
// state array. It is correct but not fast; a free-list or buddy allocator
// would replace it without changing the contract below.
type Linear struct {
	state *pmm.State
}

// NewLinear returns a Linear allocator operating against the given frame
// state.
func NewLinear(state *pmm.State) *Linear {
	return &Linear{state: state}
}

// Allocate reserves a single Free frame satisfying the placement flags in
// flags (Bios/Isa/X86 restrict the search to frames below the corresponding
// physical boundary), marks it allocated, optionally tags it Kernel and
// optionally zeroes its backing bytes. It returns pmm.InvalidFrame if no
// frame satisfies the request.
func (a *Linear) Allocate(flags pmm.Flag) (pmm.Frame, *kernel.Error) {
	a.state.Lock()
	defer a.state.Unlock()

	for i := range a.state.Frames() {
		info := &a.state.Frames()[i]
		if !info.HasFlags(pmm.Free) {
			continue
		}
		if !placementSatisfied(info, flags) {
			continue
		}

		a.commitAllocation(info, flags)
		return info.Frame, nil
	}

	return pmm.InvalidFrame, errOutOfMemory
}

// AllocateRange finds count contiguous Free frames and allocates all of
// them. Intended only for early initialization; a linear scan is
// acceptable.
func (a *Linear) AllocateRange(count uint64, flags pmm.Flag) (pmm.Range, *kernel.Error) {
	a.state.Lock()
	defer a.state.Unlock()

	frames := a.state.Frames()
	n := uint64(len(frames))
	for i := uint64(0); i+count <= n; i++ {
		allFree := true
		for j := uint64(0); j < count; j++ {
			info := &frames[i+j]
			if !info.HasFlags(pmm.Free) || !placementSatisfied(info, flags) {
				allFree = false
				break
			}
		}
		if !allFree {
			continue
		}

		for j := uint64(0); j < count; j++ {
			a.commitAllocation(&frames[i+j], flags)
		}
		return pmm.Range{Start: pmm.Frame(i), End: pmm.Frame(i + count)}, nil
	}

	return pmm.Range{}, errOutOfMemory
}

// Reference increments a frame's reference count. It panics if the frame was
// not already allocated: referencing an unallocated frame is a programmer
// error.
func (a *Linear) Reference(f pmm.Frame) {
	a.state.Lock()
	defer a.state.Unlock()

	info := a.state.FrameInfo(f)
	if info == nil || info.Count == 0 {
		panic("pmm: referencing a frame that is not allocated")
	}
	info.Count++
}

// Deallocate decrements a frame's reference count; once it reaches zero the
// frame returns to the Free pool. It panics on double-free (count already
// zero).
func (a *Linear) Deallocate(f pmm.Frame) {
	a.state.Lock()
	defer a.state.Unlock()

	info := a.state.FrameInfo(f)
	if info == nil || info.Count == 0 {
		panic("pmm: physical frame deallocated too many times")
	}

	info.Count--
	if info.Count == 0 {
		wasKernel := info.HasFlags(pmm.Kernel)
		info.Flags = (info.Flags &^ pmm.Kernel) | pmm.Free
		a.state.RecordDeallocation(wasKernel)
	}
}

// DeallocateRange calls Deallocate for every frame in the range.
func (a *Linear) DeallocateRange(r pmm.Range) {
	for f := r.Start; f < r.End; f++ {
		a.Deallocate(f)
	}
}

// Statistics returns a snapshot of the frame accounting totals.
func (a *Linear) Statistics() pmm.Stats {
	return a.state.Statistics()
}

// commitAllocation performs the per-frame bookkeeping shared by Allocate and
// AllocateRange. Caller must hold the state lock.
func (a *Linear) commitAllocation(info *pmm.Info, flags pmm.Flag) {
	isKernel := flags&pmm.Kernel != 0
	if isKernel {
		info.Flags |= pmm.Kernel
	}
	if flags&pmm.Zeroed != 0 {
		zeroFn(info.Frame)
		info.Flags |= pmm.Zeroed
	}
	info.Flags &^= pmm.Free
	info.Count++
	a.state.RecordAllocation(isKernel)
}

// placementSatisfied reports whether a candidate frame honors the placement
// restrictions requested in flags.
func placementSatisfied(info *pmm.Info, flags pmm.Flag) bool {
	if flags&pmm.Bios != 0 && !info.HasFlags(pmm.Bios) {
		return false
	}
	if flags&pmm.Isa != 0 && !info.HasFlags(pmm.Isa) {
		return false
	}
	if flags&pmm.X86 != 0 && !info.HasFlags(pmm.X86) {
		return false
	}
	return true
}

// zeroFn indirects zero so tests can observe zeroing requests without
// dereferencing a real HHDM mapping.
var zeroFn = zero

// zero clears the 4 KiB backing a frame through its HHDM mapping.
func zero(f pmm.Frame) {
	ptr := (*[mem.PageSize]byte)(unsafePointerFromAddr(mem.PhysToVirt(f.Address())))
	for i := range ptr {
		ptr[i] = 0
	}
}
