package pmm

import (
	"silicium/kernel"
	"silicium/kernel/boot"
	"silicium/kernel/mem"
	"silicium/kernel/sync"
	"unsafe"
)

// Stats is a point-in-time snapshot of frame accounting totals. For any
// quiescent state, Allocated+Reserved+Kernel+Borrowed+Free+Poisoned == Total.
type Stats struct {
	Total     uint64
	Usable    uint64
	Free      uint64
	Allocated uint64
	Reserved  uint64
	Kernel    uint64
	Borrowed  uint64
	Poisoned  uint64
}

// Range is a half-open range of frames [Start, End).
type Range struct {
	Start, End Frame
}

// Len returns the number of frames covered by the range.
func (r Range) Len() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return uint64(r.End - r.Start)
}

// State owns the array of per-frame records for every frame up to the
// highest address reported by the boot memory map, plus the lock that
// guards it. It is the innermost lock in the kernel's fixed acquisition
// order: callers that also hold a page-table root or scheduler lock must
// acquire this one last.
type State struct {
	lock   sync.IRQSpinlock
	frames []Info
	stats  Stats
}

var (
	errBackingTooSmall = &kernel.Error{Module: "pmm", Message: "backing frame run too small for the frame.Info array"}
)

// backingSliceFn resolves the reserved backing frames to the virtual memory
// the frame.Info array lives in. Tests override it to hand back plain Go
// memory instead of an HHDM mapping.
var backingSliceFn = func(backingStart Frame, numFrames uint64) []Info {
	backingPtr := (*Info)(unsafe.Pointer(mem.PhysToVirt(backingStart.Address())))
	return unsafe.Slice(backingPtr, numFrames)
}

// Setup builds the frame state array inside the physical frames
// [backingStart, backingStart+backingCount), which the caller must have
// already reserved via allocator.Bootstrap, and then walks the boot memory
// map to classify every frame:
//
//	Usable                    -> Free
//	Kernel / BootloaderReclaim -> Kernel, count=1
//	BadMemory                 -> left Poisoned
//	anything else             -> Reserved
//
// Frames outside every memory-map entry (including the backing store itself
// and anything past the highest reported address) remain or become
// Poisoned/Kernel as appropriate; see the loop below.
func Setup(backingStart Frame, backingCount uint64) (*State, *kernel.Error) {
	var highest uint64
	boot.VisitMemRegions(func(e *boot.MemoryMapEntry) bool {
		if top := e.PhysAddress + e.Length; top > highest {
			highest = top
		}
		return true
	})

	numFrames := uint64(highest) >> mem.PageShift
	infoSize := uint64(unsafe.Sizeof(Info{}))
	neededBytes := numFrames * infoSize
	neededFrames := (neededBytes + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
	if backingCount < neededFrames {
		return nil, errBackingTooSmall
	}

	frames := backingSliceFn(backingStart, numFrames)

	st := &State{frames: frames}
	st.stats.Total = numFrames

	for i := range frames {
		addr := uint64(i) << mem.PageShift
		frames[i] = Info{Frame: Frame(i), Flags: Poisoned | placementFlags(addr)}
	}
	st.stats.Poisoned = numFrames

	boot.VisitMemRegions(func(e *boot.MemoryMapEntry) bool {
		startFrame := e.PhysAddress >> mem.PageShift
		endFrame := (e.PhysAddress + e.Length) >> mem.PageShift
		for f := startFrame; f < endFrame && f < numFrames; f++ {
			info := &frames[f]
			st.stats.Poisoned--
			switch e.Type {
			case boot.MemUsable:
				info.Flags = (info.Flags &^ Poisoned) | Free
				st.stats.Free++
				st.stats.Usable++
			case boot.MemKernelAndModules, boot.MemBootloaderReclaimable:
				info.Flags = (info.Flags &^ Poisoned) | Kernel
				info.Count = 1
				st.stats.Kernel++
			case boot.MemBadMemory:
				st.stats.Poisoned++
				continue
			default:
				info.Flags = (info.Flags &^ Poisoned) | Reserved
				st.stats.Reserved++
			}
		}
		return true
	})

	// The frames backing this very array are kernel memory, referenced
	// once, regardless of what the memory map says about that range.
	for f := uint64(backingStart); f < uint64(backingStart)+backingCount; f++ {
		info := &frames[f]
		switch {
		case info.HasFlags(Free):
			st.stats.Free--
		case info.HasFlags(Reserved):
			st.stats.Reserved--
		case info.HasFlags(Poisoned):
			st.stats.Poisoned--
		case info.HasFlags(Kernel):
			st.stats.Kernel--
		}
		info.Flags = (info.Flags &^ (Poisoned | Reserved | Free)) | Kernel
		info.Count = 1
		st.stats.Kernel++
	}

	return st, nil
}

// NewState builds a State directly over an existing frame.Info slice,
// deriving the accounting totals from the flags and counts already present.
// The boot path goes through Setup, which also classifies the memory map;
// this entry point serves callers that already own a classified array (and
// allocator exercises against a synthetic frame set).
func NewState(frames []Info) *State {
	st := &State{frames: frames}
	st.stats.Total = uint64(len(frames))
	for i := range frames {
		info := &frames[i]
		switch {
		case info.HasFlags(Free):
			st.stats.Free++
			st.stats.Usable++
		case info.HasFlags(Kernel):
			st.stats.Kernel++
		case info.HasFlags(Reserved):
			st.stats.Reserved++
		case info.HasFlags(Borrowed):
			st.stats.Borrowed++
		case info.HasFlags(Poisoned):
			st.stats.Poisoned++
		case info.Count > 0:
			st.stats.Allocated++
		}
	}
	return st
}

// Lock acquires the frame-state spinlock. Acquire this innermost relative to
// any page-table root or scheduler lock already held.
func (s *State) Lock() { s.lock.Acquire() }

// Unlock releases the frame-state spinlock.
func (s *State) Unlock() { s.lock.Release() }

// Frames returns the backing slice of per-frame records. Callers must hold
// the State lock while mutating entries.
func (s *State) Frames() []Info {
	return s.frames
}

// FrameInfo returns the record for a single frame, or nil if out of range.
func (s *State) FrameInfo(f Frame) *Info {
	if uint64(f) >= uint64(len(s.frames)) {
		return nil
	}
	return &s.frames[f]
}

// Statistics returns a snapshot of the current frame accounting totals.
func (s *State) Statistics() Stats {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.stats
}

// RecordAllocation is invoked by allocator implementations (under the State
// lock) to keep the Stats snapshot in sync with a Free->allocated frame
// transition. The categories stay disjoint: a kernel-flagged frame counts
// under Kernel, everything else under Allocated, so the totals always sum
// back to Total.
func (s *State) RecordAllocation(kernelFlag bool) {
	s.stats.Free--
	if kernelFlag {
		s.stats.Kernel++
	} else {
		s.stats.Allocated++
	}
}

// RecordDeallocation is the inverse of RecordAllocation, invoked when a
// frame's count reaches zero and it returns to the Free pool.
func (s *State) RecordDeallocation(kernelFlag bool) {
	if kernelFlag {
		s.stats.Kernel--
	} else {
		s.stats.Allocated--
	}
	s.stats.Free++
}
