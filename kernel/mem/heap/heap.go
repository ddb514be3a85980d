// Package heap manages the kernel heap: a best-fit free-list allocator over
// a fixed virtual range, demand-paged on first touch. It registers itself as
// a vmm.RangeResolver so a fault anywhere inside the range is satisfied
// without the fault handler needing to know the heap exists.
//
// Go's own runtime is the heap's only caller (kernel/goruntime hooks
// runtime.sysReserve/sysMap/sysAlloc into Reserve), so there is no
// separate "alloc-error handler" to write: sysAlloc returning a nil pointer
// is exactly what makes the runtime itself panic with out of memory.
package heap

import (
	"silicium/kernel"
	"silicium/kernel/mem/vmm"
	"silicium/kernel/sync"
)

// pageSize is fixed at 4 KiB; every reservation is rounded up to a whole
// number of pages, matching the granularity pages are faulted in at.
const pageSize = uintptr(4096)

// ErrOutOfMemory is returned when no free block is large enough to satisfy
// a reservation.
var ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "no free block large enough"}

// block is one free or in-use span of the heap's virtual range.
type block struct {
	start uintptr
	size  uintptr
}

func (b block) end() uintptr { return b.start + b.size }

// State is one heap instance: a fixed [base, end) virtual range and its
// current best-fit free list. A kernel normally has exactly one, spanning
// vmm.HeapBase..vmm.HeapEnd, but the type takes no global dependency so
// tests can exercise a standalone instance.
type State struct {
	lock sync.IRQSpinlock

	base, end uintptr

	// free holds disjoint, address-sorted, coalesced free blocks.
	free []block

	// used indexes in-use blocks by start address, the key Release is
	// called with.
	used map[uintptr]block
}

// allocZeroedLeafFn indirects through vmm so tests can substitute a fake
// instead of walking real page tables.
var allocZeroedLeafFn = vmm.AllocZeroedLeaf

// NewState creates a heap covering exactly [base, end).
func NewState(base, end uintptr) *State {
	return &State{
		base: base,
		end:  end,
		free: []block{{start: base, size: end - base}},
		used: map[uintptr]block{},
	}
}

// Reserve finds the smallest free block that fits size (rounded up to a
// page) and marks it in-use, returning its start address. No frame is
// mapped: the range is registered for demand paging, and the first touch
// inside it faults through Resolve. Reserve returns ErrOutOfMemory if no
// block is large enough.
func (s *State) Reserve(size uintptr) (uintptr, *kernel.Error) {
	aligned := (size + pageSize - 1) &^ (pageSize - 1)

	s.lock.Acquire()
	defer s.lock.Release()

	idx, ok := s.findBestFit(aligned)
	if !ok {
		return 0, ErrOutOfMemory
	}

	b := s.free[idx]
	if b.size == aligned {
		s.free = append(s.free[:idx], s.free[idx+1:]...)
	} else {
		s.free[idx] = block{start: b.start + aligned, size: b.size - aligned}
	}

	s.used[b.start] = block{start: b.start, size: aligned}
	return b.start, nil
}

// findBestFit returns the index in s.free of the smallest block that still
// fits size, or false if none does. Caller must hold s.lock.
func (s *State) findBestFit(size uintptr) (int, bool) {
	best := -1
	for i, b := range s.free {
		if b.size < size {
			continue
		}
		if best == -1 || b.size < s.free[best].size {
			best = i
		}
	}
	return best, best != -1
}

// Release returns a block previously handed out by Reserve to the free
// list, coalescing it with any adjacent free neighbor. Frames already
// faulted in underneath the block stay mapped and are not released.
func (s *State) Release(addr uintptr) *kernel.Error {
	s.lock.Acquire()
	b, ok := s.used[addr]
	if !ok {
		s.lock.Release()
		return &kernel.Error{Module: "heap", Message: "address is not a live reservation"}
	}
	delete(s.used, addr)
	s.insertFree(b)
	s.lock.Release()
	return nil
}

// insertFree adds b to the free list in address order, merging it with an
// adjacent predecessor and/or successor. Caller must hold s.lock.
func (s *State) insertFree(b block) {
	idx := 0
	for idx < len(s.free) && s.free[idx].start < b.start {
		idx++
	}

	s.free = append(s.free, block{})
	copy(s.free[idx+1:], s.free[idx:])
	s.free[idx] = b

	if idx+1 < len(s.free) && s.free[idx].end() == s.free[idx+1].start {
		s.free[idx].size += s.free[idx+1].size
		s.free = append(s.free[:idx+1], s.free[idx+2:]...)
	}
	if idx > 0 && s.free[idx-1].end() == s.free[idx].start {
		s.free[idx-1].size += s.free[idx].size
		s.free = append(s.free[:idx], s.free[idx+1:]...)
	}
}

// Contains implements vmm.RangeResolver.
func (s *State) Contains(vaddr uintptr) bool {
	return vaddr >= s.base && vaddr < s.end
}

// Resolve implements vmm.RangeResolver: every fault inside the heap's range
// is satisfied with a freshly zeroed frame. Out-of-range reservation
// bookkeeping plays no part here; a fault at an address the caller never
// reserved is a caller bug, not something this layer can detect cheaply, so
// it is mapped like any other first touch.
func (s *State) Resolve(root *vmm.TableRoot, vaddr uintptr, _ vmm.FaultErrorCode) *vmm.PageFaultReason {
	return allocZeroedLeafFn(root, vaddr, true, vmm.FlagPresent|vmm.FlagWritable|vmm.FlagNoExecute)
}

// global is the kernel's single heap instance, wired by Init during boot and
// consumed by kernel/goruntime on every subsequent Go runtime allocation.
var global *State

// Init creates the kernel heap over [base, end), registers it as a
// vmm.RangeResolver and records it as the instance Reserve/Release operate
// on.
func Init(base, end uintptr) *State {
	global = NewState(base, end)
	vmm.RegisterResolver(global)
	return global
}

// errNotInitialized covers calls made before Init has wired the kernel's
// heap instance. kernel/goruntime's keep-alive init runs exactly such a
// call, so this has to be a clean failure rather than a crash.
var errNotInitialized = &kernel.Error{Module: "heap", Message: "kernel heap not initialized"}

// Reserve reserves size bytes from the kernel heap.
func Reserve(size uintptr) (uintptr, *kernel.Error) {
	if global == nil {
		return 0, errNotInitialized
	}
	return global.Reserve(size)
}

// Release returns a reservation made through Reserve.
func Release(addr uintptr) *kernel.Error {
	if global == nil {
		return errNotInitialized
	}
	return global.Release(addr)
}
