// Package goruntime bootstraps Go runtime features that assume a hosted OS
// underneath them, chiefly the memory allocator: sysReserve/sysMap/sysAlloc
// back onto the kernel heap instead of mmap.
package goruntime

import (
	"silicium/kernel/mem"
	"silicium/kernel/mem/heap"
	"unsafe"
)

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// sysReserve reserves address space without populating any page, relying on
// the heap's own demand-paging resolver to satisfy the first touch.
//
// This function replaces runtime.sysReserve.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	addr, err := heap.Reserve(size)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}
	*reserved = true
	return unsafe.Pointer(addr)
}

// sysMap marks a previously reserved region as in use. The heap maps lazily
// on first touch through the page-fault handler, so there is nothing to do
// here beyond the runtime's own stat bookkeeping.
//
// This function replaces runtime.sysMap.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}
	mSysStatInc(sysStat, size)
	return virtAddr
}

// sysAlloc reserves a fresh region from the kernel heap. Returning nil on
// failure is deliberate: the runtime itself treats a nil sysAlloc result as
// an out-of-memory condition and panics, so this is the entirety of the
// "alloc-error handler".
//
// This function replaces runtime.sysAlloc.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	aligned := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	addr, err := heap.Reserve(uintptr(aligned))
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}
	mSysStatInc(sysStat, uintptr(aligned))
	return unsafe.Pointer(addr)
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	reserved = true // the failed zero-size reserve above leaves it unset
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
}
