package vmm

import (
	"silicium/kernel/mem"
	"unsafe"
)

// tableVirtFn resolves a page table's physical address to the virtual
// address walk() should dereference. Tests override this (to hand back the
// plain Go memory registered for each fake table's physical address) so
// that walk() can be exercised without a real HHDM mapping; the kernel
// build inlines the HHDM-based default.
var tableVirtFn = mem.PhysToVirt

// ptePtrFn resolves the virtual address of a page table entry given its
// table's virtual address and index.
var ptePtrFn = func(tableVirtAddr uintptr, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(tableVirtAddr + index<<mem.PointerShift))
}

// pageTableWalker is invoked once per paging level while walking a virtual
// address. Returning false aborts the walk; the entry pointer passed for the
// aborting level is still valid.
type pageTableWalker func(level uint8, pte *pageTableEntry) bool

// walk descends a TableRoot's page tables for vaddr, calling walkFn at each
// level (0 = PML4 .. pageLevels-1 = PT). It does not allocate; callers that
// need to create missing intermediate tables do so from within walkFn.
func walk(root *TableRoot, vaddr uintptr, walkFn pageTableWalker) {
	tableVirt := tableVirtFn(root.Frame().Address())

	for level := uint8(0); level < pageLevels; level++ {
		index := (vaddr >> pageLevelShifts[level]) & ((1 << pageLevelBits) - 1)
		pte := ptePtrFn(tableVirt, index)

		if !walkFn(level, pte) {
			return
		}

		if level == pageLevels-1 {
			return
		}

		tableVirt = tableVirtFn(pte.Frame().Address())
	}
}
