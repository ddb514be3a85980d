package vmm

import (
	"silicium/kernel"
	"silicium/kernel/mem/pmm"
)

// nolint
var (
	errOutOfMemory   = &kernel.Error{Module: "vmm", Message: "out of memory"}
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}
	ErrNotAligned    = &kernel.Error{Module: "vmm", Message: "address is not page-aligned"}
)

// Map installs a mapping from vaddr to frame in root, walking PML4..PT and
// allocating+zeroing any missing intermediate tables along the way.
// Intermediate entries are always marked Present|Writable; whether the
// mapping is actually writable is governed entirely by flags on the leaf
// entry. If frame is pmm.InvalidFrame, a fresh zeroed Kernel frame is
// allocated and used in its place.
//
// Map does not flush the TLB: demand-fault handling relies on lazily
// invalidating not-present entries, and a subsequent fault reloads the TLB
// (see HandlePageFault).
func Map(root *TableRoot, vaddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	root.lock.Acquire()
	defer root.lock.Release()

	if vaddr%uintptr(1<<pageLevelShifts[pageLevels-1]) != 0 {
		return ErrNotAligned
	}

	if !frame.Valid() {
		var err *kernel.Error
		frame, err = frameAllocator(pmm.Kernel | pmm.Zeroed)
		if err != nil {
			return err
		}
	}

	var mapErr *kernel.Error
	walk(root, vaddr, func(level uint8, pte *pageTableEntry) bool {
		if level == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				mapErr = ErrAlreadyMapped
				return false
			}
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			return true
		}

		if pte.HasFlags(FlagPresent) {
			return true
		}

		newTable, err := frameAllocator(pmm.Kernel | pmm.Zeroed)
		if err != nil {
			mapErr = errOutOfMemory
			return false
		}
		*pte = 0
		pte.SetFrame(newTable)
		pte.SetFlags(FlagPresent | FlagWritable)
		return true
	})

	return mapErr
}

// Unmap clears the leaf mapping for vaddr and issues a TLB shootdown. It
// returns the physical address that was mapped, or ErrInvalidMapping if
// vaddr was not mapped.
func Unmap(root *TableRoot, vaddr uintptr) (uintptr, *kernel.Error) {
	root.lock.Acquire()

	var (
		physAddr uintptr
		unmapErr *kernel.Error = ErrInvalidMapping
	)

	walk(root, vaddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}
		if level == pageLevels-1 {
			physAddr = pte.Frame().Address()
			pte.ClearFlags(FlagPresent)
			unmapErr = nil
			return false
		}
		return true
	})

	root.lock.Release()

	if unmapErr != nil {
		return 0, unmapErr
	}

	shootdown(root, vaddr)
	return physAddr, nil
}

// Protection returns the flags on vaddr's leaf entry.
func Protection(root *TableRoot, vaddr uintptr) (PageTableEntryFlag, *kernel.Error) {
	root.lock.Acquire()
	defer root.lock.Release()

	pte, err := pteForAddress(root, vaddr)
	if err != nil {
		return 0, err
	}
	return PageTableEntryFlag(*pte) &^ PageTableEntryFlag(ptePhysPageMask), nil
}

// ChangeProtection rewrites vaddr's leaf flags, returns the previous value
// and issues a TLB shootdown.
func ChangeProtection(root *TableRoot, vaddr uintptr, flags PageTableEntryFlag) (PageTableEntryFlag, *kernel.Error) {
	root.lock.Acquire()

	var (
		old      PageTableEntryFlag
		protErr  *kernel.Error = ErrInvalidMapping
	)

	walk(root, vaddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}
		if level == pageLevels-1 {
			old = PageTableEntryFlag(*pte) &^ PageTableEntryFlag(ptePhysPageMask)
			frame := pte.Frame()
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			protErr = nil
			return false
		}
		return true
	})

	root.lock.Release()

	if protErr != nil {
		return 0, protErr
	}

	shootdown(root, vaddr)
	return old, nil
}

// pteForAddress walks root down to the final entry for vaddr, returning
// ErrInvalidMapping if any level along the way is not present. Caller must
// hold root's lock for any use beyond a point-in-time read.
func pteForAddress(root *TableRoot, vaddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		entry *pageTableEntry
		err   *kernel.Error = ErrInvalidMapping
	)

	walk(root, vaddr, func(level uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			return false
		}
		entry = pte
		if level == pageLevels-1 {
			err = nil
		}
		return true
	})

	return entry, err
}
