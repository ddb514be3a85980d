package vmm

import "silicium/kernel"

// Translate returns the physical address that corresponds to vaddr within
// root, or ErrInvalidMapping if vaddr is not mapped.
func Translate(root *TableRoot, vaddr uintptr) (uintptr, *kernel.Error) {
	root.lock.Acquire()
	defer root.lock.Release()

	pte, err := pteForAddress(root, vaddr)
	if err != nil {
		return 0, err
	}

	return pte.Frame().Address() + PageOffset(vaddr), nil
}

// PageOffset returns the offset of vaddr within its containing page.
func PageOffset(vaddr uintptr) uintptr {
	return vaddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}
