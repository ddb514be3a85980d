// +build amd64

package vmm

import "silicium/kernel/mem"

// The x86_64 page-table hierarchy has four levels (PML4, PDPT, PD, PT), each
// with 512 entries indexed by 9 bits of the virtual address.
const pageLevels = 4

// pageLevelShifts holds, for each level, the bit offset of that level's
// 9-bit index field within a virtual address.
var pageLevelShifts = [pageLevels]uint8{39, 30, 21, 12}

// pageLevelBits is the width, in bits, of each level's index field.
const pageLevelBits = 9

// kernelPML4Start is the first PML4 index whose 512 GiB slice belongs to
// kernel space. Virtual addresses at or above HHDM_BASE (0xFFFF_8000_…) all
// fall at or above this index (pml4Index(0xFFFF_8000_0000_0000) is 256); it
// is a constant since it never varies on amd64 with a canonical 48-bit
// address space.
const kernelPML4Start = 256

const (
	// HeapBase is the first byte of the kernel heap's fixed virtual range.
	HeapBase = uintptr(0xFFFF_9000_0000_0000)

	// HeapEnd is one past the last byte of the kernel heap's virtual
	// range (1 GiB reserved).
	HeapEnd = HeapBase + uintptr(1*mem.Gb)

	// VmallocBase is the first byte of the vmalloc region.
	VmallocBase = uintptr(0xFFFF_A000_0000_0000)

	// VmallocEnd is one past the last byte of the vmalloc region (1 GiB
	// reserved).
	VmallocEnd = VmallocBase + uintptr(1*mem.Gb)
)

// pml4Index returns the PML4 slot that covers a virtual address.
func pml4Index(vaddr uintptr) uintptr {
	return (vaddr >> pageLevelShifts[0]) & ((1 << pageLevelBits) - 1)
}

// inKernelHalf reports whether vaddr falls inside the shared, preallocated
// kernel half of every address space.
func inKernelHalf(vaddr uintptr) bool {
	return pml4Index(vaddr) >= kernelPML4Start
}
