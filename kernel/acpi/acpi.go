// Package acpi is a deliberately minimal stand-in for ACPI/MADT table
// parsing. It does not walk the RSDP/RSDT/XSDT/MADT chain or evaluate any
// AML: the processor and LAPIC topology this kernel needs is already
// handed over by the Limine-shaped boot protocol's SMP response, so this
// package simply reshapes that into the lookup the rest of the kernel
// expects ACPI to provide. A real table walk is future work.
package acpi

import "silicium/kernel/boot"

// Info is the subset of the machine's ACPI-described topology this kernel
// consults: the LAPIC's physical MMIO base and the local APIC ID of every
// processor the bootloader found.
type Info struct {
	LapicBase uintptr
	CPUs      []uint32
}

// defaultLapicBase is the physical address the local APIC is mapped at on
// every x86_64 machine this kernel targets unless relocated by firmware, a
// relocation this package does not detect since doing so would require the
// MADT walk this package exists to avoid.
const defaultLapicBase = 0xFEE00000

// Probe builds an Info from the bootloader's SMP response. It must run
// after boot.Init.
func Probe() Info {
	cpus := boot.CPUs()
	ids := make([]uint32, len(cpus))
	for i, c := range cpus {
		ids[i] = c.LapicID
	}
	return Info{LapicBase: defaultLapicBase, CPUs: ids}
}
