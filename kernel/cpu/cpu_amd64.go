package cpu

import "unsafe"

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled reports whether the current CPU has interrupts enabled
// (RFLAGS.IF), so an IRQ-safe spinlock can restore the prior state on
// release instead of unconditionally re-enabling interrupts.
func InterruptsEnabled() bool

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// LoadGDT loads the GDT register (LGDT) with a descriptor table of the given
// byte limit starting at base, and reloads CS/SS/DS/ES/FS/GS from the
// kernel code/data selectors installed at indices 1 and 2.
func LoadGDT(base uintptr, limit uint16)

// LoadTSS loads the task register (LTR) with the given GDT selector.
func LoadTSS(selector uint16)

// ReadMSR reads the 64-bit value of the model-specific register numbered
// reg (RDMSR).
func ReadMSR(reg uint32) uint64

// WriteMSR writes val into the model-specific register numbered reg
// (WRMSR).
func WriteMSR(reg uint32, val uint64)

// Outb writes a byte to the given I/O port.
func Outb(port uint16, val uint8)

// Inb reads a byte from the given I/O port.
func Inb(port uint16) uint8

// Pause executes the PAUSE instruction, a hint used in busy-wait spin loops
// (waiting for an AP to come online, waiting on a spinlock) that improves
// performance on hyper-threaded cores and avoids a memory-order violation
// penalty on exit from the loop.
func Pause()

// IOWait performs a short, architecturally-conventional I/O port write (port
// 0x80, a POST-code scratch port) used to pace back-to-back accesses to slow
// legacy devices such as the PIC and PIT.
func IOWait() {
	Outb(0x80, 0)
}

// Switch performs a kernel context switch: it saves the machine state needed
// to resume the current thread into *from, then restores *to and resumes
// execution there. Both pointers are opaque to this package (their layout is
// owned by proc.CPUState, which must stay bit-compatible with the assembly
// implementation); cpu only provides the primitive that does the actual
// stack/register swap and return.
func Switch(from, to unsafe.Pointer)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
