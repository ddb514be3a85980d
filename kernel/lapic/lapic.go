// Package lapic drives the local APIC: per-CPU interrupt acknowledgement,
// inter-processor interrupts, and the timer used once bring-up retargets the
// scheduler tick away from the legacy PIT. The LAPIC's registers are exposed
// as a single 4KiB memory-mapped page rather than I/O ports, so every access
// here goes through a direct-mapped virtual address instead of Outb/Inb.
package lapic

import (
	"silicium/kernel"
	"silicium/kernel/mem"
	"silicium/kernel/mem/pmm"
	"silicium/kernel/mem/vmm"
	"unsafe"
)

// Register offsets, in bytes, within the LAPIC's memory-mapped page.
const (
	regID          = 0x020
	regEOI         = 0x0B0
	regSpurious    = 0x0F0
	regICRLow      = 0x300
	regICRHigh     = 0x310
	regLVTTimer    = 0x320
	regTimerInit   = 0x380
	regTimerCur    = 0x390
	regTimerDivide = 0x3E0
)

const (
	// spuriousEnable is bit 8 of the spurious-interrupt-vector register;
	// it is the LAPIC's master enable switch.
	spuriousEnable = 1 << 8
	// spuriousVector is an otherwise-unused vector assigned to spurious
	// interrupts, which are not meant to be handled.
	spuriousVector = 0xFF

	icrAssert             = 1 << 14
	icrDestAllExcludeSelf = 3 << 18
	// icrDeliveryNMI selects NMI delivery mode (bits 10:8 = 100), which
	// ignores the vector field and masking state on the receiving core.
	icrDeliveryNMI = 4 << 8

	timerModePeriodic = 1 << 17
	timerDivideBy16   = 0x3

	// timerVector matches the fixed architecture-internal clock vector
	// this kernel reserves for the tick source (see kernel/irq.ClockVector).
	timerVector = 0xF1
)

var (
	base  uintptr
	ready bool
)

// readRegFn/writeRegFn indirect the MMIO accesses so tests can record the
// register traffic StartTimer/EOI/SendIPI produce without a real mapped
// LAPIC page.
var (
	readRegFn  = readReg
	writeRegFn = writeReg
)

func readReg(offset uintptr) uint32 {
	return *(*uint32)(unsafe.Pointer(base + offset))
}

func writeReg(offset uintptr, val uint32) {
	*(*uint32)(unsafe.Pointer(base + offset)) = val
}

// Init maps physBase (the address boot.CPUs()/ACPI report for the LAPIC)
// into the HHDM as NO_CACHE|WRITE_THROUGH, enables the LAPIC via the
// spurious-interrupt-vector register, and wires this package into the vmm
// shootdown protocol so TLB invalidation IPIs start flowing. Must run once,
// on the BSP, after paging is up and before any AP starts.
func Init(physBase uintptr, root *vmm.TableRoot) *kernel.Error {
	virt := mem.PhysToVirt(physBase)
	flags := vmm.FlagPresent | vmm.FlagWritable | vmm.FlagNoCache | vmm.FlagWriteThrough
	if err := vmm.Map(root, virt, pmm.FrameFromAddress(physBase), flags); err != nil {
		return err
	}

	base = virt
	writeRegFn(regSpurious, spuriousEnable|spuriousVector)
	ready = true

	vmm.SetShootdownBroadcast(Ready, func() { broadcast(vmm.ShootdownVector) })
	return nil
}

// Ready reports whether Init has completed on this core. vmm consults this
// before trusting the broadcast path for TLB shootdown.
func Ready() bool { return ready }

// EnableCurrent enables the calling core's local APIC through the spurious
// interrupt vector register. The MMIO mapping Init created is shared by
// every core; the register page each one sees through it is its own, so
// each application processor calls this once during its own bring-up.
func EnableCurrent() {
	if !ready {
		return
	}
	writeRegFn(regSpurious, spuriousEnable|spuriousVector)
}

// ID returns this core's local APIC ID, as read from the LAPIC itself
// rather than the boot-time CPUInfo, so it is correct even if called after
// the boot response has been discarded. Returns 0 if called before Init,
// which is always the BSP.
func ID() uint32 {
	if !ready {
		return 0
	}
	return readRegFn(regID) >> 24
}

// EOI signals end-of-interrupt to the local APIC. Must be the last thing a
// LAPIC-sourced interrupt handler does before returning.
func EOI() {
	writeRegFn(regEOI, 0)
}

// SendIPI sends vector to the core whose local APIC ID is target, using
// fixed delivery mode.
func SendIPI(vector uint8, target uint32) {
	writeRegFn(regICRHigh, target<<24)
	writeRegFn(regICRLow, uint32(vector)|icrAssert)
}

// broadcast sends vector to every other online core, excluding the sender,
// via the ICR's all-excluding-self destination shorthand.
func broadcast(vector uint8) {
	writeRegFn(regICRLow, uint32(vector)|icrAssert|icrDestAllExcludeSelf)
}

// BroadcastNMI delivers an NMI to every other online core, excluding the
// sender. NMIs preempt whatever the receiving core is doing regardless of
// its interrupt-enable state, which is what lets the panic path stop cores
// that may be spinning with interrupts disabled. Safe to call even if this
// core is the only one online: the destination shorthand excludes the
// sender, so there is simply nowhere for the IPI to go.
func BroadcastNMI() {
	if !ready {
		return
	}
	writeRegFn(regICRLow, icrAssert|icrDestAllExcludeSelf|icrDeliveryNMI)
}

// StartTimer arms the LAPIC timer in periodic mode targeting approximately
// hz interrupts per second on timerVector. The initial count is derived
// directly from hz rather than from a PIT-calibrated bus frequency, so the
// actual rate drifts with the host's APIC timer frequency; a calibration
// pass against the PIT or TSC would replace this once one exists.
func StartTimer(hz uint32) {
	if hz == 0 {
		return
	}
	writeRegFn(regTimerDivide, timerDivideBy16)
	writeRegFn(regLVTTimer, timerModePeriodic|timerVector)
	writeRegFn(regTimerInit, lapicBusFrequency/hz)
}

// lapicBusFrequency is a nominal APIC timer input frequency used to derive
// StartTimer's initial count until real calibration exists.
const lapicBusFrequency = 1_000_000_000
