// Package irq installs and dispatches the IDT: CPU exception vectors 0-31,
// the legacy PIC's remapped hardware interrupts, and the two
// architecture-internal vectors the rest of the kernel reserves (TLB
// shootdown and the clock tick).
package irq

import (
	"io"
	"silicium/kernel/cpu"
	"silicium/kernel/kfmt"
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Info contains the exception error code for exceptions, or the IRQ
	// number for hardware interrupts.
	Info uint64

	// The return frame used by IRETQ.
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

// nolint
const (
	DivideByZero               = InterruptNumber(0)
	NMI                        = InterruptNumber(2)
	Overflow                   = InterruptNumber(4)
	BoundRangeExceeded         = InterruptNumber(5)
	InvalidOpcode              = InterruptNumber(6)
	DeviceNotAvailable         = InterruptNumber(7)
	DoubleFault                = InterruptNumber(8)
	InvalidTSS                 = InterruptNumber(10)
	SegmentNotPresent          = InterruptNumber(11)
	StackSegmentFault          = InterruptNumber(12)
	GPFException               = InterruptNumber(13)
	PageFaultException         = InterruptNumber(14)
	FloatingPointException     = InterruptNumber(16)
	AlignmentCheck             = InterruptNumber(17)
	MachineCheck               = InterruptNumber(18)
	SIMDFloatingPointException = InterruptNumber(19)

	// IRQBase is the vector the remapped legacy PIC's IRQ 0 lands on; IRQ
	// n lands on IRQBase+n.
	IRQBase = InterruptNumber(32)

	// ShootdownVector matches vmm.ShootdownVector; kept here too since
	// this is where it gets wired to a handler via HandleInterrupt.
	ShootdownVector = InterruptNumber(0xF0)

	// ClockVector is the vector the local APIC timer fires on once LAPIC
	// bring-up retargets the tick source away from the PIT.
	ClockVector = InterruptNumber(0xF1)
)

// Init runs the CPU-specific initialization code that installs the IDT. All
// gate entries start out non-present; HandleInterrupt enables one at a time.
func Init() {
	installIDT()
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler func(*Registers))

// installIDT populates idtDescriptor with the address of the IDT and loads
// it into the CPU.
func installIDT()

// dispatchInterrupt is invoked by the interrupt gate entrypoints to route an
// incoming interrupt to the selected handler.
func dispatchInterrupt()

// interruptGateEntries contains the generated trampoline for each possible
// interrupt number.
func interruptGateEntries()

const (
	picMasterCommand = 0x20
	picMasterData    = 0x21
	picSlaveCommand  = 0xA0
	picSlaveData     = 0xA1

	picInitCmd   = 0x11 // ICW1: cascade mode, ICW4 needed
	picICW4Mode8 = 0x01 // ICW4: 8086/88 mode

	picEOI = 0x20
)

// outbFn/inbFn indirect through cpu.Outb/cpu.Inb so tests can record the
// port I/O sequence instead of executing a privileged instruction.
var (
	outbFn   = cpu.Outb
	inbFn    = cpu.Inb
	ioWaitFn = cpu.IOWait
)

// RemapPIC reprograms the legacy 8259 PIC pair so its 16 IRQ lines land on
// vectors [base, base+16) instead of their power-on default (which
// overlaps CPU exception vectors 0-15). Must run before HandleInterrupt is
// used for any hardware IRQ.
func RemapPIC(base InterruptNumber) {
	masterMask := inbFn(picMasterData)
	slaveMask := inbFn(picSlaveData)

	outbFn(picMasterCommand, picInitCmd)
	ioWaitFn()
	outbFn(picSlaveCommand, picInitCmd)
	ioWaitFn()

	outbFn(picMasterData, uint8(base))
	ioWaitFn()
	outbFn(picSlaveData, uint8(base)+8)
	ioWaitFn()

	outbFn(picMasterData, 4) // tell master: slave PIC sits at IRQ2
	ioWaitFn()
	outbFn(picSlaveData, 2) // tell slave its cascade identity
	ioWaitFn()

	outbFn(picMasterData, picICW4Mode8)
	ioWaitFn()
	outbFn(picSlaveData, picICW4Mode8)
	ioWaitFn()

	outbFn(picMasterData, masterMask)
	outbFn(picSlaveData, slaveMask)
}

// EOI acknowledges a hardware interrupt on the legacy PIC. Must be sent to
// the slave PIC too when irq >= 8.
func EOI(irq uint8) {
	if irq >= 8 {
		outbFn(picSlaveCommand, picEOI)
	}
	outbFn(picMasterCommand, picEOI)
}

const (
	pitChannel0    = 0x40
	pitCommand     = 0x43
	pitInputClock  = 1193182
	pitModeSquare  = 0x36 // channel 0, lobyte/hibyte, mode 3, binary
)

// ProgramPIT configures PIT channel 0 to fire at hz, for use as the early
// (pre-LAPIC) tick source. hz=0 is rejected silently (no-op) since it would
// compute a zero or overflowing reload divisor.
func ProgramPIT(hz uint32) {
	if hz == 0 {
		return
	}
	divisor := uint16(pitInputClock / hz)

	outbFn(pitCommand, pitModeSquare)
	outbFn(pitChannel0, uint8(divisor&0xff))
	outbFn(pitChannel0, uint8(divisor>>8))
}
