// Package kmain wires together every subsystem the kernel owns into the
// single boot sequence described for the BSP: GDT/IDT/IRQ bring-up, the
// physical frame allocator, paging, the heap and vmalloc regions, per-CPU
// state, the legacy PIC/PIT, ACPI/LAPIC, application processor start-up and
// finally the scheduler, before dropping into the idle HLT loop.
package kmain

import (
	"silicium/kernel"
	"silicium/kernel/acpi"
	"silicium/kernel/boot"
	"silicium/kernel/cpu"
	"silicium/kernel/gdt"
	_ "silicium/kernel/goruntime"
	"silicium/kernel/irq"
	"silicium/kernel/kfmt"
	"silicium/kernel/lapic"
	"silicium/kernel/mem"
	"silicium/kernel/mem/heap"
	"silicium/kernel/mem/pmm"
	"silicium/kernel/mem/pmm/allocator"
	"silicium/kernel/mem/vmalloc"
	"silicium/kernel/mem/vmm"
	"silicium/kernel/proc"
	"silicium/kernel/sched"
	"silicium/kernel/smp"
	"unsafe"
)

// tickHz is the scheduler's clock-interrupt rate, used for both the early
// PIT tick source and the LAPIC timer that replaces it once the local APIC
// is up.
const tickHz = kernel.KernelHz

// doubleFaultStack is the dedicated stack double faults and NMIs run on via
// the TSS's IST1 slot. It is a static array rather than a heap allocation:
// the thing that faulted may be the heap itself, so the fault stack cannot
// depend on it, and a static array is available the instant gdt.Setup runs,
// before the heap exists at all.
var doubleFaultStack [16 * 1024]byte

var (
	kernelRoot *vmm.TableRoot
	vaState    *vmalloc.State

	// tssTable holds every core's TSS, indexed by processor ID. Slot 0 is
	// the BSP's.
	tssTable [kernel.MaxCPU]gdt.TSS
)

// Kmain is the kernel's Go entry point; main.main calls it with the values
// the architecture-specific entry glue stored. By the time it runs, that
// glue has already parked every core but the BSP,
// cleared the frame pointer and segment selectors and handed the bootloader
// response off to resp. Kmain never returns.
//
//go:noinline
func Kmain(resp boot.Response, kernelStart, kernelEnd uintptr) {
	if err := boot.Init(resp); err != nil {
		kfmt.Panic(err)
	}

	irq.Init()
	gdt.Setup(0, &tssTable[0])
	installDoubleFaultStack()
	installExceptionHandlers()

	if err := bringUpFrameAllocator(kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}

	heap.Init(vmm.HeapBase, vmm.HeapEnd)
	vaState = vmalloc.NewState(vmm.VmallocBase, vmm.VmallocEnd)
	vmalloc.SetFrameAllocator(vmalloc.FrameAllocatorFn(frameAllocatorFn))
	vmalloc.SetFrameReleaser(vmalloc.FrameReleaserFn(frameReleaserFn))
	vmm.RegisterResolver(vaState)

	root, err := vmm.Setup()
	if err != nil {
		kfmt.Panic(err)
	}
	kernelRoot = root

	smp.SetTemplate(tlsTemplateBounds())
	smp.SetAllocator(vaState, kernelRoot)
	if err := smp.BSPSetup(0, resp.BSPLapicID); err != nil {
		kfmt.Panic(err)
	}

	irq.RemapPIC(irq.IRQBase)
	irq.ProgramPIT(tickHz)
	irq.HandleInterrupt(irq.IRQBase, 0, pitTickHandler)

	info := acpi.Probe()
	if err := lapic.Init(info.LapicBase, kernelRoot); err != nil {
		kfmt.Panic(err)
	}
	irq.HandleInterrupt(irq.ClockVector, 0, lapicTickHandler)
	lapic.StartTimer(tickHz)

	smp.StartCPUs(apEntryAddr())
	smp.EndEarlyPhase()

	proc.SetAllocator(vaState)
	proc.SetSchedulerHook(func(t *proc.Thread) { sched.AddThread(t) })
	if err := sched.CreateIdleThread(kernelRoot); err != nil {
		kfmt.Panic(err)
	}

	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}

// APMain is the Go landing point for every application processor: the
// apEntry trampoline calls it once the core has reached long mode on its
// boot stack. It reloads this core's descriptor tables, installs its TLS,
// enables its local APIC and parks in the HLT loop until the scheduler's
// timer interrupt claims it. Never returns.
func APMain(info boot.CPUInfo) {
	irq.Init()
	gdt.Setup(int(info.ProcessorID), &tssTable[info.ProcessorID])

	if err := smp.APStart(info); err != nil {
		kfmt.Panic(err)
	}
	lapic.EnableCurrent()

	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}

// bringUpFrameAllocator reserves the frames backing the frame.Info array
// via the bootstrap reservation allocator, hands them to pmm.Setup, and
// wires the resulting Linear allocator into vmm as the frame source/sink
// every page-table operation from here on uses.
func bringUpFrameAllocator(kernelStart, kernelEnd uintptr) *kernel.Error {
	var bootAlloc allocator.Bootstrap
	bootAlloc.Init(kernelStart, kernelEnd)
	bootAlloc.PrintMemoryMap()

	backing, err := bootAlloc.ReserveContiguous(backingFrameCount(), 0)
	if err != nil {
		return err
	}

	state, err := pmm.Setup(backing.Start, backing.Len())
	if err != nil {
		return err
	}

	linear := allocator.NewLinear(state)
	frameAllocatorFn = linear.Allocate
	frameReleaserFn = linear.Deallocate

	vmm.SetFrameAllocator(frameAllocatorFn)
	vmm.SetFrameReleaser(frameReleaserFn)
	vmm.SetFrameReferencer(linear.Reference)
	return nil
}

// frameAllocatorFn/frameReleaserFn are set once bringUpFrameAllocator has a
// Linear allocator to delegate to; vmalloc.SetFrameAllocator/SetFrameReleaser
// are wired to these same vars so both consumers share one Linear instance.
var (
	frameAllocatorFn vmm.FrameAllocatorFn
	frameReleaserFn  vmm.FrameReleaserFn
)

// backingFrameCount returns how many frames the frame.Info array needs,
// duplicating pmm.Setup's own sizing so the bootstrap allocator can reserve
// exactly that many frames before the array exists to ask it directly.
func backingFrameCount() uint64 {
	var highest uint64
	boot.VisitMemRegions(func(e *boot.MemoryMapEntry) bool {
		if top := e.PhysAddress + e.Length; top > highest {
			highest = top
		}
		return true
	})

	numFrames := highest >> mem.PageShift
	neededBytes := numFrames * uint64(unsafe.Sizeof(pmm.Info{}))
	return (neededBytes + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
}

// installDoubleFaultStack points the BSP's TSS IST1 slot and RSP0 at
// doubleFaultStack, so a double fault or NMI always has a known-good stack
// regardless of what faulted.
func installDoubleFaultStack() {
	top := uintptr(unsafe.Pointer(&doubleFaultStack[0])) + uintptr(len(doubleFaultStack))
	tssTable[0].SetIST(1, top)
	tssTable[0].SetRSP0(top)
}

// tlsTemplateBounds reports the kernel image's TLS template section. This
// build carries no such section yet, so both bounds point at the same
// marker byte: a non-nil, zero-size template smp.SetTemplate accepts as
// "nothing to copy" rather than "unset".
func tlsTemplateBounds() (start, end uintptr) {
	p := uintptr(unsafe.Pointer(&tlsTemplateMarker))
	return p, p
}

var tlsTemplateMarker byte

// installExceptionHandlers registers every CPU exception vector this kernel
// handles explicitly: the page fault resolver, and a shared diagnostic
// handler for every other fatal exception.
func installExceptionHandlers() {
	irq.HandleInterrupt(irq.PageFaultException, 0, pageFaultHandler)
	irq.HandleInterrupt(irq.DoubleFault, 1, fatalExceptionHandler)
	irq.HandleInterrupt(irq.NMI, 1, fatalExceptionHandler)

	for _, vector := range []irq.InterruptNumber{
		irq.DivideByZero,
		irq.Overflow,
		irq.BoundRangeExceeded,
		irq.InvalidOpcode,
		irq.DeviceNotAvailable,
		irq.InvalidTSS,
		irq.SegmentNotPresent,
		irq.StackSegmentFault,
		irq.GPFException,
		irq.FloatingPointException,
		irq.AlignmentCheck,
		irq.MachineCheck,
		irq.SIMDFloatingPointException,
	} {
		irq.HandleInterrupt(vector, 0, fatalExceptionHandler)
	}

	irq.HandleInterrupt(vmm.ShootdownVector, 0, shootdownHandler)
}

// fatalExceptionHandler handles every CPU exception this kernel does not
// attempt to recover from: dump the saved registers and panic.
func fatalExceptionHandler(regs *irq.Registers) {
	regs.DumpTo(nil)
	kfmt.Panic(&kernel.Error{Module: "irq", Message: "unhandled CPU exception"})
}

// pageFaultHandler resolves vector 14 against whichever address space the
// calling core is currently running, falling back to the shared kernel
// root before the scheduler has picked anything.
func pageFaultHandler(regs *irq.Registers) {
	faultAddr := uintptr(cpu.ReadCR2())

	root := kernelRoot
	if th := sched.CurrentThread(); th != nil {
		if r := th.TableRoot(); r != nil {
			root = r
		}
	}

	if reason := vmm.HandlePageFault(root, faultAddr, vmm.FaultErrorCode(regs.Info)); reason != nil {
		regs.DumpTo(nil)
		kfmt.Panic(&kernel.Error{Module: "vmm", Message: "unrecoverable page fault"})
	}
}

// shootdownHandler runs on every other core when vmm asks for a remote TLB
// invalidation.
func shootdownHandler(*irq.Registers) {
	vmm.HandleShootdownIPI()
	lapic.EOI()
}

// pitTickHandler drives the scheduler off the legacy PIT, the tick source
// until lapicTickHandler takes over once the local APIC is enabled.
func pitTickHandler(*irq.Registers) {
	sched.TimerTick()
	irq.EOI(0)
	if th := sched.CurrentThread(); th != nil && th.NeedsScheduling() {
		sched.Schedule()
	}
}

// lapicTickHandler is the steady-state clock source once lapic.Init has
// run; it supersedes pitTickHandler but does not unregister it, since
// hardware keeps firing IRQ0 regardless and irq.EOI(0) must still ack it.
func lapicTickHandler(*irq.Registers) {
	sched.TimerTick()
	lapic.EOI()
	if th := sched.CurrentThread(); th != nil && th.NeedsScheduling() {
		sched.Schedule()
	}
}
