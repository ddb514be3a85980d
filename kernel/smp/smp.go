// Package smp brings up application processors and installs per-CPU
// thread-local storage. Each core's KernelGSBase and FSBase MSRs point at a
// ThreadLocalInfo header placed at the end of a per-CPU allocation whose
// leading bytes are a copy of the kernel's TLS template section.
package smp

import (
	"silicium/kernel"
	"silicium/kernel/boot"
	"silicium/kernel/cpu"
	"silicium/kernel/mem/vmalloc"
	"silicium/kernel/mem/vmm"
	"sync/atomic"
	"unsafe"
)

// x86_64 architectural MSRs used for thread-local storage: KernelGSBase is
// what SWAPGS exchanges GS with, repurposed here as the kernel's own TLS
// base since this kernel has no user-mode SWAPGS dance yet; FSBase must
// carry the same address because compiler-generated thread-local accesses
// go through FS.
const (
	kernelGSBaseMSR = 0xC0000102
	fsBaseMSR       = 0xC0000100
)

// ThreadLocalInfo is the per-CPU header both TLS base MSRs point at.
// selfPtr exists only because compiler-generated TLS accesses are
// [base + offset]; the zero-offset load must return the header itself, so
// the header holds a pointer to itself, written once before install and
// never moved afterward.
type ThreadLocalInfo struct {
	selfPtr *ThreadLocalInfo
	TLSBase uintptr
	LapicID uint32
	CPUID   uint32
}

var (
	// templateStart/templateEnd bound the kernel image's TLS template
	// section. Wired once via SetTemplate during early bring-up.
	templateStart, templateEnd uintptr

	vaState    *vmalloc.State
	kernelRoot *vmm.TableRoot

	// onlineCPUs counts cores that have completed install, starting at 1
	// for the BSP (which counts itself before any AP runs).
	onlineCPUs int64 = 1

	// earlyPhase gates which globals are safe to touch. Set at package
	// init, cleared exactly once by EndEarlyPhase after every AP reports
	// in. CurrentID branches on it via Early; the page-fault handler, the
	// panic path and kfmt do not consult it.
	earlyPhase = true
)

var errTemplateUnset = &kernel.Error{Module: "smp", Message: "TLS template region not set"}

// writeMSRFn/readMSRFn/allocateFn indirect through cpu.WriteMSR/cpu.ReadMSR
// and vaState.Allocate so tests can exercise the TLS bookkeeping without
// issuing a real WRMSR/RDMSR or walking real page tables.
var (
	writeMSRFn = cpu.WriteMSR
	readMSRFn  = cpu.ReadMSR
	pauseFn    = cpu.Pause
	allocateFn = defaultAllocate
)

// defaultAllocate reserves a Map|Zeroed vmalloc range and returns its start
// address. TLS is not mapped eagerly: like every other demand-paged range,
// the first touch below takes a page fault that the vmalloc resolver
// satisfies with a fresh zeroed frame, exactly as it would for any other
// kernel-heap or vmalloc access.
func defaultAllocate(size uintptr) (uintptr, *kernel.Error) {
	rng, err := vaState.Allocate(size, vmalloc.Map|vmalloc.Zeroed, kernelRoot)
	if err != nil {
		return 0, err
	}
	return rng.Start, nil
}

// SetTemplate records the kernel image's per-CPU template section bounds.
// Must be called before BSPSetup or APStart.
func SetTemplate(start, end uintptr) {
	templateStart, templateEnd = start, end
}

// SetAllocator wires the package to the vmalloc region and TableRoot backing
// every CPU's TLS allocation. Because TLS lives in kernel space, mapping it
// through any one TableRoot makes it visible in every address space once
// kernel-half preallocation has run (vmm.Setup).
func SetAllocator(state *vmalloc.State, root *vmm.TableRoot) {
	vaState = state
	kernelRoot = root
}

// Early reports whether the kernel is still in the bootstrap phase, during
// which per-CPU thread-local state is not yet safe to touch.
func Early() bool { return earlyPhase }

// EndEarlyPhase clears the early flag. Must be called exactly once, by the
// BSP, after StartCPUs observes every reported CPU online.
func EndEarlyPhase() { earlyPhase = false }

// OnlineCPUs returns the number of CPUs that have completed TLS install so
// far.
func OnlineCPUs() int { return int(atomic.LoadInt64(&onlineCPUs)) }

// BSPSetup allocates and installs the boot-strap processor's thread-local
// storage. Must run on the BSP before any AP starts.
func BSPSetup(cpuID, lapicID uint32) *kernel.Error {
	return install(cpuID, lapicID)
}

// APStart is invoked on each application processor, from kmain.APMain, once
// the core has entered the kernel through the bootloader-provided
// trampoline. It installs this core's own TLS and signals the BSP that the
// core is online. It is not called on the BSP.
func APStart(info boot.CPUInfo) *kernel.Error {
	if err := install(info.ProcessorID, info.LapicID); err != nil {
		return err
	}
	atomic.AddInt64(&onlineCPUs, 1)
	return nil
}

// StartCPUs points every non-BSP CPU's bootloader-provided goto_address at
// apEntry and spins until each one has called APStart. If an AP never comes
// online this blocks forever: a stuck AP means something is wrong enough
// with the system that continuing is unsafe.
func StartCPUs(apEntry uintptr) {
	cpus := boot.CPUs()
	bsp := boot.BSPLapicID()
	for i := range cpus {
		if cpus[i].LapicID == bsp {
			continue
		}
		cpus[i].GotoAddress = apEntry
	}

	for OnlineCPUs() != len(cpus) {
		pauseFn()
	}
}

// Current returns the calling CPU's thread-local header. Accessing it while
// Early() is true is undefined; callers must use the BSP-direct fallback
// (processor_id = 0, a CR3-based page-table walk, ...) instead.
func Current() *ThreadLocalInfo {
	return (*ThreadLocalInfo)(unsafe.Pointer(uintptr(readMSRFn(kernelGSBaseMSR))))
}

// CurrentID returns the calling core's logical CPU ID, or 0 during the early
// phase when no thread-local header exists yet.
func CurrentID() uint32 {
	if Early() {
		return 0
	}
	return Current().CPUID
}

// install allocates this core's TLS block, copies the template section into
// it, populates the trailing ThreadLocalInfo header and loads both TLS base
// MSRs to point at it.
func install(cpuID, lapicID uint32) *kernel.Error {
	if templateStart == 0 && templateEnd == 0 {
		return errTemplateUnset
	}

	templateSize := templateEnd - templateStart
	allocSize := templateSize + unsafe.Sizeof(ThreadLocalInfo{})

	base, err := allocateFn(allocSize)
	if err != nil {
		return err
	}

	if templateSize > 0 {
		src := unsafe.Slice((*byte)(unsafe.Pointer(templateStart)), templateSize)
		dst := unsafe.Slice((*byte)(unsafe.Pointer(base)), templateSize)
		copy(dst, src)
	}

	info := (*ThreadLocalInfo)(unsafe.Pointer(base + templateSize))
	info.CPUID = cpuID
	info.LapicID = lapicID
	info.TLSBase = base
	info.selfPtr = info

	writeMSRFn(kernelGSBaseMSR, uint64(uintptr(unsafe.Pointer(info))))
	writeMSRFn(fsBaseMSR, uint64(uintptr(unsafe.Pointer(info))))
	return nil
}
