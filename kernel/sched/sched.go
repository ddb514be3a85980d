// Package sched implements the round-robin scheduler: one system-wide run
// list of {thread, remaining quantum} entries, priority-gated so the idle
// thread only runs when every other Ready thread has exhausted its
// quantum. It is wired into kernel/proc through SetSchedulerHook (proc
// cannot import this package back without cycling) and into the clock tick
// through TimerTick/Schedule.
package sched

import (
	"reflect"
	"silicium/kernel"
	"silicium/kernel/cpu"
	"silicium/kernel/mem/vmm"
	"silicium/kernel/proc"
	"silicium/kernel/smp"
	"silicium/kernel/sync"
	"unsafe"
)

// Runnable is the slice of proc.Thread the scheduler actually needs. Run-
// list bookkeeping is expressed against this instead of the concrete type
// so it can be exercised without a real vmalloc/vmm-backed Thread; every
// *proc.Thread satisfies it automatically.
type Runnable interface {
	Tid() proc.Tid
	Priority() proc.Priority
	State() proc.State
	SetState(proc.State)
	SetNeedScheduling()
	ClearNeedScheduling()
	NeedsScheduling() bool
	CPUStatePtr() *proc.CPUState
	TableRoot() *vmm.TableRoot
}

// runnableThread is one run-list entry: a thread plus the ticks it has left
// before the clock forces it to yield.
type runnableThread struct {
	thread  Runnable
	quantum int
}

var (
	lock    sync.IRQSpinlock
	runList []*runnableThread

	// current holds each CPU's running thread, indexed by smp.CurrentID.
	// Only the owning CPU ever writes its own slot, so reads from that
	// same CPU need no lock; Schedule is the sole writer.
	current [kernel.MaxCPU]Runnable
)

// switchTableRootFn/switchFn indirect through cpu so tests can exercise
// Schedule's decision logic without loading a real CR3 or performing a real
// stack/register swap.
var (
	switchTableRootFn = func(root *vmm.TableRoot) { cpu.SwitchPDT(root.Frame().Address()) }
	switchFn          = cpu.Switch
)

// AddThread registers t as Ready and runnable. This is the function wired
// into proc.SetSchedulerHook, so every thread a Process.AddThread creates
// lands here automatically; it is also called directly for the idle
// thread, which belongs to no process.
func AddThread(t Runnable) {
	t.SetState(proc.StateReady)

	lock.Acquire()
	runList = append(runList, &runnableThread{thread: t, quantum: kernel.DefaultQuantum})
	lock.Release()
}

// RemoveThread drops tid from the run list. Panics if the thread is
// currently Running: a graceful exit always transitions Running -> Zombie
// through Schedule first, so reaching this function while still Running
// means something tried to tear down a thread still executing on some CPU.
func RemoveThread(tid proc.Tid) {
	lock.Acquire()
	defer lock.Release()

	for i, rt := range runList {
		if rt.thread.Tid() != tid {
			continue
		}
		if rt.thread.State() == proc.StateRunning {
			panic("sched: remove_thread called on a running thread")
		}
		runList = append(runList[:i], runList[i+1:]...)
		return
	}
}

// pickNext returns the first Ready, non-idle entry with quantum left,
// transitioning it Ready -> Running as it is chosen.
func pickNext() (Runnable, bool) {
	lock.Acquire()
	defer lock.Release()

	for _, rt := range runList {
		if rt.thread.Priority() == proc.PriorityIdle {
			continue
		}
		if rt.thread.State() == proc.StateReady && rt.quantum > 0 {
			rt.thread.SetState(proc.StateRunning)
			return rt.thread, true
		}
	}
	return nil, false
}

// pickIdle returns a Ready idle-priority entry. The idle thread is created
// once at boot and never leaves the run list, so one always exists.
func pickIdle() Runnable {
	lock.Acquire()
	defer lock.Release()

	for _, rt := range runList {
		if rt.thread.Priority() == proc.PriorityIdle {
			return rt.thread
		}
	}
	panic("sched: no idle thread registered")
}

// redistribute resets every non-idle entry's quantum to the default. Called
// when pickNext finds nothing to run but Ready threads do exist.
func redistribute() {
	lock.Acquire()
	defer lock.Release()

	for _, rt := range runList {
		if rt.thread.Priority() != proc.PriorityIdle {
			rt.quantum = kernel.DefaultQuantum
		}
	}
}

// TimerTick decrements the currently-running thread's quantum, setting its
// NEED_SCHEDULING flag once it reaches zero. Called from the clock-tick
// interrupt handler, once per tick, on every CPU.
func TimerTick() {
	cur := CurrentThread()
	if cur == nil {
		return
	}

	lock.Acquire()
	defer lock.Release()

	for _, rt := range runList {
		if rt.thread.Tid() != cur.Tid() {
			continue
		}
		if rt.quantum == 0 {
			rt.thread.SetNeedScheduling()
		} else {
			rt.quantum--
		}
		return
	}
}

// CurrentThread returns the calling CPU's currently running thread, or nil
// before the first Schedule call on this CPU.
func CurrentThread() Runnable {
	return current[smp.CurrentID()]
}

// setCurrent records next as the calling CPU's running thread.
func setCurrent(next Runnable) {
	current[smp.CurrentID()] = next
}

// Schedule picks the next thread to run and switches to it. Must be called
// with interrupts already disabled (the clock-tick handler and voluntary
// suspension points both satisfy this).
//
// Selection: pickNext; if that finds nothing, redistribute and retry; if
// still nothing, stay on the current thread if it is idle priority,
// otherwise fall back to the idle thread. If the chosen thread differs
// from current, the outgoing thread (if still Running, i.e. preempted
// rather than already blocked/zombified by its caller) goes back to Ready,
// CR3 is swapped to the incoming thread's address space if it has its own,
// the per-CPU current pointer is updated, and the saved register frames
// are exchanged. NEED_SCHEDULING is cleared on the outgoing thread either
// way.
func Schedule() {
	cur := CurrentThread()

	next, ok := pickNext()
	if !ok {
		redistribute()
		next, ok = pickNext()
	}
	if !ok {
		if cur != nil && cur.Priority() == proc.PriorityIdle {
			cur.ClearNeedScheduling()
			return
		}
		next = pickIdle()
	}

	if cur != nil {
		cur.ClearNeedScheduling()
		if cur.Tid() == next.Tid() {
			return
		}
		if cur.State() == proc.StateRunning {
			cur.SetState(proc.StateReady)
		}
	}

	if root := next.TableRoot(); root != nil {
		switchTableRootFn(root)
	}
	setCurrent(next)

	var fromState unsafe.Pointer
	if cur != nil {
		fromState = unsafe.Pointer(cur.CPUStatePtr())
	}
	switchFn(fromState, unsafe.Pointer(next.CPUStatePtr()))
}

// idleStackSize is the kernel stack size for the single system-wide idle
// thread: it never does more than HLT in a loop, so a single page is ample.
const idleStackSize = 4096

var idleOnce bool

// CreateIdleThread builds and registers the one system-wide idle thread:
// kernel kind, idle priority, "enable interrupts; HLT" in a loop. Must be
// called exactly once, by the BSP, before the first Schedule call.
func CreateIdleThread(root *vmm.TableRoot) *kernel.Error {
	if idleOnce {
		return nil
	}
	idleOnce = true

	entry := reflect.ValueOf(idleLoop).Pointer()
	t, err := proc.NewThreadBuilder().
		Kind(proc.KindKernel).
		Priority(proc.PriorityIdle).
		KstackSize(idleStackSize).
		EntryPoint(entry).
		Build(root)
	if err != nil {
		return err
	}

	AddThread(t)
	return nil
}

// idleLoop is the idle thread's entire body: enable interrupts (a thread
// only ever resumes with them disabled, courtesy of the context-switch
// path) and halt until the next one arrives.
func idleLoop() {
	for {
		cpu.EnableInterrupts()
		cpu.Halt()
	}
}
