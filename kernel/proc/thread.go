package proc

import (
	"silicium/kernel"
	"silicium/kernel/gdt"
	"silicium/kernel/irq"
	"silicium/kernel/mem/vmalloc"
	"silicium/kernel/mem/vmm"
	"silicium/kernel/sync"
)

// Kind distinguishes a thread that can run user-mode code from one that
// never leaves ring 0.
type Kind int

// nolint
const (
	KindUser Kind = iota
	KindKernel
)

// Priority orders threads for scheduling; Idle is only ever picked when no
// non-idle Ready thread has quantum left.
type Priority int

// nolint
const (
	PriorityIdle Priority = iota
	PriorityLow
	PriorityNormal
	PriorityHigh
	PriorityRealtime
)

// State is a thread's position in its lifecycle state machine: Created ->
// Ready -> Running -> (Ready | Blocked | Waiting | Sleeping | Zombie).
// Zombie is terminal until a reap step removes the thread.
type State int

// nolint
const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateBlocked
	StateWaiting
	StateSleeping
	StateZombie
)

// Flags holds per-thread scheduling bits.
type Flags uint64

// NeedScheduling is set by the clock tick when a thread's quantum runs out,
// and checked on return from the tick interrupt.
const NeedScheduling Flags = 1 << 0

// DefaultKstackSize is used when a ThreadBuilder doesn't specify one.
const DefaultKstackSize = 32 * 1024

// User-mode stack layout constants, used only for KindUser threads until a
// real user stack allocator exists.
const (
	userStackTop        = uintptr(0x0000_7FFF_FFFF_FFFF)
	userStackTopAligned = userStackTop &^ 0xF
)

// CPUState is the saved machine register frame exchanged across a context
// switch. It wraps irq.Registers, whose layout is already bit-exact with
// the interrupt-entry trampoline's push sequence, and adds the FS base
// shadow (so a switch also restores the outgoing/incoming thread's TLS
// pointer) and a resume trampoline address.
type CPUState struct {
	irq.Registers
	FSBase           uint64
	ResumeTrampoline uintptr
}

// Thread is a schedulable unit of execution: its own saved register frame
// and kernel stack and, for a user thread, the TableRoot it was built in (a
// pure kernel thread carries none), but a shared Tid/flags/state/priority
// lifecycle with whatever process it belongs to.
type Thread struct {
	tid  Tid
	kind Kind

	lock       sync.IRQSpinlock
	flags      Flags
	priority   Priority
	state      State
	hasExit    bool
	exitCode   int32
	exitSignal int32

	cpuState CPUState

	hasKstack bool
	kstack    vmalloc.VirtualRange

	// kstackRoot is the address space the kernel stack was mapped
	// through. Kernel-half sharing makes the stack visible everywhere,
	// but unmapping it on teardown needs a concrete root to walk.
	kstackRoot *vmm.TableRoot

	// process is a weak back-pointer: Thread never keeps a Process alive
	// on its own (a process owns its threads strongly, a thread only
	// references its process).
	process *Process

	// mm is the thread's own address space, inherited from its process.
	// Nil for a pure kernel thread, which runs in whatever address space
	// happens to be live.
	mm *vmm.TableRoot
}

// vaState backs kernel-stack allocation for every ThreadBuilder. Wired once
// during boot, the same way kernel/smp is wired to its own vmalloc region.
var vaState *vmalloc.State

// SetAllocator installs the vmalloc region kernel stacks are carved from.
func SetAllocator(state *vmalloc.State) {
	vaState = state
}

// allocateKstackFn/deallocateKstackFn indirect through vaState so tests can
// supply a fake kernel-stack range instead of walking real page tables,
// following the same test-indirection idiom as kernel/smp's allocateFn.
var (
	allocateKstackFn = func(size uintptr, root *vmm.TableRoot) (vmalloc.VirtualRange, *kernel.Error) {
		return vaState.Allocate(size, vmalloc.Atomic|vmalloc.Map|vmalloc.Zeroed, root)
	}
	deallocateKstackFn = func(root *vmm.TableRoot, rng vmalloc.VirtualRange) *kernel.Error {
		return vaState.Deallocate(root, rng)
	}
)

// Tid returns the thread's identifier.
func (t *Thread) Tid() Tid { return t.tid }

// Kind returns whether the thread can run user-mode code.
func (t *Thread) Kind() Kind { return t.kind }

// TableRoot returns the thread's address space, or nil for a pure kernel
// thread: the scheduler leaves CR3 alone when switching to one.
func (t *Thread) TableRoot() *vmm.TableRoot { return t.mm }

// CPUStatePtr returns a pointer to the thread's saved register frame, for
// cpu.Switch to read from and write into.
func (t *Thread) CPUStatePtr() *CPUState { return &t.cpuState }

// State returns the thread's current lifecycle state.
func (t *Thread) State() State {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.state
}

// SetState transitions the thread to state.
func (t *Thread) SetState(state State) {
	t.lock.Acquire()
	defer t.lock.Release()
	t.state = state
}

// Priority returns the thread's scheduling priority.
func (t *Thread) Priority() Priority {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.priority
}

// SetNeedScheduling sets the flag the clock tick uses to request a
// reschedule on return from the interrupt.
func (t *Thread) SetNeedScheduling() {
	t.lock.Acquire()
	defer t.lock.Release()
	t.flags |= NeedScheduling
}

// ClearNeedScheduling clears the reschedule request.
func (t *Thread) ClearNeedScheduling() {
	t.lock.Acquire()
	defer t.lock.Release()
	t.flags &^= NeedScheduling
}

// NeedsScheduling reports whether the thread's quantum has run out.
func (t *Thread) NeedsScheduling() bool {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.flags&NeedScheduling != 0
}

// ExitCode returns the thread's exit code, if it has exited.
func (t *Thread) ExitCode() (code int32, ok bool) {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.exitCode, t.hasExit
}

// ExitSignal returns the thread's exit signal, if it has exited.
func (t *Thread) ExitSignal() (signal int32, ok bool) {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.exitSignal, t.hasExit
}

// Process returns the process this thread belongs to, or nil if it has been
// detached (see Process.RemoveThread).
func (t *Thread) Process() *Process {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.process
}

func (t *Thread) setProcess(p *Process) {
	t.lock.Acquire()
	defer t.lock.Release()
	t.process = p
}

func (t *Thread) clearProcess() {
	t.lock.Acquire()
	defer t.lock.Release()
	t.process = nil
}

// Zombify transitions the thread to Zombie with the given exit code and
// signal, and releases the resource only a live thread needs: its kernel
// stack (returned to vmalloc). It also drops the thread's pointer to its
// address space; the TableRoot itself is not destroyed here. The Tid
// itself is released separately, by the reap step, once nothing else can
// reference the zombie.
func (t *Thread) Zombify(exitCode, exitSignal int32) {
	t.lock.Acquire()
	t.exitCode, t.exitSignal, t.hasExit = exitCode, exitSignal, true
	t.state = StateZombie
	kstack, hasKstack := t.kstack, t.hasKstack
	kstackRoot := t.kstackRoot
	t.hasKstack = false
	t.kstackRoot = nil
	t.lock.Release()

	if hasKstack {
		deallocateKstackFn(kstackRoot, kstack)
	}
	t.mm = nil
}

// Reap releases the thread's Tid. Must be called exactly once, after the
// thread has been removed from both its process and the scheduler.
func (t *Thread) Reap() {
	releaseTid(t.tid)
}

// ThreadBuilder constructs a Thread: entry point, kind, priority and kernel
// stack size are set before Build allocates the Tid and kernel stack and
// seeds the initial register frame.
type ThreadBuilder struct {
	thread     Thread
	entryPoint uintptr
	kstackSize uintptr
}

// NewThreadBuilder returns a ThreadBuilder with the usual defaults: User
// kind, Normal priority, DefaultKstackSize.
func NewThreadBuilder() *ThreadBuilder {
	return &ThreadBuilder{
		thread:     Thread{kind: KindUser, priority: PriorityNormal, state: StateCreated},
		kstackSize: DefaultKstackSize,
	}
}

// Kind sets the thread's kind.
func (b *ThreadBuilder) Kind(k Kind) *ThreadBuilder {
	b.thread.kind = k
	return b
}

// Priority sets the thread's scheduling priority.
func (b *ThreadBuilder) Priority(p Priority) *ThreadBuilder {
	b.thread.priority = p
	return b
}

// EntryPoint sets the address the thread starts executing at.
func (b *ThreadBuilder) EntryPoint(addr uintptr) *ThreadBuilder {
	b.entryPoint = addr
	return b
}

// KstackSize overrides the kernel stack size.
func (b *ThreadBuilder) KstackSize(size uintptr) *ThreadBuilder {
	b.kstackSize = size
	return b
}

// Build allocates a Tid and kernel stack and returns the finished Thread.
// root is the address space the kernel stack is mapped through; a user
// thread also adopts it as its own address space, a kernel thread carries
// none. Pass the owning Process's TableRoot.
func (b *ThreadBuilder) Build(root *vmm.TableRoot) (*Thread, *kernel.Error) {
	tid, err := generateTid()
	if err != nil {
		return nil, err
	}

	kstack, err := allocateKstackFn(b.kstackSize, root)
	if err != nil {
		releaseTid(tid)
		return nil, err
	}

	b.thread.tid = tid
	b.thread.kstack = kstack
	b.thread.hasKstack = true
	b.thread.kstackRoot = root
	if b.thread.kind == KindUser {
		b.thread.mm = root
	}

	b.thread.cpuState.RIP = uint64(b.entryPoint)
	switch b.thread.kind {
	case KindKernel:
		b.thread.cpuState.CS = uint64(gdt.KernelCode64Selector)
		b.thread.cpuState.SS = uint64(gdt.NullSelector)
		b.thread.cpuState.RSP = uint64(kstack.End)
	case KindUser:
		b.thread.cpuState.CS = uint64(gdt.UserCode64Selector)
		b.thread.cpuState.SS = uint64(gdt.UserDataSelector)
		b.thread.cpuState.RSP = uint64(userStackTopAligned)
	}

	thread := b.thread
	return &thread, nil
}
