package proc

import (
	"silicium/kernel"
	"silicium/kernel/mem/vmm"
	"silicium/kernel/sync"
)

// Process owns a PID, an address space, and the threads and child
// processes that belong to it. Every live process except InitPid has a
// resolvable parent; a process that dies reparents its children to InitPid
// before its own PID is released.
type Process struct {
	pid Pid
	mm  *vmm.TableRoot

	lock      sync.IRQSpinlock
	parent    Pid
	hasParent bool
	children  []*Process
	threads   []*Thread
}

// Pid returns the process's identifier.
func (p *Process) Pid() Pid { return p.pid }

// TableRoot returns the process's address space, which its user threads
// carry as their own; a pure kernel thread carries none.
func (p *Process) TableRoot() *vmm.TableRoot { return p.mm }

// ParentID returns the process's parent PID, or ok=false if it has none
// (only InitPid itself may lack a parent).
func (p *Process) ParentID() (pid Pid, ok bool) {
	p.lock.Acquire()
	defer p.lock.Release()
	return p.parent, p.hasParent
}

func (p *Process) setParent(parent Pid) {
	p.lock.Acquire()
	defer p.lock.Release()
	p.parent, p.hasParent = parent, true
}

// schedulerHook is called whenever a thread is added to a process, wired
// once by kernel/sched at boot. proc does not import sched directly: sched
// already needs to import proc for the Thread type, and proc importing
// sched back would cycle.
var schedulerHook = func(*Thread) {}

// SetSchedulerHook installs the function called every time a thread is
// added to a process. Must be called once during boot, before any process
// is built.
func SetSchedulerHook(fn func(*Thread)) {
	schedulerHook = fn
}

// AddThread appends t to the process's thread list, points t's weak
// back-pointer at this process, and hands it to the scheduler.
func (p *Process) AddThread(t *Thread) {
	p.lock.Acquire()
	t.setProcess(p)
	p.threads = append(p.threads, t)
	p.lock.Release()

	schedulerHook(t)
}

// RemoveThread detaches the thread identified by tid from the process.
func (p *Process) RemoveThread(tid Tid) {
	p.lock.Acquire()
	defer p.lock.Release()
	for i, t := range p.threads {
		if t.tid == tid {
			t.clearProcess()
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

// Thread looks up a thread belonging to this process by its Tid.
func (p *Process) Thread(tid Tid) *Thread {
	p.lock.Acquire()
	defer p.lock.Release()
	for _, t := range p.threads {
		if t.tid == tid {
			return t
		}
	}
	return nil
}

// AddChild registers child as belonging to this process.
func (p *Process) AddChild(child *Process) {
	p.lock.Acquire()
	defer p.lock.Release()
	p.children = append(p.children, child)
}

// RemoveChild detaches the child process identified by pid.
func (p *Process) RemoveChild(pid Pid) {
	p.lock.Acquire()
	defer p.lock.Release()
	for i, c := range p.children {
		if c.pid == pid {
			p.children = append(p.children[:i], p.children[i+1:]...)
			return
		}
	}
}

// Children returns a snapshot of the process's current child list.
func (p *Process) Children() []*Process {
	p.lock.Acquire()
	defer p.lock.Release()
	out := make([]*Process, len(p.children))
	copy(out, p.children)
	return out
}

var (
	tableLock sync.IRQSpinlock
	table     = map[Pid]*Process{}
)

// Find returns the process registered under pid, or nil.
func Find(pid Pid) *Process {
	tableLock.Acquire()
	defer tableLock.Release()
	return table[pid]
}

// Exists reports whether pid is currently registered.
func Exists(pid Pid) bool {
	tableLock.Acquire()
	defer tableLock.Release()
	_, ok := table[pid]
	return ok
}

// Delete removes pid from the process table, reparents every child to
// InitPid, tears down the dying process's address space, and releases its
// PID. Reparenting happens before the PID is released; the PID itself is
// released exactly once, here.
func Delete(pid Pid) {
	tableLock.Acquire()
	process, ok := table[pid]
	if !ok {
		tableLock.Release()
		return
	}
	delete(table, pid)
	tableLock.Release()

	init := Find(InitPid)
	for _, child := range process.Children() {
		child.setParent(InitPid)
		if init != nil {
			init.AddChild(child)
		}
	}

	if process.mm != nil {
		process.mm.Destroy()
	}
	releasePid(pid)
}

// Builder constructs a Process: a PID and an address space are allocated
// eagerly so AddThread/Parent can be called before the process is
// registered in the table.
type Builder struct {
	process *Process
}

// NewBuilder allocates a fresh PID and address space and returns a Builder
// wrapping them.
func NewBuilder() (*Builder, *kernel.Error) {
	pid, err := generatePid()
	if err != nil {
		return nil, err
	}

	mm, err := vmm.New()
	if err != nil {
		releasePid(pid)
		return nil, err
	}

	return &Builder{process: &Process{pid: pid, mm: mm}}, nil
}

// AddThread adds a thread to the process under construction, scheduling it
// immediately.
func (b *Builder) AddThread(t *Thread) *Builder {
	b.process.AddThread(t)
	return b
}

// Parent sets the process's parent.
func (b *Builder) Parent(parent *Process) *Builder {
	b.process.setParent(parent.pid)
	return b
}

// Build registers the process in the process table and returns its PID.
func (b *Builder) Build() Pid {
	tableLock.Acquire()
	defer tableLock.Release()
	table[b.process.pid] = b.process
	return b.process.pid
}
