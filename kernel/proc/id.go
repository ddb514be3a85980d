// Package proc implements the process/thread data model: PID/TID bitmap
// allocators, the process table, and the Process/Thread types a scheduler
// picks from.
package proc

import (
	"silicium/kernel"
	"silicium/kernel/sync"
)

// maxID bounds both the Pid and Tid spaces: a 15-bit identifier.
const maxID = 32768

var (
	errNoFreeID  = &kernel.Error{Module: "proc", Message: "identifier space exhausted"}
	errNoFreePid = &kernel.Error{Module: "proc", Message: "pid space exhausted"}
	errNoFreeTid = &kernel.Error{Module: "proc", Message: "tid space exhausted"}
)

// idAllocator is the bitmap allocator shared by the Pid and Tid spaces: a
// rotating search offset plus a used-count fast path so generate doesn't
// walk a full bitmap once every identifier is taken.
type idAllocator struct {
	lock   sync.IRQSpinlock
	bitmap [maxID / 64]uint64
	offset uint32
	used   int
}

func (a *idAllocator) generate() (uint32, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.used >= maxID {
		return 0, errNoFreeID
	}

	for {
		id := a.offset % maxID
		a.offset++
		word, bit := id/64, id%64
		if a.bitmap[word]&(1<<bit) == 0 {
			a.bitmap[word] |= 1 << bit
			a.used++
			return id, nil
		}
	}
}

func (a *idAllocator) release(id uint32) {
	a.lock.Acquire()
	defer a.lock.Release()
	word, bit := id/64, id%64
	a.bitmap[word] &^= 1 << bit
	a.used--
}

// Pid identifies a process; Tid identifies a thread. Both are carved from
// their own 32768-entry bitmap.
type Pid uint32
type Tid uint32

// InitPid is the process every orphaned child is reparented to.
const InitPid Pid = 1

var (
	pidSpace idAllocator
	tidSpace idAllocator
)

func generatePid() (Pid, *kernel.Error) {
	id, err := pidSpace.generate()
	if err != nil {
		return 0, errNoFreePid
	}
	return Pid(id), nil
}

func releasePid(pid Pid) { pidSpace.release(uint32(pid)) }

func generateTid() (Tid, *kernel.Error) {
	id, err := tidSpace.generate()
	if err != nil {
		return 0, errNoFreeTid
	}
	return Tid(id), nil
}

func releaseTid(tid Tid) { tidSpace.release(uint32(tid)) }
