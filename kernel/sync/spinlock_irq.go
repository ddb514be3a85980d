package sync

import "silicium/kernel/cpu"

// interruptsEnabledFn/disableInterruptsFn/enableInterruptsFn indirect
// through the cpu package so tests can exercise IRQSpinlock's save/restore
// behavior without touching RFLAGS.
var (
	interruptsEnabledFn = cpu.InterruptsEnabled
	disableInterruptsFn = cpu.DisableInterrupts
	enableInterruptsFn  = cpu.EnableInterrupts
)

// IRQSpinlock is a Spinlock variant for state that may also be touched from
// interrupt context (the frame allocator, a page-table root, the scheduler
// run list, ...). Acquiring it disables interrupts on the local CPU first,
// so a handler that fires while this CPU already holds the lock cannot spin
// forever waiting for itself to release it; Release restores whatever
// interrupt-enable state was in effect right before Acquire, rather than
// unconditionally turning interrupts back on, so nested IRQSpinlock sections
// compose correctly.
type IRQSpinlock struct {
	inner      Spinlock
	wasEnabled bool
}

// Acquire disables interrupts on the local CPU, then blocks until the lock
// is held.
func (l *IRQSpinlock) Acquire() {
	wasEnabled := interruptsEnabledFn()
	disableInterruptsFn()
	l.inner.Acquire()
	l.wasEnabled = wasEnabled
}

// Release releases the lock and restores the interrupt-enable state that
// was in effect when the matching Acquire was called.
func (l *IRQSpinlock) Release() {
	wasEnabled := l.wasEnabled
	l.inner.Release()
	if wasEnabled {
		enableInterruptsFn()
	}
}
