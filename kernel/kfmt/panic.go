package kfmt

import (
	"silicium/kernel"
	"silicium/kernel/cpu"
	"silicium/kernel/lapic"
)

var (
	// cpuHaltFn, disableInterruptsFn and broadcastNMIFn are mocked by tests
	// and are automatically inlined by the compiler.
	cpuHaltFn           = cpu.Halt
	disableInterruptsFn = cpu.DisableInterrupts
	broadcastNMIFn      = lapic.BroadcastNMI
	cpuIDFn             = lapic.ID

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Interrupts are disabled first so nothing else runs on this core, every
// other online core is sent an NMI so none of them keep running either, and
// the banner is prefixed with the CPU ID that panicked. Calls to Panic never
// return. Panic also works as a redirection target for calls to panic()
// (resolved via runtime.gopanic)
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	disableInterruptsFn()
	broadcastNMIFn()

	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	Printf("[CPU %d] ", cpuIDFn())
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	} else {
		Printf("unrecoverable error\n")
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
