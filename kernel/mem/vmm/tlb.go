package vmm

import "silicium/kernel/cpu"

// ShootdownVector is the fixed IDT vector used to request a remote TLB
// flush. It lives in the same numeric space IDT setup reserves for
// architecture-internal vectors, alongside the clock tick.
const ShootdownVector = 0xF0

// flushLocalFn invalidates one TLB entry on the current core. Tests override
// this to avoid issuing a real INVLPG, which requires kernel privilege.
var flushLocalFn = cpu.FlushTLBEntry

// lapicReady reports whether the local APIC subsystem is initialized and it
// is therefore safe to broadcast an IPI. Before SMP bring-up completes, a
// local flush is the only thing that can be correct since no other core is
// running kernel code yet.
var lapicReady = func() bool { return false }

// broadcastShootdown sends ShootdownVector to every other online core. It is
// wired up by kernel/lapic through SetShootdownBroadcast;
// until then it is a no-op (see lapicReady).
var broadcastShootdown = func() {}

// SetShootdownBroadcast installs the functions used to detect LAPIC
// readiness and broadcast the shootdown IPI. Called once during LAPIC
// bring-up.
func SetShootdownBroadcast(ready func() bool, broadcast func()) {
	lapicReady = ready
	broadcastShootdown = broadcast
}

// shootdown implements the cross-core TLB invalidation protocol: a local
// invalidation of vaddr's single TLB entry (flushLocalFn, not a CR3 reload),
// then, only if the local APIC is up, a
// best-effort broadcast IPI asking every other core to flush too. The local
// flush always completes before shootdown returns; the broadcast is
// fire-and-forget.
func shootdown(root *TableRoot, vaddr uintptr) {
	flushLocalFn(vaddr)

	if lapicReady() {
		broadcastShootdown()
	}
}

// HandleShootdownIPI is the remote handler invoked on every other core when
// ShootdownVector fires: it flushes the local TLB entirely and the caller
// (the IDT trampoline) is responsible for sending EOI to the local APIC.
func HandleShootdownIPI() {
	cpu.SwitchPDT(cpu.ActivePDT())
}
