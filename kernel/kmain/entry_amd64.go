package kmain

// apEntry is the landing point every application processor jumps to once
// smp.StartCPUs pokes it awake via INIT-SIPI-SIPI. It runs from real mode
// through to long mode and then hands the core's boot CPUInfo to APMain;
// the implementation lives in architecture-specific entry glue, not Go.
func apEntry()

// apEntryAddr returns the physical address apEntry is linked at, low enough
// for the SIPI vector encoding (below 1MiB, page-aligned) to address it.
func apEntryAddr() uintptr
