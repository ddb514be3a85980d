package main

import (
	"silicium/kernel/boot"
	"silicium/kernel/kmain"
)

// bootResponse, kernelImageStart and kernelImageEnd are populated by
// architecture-specific entry glue (not Go code) before main runs: the
// bootloader-provided Response record and the physical bounds of the
// kernel image itself, the latter needed by kmain to reserve the frames
// backing the frame-info array before that array exists.
var (
	bootResponse     boot.Response
	kernelImageStart uintptr
	kernelImageEnd   uintptr
)

// main is the only Go symbol visible to the rt0 entry glue. It is a
// trampoline for kmain.Kmain, the real kernel entrypoint: referencing the
// package-level vars as arguments (rather than inlining their access into
// kmain.Kmain directly) keeps the Go compiler from proving this call is
// unreachable and discarding the rest of the kernel from the generated
// object file.
//
// main never returns: kmain.Kmain ends in a permanent HLT loop once the
// scheduler has taken over.
func main() {
	kmain.Kmain(bootResponse, kernelImageStart, kernelImageEnd)
}
