package allocator

import "unsafe"

// unsafePointerFromAddr converts a virtual address to an unsafe.Pointer. It
// exists only to keep the single unsafe cast needed by zero() out of the
// allocator's main control flow.
func unsafePointerFromAddr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}
