// Package kernel contains types shared across every kernel subsystem,
// chiefly the common error representation returned by subsystem contracts.
package kernel

// Error is the common error type returned by kernel subsystems. Unlike a
// plain string, it carries the originating module so panic banners and log
// lines can attribute a failure without string-building at a point where the
// allocator may not be available.
type Error struct {
	// Module is the short name of the subsystem that raised the error
	// (e.g. "pmm", "vmm", "vmalloc", "sched").
	Module string

	// Message is a human-readable, static description of the failure.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "[" + e.Module + "] " + e.Message
}
