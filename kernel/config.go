package kernel

// Compile-time kernel configuration. A freestanding kernel has no
// filesystem or environment to read configuration from at the point these
// values are needed (before paging and the heap exist), so they are plain
// constants rather than a config file or flag parser.
const (
	// MaxCPU bounds the number of logical CPUs this build supports. It
	// sizes every per-CPU table (GDT, TSS, thread-local info) at compile
	// time.
	MaxCPU = 32

	// KernelHz is the frequency, in Hz, the scheduler's timer tick runs
	// at once a tick source (PIT early, LAPIC once it is up) is
	// programmed.
	KernelHz = 100

	// DefaultQuantum is the number of ticks a thread runs before the
	// scheduler preempts it in favor of the next runnable thread.
	DefaultQuantum = 5
)
