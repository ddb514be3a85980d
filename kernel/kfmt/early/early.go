// Package early provides a Printf implementation that is safe to call before
// the kernel has selected an output sink (console, serial port, ...). Output
// is routed through kfmt so that early boot messages end up in the same ring
// buffer that later gets flushed to whatever sink SetOutputSink installs.
package early

import "silicium/kernel/kfmt"

// Printf formats according to the kfmt subset of verbs and queues the result
// until a sink is installed via kfmt.SetOutputSink.
func Printf(format string, args ...interface{}) {
	kfmt.Printf(format, args...)
}
