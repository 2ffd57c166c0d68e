package runtime

import "log"

// traceEnabled gates the phase-transition/registration tracing below.
// It mirrors the reference implementation's dout() debug-build gate:
// off by default, flippable by a test or an embedding application that
// wants to watch the epoch machine step by step.
var traceEnabled = false

func trace(format string, args ...interface{}) {
	if !traceEnabled {
		return
	}
	log.Printf("[frc] "+format, args...)
}
