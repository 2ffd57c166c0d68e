package runtime

import (
	stdrt "runtime"

	"github.com/terrainfrc/frc/internal/errors"
)

// Tuning constants, taken directly from the reference implementation's
// FRCConstants rather than re-derived. logSize is the working-set basis
// for the back-pressure thresholds; logBufferSize is the ring's actual
// physical capacity. They are deliberately distinct.
const (
	pinSetSize         = 128
	protectedBlockSize = 128 // must equal pinSetSize

	logBlockSize  = 256
	logSize       = 1 << 21 // working-set threshold basis
	logBufferSize = 1 << 22 // must be a power of two
	logMask       = logBufferSize - 1

	baseHelpInterval                     = 64
	maxLogSizeBeforeHelpIntervalReduction = logSize / 2
	maxLogSizeBeforeBlockingHelpCall      = logSize - 32*logBlockSize
	numHelpAttemptsBeforeBlocking         = 64
	numTryHelpCallsOnUnregister           = 1024

	enableSemiDeferredDecrements = false // left unimplemented, see DESIGN.md
	enableCheckedDecrements      = false
)

// helpIntervalReductionConstant is computed rather than a const because
// it involves a float division the const block keeps as untyped
// otherwise; see ThreadData.help() for its use.
var helpIntervalReductionConstant = float64(logSize-maxLogSizeBeforeHelpIntervalReduction) / baseHelpInterval

const (
	phaseScan  = 0
	phaseSweep = 1
)

// collectIdleLimit bounds how many consecutive empty tryHelpAny calls
// Runtime.Collect tolerates before concluding there is no registered
// thread left to advance the phase.
const collectIdleLimit = 10000

// RuntimeConfig tunes a Runtime instance. Its zero value is not usable;
// construct one with DefaultRuntimeConfig() and override fields, or use
// the functional Option constructors with NewRuntime.
type RuntimeConfig struct {
	// NumHelpGroups sizes the HelpRouter's per-phase subqueue count.
	// The reference implementation uses 2x hardware concurrency.
	NumHelpGroups int

	// EnableMetrics controls whether a Runtime builds and exposes a
	// Prometheus registry. Disabling it avoids the counter-increment
	// cost on the hottest paths (increment/decrement) for callers that
	// don't scrape metrics.
	EnableMetrics bool
}

// DefaultRuntimeConfig returns the configuration used when NewRuntime is
// called with no options.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		NumHelpGroups: 2 * stdrt.NumCPU(),
		EnableMetrics: true,
	}
}

// Option configures a RuntimeConfig, following the functional-options
// idiom this corpus uses for its various New*(config) constructors.
type Option func(*RuntimeConfig)

// WithHelpGroups overrides the HelpRouter's subqueue count.
func WithHelpGroups(n int) Option {
	return func(c *RuntimeConfig) { c.NumHelpGroups = n }
}

// WithMetrics toggles Prometheus instrumentation.
func WithMetrics(enabled bool) Option {
	return func(c *RuntimeConfig) { c.EnableMetrics = enabled }
}

func (c RuntimeConfig) validate() error {
	if c.NumHelpGroups <= 0 {
		return errors.InvalidConfig("NumHelpGroups", c.NumHelpGroups, "must be positive")
	}
	return nil
}
