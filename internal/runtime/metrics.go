// Package runtime implements the Fast Reference Counting (FRC) core:
// object headers, pin sets, decrement logs, the two-phase help router,
// and the three pointer flavors built on top of them.
package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// Metrics holds the Prometheus instrumentation for one Runtime. Each
// Runtime owns its own registry rather than registering against the
// global default, so tests can construct many runtimes without
// "duplicate metrics collector registration" panics.
type Metrics struct {
	Registry *prometheus.Registry

	ObjectsLive        prometheus.Gauge
	ObjectsDestroyed   prometheus.Counter
	Increments         prometheus.Counter
	Decrements         prometheus.Counter
	AllocationFailures prometheus.Counter

	PhasesAdvanced    prometheus.Counter
	ThreadsRegistered prometheus.Counter
	ThreadsDetached   prometheus.Counter

	LogHighWaterMark prometheus.Gauge
	HelpCalls        prometheus.Counter
	BlockingHelps    prometheus.Counter

	logHighWaterMarkValue atomic.Uint64
}

// observeLogSeparation updates LogHighWaterMark if sep is the largest
// producer/consumer distance seen yet across any thread's decrement
// log. Gauges have no built-in max-of-observed operation, so the peak
// is tracked separately and only pushed to the gauge when it grows.
func (m *Metrics) observeLogSeparation(sep uint64) {
	for {
		cur := m.logHighWaterMarkValue.Load()
		if sep <= cur {
			return
		}
		if m.logHighWaterMarkValue.CAS(cur, sep) {
			m.LogHighWaterMark.Set(float64(sep))
			return
		}
	}
}

// NewMetrics builds a fresh registry and the FRC counters/gauges
// registered against it, following the promauto.With(registry) pattern
// rather than the package-level promauto.NewX globals.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		ObjectsLive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "frc",
			Name:      "objects_live",
			Help:      "Number of managed objects currently allocated and not yet destroyed.",
		}),
		ObjectsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "frc",
			Name:      "objects_destroyed_total",
			Help:      "Number of managed objects whose refcount reached zero and were destroyed.",
		}),
		Increments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "frc",
			Name:      "increments_total",
			Help:      "Number of reference count increments performed by the scan phase for pinned pointers.",
		}),
		Decrements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "frc",
			Name:      "decrements_total",
			Help:      "Number of reference drops through a handle (release or overwrite), applied in place or logged.",
		}),
		AllocationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "frc",
			Name:      "allocation_failures_total",
			Help:      "Number of managed allocation calls that returned an error (e.g. a negative array length).",
		}),
		PhasesAdvanced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "frc",
			Name:      "phases_advanced_total",
			Help:      "Number of times the help router's scan/sweep phase flipped.",
		}),
		ThreadsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "frc",
			Name:      "threads_registered_total",
			Help:      "Number of threads that registered a Token with the runtime.",
		}),
		ThreadsDetached: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "frc",
			Name:      "threads_detached_total",
			Help:      "Number of threads whose outermost Token was closed.",
		}),
		LogHighWaterMark: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "frc",
			Name:      "decrement_log_high_water_mark",
			Help:      "Largest observed distance between a decrement log's producer and consumer cursors.",
		}),
		HelpCalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "frc",
			Name:      "help_calls_total",
			Help:      "Number of times a thread called into the help router to make progress.",
		}),
		BlockingHelps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "frc",
			Name:      "blocking_help_calls_total",
			Help:      "Number of help calls that blocked because a thread's log neared capacity.",
		}),
	}
}
