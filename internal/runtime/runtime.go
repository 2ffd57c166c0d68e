// Package runtime implements Fast Reference Counting: a lock-free,
// deferred reference-counting scheme where readers pin objects into a
// thread-local slot instead of taking a full atomic increment on every
// access, and an epoch-based help-router cooperatively reconciles the
// resulting deferred decrements in the background.
package runtime

import (
	stdrt "runtime"

	"github.com/terrainfrc/frc/internal/exception"
)

// Runtime owns one HelpRouter and the metrics registry every
// registered thread reports into. Most processes need exactly one;
// tests construct several to keep metrics registries independent.
type Runtime struct {
	config     RuntimeConfig
	metrics    *Metrics
	helpRouter *HelpRouter
}

// NewRuntime builds a Runtime from DefaultRuntimeConfig with opts
// applied on top. Returns an error if the resulting config fails
// validation (e.g. a non-positive help-group count).
func NewRuntime(opts ...Option) (*Runtime, error) {
	cfg := DefaultRuntimeConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var m *Metrics
	if cfg.EnableMetrics {
		m = NewMetrics()
	}

	return &Runtime{
		config:     cfg,
		metrics:    m,
		helpRouter: newHelpRouter(cfg.NumHelpGroups, m),
	}, nil
}

// Metrics returns the runtime's Prometheus registry, or nil if
// WithMetrics(false) was set. Callers register this with their own
// /metrics handler.
func (rt *Runtime) Metrics() *Metrics { return rt.metrics }

// Token represents one thread's (goroutine's) registration with the
// runtime. Every pointer operation takes a *Token explicitly: Go has
// no thread-local storage a runtime can reach into on its own, so the
// token is the idiomatic stand-in for the reference implementation's
// extern-tls ThreadData* (see SPEC_FULL.md's Go Translation
// Decisions). A Token must never be shared across goroutines.
type Token struct {
	rt    *Runtime
	td    *ThreadData
	depth int
}

func (tok *Token) threadData() *ThreadData {
	exception.CheckPrecondition(tok != nil && tok.td != nil, "pointer operation called with an unregistered Token")
	return tok.td
}

// Register creates a new Token bound to a freshly allocated
// ThreadData and enqueues it with the help router for the
// phase currently in progress.
func (rt *Runtime) Register() *Token {
	td := newThreadData(rt.metrics)
	td.helpRouter = rt.helpRouter
	rt.helpRouter.addThread(td)
	if rt.metrics != nil {
		rt.metrics.ThreadsRegistered.Inc()
	}
	trace("thread registered, subqueue=%d", td.subqueue)
	return &Token{rt: rt, td: td, depth: 1}
}

// Register, called on an existing Token, models re-entrant
// registration: a goroutine that is already registered and enters a
// nested scope that also wants a Token gets the same one back, with
// its nesting depth incremented. Unregister must be called once per
// Register call (including the original) before the underlying
// ThreadData actually detaches.
func (tok *Token) Register() *Token {
	exception.CheckPrecondition(tok != nil, "Register called on a nil Token")
	tok.depth++
	return tok
}

// Unregister reverses one Register call. Once the nesting depth
// reaches zero, the underlying ThreadData is marked detached and this
// call performs help-router work (for any thread) until
// isReadyToDestruct holds or numTryHelpCallsOnUnregister attempts have
// been made, mirroring the reference implementation's bounded-effort
// drain. It can therefore return while some of its decrements are
// still outstanding; the help router keeps cycling the ThreadData until
// its log has drained.
func (tok *Token) Unregister() {
	exception.CheckPrecondition(tok != nil, "Unregister called on a nil Token")
	tok.depth--
	if tok.depth > 0 {
		return
	}

	tok.td.detach()
	if tok.rt.metrics != nil {
		tok.rt.metrics.ThreadsDetached.Inc()
	}
	trace("thread detached, subqueue=%d", tok.td.subqueue)

	for i := 0; i < numTryHelpCallsOnUnregister && !tok.td.isReadyToDestruct(); i++ {
		tok.rt.helpRouter.tryHelp(tok.td)
	}
}

// Collect synchronously drives the help router until its phase has
// flipped twice (one scan and one sweep completed), or until
// collectIdleLimit consecutive attempts find no work. A logged
// decrement is applied only after its owner has published it (in
// help() or at Unregister), a sweep rollover has captured it, and a
// later sweep has processed it, so one Collect call does not by itself
// guarantee that every decrement logged before it has been applied. A
// registered-but-idle thread is perpetually recycled between the scan
// and sweep queues by design (see HelpRouter.collect), so waiting for
// the queues to empty would never return; Collect instead watches the
// router's phase-flip generation counter. It has no ThreadData of its own, so it
// participates purely as an anonymous helper; intended for tests and
// explicit quiescence points rather than the steady-state hot path,
// where back-pressure inside help() already keeps up.
func (rt *Runtime) Collect() {
	start := rt.helpRouter.generation.Load()
	idle := 0
	for rt.helpRouter.generation.Load() < start+2 {
		if rt.helpRouter.tryHelpAny() {
			idle = 0
			continue
		}
		idle++
		if idle > collectIdleLimit {
			// No registered thread to advance the phase: nothing left
			// to drain (e.g. every thread already detached and drained
			// before Collect was called).
			return
		}
		stdrt.Gosched()
	}
}
