package runtime

import (
	stdrt "runtime"
	"sync"

	"go.uber.org/atomic"
)

// subqueue is one help-router work queue: the threads with outstanding
// phase tasks that hash to this slot. count tracks how many threads
// are enqueued so router/barrier bits can be cleared exactly when the
// subqueue empties.
type subqueue struct {
	mu    sync.Mutex
	queue []*ThreadData
	count atomic.Uint32
}

// phaseQueue is the per-phase (scan or sweep) fan-out structure: one
// StaticTreeRouter locating any non-empty subqueue (router), a second
// tracking which subqueues still owe work before the phase can advance
// (barrier), and the subqueues themselves.
type phaseQueue struct {
	router    *StaticTreeRouter
	barrier   *StaticTreeRouter
	subqueues []*subqueue
}

// HelpRouter is the two-phase cooperative scheduler: every registered
// thread's mark/sweep work is discoverable and stealable by any other
// thread, so a thread under log pressure can always make forward
// progress by helping rather than blocking on its own queue position.
type HelpRouter struct {
	queues       [2]*phaseQueue
	currentPhase atomic.Uint32
	nextSubqueue atomic.Uint32
	numSubqueues int
	metrics      *Metrics

	// generation counts successful phase flips. Registered threads
	// cycle between the scan and sweep queues forever, so the router
	// trees never go empty on their own; Runtime.Collect watches this
	// counter advance instead of waiting for the queues to empty.
	generation atomic.Uint64
}

func newHelpRouter(numSubqueues int, metrics *Metrics) *HelpRouter {
	if numSubqueues < 1 {
		numSubqueues = 1
	}
	hr := &HelpRouter{numSubqueues: numSubqueues, metrics: metrics}
	for p := 0; p < 2; p++ {
		sqs := make([]*subqueue, numSubqueues)
		for i := range sqs {
			sqs[i] = &subqueue{}
		}
		hr.queues[p] = &phaseQueue{
			router:    newStaticTreeRouter(numSubqueues),
			barrier:   newStaticTreeRouter(numSubqueues),
			subqueues: sqs,
		}
	}
	return hr
}

// addThread registers a newly created ThreadData with the router,
// assigning it a subqueue round-robin and enqueuing it for the phase
// currently in progress.
func (hr *HelpRouter) addThread(td *ThreadData) {
	td.subqueue = hr.nextSubqueue.Inc() % uint32(hr.numSubqueues)
	hr.enqueueThread(td, byte(hr.currentPhase.Load()))
}

// enqueueThread appends td to its subqueue for phase, acquiring the
// router/barrier bits for that subqueue if it was previously empty.
func (hr *HelpRouter) enqueueThread(td *ThreadData, phase byte) {
	pq := hr.queues[phase]
	sq := pq.subqueues[td.subqueue]

	sq.mu.Lock()
	wasEmpty := len(sq.queue) == 0
	sq.queue = append(sq.queue, td)
	sq.mu.Unlock()
	sq.count.Inc()

	if wasEmpty {
		pq.router.acquire(int(td.subqueue))
		pq.barrier.acquire(int(td.subqueue))
	}
}

// tryHelp performs one unit of help-router work for the current phase
// if any is available, returning whether it found something to do.
func (hr *HelpRouter) tryHelp(td *ThreadData) bool {
	return hr.tryHelpOnePhase(byte(hr.currentPhase.Load()))
}

func (hr *HelpRouter) tryHelpOnePhase(phase byte) bool {
	pq := hr.queues[phase]
	idx := pq.router.findAcquired()
	if idx == notFoundLeaf {
		return false
	}
	return hr.tryHelpSubqueue(phase, idx)
}

// tryHelpSubqueue dequeues one ThreadData from the given subqueue and
// runs its next phase task. Reports whether it performed work (a
// concurrent racer may have already drained the subqueue).
func (hr *HelpRouter) tryHelpSubqueue(phase byte, index int) bool {
	pq := hr.queues[phase]
	sq := pq.subqueues[index]

	sq.mu.Lock()
	if len(sq.queue) == 0 {
		sq.mu.Unlock()
		return false
	}
	td := sq.queue[0]
	sq.queue = sq.queue[1:]
	sq.mu.Unlock()

	lastTask := false
	td.tryHelp(phase, func(last bool) { lastTask = last })

	if !lastTask {
		sq.mu.Lock()
		sq.queue = append(sq.queue, td)
		sq.mu.Unlock()
		return true
	}

	newCount := sq.count.Dec()
	if newCount == 0 {
		pq.router.release(index)
		if pq.barrier.cyclicRelease(index) {
			hr.tryAdvancePhase(phase)
		}
	}

	hr.collect(td, phase)
	return true
}

// collect decides what happens to a ThreadData once it finishes its
// task quota for a phase: scan completion moves it into the sweep
// queue; sweep completion either retires it (if detached and fully
// drained) or starts it back on the next scan.
func (hr *HelpRouter) collect(td *ThreadData, phase byte) {
	if phase == phaseScan {
		hr.enqueueThread(td, phaseSweep)
		return
	}
	if td.isReadyToDestruct() {
		return
	}
	hr.enqueueThread(td, phaseScan)
}

// help blocks until it has performed at least one unit of work,
// spinning first and yielding the OS thread under sustained pressure.
// Called only from the blocking back-pressure path in ThreadData.help.
func (hr *HelpRouter) help(td *ThreadData) {
	attempts := 0
	for {
		phase := byte(hr.currentPhase.Load())
		if hr.tryHelpOnePhase(phase) {
			return
		}
		attempts++
		if attempts >= numHelpAttemptsBeforeBlocking {
			stdrt.Gosched()
		}
	}
}

// tryHelpAny performs one unit of work from whichever phase has any,
// preferring scan. Used by Runtime.Collect's drain loop, which has no
// ThreadData of its own to report pressure for.
func (hr *HelpRouter) tryHelpAny() bool {
	if hr.tryHelpOnePhase(phaseScan) {
		return true
	}
	return hr.tryHelpOnePhase(phaseSweep)
}

// tryAdvancePhase flips the current phase once completedPhase's
// barrier tree has just gone fully empty. The CAS means only the
// helper that actually observed the transition performs the flip,
// even if multiple subqueues empty out concurrently.
func (hr *HelpRouter) tryAdvancePhase(completedPhase byte) {
	next := uint32(1 - completedPhase)
	if hr.currentPhase.CAS(uint32(completedPhase), next) {
		hr.generation.Inc()
		if hr.metrics != nil {
			hr.metrics.PhasesAdvanced.Inc()
		}
		trace("phase advanced %d -> %d", completedPhase, next)
	}
}
