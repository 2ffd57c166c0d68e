package runtime

import (
	"unsafe"

	"go.uber.org/atomic"
)

const numMarkBlocks = pinSetSize / protectedBlockSize

// dequeueHandler is invoked by mark/sweep with whether this call
// consumed the thread's last outstanding block for the current phase,
// letting the HelpRouter decide whether to dequeue the thread.
type dequeueHandler func(lastTask bool)

// ThreadData is the per-thread aggregate: one PinSet, one DecrementLog,
// the phase-task progress counters, and the detached/helping flags.
// Created at registration, reaped by the HelpRouter once the owner has
// detached and its log has fully drained (isReadyToDestruct).
type ThreadData struct {
	pinSet *PinSet
	log    *DecrementLog

	helping  bool // re-entrancy guard; touched only by the owner thread
	detached atomic.Bool

	lastMarkIndex          int
	numRemainingScanBlocks atomic.Uint32

	numRemainingDecrementBlocks atomic.Int64 // -1 is the "nothing captured yet" sentinel

	lastPhaseDispatched uint32
	subqueue            uint32

	helpRouter *HelpRouter
	metrics    *Metrics
}

func newThreadData(metrics *Metrics) *ThreadData {
	td := &ThreadData{
		pinSet:  newPinSet(),
		log:     newDecrementLog(),
		metrics: metrics,
	}
	td.numRemainingDecrementBlocks.Store(-1)
	td.numRemainingScanBlocks.Store(numMarkBlocks)
	return td
}

// registerDecrement is the producer-side entry point used by pointer
// writes/destructors: try the fast path first (tryDecrement), falling
// back to logging a deferred decrement for the sweep phase to resolve.
func (td *ThreadData) registerDecrement(objPtr unsafe.Pointer) {
	if objPtr == nil {
		return
	}
	header := getObjectHeader(objPtr)
	if td.metrics != nil {
		td.metrics.Decrements.Inc()
	}
	if !header.tryDecrement() {
		td.logDecrement(header)
	}
}

// logDecrement appends header to the decrement log, triggering help()
// if the help threshold was just crossed.
func (td *ThreadData) logDecrement(header *objectHeader) {
	crossed := td.log.enqueue(header)
	if td.metrics != nil {
		td.metrics.observeLogSeparation(bufferSeparation(td.log.consumerIndex, td.log.decrementIndex))
	}
	if crossed {
		td.help()
	}
}

// tryHelp dispatches one phase task (mark for scan, sweep for sweep).
func (td *ThreadData) tryHelp(phase byte, handler dequeueHandler) bool {
	if phase == phaseScan {
		return td.mark(handler)
	}
	return td.sweep(handler)
}

// help drives the HelpRouter until either the owner's log has enough
// headroom to wait another interval, or the buffer is critically full
// and a blocking help call is required. The "helping" flag prevents
// destructor cascades triggered from inside help() from recursing.
func (td *ThreadData) help() {
	td.log.decrementIndex &= logMask
	td.log.lastHelpIndex.Store(td.log.decrementIndex)

	if td.helping {
		return
	}

	td.log.helpIndex = logBufferSize
	td.helping = true

	for {
		bufferUsed := bufferSeparation(td.log.consumerIndex, td.log.decrementIndex)
		if td.metrics != nil {
			td.metrics.HelpCalls.Inc()
			td.metrics.observeLogSeparation(bufferUsed)
		}
		if bufferUsed <= maxLogSizeBeforeBlockingHelpCall {
			td.helpRouter.tryHelp(td)
		} else {
			if td.metrics != nil {
				td.metrics.BlockingHelps.Inc()
			}
			td.helpRouter.help(td)
		}

		bufferUsed = bufferSeparation(td.log.consumerIndex, td.log.decrementIndex)
		interval := uint64(baseHelpInterval)
		if bufferUsed > maxLogSizeBeforeHelpIntervalReduction {
			excess := bufferUsed - maxLogSizeBeforeHelpIntervalReduction
			divisor := 1 + float64(excess)/helpIntervalReductionConstant
			interval = uint64(float64(interval) / divisor)
		}
		if interval < 1 {
			continue // extreme pressure: keep helping without resetting the gate
		}

		if td.log.decrementIndex+interval < logBufferSize {
			td.log.helpIndex = td.log.decrementIndex + interval
		} else {
			td.log.helpIndex = logBufferSize
		}
		td.helping = false
		return
	}
}

// detach marks this thread as no longer participating; the HelpRouter
// reaps the ThreadData once allWorkComplete also holds.
func (td *ThreadData) detach() {
	td.log.lastHelpIndex.Store(td.log.decrementIndex)
	td.detached.Store(true)
}

func (td *ThreadData) isReadyToDestruct() bool {
	return td.allWorkComplete() && td.detached.Load()
}

func (td *ThreadData) allWorkComplete() bool {
	return td.log.decrementIndex == td.log.consumerIndex
}

// mark is the scan-phase task: walk one block of pin slots, promoting
// every live pinned pointer into a paired (increment, deferred
// decrement). The deferred decrement is logged into this helper's own
// log, so it is only resolved in the *next* sweep — guaranteeing the
// object survives at least until every thread has finished observing
// it as pinned.
func (td *ThreadData) mark(handler dequeueHandler) bool {
	begin := td.lastMarkIndex
	end := begin + protectedBlockSize
	td.lastMarkIndex = end
	handler(td.lastMarkIndex >= pinSetSize)

	for i := begin; i < end; i++ {
		slot := td.pinSet.slotAddr(i)
		var ptr unsafe.Pointer
		for {
			ptr = loadSlot(slot)
			if ptr != busySignal {
				break
			}
		}

		if !td.pinSet.isValid(ptr) {
			continue
		}

		header := getObjectHeader(ptr)
		header.increment()
		if td.metrics != nil {
			td.metrics.Increments.Inc()
		}
		td.logDecrement(header)
	}

	return td.numRemainingScanBlocks.Dec() == 0
}

// sweep is the sweep-phase task: walk one block of the captured
// decrement window, retiring each entry.
func (td *ThreadData) sweep(handler dequeueHandler) bool {
	begin := td.log.consumerIndex
	blockSize := uint64(logBlockSize)
	if sep := bufferSeparation(td.log.consumerIndex, td.log.captureIndex); sep < blockSize {
		blockSize = sep
	}
	td.log.consumerIndex = (begin + blockSize) & logMask
	handler(td.log.consumerIndex == td.log.captureIndex)

	for i := begin; i < begin+blockSize; i++ {
		idx := i & logMask
		header := td.log.buffer[idx]
		td.log.buffer[idx] = nil
		if header.decrementAndDestroy(unsafe.Pointer(header)) && td.metrics != nil {
			td.metrics.ObjectsDestroyed.Inc()
			td.metrics.ObjectsLive.Dec()
		}
	}

	if td.numRemainingDecrementBlocks.Dec() > 0 {
		return false
	}

	// last-out: roll the phase over for this thread.
	td.log.captureIndex = td.log.lastHelpIndex.Load()

	delta := bufferSeparation(td.log.consumerIndex, td.log.captureIndex)
	var numSweepBlocks int64
	if delta == 0 {
		numSweepBlocks = -1
	} else {
		numSweepBlocks = int64(ceilDiv(delta, logBlockSize))
	}
	td.numRemainingDecrementBlocks.Store(numSweepBlocks)

	td.lastMarkIndex = 0
	td.numRemainingScanBlocks.Store(numMarkBlocks)

	return true
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}
