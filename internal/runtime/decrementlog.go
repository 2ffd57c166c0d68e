package runtime

import (
	"go.uber.org/atomic"
)

// DecrementLog is a thread-owned, power-of-two ring buffer of pending
// object-header decrements. The owner thread is the sole producer;
// help-router workers are the consumers during the sweep phase.
//
// Invariant: consumerIndex <= captureIndex <= decrementIndex, modulo
// logBufferSize.
type DecrementLog struct {
	buffer []*objectHeader

	decrementIndex uint64 // producer cursor (owner writes)
	helpIndex      uint64 // next trigger for help()
	lastHelpIndex  atomic.Uint64 // publication of decrementIndex, visible to helpers

	captureIndex  uint64 // sweep window start, set at phase rollover
	consumerIndex uint64 // sweep dequeue cursor
}

func newDecrementLog() *DecrementLog {
	return &DecrementLog{
		buffer:    make([]*objectHeader, logBufferSize),
		helpIndex: baseHelpInterval,
	}
}

// enqueue writes header at the producer cursor and reports whether the
// help threshold was just crossed, in which case the caller (ThreadData)
// must call help().
func (l *DecrementLog) enqueue(header *objectHeader) bool {
	l.buffer[l.decrementIndex&logMask] = header
	l.decrementIndex++
	return l.decrementIndex == l.helpIndex
}

// bufferSeparation computes the forward distance from `from` to `to`
// around the ring, consistent with the logBufferSize-based mask used
// to index the buffer (see DESIGN.md: the reference implementation
// mixes logSize and logBufferSize here across header variants; this
// repo uses logBufferSize uniformly for ring arithmetic so the mask and
// the separation calculation never disagree).
func bufferSeparation(from, to uint64) uint64 {
	if from <= to {
		return to - from
	}
	return to + (logBufferSize - from)
}

