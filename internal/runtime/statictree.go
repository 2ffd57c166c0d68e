package runtime

import (
	"math/rand"

	"go.uber.org/atomic"
)

// notFoundLeaf is returned by findAcquired when the tree currently
// has no acquired leaf (or a race made it appear that way).
const notFoundLeaf = -1

// StaticTreeRouter is a perfect binary tree over numInputs leaves.
// Each interior node carries a two-bit status: bit 0 set means the
// left child's subtree has at least one acquired leaf, bit 1 the
// right child's. Status updates use lock-free CAS retry loops rather
// than per-node spin mutexes (see DESIGN.md's Open Question note —
// both are permitted by spec.md §9, and sync/atomic's CAS makes the
// lock-free form the simpler one to get right in Go).
type StaticTreeRouter struct {
	status    []atomic.Uint32 // indices [1, numLeaves), node 1 is the root
	numInputs int
	numLeaves int
}

func newStaticTreeRouter(numInputs int) *StaticTreeRouter {
	numLeaves := roundUpPow2(numInputs)
	if numLeaves < 2 {
		numLeaves = 2
	}
	return &StaticTreeRouter{
		status:    make([]atomic.Uint32, numLeaves),
		numInputs: numInputs,
		numLeaves: numLeaves,
	}
}

func roundUpPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// leafMask returns the bit a leaf/internal node contributes to its
// parent's status: even-numbered nodes are left children (bit 0),
// odd-numbered are right children (bit 1).
func leafMask(nodeIndex int) uint32 {
	if nodeIndex%2 == 0 {
		return 1
	}
	return 2
}

// acquire walks from leaf to root, setting the appropriate parent bit
// at each level. It stops early once a level's bit is already set,
// since every ancestor above that point already reflects "acquired".
func (r *StaticTreeRouter) acquire(leaf int) {
	idx := r.numLeaves + leaf
	for idx > 1 {
		parent := idx / 2
		mask := leafMask(idx)
		for {
			old := r.status[parent].Load()
			if old&mask != 0 {
				return
			}
			if r.status[parent].CAS(old, old|mask) {
				break
			}
		}
		idx = parent
	}
}

// release walks from leaf to root clearing the appropriate bit,
// stopping early if the sibling bit is still set (the parent must
// remain "acquired" as long as any descendant is). Used by the
// "router" tree, whose callers only care that the subqueue is
// findable again, not whether this particular call emptied the root.
func (r *StaticTreeRouter) release(leaf int) {
	r.doRelease(leaf)
}

// cyclicRelease performs the same walk as release but reports whether
// this call was the one that cleared the root. Used by the "barrier"
// tree, whose callers need that signal to know when every subqueue
// has finished the current phase and it's safe to flip to the next.
func (r *StaticTreeRouter) cyclicRelease(leaf int) bool {
	return r.doRelease(leaf)
}

func (r *StaticTreeRouter) doRelease(leaf int) bool {
	idx := r.numLeaves + leaf
	clearedRoot := false
	for idx > 1 {
		parent := idx / 2
		mask := leafMask(idx)
		siblingMask := mask ^ 3
		for {
			old := r.status[parent].Load()
			newVal := old &^ mask
			if r.status[parent].CAS(old, newVal) {
				if newVal&siblingMask != 0 {
					return false // sibling still acquired; parent stays acquired
				}
				clearedRoot = parent == 1
				break
			}
		}
		idx = parent
	}
	return clearedRoot
}

// findAcquired descends from the root, following a set bit at each
// level (randomizing the tie-break when both are set, so concurrent
// helpers diverge to different leaves). Returns notFoundLeaf if the
// root is clear; callers must treat that as "try again", since a
// concurrent release can race a concurrent acquire.
func (r *StaticTreeRouter) findAcquired() int {
	idx := 1
	for idx < r.numLeaves {
		st := r.status[idx].Load()
		switch {
		case st == 0:
			return notFoundLeaf
		case st == 3:
			if rand.Intn(2) == 0 {
				idx = 2 * idx
			} else {
				idx = 2*idx + 1
			}
		case st&1 != 0:
			idx = 2 * idx
		default:
			idx = 2*idx + 1
		}
	}
	return idx - r.numLeaves
}

// rootStatus reports whether the root currently has any acquired leaf.
func (r *StaticTreeRouter) rootStatus() bool {
	return r.status[1].Load() != 0
}
