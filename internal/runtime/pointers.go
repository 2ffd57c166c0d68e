package runtime

import (
	"sync/atomic"
	"unsafe"

	"github.com/terrainfrc/frc/internal/exception"
)

// SharedPointer is an owning, refcounted handle to a managed scalar
// allocation. Copies must go through Clone (which increments) rather
// than a bare Go assignment, since a bare copy would duplicate
// ownership of the same reference count without acquiring a new one.
type SharedPointer[T any] struct {
	ptr unsafe.Pointer
}

// MakeShared allocates a new managed T and returns the first owning
// reference to it.
func MakeShared[T any](tok *Token, value T) (SharedPointer[T], error) {
	raw, err := allocateObject[T](value)
	if err != nil {
		if m := tok.threadData().metrics; m != nil {
			m.AllocationFailures.Inc()
		}
		return SharedPointer[T]{}, err
	}
	if m := tok.threadData().metrics; m != nil {
		m.ObjectsLive.Inc()
	}
	return SharedPointer[T]{ptr: raw}, nil
}

// IsNil reports whether this handle currently owns nothing.
func (sp SharedPointer[T]) IsNil() bool { return sp.ptr == nil }

// Get returns a pointer to the underlying value, or nil if IsNil.
// The returned pointer is valid only as long as the SharedPointer (or
// a clone of it) is held; it does not itself pin the object.
func (sp SharedPointer[T]) Get() *T {
	if sp.ptr == nil {
		return nil
	}
	return &(*managedObject[T])(sp.ptr).value
}

// Clone increments the reference count and returns a second owning
// handle to the same object.
func (sp SharedPointer[T]) Clone() SharedPointer[T] {
	if sp.ptr != nil {
		getObjectHeader(sp.ptr).increment()
	}
	return SharedPointer[T]{ptr: sp.ptr}
}

// Release drops this handle's reference, logging a deferred decrement
// with tok's thread if the fast in-place decrement can't prove it
// safe. After Release, sp no longer owns anything.
func (sp *SharedPointer[T]) Release(tok *Token) {
	if sp.ptr == nil {
		return
	}
	tok.threadData().registerDecrement(sp.ptr)
	sp.ptr = nil
}

// SharedArrayPointer is the array-allocation counterpart of
// SharedPointer, carrying its element count alongside the handle so
// Len doesn't need a header dereference on every call.
type SharedArrayPointer[T any] struct {
	ptr unsafe.Pointer
	n   int
}

// MakeSharedArray allocates a managed array of n zero-valued T.
func MakeSharedArray[T any](tok *Token, n int) (SharedArrayPointer[T], error) {
	raw, err := allocateArray[T](n)
	if err != nil {
		if m := tok.threadData().metrics; m != nil {
			m.AllocationFailures.Inc()
		}
		return SharedArrayPointer[T]{}, err
	}
	if m := tok.threadData().metrics; m != nil {
		m.ObjectsLive.Inc()
	}
	return SharedArrayPointer[T]{ptr: raw, n: n}, nil
}

func (sp SharedArrayPointer[T]) IsNil() bool { return sp.ptr == nil }
func (sp SharedArrayPointer[T]) Len() int    { return sp.n }

// Index returns a pointer to element i. Bounds are checked against the
// length of the allocation's backing slice via exception.CheckBounds,
// so an out-of-range index is reported to the exception handler, not
// returned as an error.
func (sp SharedArrayPointer[T]) Index(i int) *T {
	ma := (*managedArray[T])(sp.ptr)
	exception.CheckBounds(i, len(ma.data), "SharedArrayPointer")
	return &ma.data[i]
}

func (sp SharedArrayPointer[T]) Clone() SharedArrayPointer[T] {
	if sp.ptr != nil {
		getObjectHeader(sp.ptr).increment()
	}
	return sp
}

func (sp *SharedArrayPointer[T]) Release(tok *Token) {
	if sp.ptr == nil {
		return
	}
	tok.threadData().registerDecrement(sp.ptr)
	sp.ptr = nil
	sp.n = 0
}

// AtomicPointer is the hot-path concurrent slot: many readers call
// Load while at most one writer calls Store, with no locking on
// either side. Load publishes the value it observes into one of the
// calling thread's pin slots before trusting it, so a concurrent
// sweep can never destroy an object a reader is actively examining
// (spec.md §4.3/§4.4's "pin, then validate" protocol).
type AtomicPointer[T any] struct {
	raw unsafe.Pointer
}

// NewAtomicPointer builds an AtomicPointer taking initial ownership of
// sp's reference (sp is left empty).
func NewAtomicPointer[T any](sp *SharedPointer[T]) *AtomicPointer[T] {
	a := &AtomicPointer[T]{raw: sp.ptr}
	sp.ptr = nil
	return a
}

// Load returns a new owning reference to the currently stored object.
// It pins the raw value into a free pin slot, then re-checks raw
// hasn't moved since: if it has, a concurrent Store could have handed
// the old object to the sweeper between the read and the publish, so
// the attempt is retried rather than trusted.
func (a *AtomicPointer[T]) Load(tok *Token) SharedPointer[T] {
	td := tok.threadData()
	slot := td.pinSet.acquire()
	defer td.pinSet.release(slot)

	for {
		storeSlot(slot, busySignal)
		ptr := atomic.LoadPointer(&a.raw)
		storeSlot(slot, ptr)
		if atomic.LoadPointer(&a.raw) == ptr {
			if ptr != nil {
				getObjectHeader(ptr).increment()
			}
			return SharedPointer[T]{ptr: ptr}
		}
	}
}

// Store atomically replaces the stored reference with sp's, taking
// ownership of sp's reference (sp is left empty) and logging a
// deferred decrement of whatever was previously stored.
func (a *AtomicPointer[T]) Store(tok *Token, sp *SharedPointer[T]) {
	newRaw := sp.ptr
	sp.ptr = nil
	old := atomic.SwapPointer(&a.raw, newRaw)
	if old != nil {
		tok.threadData().registerDecrement(old)
	}
}

// CompareAndSwap replaces the stored reference with sp's only if the
// current value's address equals old, taking ownership of sp's
// reference on success and leaving sp untouched on failure.
func (a *AtomicPointer[T]) CompareAndSwap(tok *Token, old SharedPointer[T], sp *SharedPointer[T]) bool {
	if !atomic.CompareAndSwapPointer(&a.raw, old.ptr, sp.ptr) {
		return false
	}
	sp.ptr = nil
	if old.ptr != nil {
		tok.threadData().registerDecrement(old.ptr)
	}
	return true
}

// PrivatePointer is a hazard-pointer-like read handle: the pin slot
// itself IS the state, not a side effect of acquiring one. Assign
// publishes an AtomicPointer's currently stored value into this
// PrivatePointer's own pin slot using the same publish/validate
// protocol AtomicPointer.Load uses, but WITHOUT incrementing the
// refcount — the object is protected for as long as the slot holds
// it (the mark phase treats every occupied pin slot as reachable),
// not because this handle owns a reference to it. Because no
// increment is ever performed, Release never logs a decrement either;
// it only returns the slot to the owning thread's PinSet free list.
// This is the cheap, short-lived read flavor spec.md §4.3.3 describes
// for hot paths that can't afford SharedPointer's refcount traffic.
type PrivatePointer[T any] struct {
	pinSet *PinSet
	slot   unsafe.Pointer
}

// IsNil reports whether this handle currently has a slot holding a
// non-nil observed value.
func (p *PrivatePointer[T]) IsNil() bool {
	return p.slot == nil || loadSlot(p.slot) == nil
}

// Get returns a pointer to the currently pinned value, or nil if
// IsNil. Valid only until the next Assign or Release on this same
// PrivatePointer.
func (p *PrivatePointer[T]) Get() *T {
	if p.slot == nil {
		return nil
	}
	raw := loadSlot(p.slot)
	if raw == nil {
		return nil
	}
	return &(*managedObject[T])(raw).value
}

// Assign publishes ap's currently stored value into this
// PrivatePointer's pin slot, acquiring one from tok's thread on first
// use and reusing it thereafter. Like AtomicPointer.Load, the publish
// is followed by a re-check of ap's raw value: a concurrent Store
// racing the publish is detected and retried rather than trusted. No
// refcount increment is performed.
func (p *PrivatePointer[T]) Assign(tok *Token, ap *AtomicPointer[T]) {
	td := tok.threadData()
	if p.slot == nil {
		p.pinSet = td.pinSet
		p.slot = td.pinSet.acquire()
	}

	for {
		storeSlot(p.slot, busySignal)
		ptr := atomic.LoadPointer(&ap.raw)
		storeSlot(p.slot, ptr)
		if atomic.LoadPointer(&ap.raw) == ptr {
			return
		}
	}
}

// Release returns the pin slot to its owning thread's PinSet. No
// decrement is logged, since Assign never incremented anything. A
// released PrivatePointer is IsNil until the next Assign.
func (p *PrivatePointer[T]) Release() {
	if p.slot == nil {
		return
	}
	storeSlot(p.slot, nil)
	p.pinSet.release(p.slot)
	p.pinSet = nil
	p.slot = nil
}
