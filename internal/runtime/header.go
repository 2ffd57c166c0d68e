package runtime

import (
	"reflect"
	"sync"
	"unsafe"

	"go.uber.org/atomic"

	"github.com/terrainfrc/frc/internal/errors"
	"github.com/terrainfrc/frc/internal/exception"
)

// Destructible is implemented by managed types that need to release
// resources (file descriptors, external handles, ...) when their
// refcount reaches zero. Go's own memory is reclaimed by the garbage
// collector once the last managed pointer to an allocation is
// released, so the destructor table below only needs to run this
// interface's method — it never frees raw memory, unlike the
// reference implementation's free(header).
type Destructible interface {
	FRCDestroy()
}

// objectHeader is the per-allocation metadata prefixing every managed
// object: an atomic reference count, a type code identifying the
// destructor to invoke, and (for arrays) the element count.
type objectHeader struct {
	count    atomic.Int32
	typeCode int32
	length   int32 // -1 for scalar allocations
}

const scalarLength = -1

// increment bumps the reference count. Overflow is not checked: the
// practical ceiling is far beyond any realistic number of live pins.
func (h *objectHeader) increment() {
	h.count.Inc()
}

// tryDecrement decrements only if doing so cannot bring the count to
// zero, returning whether it did. A false result leaves the count
// untouched — the caller is responsible for logging a deferred
// decrement instead, which is resolved in a later sweep.
func (h *objectHeader) tryDecrement() bool {
	for {
		old := h.count.Load()
		if old < 2 {
			return false
		}
		if h.count.CAS(old, old-1) {
			return true
		}
	}
}

// decrementAndDestroy unconditionally decrements the count and, if it
// reaches zero, looks up and runs the type's destructor. Reports
// whether this call was the one that brought the count to zero, so
// callers can track destruction without a second, racy load.
func (h *objectHeader) decrementAndDestroy(objPtr unsafe.Pointer) bool {
	if h.count.Dec() == 0 {
		runDestructor(h.typeCode, objPtr)
		return true
	}
	return false
}

// arrayLength returns the stored element count. Valid only for
// allocations made with allocateArray (MakeSharedArray);
// exception.CheckPrecondition guards misuse.
func (h *objectHeader) arrayLength() int {
	exception.CheckPrecondition(h.length >= 0, "length() called on a non-array allocation")
	return int(h.length)
}

// managedObject is one scalar managed allocation: header immediately
// followed by the value, as a single Go struct/allocation so that
// getObjectHeader can recover the header in O(1) via a direct pointer
// cast instead of C++-style address arithmetic.
type managedObject[T any] struct {
	header objectHeader
	value  T
}

// managedArray is the array-allocation counterpart (ArrayHeader.h):
// the header (whose length field holds the element count) and the
// backing slice.
type managedArray[T any] struct {
	header objectHeader
	data   []T
}

// getObjectHeader recovers the header from a pointer to a
// managedObject[T] or managedArray[T]. Because objectHeader is the
// first field of both, the struct's address and the header's address
// coincide — this is the Go-safe equivalent of the original's
// "object address - sizeof(header)" arithmetic.
func getObjectHeader(ptr unsafe.Pointer) *objectHeader {
	exception.CheckNullPointer(ptr, "getObjectHeader")
	return (*objectHeader)(ptr)
}

// destructor table: process-wide, append-only, keyed by a dense type
// code assigned on first use of a type. Looked up once per Make call,
// never on the pin/read hot path.
var destructorTable struct {
	mu        sync.RWMutex
	fns       []func(unsafe.Pointer)
	typeCodes map[reflect.Type]int32
}

func init() {
	destructorTable.typeCodes = make(map[reflect.Type]int32)
}

func runDestructor(typeCode int32, objPtr unsafe.Pointer) {
	destructorTable.mu.RLock()
	fn := destructorTable.fns[typeCode]
	destructorTable.mu.RUnlock()
	fn(objPtr)
}

// typeCodeFor returns the dense type code for T, registering its
// destructor dispatch function on first use. Callers pass the managed
// wrapper type (managedObject[X] or managedArray[X]) as T, so a scalar
// and an array allocation of the same element type get distinct codes.
func typeCodeFor[T any](destroy func(unsafe.Pointer)) int32 {
	rt := reflect.TypeOf((*T)(nil)).Elem()

	destructorTable.mu.RLock()
	code, ok := destructorTable.typeCodes[rt]
	destructorTable.mu.RUnlock()
	if ok {
		return code
	}

	destructorTable.mu.Lock()
	defer destructorTable.mu.Unlock()
	if code, ok := destructorTable.typeCodes[rt]; ok {
		return code
	}

	code = int32(len(destructorTable.fns))
	destructorTable.fns = append(destructorTable.fns, destroy)
	destructorTable.typeCodes[rt] = code
	return code
}

func scalarTypeCode[T any]() int32 {
	return typeCodeFor[managedObject[T]](func(ptr unsafe.Pointer) {
		mo := (*managedObject[T])(ptr)
		if d, ok := any(&mo.value).(Destructible); ok {
			d.FRCDestroy()
		}
		var zero T
		mo.value = zero
	})
}

func arrayTypeCode[T any]() int32 {
	return typeCodeFor[managedArray[T]](func(ptr unsafe.Pointer) {
		ma := (*managedArray[T])(ptr)
		for i := range ma.data {
			if d, ok := any(&ma.data[i]).(Destructible); ok {
				d.FRCDestroy()
			}
		}
		ma.data = nil
	})
}

// allocateObject constructs a new managedObject[T] holding value and
// returns its address as the "object pointer" pointer flavors store.
// Go's allocator does not expose a recoverable out-of-memory signal
// (exhaustion is a fatal runtime error, not a panic a caller can
// handle), so this function performs no allocation-failure check and
// always returns a nil error. Host-allocator exhaustion is outside
// what it can observe, unlike the reference implementation, where
// malloc returning null is routine.
func allocateObject[T any](value T) (unsafe.Pointer, error) {
	mo := &managedObject[T]{value: value}
	mo.header.typeCode = scalarTypeCode[T]()
	mo.header.length = scalarLength
	mo.header.count.Store(1)
	return unsafe.Pointer(mo), nil
}

// allocateArray constructs a new managedArray[T] of length n.
func allocateArray[T any](n int) (unsafe.Pointer, error) {
	if n < 0 {
		return nil, errors.InvalidSize(uintptr(n), "MakeArray")
	}
	ma := &managedArray[T]{data: make([]T, n)}
	ma.header.typeCode = arrayTypeCode[T]()
	ma.header.length = int32(n)
	ma.header.count.Store(1)
	return unsafe.Pointer(ma), nil
}
