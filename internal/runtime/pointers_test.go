package runtime

import (
	"sync"
	"testing"
)

func newTestRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := NewRuntime(WithHelpGroups(4))
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	return rt
}

func TestMakeSharedAndRelease(t *testing.T) {
	rt := newTestRuntime(t)
	tok := rt.Register()
	defer tok.Unregister()

	sp, err := MakeShared[int](tok, 42)
	if err != nil {
		t.Fatalf("MakeShared failed: %v", err)
	}
	if sp.IsNil() {
		t.Fatal("expected a non-nil handle")
	}
	if got := *sp.Get(); got != 42 {
		t.Errorf("expected 42, got %d", got)
	}

	clone := sp.Clone()
	sp.Release(tok)
	if got := *clone.Get(); got != 42 {
		t.Errorf("clone should still observe 42 after original release, got %d", got)
	}
	clone.Release(tok)
}

func TestSharedArrayPointer(t *testing.T) {
	rt := newTestRuntime(t)
	tok := rt.Register()
	defer tok.Unregister()

	arr, err := MakeSharedArray[string](tok, 4)
	if err != nil {
		t.Fatalf("MakeSharedArray failed: %v", err)
	}
	if arr.Len() != 4 {
		t.Fatalf("expected length 4, got %d", arr.Len())
	}
	*arr.Index(0) = "a"
	*arr.Index(3) = "d"
	if *arr.Index(0) != "a" || *arr.Index(3) != "d" {
		t.Error("array element writes did not stick")
	}

	panicOnException(t)
	defer func() {
		if recover() == nil {
			t.Error("expected Index out of range to panic via exception.CheckBounds")
		}
	}()
	arr.Index(10)
}

func TestMakeSharedArray_NegativeLength(t *testing.T) {
	rt := newTestRuntime(t)
	tok := rt.Register()
	defer tok.Unregister()

	if _, err := MakeSharedArray[int](tok, -1); err == nil {
		t.Error("expected an error allocating a negative-length array")
	}
}

// TestAtomicPointer_SingleWriterManyReaders exercises the hot read
// path: one goroutine repeatedly stores a fresh object while many
// others concurrently load and release it, checking every observed
// value is one that was genuinely stored (never garbage).
func TestAtomicPointer_SingleWriterManyReaders(t *testing.T) {
	rt := newTestRuntime(t)
	writerTok := rt.Register()
	defer writerTok.Unregister()

	first, err := MakeShared[int](writerTok, 0)
	if err != nil {
		t.Fatalf("MakeShared failed: %v", err)
	}
	ap := NewAtomicPointer[int](&first)

	const writes = 200
	const readers = 8

	var wg sync.WaitGroup
	wg.Add(1 + readers)

	go func() {
		defer wg.Done()
		for i := 1; i <= writes; i++ {
			v, err := MakeShared[int](writerTok, i)
			if err != nil {
				t.Errorf("MakeShared failed: %v", err)
				return
			}
			ap.Store(writerTok, &v)
		}
	}()

	for r := 0; r < readers; r++ {
		go func() {
			defer wg.Done()
			readerTok := rt.Register()
			defer readerTok.Unregister()
			for i := 0; i < writes; i++ {
				sp := ap.Load(readerTok)
				if sp.IsNil() {
					t.Error("loaded a nil pointer, writer never stores nil")
					return
				}
				val := *sp.Get()
				if val < 0 || val > writes {
					t.Errorf("observed out-of-range value %d", val)
				}
				sp.Release(readerTok)
			}
		}()
	}

	wg.Wait()
	rt.Collect()
}

// TestAtomicPointer_RapidAssignmentCycle stores into the same
// AtomicPointer back to back from a single thread and checks the
// final stored value is the last one written.
func TestAtomicPointer_RapidAssignmentCycle(t *testing.T) {
	rt := newTestRuntime(t)
	tok := rt.Register()
	defer tok.Unregister()

	zero, err := MakeShared[int](tok, 0)
	if err != nil {
		t.Fatalf("MakeShared failed: %v", err)
	}
	ap := NewAtomicPointer[int](&zero)

	for i := 1; i <= 1000; i++ {
		v, err := MakeShared[int](tok, i)
		if err != nil {
			t.Fatalf("MakeShared failed: %v", err)
		}
		ap.Store(tok, &v)
	}

	final := ap.Load(tok)
	if got := *final.Get(); got != 1000 {
		t.Errorf("expected final value 1000, got %d", got)
	}
	final.Release(tok)
	rt.Collect()
}

// TestPrivatePointer_AssignFromAtomicPointer checks the hazard-pointer
// contract: Assign publishes the AtomicPointer's value into the
// PrivatePointer's own pin slot without touching the refcount, and
// Release gives the slot back without logging a decrement.
func TestPrivatePointer_AssignFromAtomicPointer(t *testing.T) {
	rt := newTestRuntime(t)
	tok := rt.Register()
	defer tok.Unregister()

	var pp PrivatePointer[string]
	if !pp.IsNil() {
		t.Fatal("expected a zero-value PrivatePointer to be nil")
	}

	sp, err := MakeShared[string](tok, "hello")
	if err != nil {
		t.Fatalf("MakeShared failed: %v", err)
	}
	ap := NewAtomicPointer[string](&sp)
	header := getObjectHeader(ap.raw)
	before := header.count.Load()

	pp.Assign(tok, ap)
	if pp.IsNil() {
		t.Fatal("expected PrivatePointer to be non-nil after Assign")
	}
	if *pp.Get() != "hello" {
		t.Errorf("expected hello, got %q", *pp.Get())
	}
	if after := header.count.Load(); after != before {
		t.Errorf("Assign must not change the refcount: before=%d after=%d", before, after)
	}

	pp.Release()
	if !pp.IsNil() {
		t.Error("expected PrivatePointer to be nil after Release")
	}

	var empty SharedPointer[string]
	ap.Store(tok, &empty)
	rt.Collect()
}

// TestPrivatePointer_ReassignReusesSlot exercises Assign being called
// repeatedly on the same PrivatePointer, as a hot-path reader would in
// a loop: the pin slot is acquired once and reused, always reflecting
// whatever the AtomicPointer most recently held.
func TestPrivatePointer_ReassignReusesSlot(t *testing.T) {
	rt := newTestRuntime(t)
	tok := rt.Register()
	defer tok.Unregister()

	var pp PrivatePointer[int]
	for i := 0; i < 3; i++ {
		sp, err := MakeShared[int](tok, i)
		if err != nil {
			t.Fatalf("MakeShared failed: %v", err)
		}
		ap := NewAtomicPointer[int](&sp)
		pp.Assign(tok, ap)
		if got := *pp.Get(); got != i {
			t.Errorf("expected %d, got %d", i, got)
		}
		var empty SharedPointer[int]
		ap.Store(tok, &empty)
	}
	pp.Release()
	rt.Collect()
}

// TestToken_ReentrantRegistration models a goroutine that enters a
// nested scope also requiring a Token: the same Token comes back, and
// the underlying thread only detaches once every Register call has a
// matching Unregister.
func TestToken_ReentrantRegistration(t *testing.T) {
	rt := newTestRuntime(t)
	outer := rt.Register()

	inner := outer.Register()
	if inner != outer {
		t.Fatal("nested Register should return the same Token")
	}

	sp, err := MakeShared[int](outer, 7)
	if err != nil {
		t.Fatalf("MakeShared failed: %v", err)
	}

	inner.Unregister()
	if outer.td.detached.Load() {
		t.Error("thread should not be detached while the outer Register call is still open")
	}

	sp.Release(outer)
	outer.Unregister()
	if !outer.td.detached.Load() {
		t.Error("thread should be detached once the outermost Unregister call completes")
	}
}

// TestThreadData_DetachDrainsLargeLog simulates a thread that logs a
// large number of deferred decrements and then detaches; Collect must
// bring every object's refcount to zero.
func TestThreadData_DetachDrainsLargeLog(t *testing.T) {
	rt := newTestRuntime(t)
	tok := rt.Register()

	const n = 5000
	objs := make([]SharedPointer[int], n)
	headers := make([]*objectHeader, n)
	for i := range objs {
		sp, err := MakeShared[int](tok, i)
		if err != nil {
			t.Fatalf("MakeShared failed: %v", err)
		}
		objs[i] = sp
		headers[i] = getObjectHeader(sp.ptr)
	}
	for i := range objs {
		objs[i].Release(tok)
	}

	tok.Unregister()
	rt.Collect()

	for i, h := range headers {
		if c := h.count.Load(); c != 0 {
			t.Fatalf("object %d: expected refcount 0 after Collect, got %d", i, c)
		}
	}
}
