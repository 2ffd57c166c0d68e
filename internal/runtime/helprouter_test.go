package runtime

import "testing"

// TestHelpRouter_Fairness registers several threads, each logging
// enough decrements to need help, then drives Collect and checks
// every thread's log fully drains rather than one thread starving
// the others of help-router attention.
func TestHelpRouter_Fairness(t *testing.T) {
	rt := newTestRuntime(t)

	const numThreads = 6
	const perThread = 2000

	toks := make([]*Token, numThreads)
	objs := make([][]SharedPointer[int], numThreads)
	for i := range toks {
		toks[i] = rt.Register()
		objs[i] = make([]SharedPointer[int], perThread)
		for j := range objs[i] {
			sp, err := MakeShared[int](toks[i], j)
			if err != nil {
				t.Fatalf("MakeShared failed: %v", err)
			}
			objs[i][j] = sp
		}
	}

	for i := range toks {
		for j := range objs[i] {
			objs[i][j].Release(toks[i])
		}
	}
	for _, tok := range toks {
		tok.Unregister()
	}

	rt.Collect()

	for i, tok := range toks {
		if !tok.td.allWorkComplete() {
			t.Errorf("thread %d: decrement log not fully drained after Collect", i)
		}
	}
}

func TestHelpRouter_AddThreadDistributesAcrossSubqueues(t *testing.T) {
	rt := newTestRuntime(t)
	seen := map[uint32]bool{}
	for i := 0; i < rt.helpRouter.numSubqueues*2; i++ {
		tok := rt.Register()
		seen[tok.td.subqueue] = true
		tok.Unregister()
	}
	if len(seen) < 2 && rt.helpRouter.numSubqueues > 1 {
		t.Error("expected registrations to spread across more than one subqueue")
	}
}
