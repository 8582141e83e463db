package kernel

import "testing"

const (
	testWCET      = int64(10)
	testMinBudget = 2 * testWCET
)

// checkRing asserts the refill-ring invariants: indices in range, total
// amount within the declared budget, chronological order head to tail.
func checkRing(t *testing.T, sc *SchedContext) {
	t.Helper()
	if sc.head < 0 || sc.head >= sc.max || sc.tail < 0 || sc.tail >= sc.max {
		t.Fatalf("ring indices out of range: head=%d tail=%d max=%d", sc.head, sc.tail, sc.max)
	}
	if sum := sc.Sum(); sum > sc.Budget {
		t.Fatalf("refill sum %d exceeds budget %d", sum, sc.Budget)
	}
	rs := sc.Refills()
	for i := 1; i < len(rs); i++ {
		if rs[i].Time < rs[i-1].Time {
			t.Fatalf("refills not chronological: %v", rs)
		}
	}
}

func TestRefillNew(t *testing.T) {
	sc := NewSchedContext(4)
	sc.RefillNew(4, 1000, 10000, 0)

	if !sc.Active() {
		t.Fatal("configured context reports inactive")
	}
	if sc.Size() != 1 {
		t.Errorf("size = %d, want 1", sc.Size())
	}
	if h := sc.Head(); h.Time != 0 || h.Amount != 1000 {
		t.Errorf("head = %+v, want {0 1000}", h)
	}
	if !sc.Ready(0, testWCET) {
		t.Error("fresh refill not ready")
	}
	if !sc.Sufficient(0, testMinBudget) {
		t.Error("fresh refill not sufficient")
	}
	checkRing(t, sc)
}

func TestRefillMinimumRingSize(t *testing.T) {
	sc := NewSchedContext(0)
	if sc.MaxRefills() != MinRefills {
		t.Errorf("ring size = %d, want clamped to %d", sc.MaxRefills(), MinRefills)
	}
}

func TestSufficientBoundary(t *testing.T) {
	sc := NewSchedContext(2)
	sc.RefillNew(2, 100, 1000, 0)

	// Sufficiency means the head can still fund one entry and exit.
	if !sc.Sufficient(100-testMinBudget, testMinBudget) {
		t.Error("exactly the minimum should be sufficient")
	}
	if sc.Sufficient(100-testMinBudget+1, testMinBudget) {
		t.Error("below the minimum should be insufficient")
	}
}

func TestSplitCheckSchedulesConsumedShare(t *testing.T) {
	sc := NewSchedContext(4)
	sc.RefillNew(4, 1000, 10000, 0)

	sc.SplitCheck(300)
	checkRing(t, sc)

	// The remainder stays at the head, the consumed share returns one
	// period later.
	if h := sc.Head(); h.Amount != 700 {
		t.Errorf("head amount = %d, want 700", h.Amount)
	}
	if tl := sc.Tail(); tl.Time != 10000 || tl.Amount != 300 {
		t.Errorf("tail = %+v, want {10000 300}", tl)
	}
	if sc.Sum() != 1000 {
		t.Errorf("sum = %d, want full budget conserved", sc.Sum())
	}
}

func TestSplitCheckRepeated(t *testing.T) {
	sc := NewSchedContext(4)
	sc.RefillNew(4, 1000, 10000, 0)

	for i := 0; i < 8; i++ {
		if !sc.Sufficient(100, testMinBudget) {
			break
		}
		sc.SplitCheck(100)
		checkRing(t, sc)
	}
	if sc.Sum() != 1000 {
		t.Errorf("sum = %d after repeated splits, want 1000", sc.Sum())
	}
}

func TestBudgetCheckMovesHeadOnePeriod(t *testing.T) {
	sc := NewSchedContext(2)
	sc.RefillNew(2, 2000, 10000, 0)

	// The whole head is consumed: it returns one period out.
	sc.BudgetCheck(2000)
	checkRing(t, sc)

	if h := sc.Head(); h.Time != 10000 || h.Amount != 2000 {
		t.Errorf("head = %+v, want {10000 2000}", h)
	}
	if sc.Ready(0, testWCET) {
		t.Error("depleted context still ready")
	}
	if !sc.Ready(10000, testWCET) {
		t.Error("context not ready at its refill time")
	}
}

func TestBudgetCheckMergesWithinBudget(t *testing.T) {
	sc := NewSchedContext(4)
	sc.RefillNew(4, 1000, 10000, 0)
	sc.SplitCheck(400) // head 600 now, 400 at t=10000
	sc.BudgetCheck(600) // depletes the head: 600 returns at t=10400 and merges into the tail
	checkRing(t, sc)

	if sc.Sum() != 1000 {
		t.Errorf("sum = %d, want 1000", sc.Sum())
	}
}

func TestNoblockCheckMergesOverlap(t *testing.T) {
	sc := NewSchedContext(4)
	sc.RefillNew(4, 1000, 10000, 0)
	sc.SplitCheck(500)
	sc.BudgetCheck(500)
	checkRing(t, sc)

	// Wake up past the head release point: overlapping refills fold.
	sc.NoblockCheck(10050, testWCET)
	checkRing(t, sc)
	if !sc.Ready(10050, testWCET) {
		t.Error("context not ready after noblock merge")
	}
	if h := sc.Head(); h.Time != 10050 {
		t.Errorf("head time = %d after noblock, want snapped to now", h.Time)
	}
}

func TestNoblockCheckNotReadyIsNoop(t *testing.T) {
	sc := NewSchedContext(2)
	sc.RefillNew(2, 1000, 10000, 0)
	sc.BudgetCheck(1000)
	before := sc.Head()

	sc.NoblockCheck(100, testWCET)
	if sc.Head() != before {
		t.Error("noblock on a not-ready context changed the head")
	}
}

func TestRefillUpdateShrinksToNewBudget(t *testing.T) {
	sc := NewSchedContext(4)
	sc.RefillNew(4, 1000, 10000, 0)
	sc.SplitCheck(200)

	sc.RefillUpdate(5000, 500, 4, 300)
	checkRing(t, sc)

	if sc.Budget != 500 || sc.Period != 5000 {
		t.Errorf("contract = %d/%d, want 500/5000", sc.Budget, sc.Period)
	}
	if sc.Sum() > 500 {
		t.Errorf("sum = %d exceeds new budget", sc.Sum())
	}
}

func TestRefillUpdateGrowsWithDeferredRemainder(t *testing.T) {
	sc := NewSchedContext(4)
	sc.RefillNew(4, 300, 10000, 0)

	sc.RefillUpdate(10000, 800, 4, 0)
	checkRing(t, sc)

	if sc.Sum() != 800 {
		t.Errorf("sum = %d, want full new budget", sc.Sum())
	}
	// The increase is not available immediately.
	if h := sc.Head(); h.Amount != 300 {
		t.Errorf("head amount = %d, want 300 now with the rest deferred", h.Amount)
	}
}
