package kernel

// Sporadic-server scheduling contexts. A context's budget is held as a ring
// of (time, amount) refills; charging consumed time either splits the head
// refill or, when the head is depleted, schedules it to return one period
// later and merges the remainder.

// Refill is one slot of a scheduling context's ring buffer: Amount ticks of
// budget become available at Time.
type Refill struct {
	// Time is when the refill becomes usable, in absolute ticks.
	Time int64
	// Amount is the budget carried, in ticks.
	Amount int64
}

// MinRefills is the minimum ring size; a round-robin thread needs two
// slots to rotate through.
const MinRefills = 2

// SchedContext is a sporadic-server bandwidth contract.
type SchedContext struct {
	// Period is the replenishment period in ticks.
	Period int64
	// Budget is the declared budget per period in ticks.
	Budget int64

	refills []Refill
	head    int
	tail    int
	max     int

	// TCB is the thread currently bound to this context.
	TCB *TCB
}

// NewSchedContext returns an inactive context with an empty ring.
func NewSchedContext(maxRefills int) *SchedContext {
	if maxRefills < MinRefills {
		maxRefills = MinRefills
	}
	return &SchedContext{
		refills: make([]Refill, maxRefills),
		max:     maxRefills,
	}
}

// MaxRefills returns the ring capacity.
func (sc *SchedContext) MaxRefills() int { return sc.max }

// Active reports whether the context has been configured.
func (sc *SchedContext) Active() bool {
	return sc.Budget > 0
}

func (sc *SchedContext) next(i int) int {
	if i == sc.max-1 {
		return 0
	}
	return i + 1
}

// Size returns the number of used ring slots.
func (sc *SchedContext) Size() int {
	if !sc.Active() {
		return 0
	}
	if sc.head <= sc.tail {
		return sc.tail - sc.head + 1
	}
	return sc.tail + 1 + (sc.max - sc.head)
}

func (sc *SchedContext) full() bool {
	return sc.Size() == sc.max
}

func (sc *SchedContext) single() bool {
	return sc.head == sc.tail
}

// Head returns the head refill.
func (sc *SchedContext) Head() Refill {
	return sc.refills[sc.head]
}

// Tail returns the tail refill.
func (sc *SchedContext) Tail() Refill {
	return sc.refills[sc.tail]
}

// Refills returns the live refills from head to tail, for inspection.
func (sc *SchedContext) Refills() []Refill {
	out := make([]Refill, 0, sc.Size())
	for i, n := sc.head, sc.Size(); n > 0; n-- {
		out = append(out, sc.refills[i])
		i = sc.next(i)
	}
	return out
}

// Sum returns the total budget currently in the ring.
func (sc *SchedContext) Sum() int64 {
	var s int64
	for _, r := range sc.Refills() {
		s += r.Amount
	}
	return s
}

func (sc *SchedContext) popHead() Refill {
	r := sc.refills[sc.head]
	if !sc.single() {
		sc.head = sc.next(sc.head)
	}
	return r
}

// appendTail adds a refill after the tail, merging into the tail when the
// ring is full or the new refill lands inside the tail's window.
func (sc *SchedContext) appendTail(r Refill) {
	t := &sc.refills[sc.tail]
	if sc.full() || r.Time <= t.Time+t.Amount {
		t.Amount += r.Amount
		return
	}
	sc.tail = sc.next(sc.tail)
	sc.refills[sc.tail] = r
}

// Capacity returns the head budget left after charging usage.
func (sc *SchedContext) Capacity(usage int64) int64 {
	if usage > sc.refills[sc.head].Amount {
		return 0
	}
	return sc.refills[sc.head].Amount - usage
}

// Sufficient reports whether the head refill can still cover one kernel
// entry and exit (the minimum budget) after charging usage.
func (sc *SchedContext) Sufficient(usage, minBudget int64) bool {
	return sc.Capacity(usage) >= minBudget
}

// Ready reports whether the head refill is eligible at the given time: its
// release point is no further than one kernel WCET ahead.
func (sc *SchedContext) Ready(now, wcet int64) bool {
	return sc.refills[sc.head].Time <= now+wcet
}

// RefillNew installs a fresh contract on an inactive context: the full
// budget is available immediately.
func (sc *SchedContext) RefillNew(maxRefills int, budget, period, now int64) {
	if maxRefills < MinRefills {
		maxRefills = MinRefills
	}
	sc.max = maxRefills
	if len(sc.refills) < maxRefills {
		sc.refills = make([]Refill, maxRefills)
	}
	sc.Period = period
	sc.Budget = budget
	sc.head = 0
	sc.tail = 0
	sc.refills[0] = Refill{Time: now, Amount: budget}
}

// RefillUpdate reconfigures an active context without violating the
// bandwidth bound: the head is truncated to the new budget and all other
// refills are dropped.
func (sc *SchedContext) RefillUpdate(period, budget int64, maxRefills int, now int64) {
	if maxRefills < MinRefills {
		maxRefills = MinRefills
	}
	head := sc.refills[sc.head]
	if len(sc.refills) < maxRefills {
		refills := make([]Refill, maxRefills)
		refills[0] = head
		sc.refills = refills
	} else {
		sc.refills[0] = head
	}
	sc.max = maxRefills
	sc.head = 0
	sc.tail = 0
	sc.Period = period
	sc.Budget = budget

	if head.Time > now {
		sc.refills[0].Time = head.Time
	} else {
		sc.refills[0].Time = now
	}
	if sc.refills[0].Amount >= budget {
		sc.refills[0].Amount = budget
	} else {
		// Schedule the difference one period out.
		sc.appendTail(Refill{Time: sc.refills[0].Time + period, Amount: budget - sc.refills[0].Amount})
	}
}

// SplitCheck charges used ticks that do not deplete the head below the
// minimum budget: the consumed share is scheduled to return one period
// later and the remainder stays usable now.
func (sc *SchedContext) SplitCheck(used int64) {
	head := sc.refills[sc.head]
	if used <= 0 || used > head.Amount {
		return
	}
	remnant := head.Amount - used
	ret := Refill{Time: head.Time + sc.Period, Amount: used}
	if sc.single() {
		sc.refills[sc.head] = Refill{Time: head.Time + used, Amount: remnant}
		sc.appendTail(ret)
		return
	}
	sc.popHead()
	if remnant > 0 {
		// Re-insert the remnant in chronological position: ahead of the
		// new head when it comes earlier, folded into it otherwise.
		if head.Time+used <= sc.refills[sc.head].Time {
			sc.pushHead(Refill{Time: head.Time + used, Amount: remnant})
		} else {
			sc.refills[sc.head].Amount += remnant
		}
	}
	sc.appendTail(ret)
}

func (sc *SchedContext) pushHead(r Refill) {
	if sc.full() {
		sc.refills[sc.head].Amount += r.Amount
		if r.Time < sc.refills[sc.head].Time {
			sc.refills[sc.head].Time = r.Time
		}
		return
	}
	if sc.head == 0 {
		sc.head = sc.max - 1
	} else {
		sc.head--
	}
	sc.refills[sc.head] = r
}

// BudgetCheck charges used ticks that deplete the head: the spent head is
// scheduled to return one period later, and consecutive refills are merged
// until the running sum reaches the declared budget. The caller moves the
// thread to the release queue when the new head is not ready.
func (sc *SchedContext) BudgetCheck(used int64) {
	head := sc.popHead()
	overrun := used - head.Amount
	if overrun < 0 {
		overrun = 0
	}
	ret := Refill{Time: head.Time + sc.Period, Amount: head.Amount}
	if sc.single() && sc.refills[sc.head] == head {
		// The ring held only the spent head: it simply moves one period out.
		sc.refills[sc.head] = ret
	} else {
		// Charge any overrun to the next refill before re-queueing the
		// spent amount.
		if overrun > 0 {
			h := &sc.refills[sc.head]
			if h.Amount > overrun {
				h.Amount -= overrun
				h.Time += overrun
				ret.Amount += overrun
			}
		}
		sc.appendTail(ret)
	}

	// Merge consecutive refills so the ring never carries more than the
	// declared budget.
	for !sc.single() {
		var sum int64
		for _, r := range sc.Refills() {
			sum += r.Amount
		}
		if sum <= sc.Budget {
			break
		}
		over := sum - sc.Budget
		t := &sc.refills[sc.tail]
		if t.Amount > over {
			t.Amount -= over
			break
		}
		// Drop the tail entirely and keep merging.
		if sc.tail == 0 {
			sc.tail = sc.max - 1
		} else {
			sc.tail--
		}
	}
}

// NoblockCheck merges any overlap introduced when a sleeping thread
// becomes eligible again: the head snaps to now and consecutive refills
// whose window it covers fold into it.
func (sc *SchedContext) NoblockCheck(now, wcet int64) {
	if !sc.Ready(now, wcet) {
		return
	}
	sc.refills[sc.head].Time = now
	for !sc.single() {
		h := sc.refills[sc.head]
		n := sc.next(sc.head)
		if sc.refills[n].Time > h.Time+h.Amount {
			break
		}
		// Fold the next refill into the head.
		sc.refills[n].Amount += h.Amount
		sc.refills[n].Time = h.Time
		sc.head = n
	}
}
