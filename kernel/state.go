package kernel

import (
	"encoding/json"

	"l4kern-go/object"
)

// State snapshots for the simulator surface: the `state` output, the
// lifecycle hooks, and the tests' invariant checks.

// ThreadSnapshot is one thread's externally visible state.
type ThreadSnapshot struct {
	GID      uint32 `json:"gid"`
	Name     string `json:"name"`
	State    string `json:"state"`
	Priority uint8  `json:"priority"`
	Domain   int    `json:"domain"`
	Errno    string `json:"errno,omitempty"`

	Budget  int64 `json:"budget,omitempty"`
	Period  int64 `json:"period,omitempty"`
	Refills int   `json:"refills,omitempty"`

	OnReleaseQueue bool `json:"onReleaseQueue,omitempty"`
	MappedPages    int  `json:"mappedPages,omitempty"`
}

// IRQSnapshot is one interrupt line's state.
type IRQSnapshot struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	Thread uint32 `json:"thread,omitempty"`
	Action string `json:"action,omitempty"`
}

// Snapshot is a full kernel state dump.
type Snapshot struct {
	Name          string           `json:"name"`
	Now           int64            `json:"now"`
	CurrentThread uint32           `json:"currentThread"`
	CurrentDomain int              `json:"currentDomain"`
	DomainTime    int64            `json:"domainTime"`
	Halted        bool             `json:"halted"`
	HaltReason    string           `json:"haltReason,omitempty"`
	Threads       []ThreadSnapshot `json:"threads"`
	IRQs          []IRQSnapshot    `json:"irqs,omitempty"`
	LiveObjects   int              `json:"liveObjects"`
	KIP           KIP              `json:"kip"`
}

// Snapshot captures the kernel state under the lock.
func (k *Kernel) Snapshot() *Snapshot {
	k.mu.Lock()
	defer k.mu.Unlock()

	s := &Snapshot{
		Name:          k.img.Name,
		Now:           k.currentTime,
		CurrentDomain: k.currentDomain,
		DomainTime:    k.domainTime,
		Halted:        k.halted,
		LiveObjects:   k.reg.Len(),
		KIP:           k.kip,
	}
	if k.halted {
		s.HaltReason = k.haltReason.String()
	}
	if k.current != nil {
		s.CurrentThread = uint32(k.current.GID)
	}

	nos := make([]uint32, 0, len(k.threads))
	for no := range k.threads {
		nos = append(nos, no)
	}
	for i := 1; i < len(nos); i++ {
		for j := i; j > 0 && nos[j-1] > nos[j]; j-- {
			nos[j-1], nos[j] = nos[j], nos[j-1]
		}
	}
	for _, no := range nos {
		t := k.threads[no]
		ts := ThreadSnapshot{
			GID:            uint32(t.GID),
			Name:           t.Name,
			State:          t.State.String(),
			Priority:       t.Priority,
			Domain:         t.Domain,
			OnReleaseQueue: k.onReleaseQueue(t),
		}
		if t.Errno != 0 {
			ts.Errno = t.Errno.String()
		}
		if t.SC != nil && t.SC.Active() {
			ts.Budget = t.SC.Budget
			ts.Period = t.SC.Period
			ts.Refills = t.SC.Size()
		}
		if t.MemDomain != nil {
			ts.MappedPages = t.MemDomain.MapCount()
		}
		s.Threads = append(s.Threads, ts)
	}

	for n, h := range k.irqs {
		if h == nil && k.irqState[n] == IRQStateInactive {
			continue
		}
		is := IRQSnapshot{Number: n, State: k.irqState[n].String()}
		if h != nil {
			is.Action = string(h.action)
			if h.thread != nil {
				is.Thread = uint32(h.thread.GID)
			}
		}
		s.IRQs = append(s.IRQs, is)
	}
	return s
}

// MarshalState renders the snapshot as indented JSON.
func (k *Kernel) MarshalState() ([]byte, error) {
	return json.MarshalIndent(k.Snapshot(), "", "  ")
}

// CheckInvariants walks the quantified kernel invariants and returns every
// violation found. Tests and the run command use it; a healthy kernel
// returns an empty slice.
func (k *Kernel) CheckInvariants() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	var bad []string

	// Ready threads sit in their (domain, priority) slot with both bitmap
	// levels set.
	for dom := 0; dom < k.numDomains; dom++ {
		for prio := 0; prio < NumPriorities; prio++ {
			q := k.ready[dom][prio]
			l1, l2 := k.l1[dom]&(1<<uint(prio/wordBits)) != 0,
				k.l2[dom][prio/wordBits]&(1<<uint(prio%wordBits)) != 0
			if len(q) > 0 && (!l1 || !l2) {
				bad = append(bad, "ready slot occupied without bitmap bits")
			}
			if len(q) == 0 && l2 {
				bad = append(bad, "bitmap bit set for empty slot")
			}
			for _, t := range q {
				if t.Domain != dom || int(t.Priority) != prio {
					bad = append(bad, "thread enqueued in wrong slot")
				}
			}
		}
	}

	// Scheduling context rings are chronological and within budget.
	for _, t := range k.threads {
		sc := t.SC
		if sc == nil || !sc.Active() {
			continue
		}
		if sc.Sum() > sc.Budget {
			bad = append(bad, "refill sum exceeds declared budget")
		}
		rs := sc.Refills()
		for i := 1; i < len(rs); i++ {
			if rs[i].Time < rs[i-1].Time {
				bad = append(bad, "refill ring not chronological")
			}
		}
	}

	// Final derivation objects have no children.
	k.reg.ForEach(func(ko *object.KObject) {
		d := k.reg.Find(ko.Name)
		if d != nil && d.Final() && d.ChildCount() != 0 {
			bad = append(bad, "final object with children")
		}
	})

	// Endpoint wait lists hold threads blocked in one direction only, and
	// no thread waits on two endpoints.
	seen := make(map[*TCB]bool)
	for _, ep := range k.endpoints {
		for _, t := range ep.queue {
			if t.State != StateSendBlocked && t.State != StateRecvBlocked {
				bad = append(bad, "unblocked thread on endpoint queue")
			}
			if seen[t] {
				bad = append(bad, "thread on two endpoint queues")
			}
			seen[t] = true
		}
		if len(ep.queue) > 1 {
			first := ep.queue[0].State
			for _, t := range ep.queue[1:] {
				if t.State != first {
					bad = append(bad, "endpoint queue mixes directions")
				}
			}
		}
	}

	// Interrupt state matches handler presence.
	for n := range k.irqState {
		if n == TimerIRQ {
			continue
		}
		inactive := k.irqState[n] == IRQStateInactive
		unbound := k.irqs[n] == nil || k.irqs[n].action == "disable"
		if inactive != unbound && k.irqState[n] != IRQStateReserved {
			bad = append(bad, "irq state disagrees with handler binding")
		}
	}

	// Running threads expose no kernel-private memory.
	for _, t := range k.threads {
		if t.MemDomain == nil {
			continue
		}
		for _, p := range t.MemDomain.Partitions() {
			if err := k.layout.CheckPartition(p); err != nil {
				bad = append(bad, "domain partition violates layout")
			}
		}
	}
	return bad
}
