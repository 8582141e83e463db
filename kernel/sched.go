package kernel

import (
	"math/bits"
)

// Ready-queue and scheduler machinery. For each (domain, priority) pair the
// kernel keeps a FIFO of runnable threads; a two-level bitmap per domain
// makes highest-priority selection O(word size). Numerically lower
// priorities are served first, and threads never migrate between domains.

func (k *Kernel) bitmapSet(dom int, prio uint8) {
	w := int(prio) / wordBits
	k.l2[dom][w] |= 1 << (uint(prio) % wordBits)
	k.l1[dom] |= 1 << uint(w)
}

func (k *Kernel) bitmapClear(dom int, prio uint8) {
	w := int(prio) / wordBits
	k.l2[dom][w] &^= 1 << (uint(prio) % wordBits)
	if k.l2[dom][w] == 0 {
		k.l1[dom] &^= 1 << uint(w)
	}
}

// BitmapBits reports the L1/L2 bits for a slot, for the invariant checks.
func (k *Kernel) BitmapBits(dom int, prio uint8) (bool, bool) {
	w := int(prio) / wordBits
	return k.l1[dom]&(1<<uint(w)) != 0,
		k.l2[dom][w]&(1<<(uint(prio)%wordBits)) != 0
}

// readyEnqueue appends a thread to its (domain, priority) FIFO.
func (k *Kernel) readyEnqueue(t *TCB) {
	if t == k.idle {
		return
	}
	q := k.ready[t.Domain][t.Priority]
	for _, e := range q {
		if e == t {
			return
		}
	}
	k.ready[t.Domain][t.Priority] = append(q, t)
	k.bitmapSet(t.Domain, t.Priority)
}

// readyDequeue removes a thread from its FIFO wherever it sits.
func (k *Kernel) readyDequeue(t *TCB) {
	q := k.ready[t.Domain][t.Priority]
	for i, e := range q {
		if e == t {
			k.ready[t.Domain][t.Priority] = append(q[:i], q[i+1:]...)
			break
		}
	}
	if len(k.ready[t.Domain][t.Priority]) == 0 {
		k.bitmapClear(t.Domain, t.Priority)
	}
}

// readyQueued reports whether the thread occupies a ready-queue slot.
func (k *Kernel) readyQueued(t *TCB) bool {
	for _, e := range k.ready[t.Domain][t.Priority] {
		if e == t {
			return true
		}
	}
	return false
}

// chooseNext picks the head of the highest-priority non-empty FIFO in the
// current domain, nil when the domain is empty.
func (k *Kernel) chooseNext() *TCB {
	dom := k.currentDomain
	if k.l1[dom] == 0 {
		return nil
	}
	w := bits.TrailingZeros32(k.l1[dom])
	b := bits.TrailingZeros32(k.l2[dom][w])
	prio := w*wordBits + b
	q := k.ready[dom][prio]
	if len(q) == 0 {
		return nil
	}
	return q[0]
}

// releaseEnqueue parks a thread on the release queue until at. The queue
// is kept ordered by wake time so the head is always the next deadline
// event to arm.
func (k *Kernel) releaseEnqueue(t *TCB, at int64, why releaseReason) {
	k.releaseRemove(t)
	t.releaseAt = at
	t.releaseWhy = why
	i := 0
	for ; i < len(k.release); i++ {
		if k.release[i].releaseAt > at {
			break
		}
	}
	k.release = append(k.release, nil)
	copy(k.release[i+1:], k.release[i:])
	k.release[i] = t
	k.reprogram = true
}

// releaseRemove drops a thread from the release queue.
func (k *Kernel) releaseRemove(t *TCB) {
	for i, e := range k.release {
		if e == t {
			k.release = append(k.release[:i], k.release[i+1:]...)
			if i == 0 {
				k.reprogram = true
			}
			break
		}
	}
	t.releaseWhy = releaseNone
}

// onReleaseQueue reports whether the thread is parked.
func (k *Kernel) onReleaseQueue(t *TCB) bool {
	for _, e := range k.release {
		if e == t {
			return true
		}
	}
	return false
}

// awaken drains every release-queue entry whose wake time has arrived.
// Budget waits re-enter the ready queues after the refill merge pass; IPC
// timeouts unblock their thread with the timeout error.
func (k *Kernel) awaken() {
	for len(k.release) > 0 {
		t := k.release[0]
		if t.releaseWhy == releaseBudget {
			if t.SC == nil || !t.SC.Ready(k.currentTime, k.wcet) {
				break
			}
		} else if t.releaseAt > k.currentTime {
			break
		}
		k.release = k.release[1:]
		why := t.releaseWhy
		t.releaseWhy = releaseNone

		switch why {
		case releaseBudget:
			t.SC.NoblockCheck(k.currentTime, k.wcet)
			if t.State == StateRestart || t.State == StateQueued {
				t.State = StateQueued
				k.readyEnqueue(t)
				k.possibleSwitchTo(t)
			}
		case releaseTimeout:
			k.ipcTimeoutExpired(t)
		}
		k.reprogram = true
	}
}

// possibleSwitchTo fast-paths a newly runnable thread: in the current
// domain an idle scheduler action becomes a direct switch; otherwise the
// thread just joins its ready queue.
func (k *Kernel) possibleSwitchTo(t *TCB) {
	if !t.State.Runnable() {
		return
	}
	if t.Domain != k.currentDomain {
		k.readyEnqueue(t)
		return
	}
	switch k.action.kind {
	case actionResume:
		k.readyEnqueue(t)
		k.action = schedAction{kind: actionSwitch, target: t}
	case actionSwitch:
		k.readyEnqueue(t)
		k.action = schedAction{kind: actionChoose}
	default:
		k.readyEnqueue(t)
	}
}

// schedule honours the scheduler action, then clears it back to resume and
// performs the lazy timer reprogram. Every kernel entry ends here.
func (k *Kernel) schedule() {
	if k.halted {
		return
	}
	switch k.action.kind {
	case actionResume:
		// Keep the current thread, unless it stopped being runnable.
		if k.current == nil || (!k.current.State.Runnable() && k.current != k.idle) {
			k.chooseNewThread()
		}
	case actionSwitch:
		t := k.action.target
		if t != nil && t.State.Runnable() && t.Domain == k.currentDomain &&
			k.scReady(t) {
			cur := k.current
			if cur != nil && cur != k.idle && cur.State == StateRunning &&
				cur.Priority < t.Priority {
				// The running thread outranks the fast-path target; the
				// target already sits in its ready queue.
			} else {
				k.switchToThread(t)
			}
		} else {
			k.chooseNewThread()
		}
	case actionChoose:
		k.chooseNewThread()
	}
	k.action = schedAction{kind: actionResume}

	if k.reprogram {
		k.armTimer()
		k.reprogram = false
	}
}

// scReady reports whether a thread's bandwidth allows it to run now.
func (k *Kernel) scReady(t *TCB) bool {
	if t.SC == nil || !t.SC.Active() {
		return true
	}
	return t.SC.Ready(k.currentTime, k.wcet) && t.SC.Sufficient(0, k.minBudget)
}

func (k *Kernel) chooseNewThread() {
	if k.domainTime <= 0 {
		k.nextDomain()
	}
	// The displaced thread competes with the ready set on equal terms.
	if cur := k.current; cur != nil && cur != k.idle && cur.State == StateRunning {
		cur.State = StateQueued
		k.readyEnqueue(cur)
	}
	for {
		t := k.chooseNext()
		if t == nil {
			k.switchToIdle()
			return
		}
		if k.scReady(t) {
			k.switchToThread(t)
			return
		}
		// A stale entry whose budget ran dry waits for its refill.
		k.readyDequeue(t)
		if t.SC != nil {
			k.releaseEnqueue(t, t.SC.Head().Time, releaseBudget)
		}
	}
}

func (k *Kernel) switchToThread(t *TCB) {
	k.readyDequeue(t)
	prev := k.current
	if prev != nil && prev != t && prev != k.idle && prev.State == StateRunning {
		prev.State = StateQueued
		k.readyEnqueue(prev)
	}
	t.State = StateRunning
	k.current = t
}

// switchToIdle elects the idle thread and arms the next domain boundary.
func (k *Kernel) switchToIdle() {
	prev := k.current
	if prev != nil && prev != k.idle && prev.State == StateRunning {
		prev.State = StateQueued
		k.readyEnqueue(prev)
	}
	k.idle.State = StateRunning
	k.current = k.idle
	k.reprogram = true
}

// nextDomain rotates the cyclic domain schedule.
func (k *Kernel) nextDomain() {
	k.domainIdx = (k.domainIdx + 1) % len(k.domainSchedule)
	slot := k.domainSchedule[k.domainIdx]
	k.currentDomain = slot.Domain
	k.domainTime = slot.Length
	k.action = schedAction{kind: actionChoose}
	k.reprogram = true
}

// CurrentDomain returns the active scheduling partition.
func (k *Kernel) CurrentDomain() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.currentDomain
}

// armTimer reprograms the hardware timer for the earliest deadline event:
// the release-queue head, the domain boundary, or the running thread's
// budget expiry.
func (k *Kernel) armTimer() {
	next := k.currentTime + k.domainTime
	if len(k.release) > 0 && k.release[0].releaseAt < next {
		next = k.release[0].releaseAt
	}
	if k.current != nil && k.current != k.idle && k.current.SC != nil && k.current.SC.Active() {
		budgetEnd := k.currentTime + k.current.SC.Capacity(k.consumed)
		if budgetEnd < next {
			next = budgetEnd
		}
	}
	delta := next - k.currentTime
	if delta < sysTimerMinTicks {
		delta = sysTimerMinTicks
	}
	k.port.SetTimeout(delta, k.current == k.idle)
}

// preemptPending reports whether the central preemption point must fire:
// an IRQ is pending, or the running context has run out of sufficient
// budget. Long kernel operations poll this every few work units.
func (k *Kernel) preemptPending() bool {
	k.workUnits++
	if k.workUnits < maxWorkUnitsPerPreemption {
		return false
	}
	k.workUnits = 0
	if k.port.Pending() {
		return true
	}
	k.updateTimestamp(false)
	return !k.checkBudget()
}

// PreemptionPoint is the central preemption point exposed to long
// operations inside the kernel. It returns true when the operation must
// unwind to the dispatcher.
func (k *Kernel) PreemptionPoint() bool {
	return k.preemptPending()
}
