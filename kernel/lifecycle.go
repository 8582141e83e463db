package kernel

import (
	kerrors "l4kern-go/errors"
)

// Thread lifecycle transitions. All run under the kernel lock; the only
// asynchronous cancellations are exchange-registers and abort, and both
// post a pend-switch instead of switching mid-entry when they target the
// current thread.

// activate moves a freshly created thread from dummy to queued.
func (k *Kernel) activate(t *TCB) error {
	if t.State != StateDummy {
		return kerrors.ErrThreadNotDummy
	}
	t.entrySP = t.Frame.SP
	t.entryIP = t.Frame.IP
	t.State = StateQueued
	if t.SC != nil && t.SC.Active() && !t.SC.Ready(k.currentTime, k.wcet) {
		k.releaseEnqueue(t, t.SC.Head().Time, releaseBudget)
		return nil
	}
	k.readyEnqueue(t)
	k.possibleSwitchTo(t)
	return nil
}

// Activate is the exported activation entry.
func (k *Kernel) Activate(t *TCB) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	err := k.activate(t)
	k.schedule()
	return err
}

// suspend parks a queued thread.
func (k *Kernel) suspend(t *TCB) error {
	switch t.State {
	case StateQueued, StateRunning, StateReady:
	default:
		return kerrors.WrapWithDetail(nil, kerrors.ErrInvalidState, "suspend",
			"thread not runnable")
	}
	k.readyDequeue(t)
	k.releaseRemove(t)
	t.State = StateSuspended
	if t == k.current {
		k.action = schedAction{kind: actionChoose}
	}
	return nil
}

// resume returns a suspended thread to its queues.
func (k *Kernel) resume(t *TCB) error {
	if t.State != StateSuspended {
		return kerrors.WrapWithDetail(nil, kerrors.ErrInvalidState, "resume",
			"thread not suspended")
	}
	t.State = StateQueued
	if t.SC != nil && t.SC.Active() && !t.SC.Ready(k.currentTime, k.wcet) {
		k.releaseEnqueue(t, t.SC.Head().Time, releaseBudget)
		return nil
	}
	k.readyEnqueue(t)
	k.possibleSwitchTo(t)
	return nil
}

// restart resets a thread's frame to its activation entry point and cycles
// it through the restart state back to queued.
func (k *Kernel) restart(t *TCB) error {
	switch t.State {
	case StateQueued, StateRunning, StateReady, StateRestart:
	default:
		return kerrors.WrapWithDetail(nil, kerrors.ErrInvalidState, "restart",
			"thread not restartable")
	}
	k.readyDequeue(t)
	t.State = StateRestart
	t.Frame.SP = t.entrySP
	t.Frame.IP = t.entryIP
	t.State = StateQueued
	k.readyEnqueue(t)
	return nil
}

// yield sends the current thread to the back of its FIFO.
func (k *Kernel) yield(t *TCB) {
	if !t.State.Runnable() {
		return
	}
	k.readyDequeue(t)
	t.State = StateQueued
	k.readyEnqueue(t)
	k.action = schedAction{kind: actionChoose}
}

// donate hands src's scheduling context to dest for the duration of a
// rendezvous; dest's reply restores it.
func (k *Kernel) donate(src, dest *TCB) {
	if src.SC == nil {
		return
	}
	dest.scDonor = src
	dest.SC, src.SC = src.SC, dest.SC
	dest.SC.TCB = dest
	if src.SC != nil {
		src.SC.TCB = src
	}
}

// donateReturn undoes a donation when the borrowing thread completes its
// reply.
func (k *Kernel) donateReturn(t *TCB) {
	donor := t.scDonor
	if donor == nil {
		return
	}
	t.scDonor = nil
	donor.SC, t.SC = t.SC, donor.SC
	if donor.SC != nil {
		donor.SC.TCB = donor
	}
	if t.SC != nil {
		t.SC.TCB = t
	}
}

// abort tears a thread down: it is dequeued from the ready, release,
// endpoint, and notification queues, its memory domain link is removed,
// and its scheduling context released. Essential threads refuse and panic
// the kernel instead.
func (k *Kernel) abort(t *TCB) error {
	if t.Essential() {
		k.fatalError(HaltPanic, t)
		return kerrors.ErrThreadEssential
	}
	t.State = StateAborting

	k.readyDequeue(t)
	k.releaseRemove(t)
	if t.waitEndpoint != nil {
		t.waitEndpoint.remove(t)
		t.waitEndpoint = nil
	}
	if t.waitNotify != nil {
		t.waitNotify.remove(t)
		t.waitNotify = nil
	}
	k.donateReturn(t)

	if t.MemDomain != nil {
		t.MemDomain.DetachThread(uint32(t.GID))
		t.MemDomain.Reset()
		t.MemDomain = nil
	}
	t.SC = nil

	// Revoke the thread's grants and retire its object.
	k.reg.DataClearAll(t.DataBit)
	if t.KO != nil {
		k.reg.RevokeSubtree(t.KO)
		k.reg.Delete(t.KO)
		t.KO = nil
	}

	t.State = StateDead
	delete(k.threads, t.GID.ThreadNo())
	k.versionCounter++

	if t == k.current {
		// Mid-exception we only pend the switch; the dispatcher
		// reschedules on the way out.
		k.port.PendSwitch()
		k.action = schedAction{kind: actionChoose}
	}
	return nil
}

// Abort is the exported teardown entry.
func (k *Kernel) Abort(t *TCB) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	err := k.abort(t)
	k.schedule()
	return err
}

// exchangeRegisters reads and optionally replaces a thread's SP, IP, and
// flags, and can cancel an in-flight IPC with the aborted error.
func (k *Kernel) exchangeRegisters(t *TCB, control uint32, sp, ip, flags uint32) (uint32, uint32, uint32) {
	const (
		ctlCancel   = 1 << 1
		ctlSetSP    = 1 << 3
		ctlSetIP    = 1 << 4
		ctlSetFlags = 1 << 5
	)
	oldSP, oldIP, oldFlags := t.Frame.SP, t.Frame.IP, t.Frame.Flags

	if control&ctlCancel != 0 && t.State.Blocked() {
		// Abort-then-cancel: the partner-visible error is ipc-aborted.
		t.Errno |= kerrors.ErrnoIPCAborted
		k.cancelIPC(t)
	}
	if control&ctlSetSP != 0 {
		t.Frame.SP = sp
	}
	if control&ctlSetIP != 0 {
		t.Frame.IP = ip
	}
	if control&ctlSetFlags != 0 {
		t.Frame.Flags = flags
	}
	if t == k.current {
		k.port.PendSwitch()
	}
	return oldSP, oldIP, oldFlags
}
