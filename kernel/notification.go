package kernel

import (
	kerrors "l4kern-go/errors"
	"l4kern-go/object"
)

// notification is the asynchronous signal object: a word-sized bit-set and
// a FIFO of notify-blocked waiters. Signals OR into the set; a receive
// consumes the whole set at once.
type notification struct {
	d    *object.DObject
	name string

	word    uint32
	waiters []*TCB
}

func (n *notification) remove(t *TCB) {
	for i, e := range n.waiters {
		if e == t {
			n.waiters = append(n.waiters[:i], n.waiters[i+1:]...)
			return
		}
	}
}

// sendSignal ORs bits into the set and, if a waiter exists, hands the
// accumulated set to the first one and wakes it.
func (k *Kernel) sendSignal(n *notification, bits uint32) {
	n.word |= bits
	if len(n.waiters) == 0 || n.word == 0 {
		return
	}
	t := n.waiters[0]
	n.waiters = n.waiters[1:]
	t.waitNotify = nil
	k.releaseRemove(t)

	k.completeSignal(t, n)
	t.State = StateQueued
	k.readyEnqueue(t)
	k.possibleSwitchTo(t)
}

// completeSignal moves the whole set into the receiver and zeroes it.
func (k *Kernel) completeSignal(t *TCB, n *notification) {
	t.StoreMR(0, uint32(MakeTag(1, 0, FlagSuccess, 0)))
	t.StoreMR(1, n.word)
	n.word = 0
}

// receiveSignal consumes a non-zero set immediately; otherwise the thread
// blocks, or fails with the timeout error when non-blocking.
func (k *Kernel) receiveSignal(t *TCB, n *notification, blocking bool) kerrors.Exception {
	if n.word != 0 {
		k.completeSignal(t, n)
		return kerrors.ExceptionNone
	}
	if !blocking {
		t.Errno |= kerrors.ErrnoRecvPhase | kerrors.ErrnoIPCTimeout
		return kerrors.ExceptionSyscallError
	}
	k.readyDequeue(t)
	t.State = StateNotifyBlocked
	t.waitNotify = n
	n.waiters = append(n.waiters, t)
	k.action = schedAction{kind: actionChoose}
	return kerrors.ExceptionNone
}

// cancelSignal removes a thread from a notification's waiter queue and
// makes it runnable again.
func (k *Kernel) cancelSignal(t *TCB, n *notification) {
	if t.State != StateNotifyBlocked {
		return
	}
	n.remove(t)
	t.waitNotify = nil
	t.State = StateQueued
	k.readyEnqueue(t)
}

// SignalByName signals a boot notification, for the simulator surface.
func (k *Kernel) SignalByName(name string, bits uint32) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	addr, ok := k.ntByName[name]
	if !ok {
		return kerrors.ErrObjectNotFound
	}
	k.sendSignal(k.notifications[addr], bits)
	k.schedule()
	return nil
}
