package kernel

import (
	kerrors "l4kern-go/errors"
	"l4kern-go/memory"
	"l4kern-go/object"
)

// The synchronous IPC engine. A rendezvous pairs one sender and one
// receiver on an endpoint; whichever arrives first blocks (subject to its
// timeout), and the transfer happens register-to-register when the partner
// shows up. Typed items ride behind the untyped words and may map pages,
// copy strings through the user-copy shim, or poke the register window.

// endpoint holds the wait queue of an IPC object. All queued threads are
// blocked in the same direction, never both.
type endpoint struct {
	d    *object.DObject
	name string

	queue []*TCB
}

func (e *endpoint) remove(t *TCB) {
	for i, q := range e.queue {
		if q == t {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

func (e *endpoint) headState() ThreadState {
	if len(e.queue) == 0 {
		return StateDummy
	}
	return e.queue[0].State
}

// sendIPC performs the send phase of a rendezvous on ep.
func (k *Kernel) sendIPC(t *TCB, ep *endpoint, timeout Timeout, canDonate bool) kerrors.Exception {
	if e := k.endpointArgCheck(ep); e != kerrors.ExceptionNone {
		t.Errno |= kerrors.ErrnoSendPhase | kerrors.ErrnoIPCNotExist
		return e
	}

	if ep.headState() == StateRecvBlocked {
		r := ep.queue[0]
		ep.queue = ep.queue[1:]
		r.waitEndpoint = nil
		k.releaseRemove(r)

		exc := k.doTransfer(t, r)

		r.State = StateQueued
		k.readyEnqueue(r)
		if exc == kerrors.ExceptionNone {
			if t.scDonor == r {
				// Reply to the donor: its context goes home.
				k.donateReturn(t)
			} else if canDonate {
				k.donate(t, r)
			}
		}
		k.possibleSwitchTo(r)
		return exc
	}

	if timeout.Immediate() {
		t.Errno |= kerrors.ErrnoSendPhase | kerrors.ErrnoIPCTimeout
		return kerrors.ExceptionSyscallError
	}

	k.readyDequeue(t)
	t.State = StateSendBlocked
	t.waitEndpoint = ep
	t.sendDonate = canDonate
	ep.queue = append(ep.queue, t)
	if !timeout.Never() {
		k.releaseEnqueue(t, timeout.Deadline(k.currentTime), releaseTimeout)
	}
	k.action = schedAction{kind: actionChoose}
	return kerrors.ExceptionNone
}

// receiveIPC performs the receive phase of a rendezvous on ep.
func (k *Kernel) receiveIPC(t *TCB, ep *endpoint, timeout Timeout) kerrors.Exception {
	if e := k.endpointArgCheck(ep); e != kerrors.ExceptionNone {
		t.Errno |= kerrors.ErrnoRecvPhase | kerrors.ErrnoIPCNotExist
		return e
	}

	if ep.headState() == StateSendBlocked {
		s := ep.queue[0]
		ep.queue = ep.queue[1:]
		s.waitEndpoint = nil
		k.releaseRemove(s)

		exc := k.doTransfer(s, t)

		s.State = StateQueued
		k.readyEnqueue(s)
		if exc == kerrors.ExceptionNone && s.sendDonate {
			s.sendDonate = false
			k.donate(s, t)
		}
		return exc
	}

	if timeout.Immediate() {
		t.Errno |= kerrors.ErrnoRecvPhase | kerrors.ErrnoIPCTimeout
		return kerrors.ExceptionSyscallError
	}

	k.readyDequeue(t)
	t.State = StateRecvBlocked
	t.waitEndpoint = ep
	ep.queue = append(ep.queue, t)
	if !timeout.Never() {
		k.releaseEnqueue(t, timeout.Deadline(k.currentTime), releaseTimeout)
	}
	k.action = schedAction{kind: actionChoose}
	return kerrors.ExceptionNone
}

// endpointArgCheck validates the endpoint object itself: it must exist and
// be a live endpoint. Ownership is not required for a rendezvous; the
// grant machinery guards object manipulation, not message exchange.
func (k *Kernel) endpointArgCheck(ep *endpoint) kerrors.Exception {
	if ep == nil || ep.d == nil {
		return kerrors.ExceptionSyscallError
	}
	if ep.d.Obj.Tag != object.TagEndpoint || ep.d.Obj.Flags&object.FlagAllocated == 0 {
		return kerrors.ExceptionSyscallError
	}
	return kerrors.ExceptionNone
}

// doTransfer moves a message from sender to receiver: the tag, the untyped
// words register-to-register, then every typed item. A failure after this
// point has a paired partner, so both sides observe the error with their
// phase bits, except the plain timeout which stays with the invoker.
func (k *Kernel) doTransfer(from, to *TCB) kerrors.Exception {
	tag := Tag(from.LoadMR(0))
	u := tag.Untyped()
	ty := tag.Typed()

	if 1+u+ty > NumMRs {
		return k.transferFailed(from, to, kerrors.ErrnoIPCMsgOverflow)
	}

	for i := 1; i <= u; i++ {
		to.StoreMR(i, from.LoadMR(i))
	}

	brNext := 0
	for w := u + 1; w+1 <= u+ty; w += 2 {
		item := DecodeItem(from.LoadMR(w), from.LoadMR(w+1))
		switch item.Kind {
		case ItemMap, ItemGrant:
			if exc := k.transferPage(from, to, item); exc != kerrors.ExceptionNone {
				return exc
			}
		case ItemString:
			var exc kerrors.Exception
			brNext, exc = k.transferString(from, to, item, brNext)
			if exc != kerrors.ExceptionNone {
				return exc
			}
		case ItemCtrl:
			k.applyCtrlItem(to, item)
		default:
			return k.transferFailed(from, to, kerrors.ErrnoIPCMsgOverflow)
		}
		to.StoreMR(w, from.LoadMR(w))
		to.StoreMR(w+1, from.LoadMR(w+1))
	}

	to.StoreMR(0, uint32(tag.WithFlags(FlagSuccess)))
	if tag.TagFlags()&FlagPropagate != 0 {
		k.fastIPCCaller = from.GID
	}
	return kerrors.ExceptionNone
}

// transferPage applies a map or grant item to the receiver's domain.
// A page-table failure is a message overflow.
func (k *Kernel) transferPage(from, to *TCB, item TypedItem) kerrors.Exception {
	if from.MemDomain == nil || to.MemDomain == nil {
		return k.transferFailed(from, to, kerrors.ErrnoIPCMsgOverflow)
	}
	length := uint32(1) << 4 // minimum fpage grain
	var err error
	if item.Kind == ItemGrant {
		err = memory.GrantPage(from.MemDomain, to.MemDomain, item.Base, length, memory.Rights(item.Rights))
	} else {
		err = memory.MapPage(from.MemDomain, to.MemDomain, item.Base, length, memory.Rights(item.Rights))
	}
	if err != nil {
		return k.transferFailed(from, to, kerrors.ErrnoIPCMsgOverflow)
	}
	return kerrors.ExceptionNone
}

// transferString copies a string item into the receiver's next buffer
// descriptor. Too few buffer items or a too-short buffer is a message
// overflow; a copy fault is an xfer timeout attributed to the faulting
// side.
func (k *Kernel) transferString(from, to *TCB, item TypedItem, brNext int) (int, kerrors.Exception) {
	if brNext+1 >= NumBRs {
		return brNext, k.transferFailed(from, to, kerrors.ErrnoIPCMsgOverflow)
	}
	desc := DecodeItem(to.LoadBR(brNext), to.LoadBR(brNext+1))
	if desc.Length == 0 {
		// Not enough buffer string items.
		return brNext, k.transferFailed(from, to, kerrors.ErrnoIPCMsgOverflow)
	}
	if desc.Length < item.Length {
		// Receiving buffer string too short.
		return brNext, k.transferFailed(from, to, kerrors.ErrnoIPCMsgOverflow)
	}

	buf := make([]byte, item.Length)
	if err := k.userRead(from, item.Ptr, buf); err != nil {
		return brNext, k.transferFaulted(from, to, true)
	}
	if err := k.userWrite(to, desc.Ptr, buf); err != nil {
		return brNext, k.transferFaulted(from, to, false)
	}
	return brNext + 2, kerrors.ExceptionNone
}

// applyCtrlItem pokes one register of the receiver's window under a mask.
func (k *Kernel) applyCtrlItem(to *TCB, item TypedItem) {
	set := item.Reg & item.Mask
	switch item.ID {
	case 0:
		to.Frame.SP = to.Frame.SP&^item.Mask | set
	case 1:
		to.Frame.IP = to.Frame.IP&^item.Mask | set
	case 2:
		to.Frame.Flags = to.Frame.Flags&^item.Mask | set
	}
}

// transferFailed signals an error with a paired partner: both sides get
// the reason, each with its own phase bit.
func (k *Kernel) transferFailed(from, to *TCB, reason kerrors.Errno) kerrors.Exception {
	from.Errno |= kerrors.ErrnoSendPhase | reason
	to.Errno |= kerrors.ErrnoRecvPhase | reason
	return kerrors.ExceptionSyscallError
}

// transferFaulted reports an xfer fault in the invoker's or the partner's
// address space.
func (k *Kernel) transferFaulted(from, to *TCB, invokerSide bool) kerrors.Exception {
	reason := kerrors.ErrnoXferTimeoutPartner
	if invokerSide {
		reason = kerrors.ErrnoXferTimeoutInvoker
	}
	from.Errno |= kerrors.ErrnoSendPhase | reason
	to.Errno |= kerrors.ErrnoRecvPhase | reason
	return kerrors.ExceptionSyscallError
}

// cancelIPC dequeues a thread from whatever IPC or signal wait holds it.
// An endpoint wait ends with the cancelled error (unless the thread already
// carries the aborted error); a notification wait ends with no errno set.
func (k *Kernel) cancelIPC(t *TCB) {
	switch t.State {
	case StateSendBlocked, StateRecvBlocked:
		if t.waitEndpoint != nil {
			t.waitEndpoint.remove(t)
			t.waitEndpoint = nil
		}
		k.releaseRemove(t)
		if t.Errno&kerrors.ErrnoIPCAborted == 0 {
			t.Errno |= kerrors.ErrnoIPCCancelled
		}
		t.State = StateQueued
		k.readyEnqueue(t)
	case StateNotifyBlocked:
		if t.waitNotify != nil {
			k.cancelSignal(t, t.waitNotify)
		}
	}
}

// ipcTimeoutExpired fires when a finite IPC timeout elapses with the
// thread still blocked. No partner was ever involved, so the error goes to
// the invoker alone.
func (k *Kernel) ipcTimeoutExpired(t *TCB) {
	phase := kerrors.ErrnoRecvPhase
	if t.State == StateSendBlocked {
		phase = kerrors.ErrnoSendPhase
	}
	if t.waitEndpoint != nil {
		t.waitEndpoint.remove(t)
		t.waitEndpoint = nil
	}
	if t.waitNotify != nil {
		t.waitNotify.remove(t)
		t.waitNotify = nil
	}
	t.Errno |= phase | kerrors.ErrnoIPCTimeout
	t.State = StateQueued
	k.readyEnqueue(t)
	k.possibleSwitchTo(t)
}

// userRead copies out of a thread's address space after the MPU check.
func (k *Kernel) userRead(t *TCB, addr uint32, buf []byte) error {
	if t.MemDomain == nil || !t.MemDomain.Access(addr, uint32(len(buf)), memory.RightR) {
		return kerrors.ErrUserCopyFault
	}
	t.MemDomain.Mark(addr, memory.WasReferenced)
	return k.port.ReadBytes(addr, buf)
}

// userWrite copies into a thread's address space after the MPU check.
func (k *Kernel) userWrite(t *TCB, addr uint32, buf []byte) error {
	if t.MemDomain == nil || !t.MemDomain.Access(addr, uint32(len(buf)), memory.RightW) {
		return kerrors.ErrUserCopyFault
	}
	t.MemDomain.Mark(addr, memory.WasWritten)
	return k.port.WriteBytes(addr, buf)
}
