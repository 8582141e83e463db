package kernel

import (
	"l4kern-go/config"
	kerrors "l4kern-go/errors"
	"l4kern-go/logging"
	"l4kern-go/object"
)

// The interrupt object layer. Each line up to the platform maximum has at
// most one handler object binding it to a thread and an action; delivery
// reuses the IPC cancel and signal machinery. A line is unmasked only
// after its handler commits, never from inside the service routine.

// IRQState is the per-line delivery state.
type IRQState int

const (
	// IRQStateInactive: no handler, deliveries are spurious.
	IRQStateInactive IRQState = iota
	// IRQStateSignal: delivery signals the bound thread's notification.
	IRQStateSignal
	// IRQStateTimer: delivery runs the kernel clock handler.
	IRQStateTimer
	// IRQStateReserved: the line is held back; deliveries are spurious.
	IRQStateReserved
)

var irqStateNames = [...]string{"inactive", "signal", "timer", "reserved"}

// String returns the state name.
func (s IRQState) String() string {
	if s < 0 || int(s) >= len(irqStateNames) {
		return "unknown"
	}
	return irqStateNames[s]
}

// irqHandler is the handler object bound to one line.
type irqHandler struct {
	d      *object.DObject
	num    int
	action config.IRQAction
	thread *TCB
	notify *notification
}

// IRQStateOf reports a line's delivery state, for the invariant checks.
func (k *Kernel) IRQStateOf(n int) IRQState {
	k.mu.Lock()
	defer k.mu.Unlock()
	if n < 0 || n >= len(k.irqState) {
		return IRQStateInactive
	}
	return k.irqState[n]
}

// IRQHandlerBound reports whether a handler object exists for the line.
func (k *Kernel) IRQHandlerBound(n int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return n >= 0 && n < len(k.irqs) && k.irqs[n] != nil
}

// threadNotification returns the thread's signal object, creating it on
// first use.
func (k *Kernel) threadNotification(t *TCB) (*notification, error) {
	if t.notifyObj != nil {
		return t.notifyObj, nil
	}
	d, err := k.reg.Retype(object.TagNotification, false, 0, k.rootUntyped)
	if err != nil {
		return nil, err
	}
	d.Obj.SetReady()
	k.reg.Grant(&d.Obj, t.DataBit)
	nt := &notification{d: d, name: t.Name + ".notify"}
	k.notifications[d.Base] = nt
	t.notifyObj = nt
	return nt, nil
}

// bindIRQ validates and applies an interrupt-control request. The line is
// held masked while the change commits.
func (k *Kernel) bindIRQ(n int, t *TCB, action config.IRQAction) error {
	if n <= 0 || n >= len(k.irqState) {
		return kerrors.ErrIRQOutOfRange
	}
	k.port.DisableIRQ(n)

	h := k.irqs[n]
	if h == nil {
		if action == config.Free {
			return nil
		}
		d, err := k.reg.Retype(object.TagIRQHandler, false, 0, k.rootUntyped)
		if err != nil {
			return err
		}
		d.Obj.SetReady()
		h = &irqHandler{d: d, num: n}
		k.irqs[n] = h
	} else if k.irqState[n] != IRQStateInactive && (action == config.SignalEnable || action == config.TimerEnable) {
		logging.Warn("rejecting irq request, line already active", "irq", n)
		return kerrors.ErrIRQActive
	}

	h.thread = t
	h.action = action
	return k.commitIRQ(h)
}

// commitIRQ moves the line into the state its handler's action demands.
func (k *Kernel) commitIRQ(h *irqHandler) error {
	n := h.num
	switch h.action {
	case config.SignalEnable:
		if h.thread == nil {
			return kerrors.WrapWithDetail(nil, kerrors.ErrInterrupt, "irq-commit", "no bound thread")
		}
		nt, err := k.threadNotification(h.thread)
		if err != nil {
			return err
		}
		h.notify = nt
		k.irqState[n] = IRQStateSignal
		k.port.EnableIRQ(n)
	case config.TimerEnable:
		k.irqState[n] = IRQStateTimer
		k.port.EnableIRQ(n)
	case config.Disable:
		k.irqState[n] = IRQStateInactive
		k.port.DisableIRQ(n)
	case config.Free:
		k.irqState[n] = IRQStateInactive
		k.port.DisableIRQ(n)
		if h.d != nil {
			k.reg.Delete(h.d)
		}
		k.irqs[n] = nil
	default:
		k.irqState[n] = IRQStateReserved
		k.port.DisableIRQ(n)
		return kerrors.WrapWithDetail(nil, kerrors.ErrInterrupt, "irq-commit", "illegal action")
	}
	return nil
}

// interruptRequest services an interrupt-control IPC from the irq-request
// thread's queue: MR1 carries the line, MR2 the thread id, MR3 the action.
func (k *Kernel) interruptRequest(sender *TCB) kerrors.Exception {
	n := int(sender.LoadMR(1))
	gid := GlobalID(sender.LoadMR(2))
	actions := [...]config.IRQAction{config.SignalEnable, config.TimerEnable, config.Disable, config.Free}
	ai := sender.LoadMR(3)
	if int(ai) >= len(actions) || !gid.UserValid() {
		sender.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}
	t := k.lookupGID(gid)
	if t == nil {
		sender.Errno |= kerrors.ErrnoInvalidThread
		return kerrors.ExceptionSyscallError
	}
	if err := k.bindIRQ(n, t, actions[ai]); err != nil {
		sender.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}
	return kerrors.ExceptionNone
}

// ackIRQ re-enables a serviced line on behalf of its handler thread.
func (k *Kernel) ackIRQ(n int, t *TCB) kerrors.Exception {
	if n <= 0 || n >= len(k.irqState) {
		t.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}
	h := k.irqs[n]
	if h == nil || h.thread != t {
		t.Errno |= kerrors.ErrnoNoPrivilege
		return kerrors.ExceptionSyscallError
	}
	if k.irqState[n] == IRQStateSignal || k.irqState[n] == IRQStateTimer {
		k.port.EnableIRQ(n)
	}
	return kerrors.ExceptionNone
}

// doInterruptService is the ISR body. Reserved, inactive, and out-of-range
// lines are spurious and stay masked. A timer line runs the clock handler;
// a signal line cancels any in-flight IPC of the bound thread, signals its
// notification, and fast-paths the switch. The line stays masked until the
// handler thread acknowledges it.
func (k *Kernel) doInterruptService(n int) bool {
	if n < 0 || n >= len(k.irqState) {
		logging.Warn("spurious interrupt", "irq", n)
		return false
	}
	switch k.irqState[n] {
	case IRQStateInactive, IRQStateReserved:
		k.port.DisableIRQ(n)
		logging.Warn("spurious interrupt", "irq", n, "state", k.irqState[n].String())
		return false
	case IRQStateTimer:
		k.timerTick()
		k.reprogram = true
		return true
	case IRQStateSignal:
		k.updateTimestamp(true)
		k.port.DisableIRQ(n)
		h := k.irqs[n]
		t := h.thread
		if t != nil && (t.State == StateSendBlocked || t.State == StateRecvBlocked) {
			k.cancelIPC(t)
		}
		if h.notify != nil {
			k.sendSignal(h.notify, 1<<uint(n%32))
		}
		if t != nil && t.State.Runnable() {
			k.possibleSwitchTo(t)
		}
		return true
	}
	return false
}

// HandleInterrupt is the kernel entry the architecture layer calls when a
// line fires. It runs the service routine and ends, like every entry, in
// the scheduler decision.
func (k *Kernel) HandleInterrupt(n int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.halted {
		return false
	}
	handled := k.doInterruptService(n)
	k.schedule()
	return handled
}

// DrainPendingIRQs services every pending line the controller reports, the
// way the exception prologue drains the pending set.
func (k *Kernel) DrainPendingIRQs() int {
	served := 0
	for {
		n := k.port.ClaimPending()
		if n < 0 {
			return served
		}
		k.HandleInterrupt(n)
		served++
	}
}
