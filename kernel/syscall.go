package kernel

import (
	kerrors "l4kern-go/errors"
	"l4kern-go/object"
)

// System-call dispatch. The table is dense and fixed: one entry per
// opcode, reserved slots included. An opcode outside the table, or landing
// on a reserved slot, oopses the invoker; there is no way to grow the
// table at run time.

// Opcode numbers the system calls.
type Opcode int

// The system call table.
const (
	OpKernelInterface Opcode = iota
	OpExchangeIPC
	OpExchangeRegisters
	OpThreadControl
	OpScheduleControl
	OpSwitchThread
	OpSpaceControl
	OpProcessorControl
	OpMemoryControl
	OpUnmapPage
	OpSystemClock
	OpDeviceBinding
	OpKObjectAccessGrant
	OpKObjectAccessRevoke
	OpRetypeUntyped
	OpDObjectAlloc
	OpDObjectFree
	OpUprintkStringOut

	opcodeCount
)

// syscallTableSize fixes the dispatch table; slots past opcodeCount are
// reserved and oops the invoker.
const syscallTableSize = 24

// SyscallArgs carries the raw argument words of one invocation.
type SyscallArgs [6]uint32

type syscallEntry struct {
	name    string
	handler func(*Kernel, *TCB, SyscallArgs) kerrors.Exception
}

var syscallTable = [syscallTableSize]syscallEntry{
	OpKernelInterface:     {"kernel-interface", (*Kernel).sysKernelInterface},
	OpExchangeIPC:         {"exchange-ipc", (*Kernel).sysExchangeIPC},
	OpExchangeRegisters:   {"exchange-registers", (*Kernel).sysExchangeRegisters},
	OpThreadControl:       {"thread-control", (*Kernel).sysThreadControl},
	OpScheduleControl:     {"schedule-control", (*Kernel).sysScheduleControl},
	OpSwitchThread:        {"switch-thread", (*Kernel).sysSwitchThread},
	OpSpaceControl:        {"space-control", (*Kernel).sysSpaceControl},
	OpProcessorControl:    {"processor-control", (*Kernel).sysProcessorControl},
	OpMemoryControl:       {"memory-control", (*Kernel).sysMemoryControl},
	OpUnmapPage:           {"unmap-page", (*Kernel).sysUnmapPage},
	OpSystemClock:         {"system-clock", (*Kernel).sysSystemClock},
	OpDeviceBinding:       {"device-binding", (*Kernel).sysDeviceBinding},
	OpKObjectAccessGrant:  {"kobject-access-grant", (*Kernel).sysKObjectGrant},
	OpKObjectAccessRevoke: {"kobject-access-revoke", (*Kernel).sysKObjectRevoke},
	OpRetypeUntyped:       {"retype-untyped", (*Kernel).sysRetypeUntyped},
	OpDObjectAlloc:        {"dobject-alloc", (*Kernel).sysDObjectAlloc},
	OpDObjectFree:         {"dobject-free", (*Kernel).sysDObjectFree},
	OpUprintkStringOut:    {"uprintk-string-out", (*Kernel).sysUprintk},
}

// Name returns the opcode's table name.
func (op Opcode) Name() string {
	if op < 0 || int(op) >= syscallTableSize || syscallTable[op].handler == nil {
		return "reserved"
	}
	return syscallTable[op].name
}

// Invoke is the system-call entry: budget prologue, capability checks in
// the handlers, then the scheduler epilogue. It runs on behalf of t, or
// the current thread when t is nil.
func (k *Kernel) Invoke(t *TCB, op Opcode, args SyscallArgs) kerrors.Exception {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.halted {
		return kerrors.ExceptionFault
	}
	if t == nil {
		t = k.current
	}
	if t == nil {
		return kerrors.ExceptionFault
	}

	k.updateTimestamp(false)
	if k.currentIs(t) && !k.checkBudgetRestart() {
		k.schedule()
		return kerrors.ExceptionFault
	}
	if !k.checkStackSentinel(t) {
		k.schedule()
		return kerrors.ExceptionFault
	}

	if op < 0 || int(op) >= syscallTableSize || syscallTable[op].handler == nil {
		// Invalid opcodes and reserved slots panic the invoker.
		k.fatalError(HaltOops, t)
		k.schedule()
		return kerrors.ExceptionFault
	}

	exc := syscallTable[op].handler(k, t, args)
	k.schedule()
	return exc
}

func (k *Kernel) currentIs(t *TCB) bool {
	return k.current == t
}

// privileged reports whether a thread may use the control interfaces.
func (k *Kernel) privileged(t *TCB) bool {
	return t.Options&OptionUser == 0 || t.GID.ThreadNo() < FirstUserThreadNo
}

func (k *Kernel) sysKernelInterface(t *TCB, _ SyscallArgs) kerrors.Exception {
	t.StoreMR(1, uint32(k.kip.APIVersion)<<24|uint32(k.kip.APISubversion)<<16)
	flags := uint32(0)
	if !k.kip.LittleEndian {
		flags |= 1
	}
	if k.kip.WordWidth == 64 {
		flags |= 1 << 2
	}
	t.StoreMR(2, flags)
	t.StoreMR(3, k.kip.KernelID)
	return kerrors.ExceptionNone
}

// sysExchangeIPC runs the optional send phase then the optional receive
// phase against endpoint (or notification) objects. The timeout word
// carries the send timeout in the low half and the receive timeout in the
// high half.
func (k *Kernel) sysExchangeIPC(t *TCB, a SyscallArgs) kerrors.Exception {
	recvAddr, sendAddr := a[0], a[1]
	sendTO := Timeout(a[2] & 0xFFFF)
	recvTO := Timeout(a[2] >> 16)
	canDonate := a[3]&1 != 0

	if sendAddr != 0 {
		if nt, ok := k.notifications[object.Addr(sendAddr)]; ok {
			k.sendSignal(nt, t.LoadMR(1))
		} else if ep, ok := k.endpoints[object.Addr(sendAddr)]; ok {
			if exc := k.sendIPC(t, ep, sendTO, canDonate); exc != kerrors.ExceptionNone {
				return exc
			}
		} else {
			t.Errno |= kerrors.ErrnoSendPhase | kerrors.ErrnoIPCNotExist
			return kerrors.ExceptionSyscallError
		}
	}

	if recvAddr != 0 {
		if nt, ok := k.notifications[object.Addr(recvAddr)]; ok {
			return k.receiveSignal(t, nt, !recvTO.Immediate())
		}
		ep, ok := k.endpoints[object.Addr(recvAddr)]
		if !ok {
			t.Errno |= kerrors.ErrnoRecvPhase | kerrors.ErrnoIPCNotExist
			return kerrors.ExceptionSyscallError
		}
		return k.receiveIPC(t, ep, recvTO)
	}
	return kerrors.ExceptionNone
}

func (k *Kernel) sysExchangeRegisters(t *TCB, a SyscallArgs) kerrors.Exception {
	target := k.lookupGID(GlobalID(a[0]))
	if target == nil {
		t.Errno |= kerrors.ErrnoInvalidThread
		return kerrors.ExceptionSyscallError
	}
	if !k.privileged(t) && target != t {
		t.Errno |= kerrors.ErrnoNoPrivilege
		return kerrors.ExceptionSyscallError
	}
	sp, ip, flags := k.exchangeRegisters(target, a[1], a[2], a[3], a[4])
	t.StoreMR(1, sp)
	t.StoreMR(2, ip)
	t.StoreMR(3, flags)
	return kerrors.ExceptionNone
}

// Thread-control argument-control word bits: which fields the call sets,
// and whether the thread activates on return.
const (
	tcSetSpace     = 1 << 0
	tcSetScheduler = 1 << 1
	tcSetPager     = 1 << 2
	tcActivate     = 1 << 3
)

// sysThreadControl is the single thread creation and deletion primitive.
func (k *Kernel) sysThreadControl(t *TCB, a SyscallArgs) kerrors.Exception {
	if !k.privileged(t) {
		t.Errno |= kerrors.ErrnoNoPrivilege
		return kerrors.ExceptionSyscallError
	}
	destGID := GlobalID(a[0])
	spaceGID := GlobalID(a[1])
	schedGID := GlobalID(a[2])
	pagerGID := GlobalID(a[3])
	control := a[4]

	if !destGID.UserValid() {
		t.Errno |= kerrors.ErrnoInvalidThread
		return kerrors.ExceptionSyscallError
	}

	dest := k.threads[destGID.ThreadNo()]

	// A set-space of nil on an existing thread deletes it.
	if dest != nil && control&tcSetSpace != 0 && spaceGID == NilThread {
		if err := k.abort(dest); err != nil {
			t.Errno |= kerrors.ErrnoInvalidThread
			return kerrors.ExceptionSyscallError
		}
		return kerrors.ExceptionNone
	}

	if dest == nil {
		if control&tcSetScheduler != 0 && schedGID == NilThread {
			t.Errno |= kerrors.ErrnoInvalidScheduler
			return kerrors.ExceptionSyscallError
		}
		var err error
		dest, err = k.allocThread(destGID.ThreadNo(), "user")
		if err != nil {
			t.Errno |= kerrors.ErrnoOutOfMemory
			return kerrors.ExceptionSyscallError
		}
		dest.Options |= OptionUser
	}

	if control&tcSetScheduler != 0 {
		if schedGID != NilThread && k.lookupGID(schedGID) == nil {
			t.Errno |= kerrors.ErrnoInvalidScheduler
			return kerrors.ExceptionSyscallError
		}
		dest.Scheduler = schedGID
	}
	if control&tcSetPager != 0 {
		dest.Pager = pagerGID
	}
	if control&tcSetSpace != 0 {
		space := k.lookupGID(spaceGID)
		if space == nil || space.MemDomain == nil {
			t.Errno |= kerrors.ErrnoInvalidSpace
			return kerrors.ExceptionSyscallError
		}
		dest.MemDomain = space.MemDomain
		space.MemDomain.AttachThread(uint32(dest.GID))
	}

	if control&tcActivate != 0 {
		if dest.MemDomain == nil {
			t.Errno |= kerrors.ErrnoInvalidSpace
			return kerrors.ExceptionSyscallError
		}
		if err := k.activate(dest); err != nil {
			t.Errno |= kerrors.ErrnoInvalidThread
			return kerrors.ExceptionSyscallError
		}
	}
	return kerrors.ExceptionNone
}

// sysScheduleControl sets a thread's bandwidth contract, priority, and
// domain.
func (k *Kernel) sysScheduleControl(t *TCB, a SyscallArgs) kerrors.Exception {
	if !k.privileged(t) {
		t.Errno |= kerrors.ErrnoNoPrivilege | kerrors.ErrnoTCRError
		return kerrors.ExceptionSyscallError
	}
	dest := k.lookupGID(GlobalID(a[0]))
	if dest == nil {
		t.Errno |= kerrors.ErrnoThreadNotExist
		return kerrors.ExceptionSyscallError
	}
	switch dest.State {
	case StateDead, StateAborting:
		t.Errno |= kerrors.ErrnoThreadNotExist
		return kerrors.ExceptionSyscallError
	}
	budget := int64(a[1])
	period := int64(a[2])
	prio := a[3]
	domain := int(a[4])

	if budget <= 0 || period <= 0 || budget > period ||
		budget < k.minBudget || prio >= NumPriorities || domain >= k.numDomains {
		t.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}

	wasQueued := k.readyQueued(dest)
	if wasQueued {
		k.readyDequeue(dest)
	}
	dest.Priority = uint8(prio)
	dest.Domain = domain

	if dest.SC == nil {
		sc, err := k.allocSchedContext(MinRefills)
		if err != nil {
			t.Errno |= kerrors.ErrnoOutOfMemory
			return kerrors.ExceptionSyscallError
		}
		sc.TCB = dest
		dest.SC = sc
	}
	if dest.SC.Active() {
		dest.SC.RefillUpdate(period, budget, dest.SC.MaxRefills(), k.currentTime)
	} else {
		dest.SC.RefillNew(dest.SC.MaxRefills(), budget, period, k.currentTime)
	}

	if wasQueued {
		k.readyEnqueue(dest)
		k.possibleSwitchTo(dest)
	}
	return kerrors.ExceptionNone
}

// sysSwitchThread yields, or hands the processor to a designated thread in
// the current domain.
func (k *Kernel) sysSwitchThread(t *TCB, a SyscallArgs) kerrors.Exception {
	gid := GlobalID(a[0])
	if gid == NilThread {
		k.yield(t)
		return kerrors.ExceptionNone
	}
	dest := k.lookupGID(gid)
	if dest == nil {
		t.Errno |= kerrors.ErrnoThreadNotExist
		return kerrors.ExceptionSyscallError
	}
	if !dest.State.Runnable() || dest.Domain != k.currentDomain {
		t.Errno |= kerrors.ErrnoThreadInactive
		return kerrors.ExceptionSyscallError
	}
	k.yield(t)
	k.action = schedAction{kind: actionSwitch, target: dest}
	return kerrors.ExceptionNone
}

// sysSpaceControl configures a thread's UTCB placement.
func (k *Kernel) sysSpaceControl(t *TCB, a SyscallArgs) kerrors.Exception {
	if !k.privileged(t) {
		t.Errno |= kerrors.ErrnoNoPrivilege
		return kerrors.ExceptionSyscallError
	}
	dest := k.lookupGID(GlobalID(a[0]))
	if dest == nil {
		t.Errno |= kerrors.ErrnoInvalidSpace
		return kerrors.ExceptionSyscallError
	}
	utcb := a[2]
	base, size := k.port.RAMWindow()
	if utcb != 0 && (utcb < base || utcb >= base+size) {
		t.Errno |= kerrors.ErrnoInvalidUTCB
		return kerrors.ExceptionSyscallError
	}
	if utcb != 0 && dest.State != StateDummy && dest.UTCBAddr != 0 && dest.UTCBAddr != utcb {
		// The UTCB of an active thread cannot move.
		t.Errno |= kerrors.ErrnoInvalidUTCB
		return kerrors.ExceptionSyscallError
	}
	if utcb != 0 {
		dest.UTCBAddr = utcb
	}
	return kerrors.ExceptionNone
}

func (k *Kernel) sysProcessorControl(t *TCB, _ SyscallArgs) kerrors.Exception {
	if !k.privileged(t) {
		t.Errno |= kerrors.ErrnoNoPrivilege
		return kerrors.ExceptionSyscallError
	}
	// Single processor: the descriptors are fixed.
	return kerrors.ExceptionNone
}

// sysMemoryControl validates the fpage list in the message registers; the
// simulated MPU carries no settable attributes, so a valid list is a
// no-op.
func (k *Kernel) sysMemoryControl(t *TCB, a SyscallArgs) kerrors.Exception {
	if !k.privileged(t) {
		t.Errno |= kerrors.ErrnoNoPrivilege
		return kerrors.ExceptionSyscallError
	}
	count := int(a[0] & 0x3F)
	if t.MemDomain == nil && count > 0 {
		t.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}
	for i := 0; i < count && i+1 < NumMRs; i++ {
		base := t.LoadMR(i+1) &^ 0x3FF
		if !t.MemDomain.Mapped(base) {
			t.Errno |= kerrors.ErrnoInvalidParam
			return kerrors.ExceptionSyscallError
		}
	}
	return kerrors.ExceptionNone
}

// sysUnmapPage walks count fpage words in the message registers, unmaps
// each from the caller's domain, and returns the access status bits in
// place in the rights nibble. Bit 6 of the control word selects the flush
// variant that also clears child-domain mappings.
func (k *Kernel) sysUnmapPage(t *TCB, a SyscallArgs) kerrors.Exception {
	control := a[0]
	count := int(control & 0x3F)
	flush := control&(1<<6) != 0

	if t.MemDomain == nil {
		t.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}

	exc := kerrors.ExceptionNone
	for i := 0; i < count && i+1 < NumMRs; i++ {
		w := t.LoadMR(i + 1)
		base := w &^ 0x3FF
		status, err := t.MemDomain.Unmap(base, flush)
		if err != nil {
			t.Errno |= kerrors.ErrnoInvalidParam
			exc = kerrors.ExceptionSyscallError
			continue
		}
		t.StoreMR(i+1, w&^0xF|uint32(status))
		if k.PreemptionPoint() {
			return kerrors.ExceptionPreempted
		}
	}
	return exc
}

func (k *Kernel) sysSystemClock(t *TCB, _ SyscallArgs) kerrors.Exception {
	t.StoreMR(1, uint32(k.currentTime))
	t.StoreMR(2, uint32(k.currentTime>>32))
	return kerrors.ExceptionNone
}

// sysDeviceBinding is the interrupt request/acknowledge front-end: the
// request variant routes through the irq-request machinery, the ack
// variant re-enables a serviced line.
func (k *Kernel) sysDeviceBinding(t *TCB, a SyscallArgs) kerrors.Exception {
	if a[3]&1 != 0 {
		return k.ackIRQ(int(a[0]), t)
	}
	t.StoreMR(1, a[0])
	t.StoreMR(2, a[1])
	t.StoreMR(3, a[2])
	return k.interruptRequest(t)
}

func (k *Kernel) sysKObjectGrant(t *TCB, a SyscallArgs) kerrors.Exception {
	ko := k.reg.FindKO(object.Addr(a[0]))
	if ko == nil {
		t.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}
	dest := k.lookupGID(GlobalID(a[1]))
	if dest == nil {
		t.Errno |= kerrors.ErrnoInvalidThread
		return kerrors.ExceptionSyscallError
	}
	if !k.privileged(t) {
		if v := k.reg.AccessValidate(ko, t.DataBit, object.TagAny); v != object.ValidationOK {
			t.Errno |= kerrors.ErrnoNoPrivilege
			return kerrors.ExceptionSyscallError
		}
	}
	k.reg.Grant(ko, dest.DataBit)
	return kerrors.ExceptionNone
}

func (k *Kernel) sysKObjectRevoke(t *TCB, a SyscallArgs) kerrors.Exception {
	ko := k.reg.FindKO(object.Addr(a[0]))
	if ko == nil {
		t.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}
	dest := k.lookupGID(GlobalID(a[1]))
	if dest == nil {
		t.Errno |= kerrors.ErrnoInvalidThread
		return kerrors.ExceptionSyscallError
	}
	if !k.privileged(t) && t != dest {
		t.Errno |= kerrors.ErrnoNoPrivilege
		return kerrors.ExceptionSyscallError
	}
	k.reg.Revoke(ko, dest.DataBit)
	return kerrors.ExceptionNone
}

// sysRetypeUntyped derives count objects of the requested type from an
// untyped object, yielding at the preemption point between objects. A
// preempted call has created a prefix of the requested objects; restarting
// continues after them.
func (k *Kernel) sysRetypeUntyped(t *TCB, a SyscallArgs) kerrors.Exception {
	src := k.reg.Find(object.Addr(a[0]))
	if src == nil {
		return kerrors.ExceptionLookupFault
	}
	newType := object.Tag(a[1])
	size := a[2]
	count := int(a[3])
	if count <= 0 {
		count = 1
	}
	if !newType.Valid() || newType == object.TagNull {
		t.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}
	if !k.privileged(t) {
		if v := k.reg.AccessValidate(&src.Obj, t.DataBit, object.TagUntyped); v != object.ValidationOK {
			t.Errno |= kerrors.ErrnoNoPrivilege
			return kerrors.ExceptionSyscallError
		}
	}

	// Pristine storage needs no reset pass; storage that already carried
	// children does.
	reset := !src.NoChild()

	made := 0
	for i := 0; i < count; i++ {
		child, err := k.reg.Retype(newType, reset && i == 0, size, src)
		if kerrors.Is(err, kerrors.ErrPreempted) {
			t.StoreMR(0, uint32(made))
			return kerrors.ExceptionPreempted
		}
		if err != nil {
			t.Errno |= kerrors.ErrnoOutOfMemory
			t.StoreMR(0, uint32(made))
			return kerrors.ExceptionSyscallError
		}
		child.Obj.SetReady()
		k.reg.Grant(&child.Obj, t.DataBit)
		made++
		if made < NumMRs {
			t.StoreMR(made, child.Base)
		}
		if i+1 < count && k.PreemptionPoint() {
			t.StoreMR(0, uint32(made))
			return kerrors.ExceptionPreempted
		}
	}
	t.StoreMR(0, uint32(made))
	return kerrors.ExceptionNone
}

func (k *Kernel) sysDObjectAlloc(t *TCB, a SyscallArgs) kerrors.Exception {
	newType := object.Tag(a[0])
	size := a[1]
	if !newType.Valid() || newType == object.TagNull {
		t.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}
	d, err := k.reg.Retype(newType, false, size, k.rootUntyped)
	if err != nil {
		t.Errno |= kerrors.ErrnoOutOfMemory
		return kerrors.ExceptionSyscallError
	}
	d.Obj.SetReady()
	k.reg.Grant(&d.Obj, t.DataBit)
	switch newType {
	case object.TagEndpoint:
		k.endpoints[d.Base] = &endpoint{d: d}
	case object.TagNotification:
		k.notifications[d.Base] = &notification{d: d}
	}
	t.StoreMR(1, d.Base)
	return kerrors.ExceptionNone
}

func (k *Kernel) sysDObjectFree(t *TCB, a SyscallArgs) kerrors.Exception {
	d := k.reg.Find(object.Addr(a[0]))
	if d == nil {
		return kerrors.ExceptionLookupFault
	}
	if !k.privileged(t) {
		if v := k.reg.AccessValidate(&d.Obj, t.DataBit, object.TagAny); v != object.ValidationOK {
			t.Errno |= kerrors.ErrnoNoPrivilege
			return kerrors.ExceptionSyscallError
		}
	}
	base := d.Base
	if err := k.reg.Delete(d); err != nil {
		t.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}
	delete(k.endpoints, base)
	delete(k.notifications, base)
	return kerrors.ExceptionNone
}

// sysUprintk copies a bounded user string and emits it on the diagnostic
// byte channel.
func (k *Kernel) sysUprintk(t *TCB, a SyscallArgs) kerrors.Exception {
	const maxPrintk = 256
	n := a[1]
	if n > maxPrintk {
		n = maxPrintk
	}
	buf := make([]byte, n)
	if err := k.userRead(t, a[0], buf); err != nil {
		t.Errno |= kerrors.ErrnoInvalidParam
		return kerrors.ExceptionSyscallError
	}
	for _, b := range buf {
		k.port.PutByte(b)
	}
	t.StoreMR(1, n)
	return kerrors.ExceptionNone
}
