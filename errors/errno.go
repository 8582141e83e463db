package errors

import "strings"

// Exception is the result classification every system call returns.
type Exception int

const (
	// ExceptionNone indicates the call completed.
	ExceptionNone Exception = iota
	// ExceptionFault indicates the caller had insufficient budget and was
	// moved to the release queue before the call body ran.
	ExceptionFault
	// ExceptionLookupFault indicates a kernel-object lookup failed.
	ExceptionLookupFault
	// ExceptionSyscallError indicates the call failed; the reason bits are
	// in the caller's errno word.
	ExceptionSyscallError
	// ExceptionPreempted indicates the call was unwound at the preemption
	// point and must be restarted by the dispatcher.
	ExceptionPreempted
)

// String returns a human-readable name for the exception.
func (e Exception) String() string {
	switch e {
	case ExceptionNone:
		return "none"
	case ExceptionFault:
		return "fault"
	case ExceptionLookupFault:
		return "lookup-fault"
	case ExceptionSyscallError:
		return "syscall-error"
	case ExceptionPreempted:
		return "preempted"
	default:
		return "unknown"
	}
}

// Errno is the per-thread error bit-set. A system call that returns
// ExceptionSyscallError ORs one or more reason bits into the calling
// thread's errno word.
type Errno uint32

// TCR family (thread-control-register errors, L4 X.2 R7 pp. 24-25).
const (
	// ErrnoNoPrivilege: current thread lacks privilege for the operation.
	ErrnoNoPrivilege Errno = 1 << 0
	// ErrnoInvalidThread: dest specified a kernel or unavailable thread.
	ErrnoInvalidThread Errno = 1 << 1
	// ErrnoInvalidSpace: space specifier invalid or space uninitialized.
	ErrnoInvalidSpace Errno = 1 << 2
	// ErrnoInvalidScheduler: scheduler specifier invalid or nil on create.
	ErrnoInvalidScheduler Errno = 1 << 3
	// ErrnoInvalidParam: malformed parameter.
	ErrnoInvalidParam Errno = 1 << 4
	// ErrnoInvalidUTCB: UTCB location outside the UTCB area, or changed
	// for an already active thread.
	ErrnoInvalidUTCB Errno = 1 << 5
	// ErrnoInvalidKIP: bad kernel-interface-page reference.
	ErrnoInvalidKIP Errno = 1 << 6
	// ErrnoOutOfMemory: the kernel could not allocate required resources.
	ErrnoOutOfMemory Errno = 1 << 7
)

// Scheduling errors.
const (
	ErrnoTCRError            Errno = 1 << 8
	ErrnoThreadNotExist      Errno = 1 << 9
	ErrnoThreadInactive      Errno = 1 << 10
	ErrnoThreadRunning       Errno = 1 << 11
	ErrnoThreadSendBlocked   Errno = 1 << 12
	ErrnoThreadSending       Errno = 1 << 13
	ErrnoThreadRecvBlocked   Errno = 1 << 14
	ErrnoThreadReceiving     Errno = 1 << 15
	ErrnoThreadNotifyBlocked Errno = 1 << 16
)

// IPC errors. Phase bits encode where in the exchange the error occurred;
// the remaining bits carry the reason.
const (
	// ErrnoSendPhase: the error occurred during the send phase.
	ErrnoSendPhase Errno = 1 << 17
	// ErrnoRecvPhase: the error occurred during the receive phase.
	ErrnoRecvPhase Errno = 1 << 18
	// ErrnoIPCTimeout: the operation timed out before a partner was
	// involved; signalled only to the invoker.
	ErrnoIPCTimeout Errno = 1 << 19
	// ErrnoIPCNotExist: non-existing partner.
	ErrnoIPCNotExist Errno = 1 << 20
	// ErrnoIPCCancelled: cancelled by another thread (exchange-registers).
	ErrnoIPCCancelled Errno = 1 << 21
	// ErrnoIPCMsgOverflow: receive buffer string too short, not enough
	// buffer items, or map/grant failed for page-table space. A partner is
	// already involved, so both sides observe it.
	ErrnoIPCMsgOverflow Errno = 1 << 22
	// ErrnoXferTimeoutInvoker: xfer timeout faulting in the invoker's space.
	ErrnoXferTimeoutInvoker Errno = 1 << 23
	// ErrnoXferTimeoutPartner: xfer timeout faulting in the partner's space.
	ErrnoXferTimeoutPartner Errno = 1 << 24
	// ErrnoIPCAborted: aborted by another thread (exchange-registers).
	ErrnoIPCAborted Errno = 1 << 25
)

var errnoNames = []struct {
	bit  Errno
	name string
}{
	{ErrnoNoPrivilege, "no-privilege"},
	{ErrnoInvalidThread, "invalid-thread"},
	{ErrnoInvalidSpace, "invalid-space"},
	{ErrnoInvalidScheduler, "invalid-scheduler"},
	{ErrnoInvalidParam, "invalid-param"},
	{ErrnoInvalidUTCB, "invalid-utcb"},
	{ErrnoInvalidKIP, "invalid-kip"},
	{ErrnoOutOfMemory, "out-of-memory"},
	{ErrnoTCRError, "tcr-error"},
	{ErrnoThreadNotExist, "thread-not-exist"},
	{ErrnoThreadInactive, "thread-inactive"},
	{ErrnoThreadRunning, "thread-running"},
	{ErrnoThreadSendBlocked, "thread-send-blocked"},
	{ErrnoThreadSending, "thread-sending"},
	{ErrnoThreadRecvBlocked, "thread-recv-blocked"},
	{ErrnoThreadReceiving, "thread-receiving"},
	{ErrnoThreadNotifyBlocked, "thread-notify-blocked"},
	{ErrnoSendPhase, "send-phase"},
	{ErrnoRecvPhase, "recv-phase"},
	{ErrnoIPCTimeout, "ipc-timeout"},
	{ErrnoIPCNotExist, "ipc-not-exist"},
	{ErrnoIPCCancelled, "ipc-cancelled"},
	{ErrnoIPCMsgOverflow, "ipc-msg-overflow"},
	{ErrnoXferTimeoutInvoker, "xfer-timeout-invoker"},
	{ErrnoXferTimeoutPartner, "xfer-timeout-partner"},
	{ErrnoIPCAborted, "ipc-aborted"},
}

// Has reports whether every bit in mask is set.
func (e Errno) Has(mask Errno) bool {
	return e&mask == mask
}

// String returns a "|"-joined list of the set reason bits.
func (e Errno) String() string {
	if e == 0 {
		return "ok"
	}
	var parts []string
	for _, n := range errnoNames {
		if e&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}
