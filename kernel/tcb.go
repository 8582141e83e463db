// Package kernel implements the microkernel core: thread control blocks and
// lifecycle, the mixed-criticality scheduler with sporadic bandwidth
// servers, the synchronous IPC engine, asynchronous notifications, the
// interrupt object layer, the time core, and the system-call dispatcher.
// All mutable state hangs off a Kernel context so multiple kernels can run
// in one process.
package kernel

import (
	"fmt"

	"l4kern-go/arch"
	kerrors "l4kern-go/errors"
	"l4kern-go/memory"
	"l4kern-go/object"
)

// ThreadState is a thread's lifecycle state.
type ThreadState int

const (
	// StateDummy is a freshly allocated, not yet activated thread.
	StateDummy ThreadState = iota
	// StateQueued is runnable and enqueued.
	StateQueued
	// StateRunning is the thread the CPU is executing.
	StateRunning
	// StateReady is runnable but dequeued for a transient operation.
	StateReady
	// StateSendBlocked waits on an endpoint send rendezvous.
	StateSendBlocked
	// StateRecvBlocked waits on an endpoint receive rendezvous.
	StateRecvBlocked
	// StateNotifyBlocked waits on a notification word.
	StateNotifyBlocked
	// StateRestart is being reset to its entry point.
	StateRestart
	// StateSuspended is held off the ready queues.
	StateSuspended
	// StateAborting is being torn down.
	StateAborting
	// StateDead is terminal.
	StateDead
)

var threadStateNames = [...]string{
	"dummy", "queued", "running", "ready", "send-blocked", "recv-blocked",
	"notify-blocked", "restart", "suspended", "aborting", "dead",
}

// String returns the state name.
func (s ThreadState) String() string {
	if s < 0 || int(s) >= len(threadStateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return threadStateNames[s]
}

// Blocked reports whether the state is one of the three wait states.
func (s ThreadState) Blocked() bool {
	return s == StateSendBlocked || s == StateRecvBlocked || s == StateNotifyBlocked
}

// Runnable reports whether the thread may occupy a ready-queue slot.
func (s ThreadState) Runnable() bool {
	return s == StateQueued || s == StateRunning || s == StateReady
}

// Option is the thread option bit-set.
type Option uint8

const (
	// OptionEssential marks a system thread that must never abort;
	// aborting it panics the kernel.
	OptionEssential Option = 1 << 0
	// OptionFP marks a thread using the floating-point register bank.
	OptionFP Option = 1 << 1
	// OptionUser marks a thread that dropped to user mode.
	OptionUser Option = 1 << 2
)

// GlobalID is a 32-bit global thread id: thread number in the upper 18
// bits, version in the lower 14.
type GlobalID uint32

const (
	// NilThread is the null thread id.
	NilThread GlobalID = 0
	// AnyThread matches any thread in an IPC specifier.
	AnyThread GlobalID = 0xFFFFFFFF

	versionBits = 14
)

// Reserved thread numbers.
const (
	ThreadNoIdle       = 1
	ThreadNoMain       = 2
	ThreadNoPrivilege  = 3
	ThreadNoScheduler  = 4
	ThreadNoSpacer     = 5
	ThreadNoIRQRequest = 6
	ThreadNoIRQAck     = 7

	// FirstUserThreadNo is the lowest thread number available to user
	// threads.
	FirstUserThreadNo = 256
)

// MakeGlobalID packs a thread number and version.
func MakeGlobalID(no uint32, version uint32) GlobalID {
	return GlobalID(no<<versionBits | version&(1<<versionBits-1))
}

// ThreadNo returns the thread number.
func (g GlobalID) ThreadNo() uint32 {
	return uint32(g) >> versionBits
}

// Version returns the id version.
func (g GlobalID) Version() uint32 {
	return uint32(g) & (1<<versionBits - 1)
}

// UserValid reports whether the id names a user-manageable thread.
func (g GlobalID) UserValid() bool {
	return g.ThreadNo() >= FirstUserThreadNo
}

// Message register geometry. The first bankedMRs registers live in the
// TCB's callee-saved slot; the rest live in the user TCB page.
const (
	// NumMRs is the number of logical message registers.
	NumMRs = 16
	// NumBRs is the number of buffer registers for typed-item receive
	// descriptors.
	NumBRs = 8

	bankedMRs = 3
)

// UserTCB is the user-visible TCB page holding the unbanked message
// registers and the buffer registers.
type UserTCB struct {
	// MR holds message registers bankedMRs..NumMRs-1.
	MR [NumMRs - bankedMRs]uint32
	// BR holds the typed-item receive descriptors.
	BR [NumBRs]uint32
}

// releaseReason says why a thread sits on the release queue.
type releaseReason int

const (
	releaseNone releaseReason = iota
	// releaseBudget waits for the head refill to become ready.
	releaseBudget
	// releaseTimeout is a finite IPC timeout deadline.
	releaseTimeout
)

// TCB is a thread control block.
type TCB struct {
	// GID is the thread's global id.
	GID GlobalID
	// Name is a diagnostic label.
	Name string

	// Domain is the scheduling partition the thread belongs to.
	Domain int
	// Priority in [0,255]; numerically lower is served first.
	Priority uint8

	// State is the lifecycle state.
	State ThreadState
	// Options is the option bit-set.
	Options Option

	// SC is the scheduling context, nil for a passive thread.
	SC *SchedContext

	// Frame is the architecture-specific saved register frame.
	Frame arch.Frame

	// MemDomain is the thread's memory domain.
	MemDomain *memory.Domain

	// Errno is the per-thread error bit-set.
	Errno kerrors.Errno

	// UTCBAddr is the user TCB page location.
	UTCBAddr uint32

	// Pager and Scheduler are the associated thread ids from
	// thread-control.
	Pager     GlobalID
	Scheduler GlobalID

	// DataBit is the thread's owner discriminator bit in kernel-object
	// data words.
	DataBit uint32

	// KO is the thread's own derivation object.
	KO *object.DObject

	calleeSavedMR [bankedMRs]uint32
	user          UserTCB

	// IPC bookkeeping, written only under the kernel lock.
	waitEndpoint *endpoint
	waitNotify   *notification
	notifyObj    *notification
	sendBlocking bool
	sendDonate   bool

	// scDonor remembers whose SC the thread is running on after a
	// donation, so the reply can restore it.
	scDonor *TCB

	// Release-queue bookkeeping.
	releaseAt  int64
	releaseWhy releaseReason

	// entrySP and entryIP restore the initial frame on restart.
	entrySP uint32
	entryIP uint32
}

// LoadMR reads logical message register i.
func (t *TCB) LoadMR(i int) uint32 {
	if i < 0 || i >= NumMRs {
		return 0
	}
	if i < bankedMRs {
		return t.calleeSavedMR[i]
	}
	return t.user.MR[i-bankedMRs]
}

// StoreMR writes logical message register i.
func (t *TCB) StoreMR(i int, v uint32) {
	if i < 0 || i >= NumMRs {
		return
	}
	if i < bankedMRs {
		t.calleeSavedMR[i] = v
		return
	}
	t.user.MR[i-bankedMRs] = v
}

// LoadBR reads buffer register i.
func (t *TCB) LoadBR(i int) uint32 {
	if i < 0 || i >= NumBRs {
		return 0
	}
	return t.user.BR[i]
}

// StoreBR writes buffer register i.
func (t *TCB) StoreBR(i int, v uint32) {
	if i >= 0 && i < NumBRs {
		t.user.BR[i] = v
	}
}

// Essential reports whether the thread must never abort.
func (t *TCB) Essential() bool {
	return t.Options&OptionEssential != 0
}

func (t *TCB) String() string {
	return fmt.Sprintf("%s(%#x)", t.Name, uint32(t.GID))
}
