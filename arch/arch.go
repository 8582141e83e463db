// Package arch defines the boundary between the kernel core and the
// architecture port: context frames, the clock driver contract, the IRQ
// controller, raw memory access for the user-copy shim, and the pended
// context-switch request. The kernel core never touches hardware except
// through a Port.
package arch

// Word is the machine word of the modelled core (32-bit).
type Word = uint32

// Frame is the architecture-specific saved register frame of a thread.
type Frame struct {
	// SP is the saved stack pointer.
	SP Word
	// IP is the saved instruction pointer.
	IP Word
	// Flags is the saved status register.
	Flags Word
	// ExcReturn is the exception-return value describing which stack and
	// FP mode the thread was in when the kernel was entered.
	ExcReturn Word
	// StackBase is the lowest address of the thread's stack buffer.
	StackBase Word
	// StackSize is the size of the stack buffer in bytes.
	StackSize Word
}

// StackSentinel is the magic value kept in the lowest word of every stack
// buffer. A mismatch means the frame overflowed its stack.
const StackSentinel Word = 0xF0F0F0F0

// Clock is the minimal contract the time core requires of a tick source.
type Clock interface {
	// CycleGet32 returns the free-running cycle counter.
	CycleGet32() uint32

	// SetTimeout arms the next deadline event the given number of ticks
	// from now. idle selects the deep-sleep programming variant.
	SetTimeout(ticks int64, idle bool)

	// Elapsed returns the ticks accumulated since the last call to
	// Elapsed. The time core calls this on every kernel entry.
	Elapsed() int64

	// IdleExit is called when the idle thread is preempted by an
	// interrupt, before the elapsed time is consumed.
	IdleExit()
}

// IRQController is the interrupt-delivery contract.
type IRQController interface {
	// NumIRQs returns the highest valid IRQ number plus one.
	NumIRQs() int

	// EnableIRQ unmasks the line at the controller.
	EnableIRQ(n int)

	// DisableIRQ masks the line at the controller.
	DisableIRQ(n int)

	// Pending reports whether any enabled IRQ is pending. The preemption
	// point polls this.
	Pending() bool

	// ClaimPending removes and returns the lowest pending enabled IRQ
	// number, or -1 when none is pending.
	ClaimPending() int
}

// Port is the full architecture surface consumed by the kernel core.
type Port interface {
	Clock
	IRQController

	// ReadBytes copies out of simulated physical memory. The kernel's
	// user-copy shim performs the MPU check before calling; ReadBytes
	// itself faults only on addresses outside RAM.
	ReadBytes(addr Word, buf []byte) error

	// WriteBytes copies into simulated physical memory.
	WriteBytes(addr Word, buf []byte) error

	// RAMWindow returns the base and size of system RAM.
	RAMWindow() (base, size Word)

	// PendSwitch posts a context-switch request to be honoured on
	// exception return, instead of switching mid-exception.
	PendSwitch()

	// ConsumePendSwitch reports and clears a pended switch request.
	ConsumePendSwitch() bool

	// PutByte emits one byte on the out-of-band diagnostic channel.
	PutByte(b byte)
}
