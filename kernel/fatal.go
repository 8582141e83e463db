package kernel

import (
	"l4kern-go/logging"
)

// Fatal exit handling. A halt reason classifies the failure; the default
// policy locks out further kernel entries and records the reason, and a
// registered override may substitute its own behaviour (power down, exit
// the simulator). An oops from user mode kills only the faulting thread; a
// kernel oops and a panic halt the kernel. A stack check failure aborts
// the faulting thread even from an ISR path.

// HaltReason classifies a fatal exit.
type HaltReason int

const (
	// HaltNone: the kernel is running.
	HaltNone HaltReason = iota
	// HaltCPUException is a generic CPU exception not covered elsewhere.
	HaltCPUException
	// HaltSpuriousIRQ is an unhandled hardware interrupt.
	HaltSpuriousIRQ
	// HaltStackCheck is a frame that overflowed its stack buffer.
	HaltStackCheck
	// HaltOops is a moderate severity software error.
	HaltOops
	// HaltPanic is a high severity software error.
	HaltPanic
)

var haltNames = [...]string{"none", "cpu-exception", "spurious-irq", "stack-check", "oops", "panic"}

// String returns the halt reason name.
func (r HaltReason) String() string {
	if r < 0 || int(r) >= len(haltNames) {
		return "unknown"
	}
	return haltNames[r]
}

// SetHaltHandler installs a policy override run when the kernel halts.
func (k *Kernel) SetHaltHandler(fn func(HaltReason)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.haltHook = fn
}

// fatalError makes the policy decision for a fatal condition attributed to
// a thread (nil for a kernel-context failure).
func (k *Kernel) fatalError(reason HaltReason, t *TCB) {
	logging.Error("fatal error", "reason", reason.String(), "thread", threadLabel(t))

	switch reason {
	case HaltOops:
		if t != nil && t.Options&OptionUser != 0 && !t.Essential() {
			// A user-mode oops kills only the thread.
			k.abort(t)
			return
		}
	case HaltStackCheck:
		if t != nil && !t.Essential() {
			// Even from an ISR path a stack failure aborts the thread,
			// not the kernel.
			k.abort(t)
			return
		}
	}
	k.halt(reason)
}

// halt stops the kernel. Further entries are refused; the override hook,
// if any, decides what the simulator does next.
func (k *Kernel) halt(reason HaltReason) {
	if k.halted {
		return
	}
	k.halted = true
	k.haltReason = reason
	if k.haltHook != nil {
		k.haltHook(reason)
	}
}

// checkStackSentinel validates a thread's stack bounds, aborting the
// thread on violation.
func (k *Kernel) checkStackSentinel(t *TCB) bool {
	if t == nil || t.Frame.StackSize == 0 {
		return true
	}
	if t.Frame.SP < t.Frame.StackBase || t.Frame.SP > t.Frame.StackBase+t.Frame.StackSize {
		k.fatalError(HaltStackCheck, t)
		return false
	}
	return true
}

func threadLabel(t *TCB) string {
	if t == nil {
		return "<kernel>"
	}
	return t.String()
}
