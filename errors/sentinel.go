// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Object registry errors.
var (
	// ErrObjectNotFound indicates no kernel object contains the address.
	ErrObjectNotFound = &KernelError{
		Kind:   ErrNotFound,
		Detail: "kernel object not found",
	}

	// ErrObjectBadDescriptor indicates a null, mismatched, or non
	// self-referential object.
	ErrObjectBadDescriptor = &KernelError{
		Kind:   ErrObject,
		Detail: "bad object descriptor",
	}

	// ErrObjectNotGranted indicates the object was used without a grant.
	ErrObjectNotGranted = &KernelError{
		Kind:   ErrPermission,
		Detail: "object used without grant",
	}

	// ErrObjectUninitialized indicates the object is still in init state.
	ErrObjectUninitialized = &KernelError{
		Kind:   ErrInvalidState,
		Detail: "object not allocated",
	}

	// ErrObjectNotFinal indicates a delete was attempted on a non-final
	// derivation object.
	ErrObjectNotFinal = &KernelError{
		Kind:   ErrInvalidState,
		Detail: "derivation object has children",
	}

	// ErrArenaExhausted indicates the object arena is out of space.
	ErrArenaExhausted = &KernelError{
		Kind:   ErrObject,
		Detail: "object arena exhausted",
	}
)

// Thread lifecycle errors.
var (
	// ErrThreadNotFound indicates the thread id does not resolve.
	ErrThreadNotFound = &KernelError{
		Kind:   ErrNotFound,
		Detail: "thread not found",
	}

	// ErrThreadExists indicates the thread number is already in use.
	ErrThreadExists = &KernelError{
		Kind:   ErrAlreadyExists,
		Detail: "thread already exists",
	}

	// ErrThreadEssential indicates an abort was attempted on an essential
	// thread.
	ErrThreadEssential = &KernelError{
		Kind:   ErrFatal,
		Detail: "essential thread aborted",
	}

	// ErrThreadNotDummy indicates activate was called on a thread that has
	// already left the dummy state.
	ErrThreadNotDummy = &KernelError{
		Kind:   ErrInvalidState,
		Detail: "thread already activated",
	}
)

// Memory domain errors.
var (
	// ErrPartitionOutOfRAM indicates a partition lies outside system RAM.
	ErrPartitionOutOfRAM = &KernelError{
		Kind:   ErrInvalidConfig,
		Detail: "partition outside system RAM window",
	}

	// ErrPartitionOverlap indicates two partitions in a domain overlap.
	ErrPartitionOverlap = &KernelError{
		Kind:   ErrInvalidConfig,
		Detail: "partition overlaps sibling",
	}

	// ErrPartitionAlignment indicates MPU alignment constraints failed.
	ErrPartitionAlignment = &KernelError{
		Kind:   ErrInvalidConfig,
		Detail: "partition alignment violates MPU constraints",
	}

	// ErrPartitionKernelOverlap indicates a partition exposes kernel
	// private structures.
	ErrPartitionKernelOverlap = &KernelError{
		Kind:   ErrInvalidConfig,
		Detail: "partition overlaps kernel private region",
	}

	// ErrDomainFull indicates the domain has no free partition slots.
	ErrDomainFull = &KernelError{
		Kind:   ErrMemory,
		Detail: "memory domain partition table full",
	}

	// ErrFpageNotMapped indicates an unmap of an fpage that is not in the
	// target domain.
	ErrFpageNotMapped = &KernelError{
		Kind:   ErrMemory,
		Detail: "fpage not mapped in domain",
	}
)

// Scheduling errors.
var (
	// ErrBudgetInsufficient indicates the head refill cannot cover one
	// kernel entry and exit.
	ErrBudgetInsufficient = &KernelError{
		Kind:   ErrBudget,
		Detail: "refill below minimum budget",
	}

	// ErrRefillOverflow indicates the refill ring has no free slot.
	ErrRefillOverflow = &KernelError{
		Kind:   ErrSchedule,
		Detail: "refill ring full",
	}

	// ErrNoSchedContext indicates the thread has no scheduling context.
	ErrNoSchedContext = &KernelError{
		Kind:   ErrSchedule,
		Detail: "thread has no scheduling context",
	}
)

// IPC errors.
var (
	// ErrEndpointNotFound indicates the endpoint object does not resolve.
	ErrEndpointNotFound = &KernelError{
		Kind:   ErrNotFound,
		Detail: "endpoint not found",
	}

	// ErrUserCopyFault indicates a user-copy tripped the MPU.
	ErrUserCopyFault = &KernelError{
		Kind:   ErrMemory,
		Detail: "fault copying user memory",
	}
)

// Interrupt errors.
var (
	// ErrIRQOutOfRange indicates an IRQ number beyond the platform maximum.
	ErrIRQOutOfRange = &KernelError{
		Kind:   ErrInterrupt,
		Detail: "irq number out of range",
	}

	// ErrIRQActive indicates a configure request for an already active IRQ.
	ErrIRQActive = &KernelError{
		Kind:   ErrAlreadyExists,
		Detail: "irq already active",
	}
)

// Kernel-entry control flow.
var (
	// ErrPreempted unwinds a long-running operation back to the syscall
	// dispatcher from the central preemption point.
	ErrPreempted = &KernelError{
		Kind:   ErrSchedule,
		Detail: "preempted",
	}
)
