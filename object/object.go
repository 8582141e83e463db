// Package object implements the kernel-object registry: typed kernel
// objects, the derivation tree used by retype and revoke, and the
// address-indexed lookup that backs capability validation.
package object

import "fmt"

// Addr is a location in the simulated kernel object arena. An object's own
// storage address doubles as its identity.
type Addr = uint32

// Tag is the closed set of kernel object types.
type Tag int

const (
	// TagNull is an empty slot.
	TagNull Tag = iota
	// TagUntyped is raw retypable storage.
	TagUntyped
	// TagThread is a thread control block.
	TagThread
	// TagSchedContext is a sporadic-server scheduling context.
	TagSchedContext
	// TagEndpoint is a synchronous IPC endpoint.
	TagEndpoint
	// TagNotification is an asynchronous signal word.
	TagNotification
	// TagIRQControl is the interrupt-control object.
	TagIRQControl
	// TagIRQHandler binds one IRQ line to a thread.
	TagIRQHandler
	// TagCNode is a capability-node object.
	TagCNode
	// TagDomain is a memory domain.
	TagDomain
	// TagMemRegion is a memory-region descriptor.
	TagMemRegion
	// TagReply is a reply object.
	TagReply

	tagCount
)

// TagAny matches any tag during access validation.
const TagAny Tag = -1

var tagNames = [...]string{
	"null", "untyped", "thread", "sched-context", "endpoint",
	"notification", "irq-control", "irq-handler", "cnode", "domain",
	"mem-region", "reply",
}

// String returns the object type name.
func (t Tag) String() string {
	if t == TagAny {
		return "any"
	}
	if t < 0 || int(t) >= len(tagNames) {
		return fmt.Sprintf("tag(%d)", int(t))
	}
	return tagNames[t]
}

// Valid reports whether t names a concrete object type.
func (t Tag) Valid() bool {
	return t >= TagNull && t < tagCount
}

// Flags is the kernel object status bit-set.
type Flags uint8

const (
	// FlagInit marks an object whose storage exists but whose payload has
	// not been initialised yet.
	FlagInit Flags = 1 << 0
	// FlagAllocated marks a live object.
	FlagAllocated Flags = 1 << 1
	// FlagGranted marks an object owned by at least one thread.
	FlagGranted Flags = 1 << 2
	// FlagSubsystem marks objects created by the kernel at boot.
	FlagSubsystem Flags = 1 << 3
)

// KObject is a typed kernel object record. Data is the owning-thread bit
// discriminator: bit i set means the thread with data bit i owns the object.
type KObject struct {
	// Name is the object's own storage address; it must stay
	// self-referential for the object to validate.
	Name Addr
	// Tag is the object type.
	Tag Tag
	// Flags is the status bit-set.
	Flags Flags
	// Rights is the access-right mask.
	Rights uint32
	// Data is the owning-thread discriminator word.
	Data uint32
}

// SetReady clears the init flag once the payload is initialised.
func (k *KObject) SetReady() {
	k.Flags &^= FlagInit
}

// Granted reports whether any thread owns the object.
func (k *KObject) Granted() bool {
	return k.Flags&FlagGranted != 0
}

// objectSizes gives the self-storage footprint per type. Untyped objects
// use the caller-supplied size instead.
var objectSizes = [tagCount]uint32{
	TagNull:         16,
	TagUntyped:      0,
	TagThread:       512,
	TagSchedContext: 256,
	TagEndpoint:     64,
	TagNotification: 64,
	TagIRQControl:   32,
	TagIRQHandler:   32,
	TagCNode:        128,
	TagDomain:       128,
	TagMemRegion:    32,
	TagReply:        64,
}

// ObjectSize returns the self-storage size for an object of the given type.
func ObjectSize(t Tag, untypedSize uint32) uint32 {
	if t == TagUntyped {
		return untypedSize
	}
	if !t.Valid() {
		return 0
	}
	return objectSizes[t]
}

// Validation is the outcome of an access check.
type Validation int

const (
	// ValidationOK passes.
	ValidationOK Validation = iota
	// ValidationBadDescriptor: null object, type mismatch, or the name
	// field is not self-referential (EBADF).
	ValidationBadDescriptor
	// ValidationPermission: no owner bit in common, or multi-owner object
	// manipulated from user mode (EPERM).
	ValidationPermission
	// ValidationInvalid: object still initialising, not allocated, or a
	// non-thread object used without a grant (EINVAL).
	ValidationInvalid
)

// String returns the validation outcome name.
func (v Validation) String() string {
	switch v {
	case ValidationOK:
		return "ok"
	case ValidationBadDescriptor:
		return "badf"
	case ValidationPermission:
		return "perm"
	case ValidationInvalid:
		return "inval"
	default:
		return "unknown"
	}
}
