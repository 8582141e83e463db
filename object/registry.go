package object

import (
	"sort"

	kerrors "l4kern-go/errors"
)

// PreemptFunc is polled between steps of long registry operations. A true
// return unwinds the operation with ErrPreempted so the dispatcher can
// reschedule; the operation is restartable and already-completed steps are
// kept.
type PreemptFunc func() bool

// resetChunk is how many payload bytes a retype reset pass zeroes between
// preemption-point polls.
const resetChunk = 4096

// Registry owns the object arena, the derivation tree roots, and the
// address index used by Find.
type Registry struct {
	arenaBase  Addr
	arenaNext  Addr
	arenaLimit Addr

	// index holds every live DObject sorted by Base; Find binary-searches
	// the containing extent.
	index []*DObject

	roots []*DObject

	preempt PreemptFunc
}

// NewRegistry creates a registry managing [base, base+size) of simulated
// object storage.
func NewRegistry(base Addr, size uint32, preempt PreemptFunc) *Registry {
	if preempt == nil {
		preempt = func() bool { return false }
	}
	return &Registry{
		arenaBase:  base,
		arenaNext:  base,
		arenaLimit: base + size,
		preempt:    preempt,
	}
}

// SetPreempt installs the preemption-point hook. The kernel wires this to
// its central preemption point at boot.
func (r *Registry) SetPreempt(fn PreemptFunc) {
	if fn != nil {
		r.preempt = fn
	}
}

// Alloc carves a new root derivation object out of the arena. Boot-time
// roots have no parent; all later objects are derived with Retype.
func (r *Registry) Alloc(t Tag, untypedSize uint32) (*DObject, error) {
	return r.alloc(t, untypedSize, nil)
}

func (r *Registry) alloc(t Tag, untypedSize uint32, parent *DObject) (*DObject, error) {
	if !t.Valid() {
		return nil, kerrors.WrapWithDetail(nil, kerrors.ErrObject, "alloc", "invalid object type")
	}
	size := ObjectSize(t, untypedSize)
	if size == 0 {
		size = objectSizes[TagNull]
	}
	// Word-align every extent.
	size = (size + 3) &^ 3
	if r.arenaLimit-r.arenaNext < size {
		return nil, kerrors.ErrArenaExhausted
	}

	d := &DObject{
		Obj: KObject{
			Name:  r.arenaNext,
			Tag:   t,
			Flags: FlagInit | FlagAllocated,
		},
		Base:    r.arenaNext,
		Size:    size,
		payload: make([]byte, size),
	}
	r.arenaNext += size

	if parent != nil {
		parent.attachChild(d)
	} else {
		d.Obj.Flags |= FlagSubsystem
		r.roots = append(r.roots, d)
	}
	r.indexInsert(d)
	return d, nil
}

func (r *Registry) indexInsert(d *DObject) {
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].Base >= d.Base })
	r.index = append(r.index, nil)
	copy(r.index[i+1:], r.index[i:])
	r.index[i] = d
}

func (r *Registry) indexRemove(d *DObject) {
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].Base >= d.Base })
	if i < len(r.index) && r.index[i] == d {
		r.index = append(r.index[:i], r.index[i+1:]...)
	}
}

// Find locates the derivation object whose storage extent contains addr.
func (r *Registry) Find(addr Addr) *DObject {
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].Base > addr })
	if i == 0 {
		return nil
	}
	d := r.index[i-1]
	if addr >= d.Base && addr-d.Base < d.Size {
		return d
	}
	return nil
}

// FindKO locates the kernel object whose storage contains addr.
func (r *Registry) FindKO(addr Addr) *KObject {
	d := r.Find(addr)
	if d == nil {
		return nil
	}
	return &d.Obj
}

// Len returns the number of live objects.
func (r *Registry) Len() int {
	return len(r.index)
}

// AccessValidate checks a kernel object against the invoker's owner data
// word and the expected type.
func (r *Registry) AccessValidate(ko *KObject, ownerData uint32, expected Tag) Validation {
	if ko == nil || ko.Tag == TagNull {
		return ValidationBadDescriptor
	}
	if expected != TagAny && ko.Tag != expected {
		return ValidationBadDescriptor
	}
	if d := r.Find(ko.Name); d == nil || &d.Obj != ko {
		// The name field must point back at the object's own storage.
		return ValidationBadDescriptor
	}
	if ko.Flags&FlagInit != 0 || ko.Flags&FlagAllocated == 0 {
		return ValidationInvalid
	}
	if ko.Data&ownerData == 0 {
		return ValidationPermission
	}
	if ko.Data&(ko.Data-1) != 0 {
		// Multi-owner objects may not be manipulated from user mode.
		return ValidationPermission
	}
	if ko.Tag != TagThread && !ko.Granted() {
		return ValidationInvalid
	}
	return ValidationOK
}

// Grant adds the thread's data bit to the object's owner word and marks it
// granted. Granting an already-owned object is a no-op (single owner).
func (r *Registry) Grant(ko *KObject, dataBit uint32) {
	if ko == nil || dataBit == 0 {
		return
	}
	if ko.Granted() {
		return
	}
	ko.Data |= dataBit
	ko.Flags |= FlagGranted
}

// Revoke clears the thread's data bit; clearing the last bit drops the
// granted flag.
func (r *Registry) Revoke(ko *KObject, dataBit uint32) {
	if ko == nil {
		return
	}
	ko.Data &^= dataBit
	if ko.Data == 0 {
		ko.Flags &^= FlagGranted
	}
}

// RightSet sets a right bit on the object.
func (r *Registry) RightSet(ko *KObject, right uint) {
	ko.Rights |= 1 << right
}

// RightClear clears a right bit on the object.
func (r *Registry) RightClear(ko *KObject, right uint) {
	ko.Rights &^= 1 << right
}

// RightClearAll clears a right bit on every live object.
func (r *Registry) RightClearAll(right uint) {
	r.ForEach(func(ko *KObject) { ko.Rights &^= 1 << right })
}

// DataClearAll revokes one thread's data bit from every live object.
func (r *Registry) DataClearAll(dataBit uint32) {
	r.ForEach(func(ko *KObject) {
		ko.Data &^= dataBit
		if ko.Data == 0 {
			ko.Flags &^= FlagGranted
		}
	})
}

// ForEach visits every live kernel object.
func (r *Registry) ForEach(fn func(*KObject)) {
	for _, d := range r.index {
		fn(&d.Obj)
	}
}

// Retype derives a child object of the given type under src. The child's
// name word is its own storage address, not src's. When reset is requested the source storage is
// zeroed first, yielding at the preemption point between chunks; a
// preempted retype returns ErrPreempted having completed a prefix of the
// reset, and the caller restarts it.
func (r *Registry) Retype(t Tag, reset bool, untypedSize uint32, src *DObject) (*DObject, error) {
	if src == nil {
		return nil, kerrors.ErrObjectNotFound
	}
	if !t.Valid() || t == TagNull {
		return nil, kerrors.WrapWithDetail(nil, kerrors.ErrObject, "retype", "invalid target type")
	}
	if reset {
		if err := r.resetStorage(src); err != nil {
			return nil, err
		}
	}
	child, err := r.alloc(t, untypedSize, src)
	if err != nil {
		return nil, err
	}
	child.Obj.Flags &^= FlagSubsystem
	if !reset {
		// Without a reset pass the child inherits the source storage
		// contents; the name stays self-referential either way.
		copy(child.payload, src.payload)
	}
	return child, nil
}

func (r *Registry) resetStorage(d *DObject) error {
	for off := 0; off < len(d.payload); off += resetChunk {
		end := off + resetChunk
		if end > len(d.payload) {
			end = len(d.payload)
		}
		for i := off; i < end; i++ {
			d.payload[i] = 0
		}
		if r.preempt() {
			return kerrors.ErrPreempted
		}
	}
	return nil
}

// Delete removes a final derivation object. Deleting an object with
// children fails.
func (r *Registry) Delete(d *DObject) error {
	if d == nil {
		return kerrors.ErrObjectNotFound
	}
	if !d.Final() {
		return kerrors.ErrObjectNotFinal
	}
	d.detach()
	for i, root := range r.roots {
		if root == d {
			r.roots = append(r.roots[:i], r.roots[i+1:]...)
			break
		}
	}
	r.indexRemove(d)
	d.Obj = KObject{Name: d.Base, Tag: TagNull, Flags: FlagInit}
	return nil
}

// RevokeSubtree deletes d's entire derivation subtree in post-order. The
// object itself survives; only descendants are destroyed. Yields at the
// preemption point between deletions; a preempted revoke has destroyed a
// suffix-closed part of the subtree and may be restarted.
func (r *Registry) RevokeSubtree(d *DObject) error {
	if d == nil {
		return kerrors.ErrObjectNotFound
	}
	for d.firstChild != nil {
		if err := r.revokeDepthFirst(d.firstChild); err != nil {
			return err
		}
		if r.preempt() {
			return kerrors.ErrPreempted
		}
	}
	return nil
}

func (r *Registry) revokeDepthFirst(d *DObject) error {
	for d.firstChild != nil {
		if err := r.revokeDepthFirst(d.firstChild); err != nil {
			return err
		}
	}
	return r.Delete(d)
}
