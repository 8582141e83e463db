package object

// DObject places a kernel object into the derivation tree. It owns the
// inline self-storage extent for the object payload, links to its parent
// and siblings, and is indexed by its storage base address.
type DObject struct {
	// Obj is the kernel object record.
	Obj KObject

	// Base and Size describe the inline self-storage extent in the arena.
	Base Addr
	Size uint32

	parent     *DObject
	firstChild *DObject
	prevSib    *DObject
	nextSib    *DObject

	// payload is the simulated self-storage region.
	payload []byte
}

// Parent returns the derivation parent, nil for a boot root.
func (d *DObject) Parent() *DObject {
	return d.parent
}

// Payload returns the object's self-storage region.
func (d *DObject) Payload() []byte {
	return d.payload
}

// Final reports whether the object's derivation subtree is empty. Only
// final objects may be deleted.
func (d *DObject) Final() bool {
	return d.firstChild == nil
}

// NoChild reports whether the object currently has no live child; children
// that were created and later deleted do not count.
// Retype uses this to decide whether a reset pass over the storage is
// required before reuse.
func (d *DObject) NoChild() bool {
	return d.firstChild == nil
}

// Children calls fn for every direct child, stopping early if fn returns
// false.
func (d *DObject) Children(fn func(*DObject) bool) {
	for c := d.firstChild; c != nil; c = c.nextSib {
		if !fn(c) {
			return
		}
	}
}

// ChildCount returns the number of direct children.
func (d *DObject) ChildCount() int {
	n := 0
	for c := d.firstChild; c != nil; c = c.nextSib {
		n++
	}
	return n
}

// IsAncestorOf reports whether d is a proper ancestor of other.
func (d *DObject) IsAncestorOf(other *DObject) bool {
	for p := other.parent; p != nil; p = p.parent {
		if p == d {
			return true
		}
	}
	return false
}

// attachChild links c as the newest child of d.
func (d *DObject) attachChild(c *DObject) {
	c.parent = d
	c.prevSib = nil
	c.nextSib = d.firstChild
	if d.firstChild != nil {
		d.firstChild.prevSib = c
	}
	d.firstChild = c
}

// detach unlinks d from its parent's child list.
func (d *DObject) detach() {
	if d.prevSib != nil {
		d.prevSib.nextSib = d.nextSib
	} else if d.parent != nil {
		d.parent.firstChild = d.nextSib
	}
	if d.nextSib != nil {
		d.nextSib.prevSib = d.prevSib
	}
	d.parent = nil
	d.prevSib = nil
	d.nextSib = nil
}
