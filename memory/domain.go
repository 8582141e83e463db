package memory

import (
	"fmt"

	kerrors "l4kern-go/errors"
)

// mapping is an installed fpage plus its provenance: the domain it was
// mapped from, and the domains it has been mapped onward to.
type mapping struct {
	page    Fpage
	granted bool
	status  Status
	from    *Domain
	derived []*Domain
}

// Domain is a thread memory domain: a bounded partition table plus the
// fpages mapped into it, and back-references to every thread using it.
type Domain struct {
	layout     *Layout
	partitions []Partition
	maps       []*mapping
	threads    []uint32
}

// NewDomain creates an empty domain validated against the layout.
func NewDomain(layout *Layout) *Domain {
	return &Domain{layout: layout}
}

// Layout returns the layout the domain is validated against.
func (d *Domain) Layout() *Layout {
	return d.layout
}

// AddPartition installs a partition after the full constraint check:
// inside the RAM window, no sibling overlap, MPU alignment, and no overlap
// with kernel-private regions.
func (d *Domain) AddPartition(p Partition) error {
	if len(d.partitions) >= d.layout.maxPartitions() {
		return kerrors.ErrDomainFull
	}
	if err := d.layout.CheckPartition(p); err != nil {
		return err
	}
	for _, q := range d.partitions {
		if p.overlaps(q) {
			return kerrors.ErrPartitionOverlap
		}
	}
	d.partitions = append(d.partitions, p)
	return nil
}

// RemovePartition removes an exact partition.
func (d *Domain) RemovePartition(p Partition) error {
	for i, q := range d.partitions {
		if q == p {
			d.partitions = append(d.partitions[:i], d.partitions[i+1:]...)
			return nil
		}
	}
	return kerrors.WrapWithDetail(nil, kerrors.ErrNotFound, "remove-partition",
		fmt.Sprintf("partition %#x+%#x not in domain", p.Start, p.Size))
}

// Partitions returns a copy of the partition table.
func (d *Domain) Partitions() []Partition {
	out := make([]Partition, len(d.partitions))
	copy(out, d.partitions)
	return out
}

// AttachThread records a thread as a user of this domain.
func (d *Domain) AttachThread(gid uint32) {
	for _, t := range d.threads {
		if t == gid {
			return
		}
	}
	d.threads = append(d.threads, gid)
}

// DetachThread removes a thread back-reference.
func (d *Domain) DetachThread(gid uint32) {
	for i, t := range d.threads {
		if t == gid {
			d.threads = append(d.threads[:i], d.threads[i+1:]...)
			return
		}
	}
}

// Threads returns the global ids of every thread using the domain.
func (d *Domain) Threads() []uint32 {
	out := make([]uint32, len(d.threads))
	copy(out, d.threads)
	return out
}

// RightsAt returns the strongest rights the domain holds over addr, from
// its partitions and mapped fpages.
func (d *Domain) RightsAt(addr uint32) Rights {
	var r Rights
	for _, p := range d.partitions {
		if addr >= p.Start && addr < p.End() {
			r |= p.Rights
		}
	}
	for _, m := range d.maps {
		if m.page.Contains(addr) {
			r |= m.page.Rights
		}
	}
	return r
}

// Access checks the whole range [addr, addr+length) for the wanted rights.
// This is the MPU check backing the user-copy shim.
func (d *Domain) Access(addr, length uint32, want Rights) bool {
	if length == 0 {
		return true
	}
	end := addr + length
	if end < addr {
		return false
	}
	for a := addr; a < end; {
		r := d.RightsAt(a)
		if r&want != want {
			return false
		}
		// Advance to the end of the covering window.
		next := d.coverEnd(a)
		if next <= a {
			return false
		}
		a = next
	}
	return true
}

func (d *Domain) coverEnd(addr uint32) uint32 {
	var end uint32
	for _, p := range d.partitions {
		if addr >= p.Start && addr < p.End() && p.End() > end {
			end = p.End()
		}
	}
	for _, m := range d.maps {
		if m.page.Contains(addr) && m.page.End() > end {
			end = m.page.End()
		}
	}
	return end
}

// findMap locates a mapping by its fpage base.
func (d *Domain) findMap(base uint32) (*mapping, int) {
	for i, m := range d.maps {
		if m.page.Base == base {
			return m, i
		}
	}
	return nil, -1
}

// Mapped reports whether the domain holds an fpage with the given base.
func (d *Domain) Mapped(base uint32) bool {
	m, _ := d.findMap(base)
	return m != nil
}

// MapCount returns the number of installed fpages.
func (d *Domain) MapCount() int {
	return len(d.maps)
}

// Mark sets status bits on the fpage covering addr, modelling the MPU
// access-tracking the hardware performs.
func (d *Domain) Mark(addr uint32, s Status) {
	for _, m := range d.maps {
		if m.page.Contains(addr) {
			m.status |= s | WasReferenced
		}
	}
}

// MapPage installs the fpage covering [addr, addr+length) into dst, with
// rights capped by what src holds over the range. Mapping does not change
// src.
func MapPage(src, dst *Domain, addr, length uint32, rights Rights) error {
	return transferPage(src, dst, addr, length, rights, false)
}

// GrantPage is MapPage with ownership transfer: src relinquishes the
// fpage.
func GrantPage(src, dst *Domain, addr, length uint32, rights Rights) error {
	return transferPage(src, dst, addr, length, rights, true)
}

func transferPage(src, dst *Domain, addr, length uint32, rights Rights, grant bool) error {
	if length == 0 {
		return kerrors.WrapWithDetail(nil, kerrors.ErrMemory, "map-page", "zero length")
	}
	ceiling := src.RightsAt(addr)
	if ceiling == 0 {
		return kerrors.ErrFpageNotMapped
	}
	page := FpageFor(addr, length, rights&ceiling)
	if page.Rights == 0 {
		return kerrors.WrapWithDetail(nil, kerrors.ErrPermission, "map-page",
			"source holds none of the requested rights")
	}

	if m, _ := dst.findMap(page.Base); m != nil {
		// Remapping widens rights in place.
		m.page.Rights |= page.Rights
		m.granted = m.granted || grant
	} else {
		nm := &mapping{page: page, granted: grant, from: src}
		dst.maps = append(dst.maps, nm)
		if src != nil && src != dst {
			if sm, _ := src.findMap(page.Base); sm != nil {
				sm.derived = append(sm.derived, dst)
			}
		}
	}

	if grant {
		if _, i := src.findMap(page.Base); i >= 0 {
			src.maps = append(src.maps[:i], src.maps[i+1:]...)
		}
	}
	return nil
}

// Unmap removes the fpage with the given base and returns its accumulated
// status bits. With flush set, the same page is also removed from every
// domain it was mapped onward to.
func (d *Domain) Unmap(base uint32, flush bool) (Status, error) {
	m, i := d.findMap(base)
	if m == nil {
		return 0, kerrors.ErrFpageNotMapped
	}
	if flush {
		for _, child := range m.derived {
			// Ignore pages already dropped by the child.
			child.Unmap(base, true)
		}
	}
	d.maps = append(d.maps[:i], d.maps[i+1:]...)
	return m.status, nil
}

// Reset drops every partition and mapping; back-references survive. Used
// when a thread is destroyed and its domain torn down.
func (d *Domain) Reset() {
	d.partitions = nil
	d.maps = nil
}
