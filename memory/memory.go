// Package memory implements per-thread memory domains: bounded partition
// tables checked against the MPU constraints, and the fpage map/grant/unmap
// machinery driven by typed IPC items.
package memory

import (
	kerrors "l4kern-go/errors"
)

// Rights is the 3-bit rwx field carried by partitions and fpages.
type Rights uint8

const (
	// RightX allows execute.
	RightX Rights = 1 << 0
	// RightW allows write.
	RightW Rights = 1 << 1
	// RightR allows read.
	RightR Rights = 1 << 2

	// RightsMask covers all three bits.
	RightsMask Rights = RightR | RightW | RightX
)

// String renders the rights the conventional way.
func (r Rights) String() string {
	b := []byte("---")
	if r&RightR != 0 {
		b[0] = 'r'
	}
	if r&RightW != 0 {
		b[1] = 'w'
	}
	if r&RightX != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Status holds the per-fpage access status bits returned on unmap.
type Status uint8

const (
	// WasReferenced is set on any access.
	WasReferenced Status = 1 << 0
	// WasWritten is set on a write access.
	WasWritten Status = 1 << 1
	// WasExecuted is set on an instruction fetch.
	WasExecuted Status = 1 << 2
)

// Partition is a contiguous memory window with rights, the MPU programming
// unit of a domain.
type Partition struct {
	// Start is the base address.
	Start uint32
	// Size is the window length in bytes.
	Size uint32
	// Rights is the rwx access mask.
	Rights Rights
}

// End returns the first address past the partition.
func (p Partition) End() uint32 {
	return p.Start + p.Size
}

func (p Partition) overlaps(q Partition) bool {
	return p.Start < q.End() && q.Start < p.End()
}

// Fpage is a base-and-size page descriptor with rights; size is a power of
// two expressed as log2.
type Fpage struct {
	// Base is the page base address; must be size-aligned.
	Base uint32
	// SizeLog2 is the log2 of the page size.
	SizeLog2 uint8
	// Rights is the rwx access mask.
	Rights Rights
}

// Size returns the page size in bytes.
func (f Fpage) Size() uint32 {
	return 1 << f.SizeLog2
}

// End returns the first address past the page.
func (f Fpage) End() uint32 {
	return f.Base + f.Size()
}

// Contains reports whether addr lies inside the page.
func (f Fpage) Contains(addr uint32) bool {
	return addr >= f.Base && addr < f.End()
}

// FpageFor returns the smallest aligned fpage covering [addr, addr+len).
func FpageFor(addr, length uint32, rights Rights) Fpage {
	var l2 uint8
	for l2 = 4; l2 < 31; l2++ {
		size := uint32(1) << l2
		base := addr &^ (size - 1)
		if base+size >= addr+length {
			return Fpage{Base: base, SizeLog2: l2, Rights: rights & RightsMask}
		}
	}
	return Fpage{Base: 0, SizeLog2: 31, Rights: rights & RightsMask}
}

// Layout is the system memory picture every domain is validated against:
// the RAM window, the MPU alignment grain, and the kernel-private regions
// no user partition may expose.
type Layout struct {
	// RAMBase is the base of the system RAM window.
	RAMBase uint32
	// RAMSize is the size of the system RAM window.
	RAMSize uint32
	// AlignLog2 is the MPU region alignment grain.
	AlignLog2 uint8
	// KernelRegions are address windows holding kernel-private structures.
	KernelRegions []Partition
	// MaxPartitions bounds every domain's partition table.
	MaxPartitions int
}

// DefaultMaxPartitions is used when a layout does not bound the table.
const DefaultMaxPartitions = 8

func (l *Layout) maxPartitions() int {
	if l.MaxPartitions <= 0 {
		return DefaultMaxPartitions
	}
	return l.MaxPartitions
}

// CheckPartition validates a partition against the layout. Violations are
// configuration errors, never runtime signals.
func (l *Layout) CheckPartition(p Partition) error {
	if p.Size == 0 {
		return kerrors.WrapWithDetail(nil, kerrors.ErrInvalidConfig, "partition", "zero size")
	}
	if p.Start < l.RAMBase || p.End() > l.RAMBase+l.RAMSize || p.End() < p.Start {
		return kerrors.ErrPartitionOutOfRAM
	}
	align := uint32(1)<<l.AlignLog2 - 1
	if p.Start&align != 0 || p.Size&align != 0 {
		return kerrors.ErrPartitionAlignment
	}
	for _, k := range l.KernelRegions {
		if p.overlaps(k) {
			return kerrors.ErrPartitionKernelOverlap
		}
	}
	return nil
}
