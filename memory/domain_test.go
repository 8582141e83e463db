package memory

import (
	"testing"

	kerrors "l4kern-go/errors"
)

func testLayout() *Layout {
	return &Layout{
		RAMBase:   0x2000_0000,
		RAMSize:   1 << 20,
		AlignLog2: 5,
		KernelRegions: []Partition{
			{Start: 0x2000_0000, Size: 0x1000, Rights: RightR | RightW},
		},
		MaxPartitions: 4,
	}
}

func TestAddPartitionConstraints(t *testing.T) {
	tests := []struct {
		name string
		part Partition
		want error
	}{
		{
			name: "valid",
			part: Partition{Start: 0x2000_2000, Size: 0x1000, Rights: RightR | RightW},
			want: nil,
		},
		{
			name: "outside ram window",
			part: Partition{Start: 0x1000_0000, Size: 0x1000, Rights: RightR},
			want: kerrors.ErrPartitionOutOfRAM,
		},
		{
			name: "past ram end",
			part: Partition{Start: 0x2000_0000 + 1<<20 - 0x20, Size: 0x1000, Rights: RightR},
			want: kerrors.ErrPartitionOutOfRAM,
		},
		{
			name: "misaligned start",
			part: Partition{Start: 0x2000_2004, Size: 0x1000, Rights: RightR},
			want: kerrors.ErrPartitionAlignment,
		},
		{
			name: "misaligned size",
			part: Partition{Start: 0x2000_2000, Size: 0x1001 &^ 0, Rights: RightR},
			want: kerrors.ErrPartitionAlignment,
		},
		{
			name: "kernel private overlap",
			part: Partition{Start: 0x2000_0000, Size: 0x2000, Rights: RightR},
			want: kerrors.ErrPartitionKernelOverlap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDomain(testLayout())
			err := d.AddPartition(tt.part)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("AddPartition failed: %v", err)
				}
				return
			}
			if !kerrors.Is(err, tt.want) {
				t.Errorf("AddPartition = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAddPartitionSiblingOverlap(t *testing.T) {
	d := NewDomain(testLayout())
	if err := d.AddPartition(Partition{Start: 0x2000_2000, Size: 0x1000, Rights: RightR}); err != nil {
		t.Fatalf("first AddPartition failed: %v", err)
	}
	err := d.AddPartition(Partition{Start: 0x2000_2800, Size: 0x1000, Rights: RightR})
	if !kerrors.Is(err, kerrors.ErrPartitionOverlap) {
		t.Errorf("overlapping partition: got %v, want overlap error", err)
	}
}

func TestAddPartitionTableFull(t *testing.T) {
	d := NewDomain(testLayout())
	for i := 0; i < 4; i++ {
		p := Partition{Start: 0x2000_2000 + uint32(i)*0x1000, Size: 0x1000, Rights: RightR}
		if err := d.AddPartition(p); err != nil {
			t.Fatalf("AddPartition %d failed: %v", i, err)
		}
	}
	err := d.AddPartition(Partition{Start: 0x2000_8000, Size: 0x1000, Rights: RightR})
	if !kerrors.Is(err, kerrors.ErrDomainFull) {
		t.Errorf("full table: got %v, want domain-full", err)
	}
}

func TestThreadBackReferences(t *testing.T) {
	d := NewDomain(testLayout())
	d.AttachThread(0x100 << 14)
	d.AttachThread(0x101 << 14)
	d.AttachThread(0x100 << 14) // duplicate, ignored

	if got := len(d.Threads()); got != 2 {
		t.Fatalf("threads = %d, want 2", got)
	}
	d.DetachThread(0x100 << 14)
	if got := len(d.Threads()); got != 1 {
		t.Fatalf("threads after detach = %d, want 1", got)
	}
}

func TestFpageFor(t *testing.T) {
	f := FpageFor(0x2000_2010, 0x20, RightR|RightW)
	if f.Base&(f.Size()-1) != 0 {
		t.Errorf("fpage base %#x not aligned to size %#x", f.Base, f.Size())
	}
	if !f.Contains(0x2000_2010) || !f.Contains(0x2000_202f) {
		t.Error("fpage does not cover the requested range")
	}
}

func TestMapPageRightsCapped(t *testing.T) {
	layout := testLayout()
	src := NewDomain(layout)
	dst := NewDomain(layout)
	if err := src.AddPartition(Partition{Start: 0x2000_2000, Size: 0x1000, Rights: RightR}); err != nil {
		t.Fatalf("AddPartition failed: %v", err)
	}

	// dst asks for rw but src only holds r.
	if err := MapPage(src, dst, 0x2000_2000, 0x100, RightR|RightW); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	if got := dst.RightsAt(0x2000_2000); got != RightR {
		t.Errorf("mapped rights = %s, want r--", got)
	}
	// Mapping leaves the source untouched.
	if got := src.RightsAt(0x2000_2000); got != RightR {
		t.Errorf("source rights changed to %s", got)
	}
}

func TestMapPageNoSourceRights(t *testing.T) {
	layout := testLayout()
	src := NewDomain(layout)
	dst := NewDomain(layout)
	err := MapPage(src, dst, 0x2000_2000, 0x100, RightR)
	if !kerrors.Is(err, kerrors.ErrFpageNotMapped) {
		t.Errorf("MapPage with no source rights: got %v", err)
	}
}

func TestGrantPageRelinquishes(t *testing.T) {
	layout := testLayout()
	root := NewDomain(layout)
	mid := NewDomain(layout)
	leaf := NewDomain(layout)
	if err := root.AddPartition(Partition{Start: 0x2000_4000, Size: 0x1000, Rights: RightsMask}); err != nil {
		t.Fatalf("AddPartition failed: %v", err)
	}

	// root maps to mid, then mid grants to leaf.
	if err := MapPage(root, mid, 0x2000_4000, 0x100, RightR|RightW); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	base := FpageFor(0x2000_4000, 0x100, 0).Base
	if !mid.Mapped(base) {
		t.Fatal("page not installed in mid")
	}

	if err := GrantPage(mid, leaf, 0x2000_4000, 0x100, RightR); err != nil {
		t.Fatalf("GrantPage failed: %v", err)
	}
	if mid.Mapped(base) {
		t.Error("grant left the page in the granting domain")
	}
	if !leaf.Mapped(base) {
		t.Error("granted page missing from the receiving domain")
	}
}

func TestUnmapRoundTrip(t *testing.T) {
	layout := testLayout()
	src := NewDomain(layout)
	dst := NewDomain(layout)
	if err := src.AddPartition(Partition{Start: 0x2000_2000, Size: 0x1000, Rights: RightsMask}); err != nil {
		t.Fatalf("AddPartition failed: %v", err)
	}

	preCount := dst.MapCount()
	if err := MapPage(src, dst, 0x2000_2000, 0x40, RightR|RightW); err != nil {
		t.Fatalf("MapPage failed: %v", err)
	}
	base := FpageFor(0x2000_2000, 0x40, 0).Base

	dst.Mark(0x2000_2004, WasWritten)

	status, err := dst.Unmap(base, false)
	if err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if status&WasWritten == 0 || status&WasReferenced == 0 {
		t.Errorf("status = %#x, want written|referenced", status)
	}
	// The domain returns to its pre-map state.
	if dst.MapCount() != preCount {
		t.Errorf("map count = %d after unmap, want %d", dst.MapCount(), preCount)
	}
	if dst.RightsAt(0x2000_2000) != 0 {
		t.Error("rights survive unmap")
	}
}

func TestUnmapNotMapped(t *testing.T) {
	d := NewDomain(testLayout())
	if _, err := d.Unmap(0x2000_2000, false); !kerrors.Is(err, kerrors.ErrFpageNotMapped) {
		t.Errorf("unmap of unmapped page: got %v", err)
	}
}

func TestUnmapFlushClearsChildren(t *testing.T) {
	layout := testLayout()
	root := NewDomain(layout)
	mid := NewDomain(layout)
	leaf := NewDomain(layout)
	if err := root.AddPartition(Partition{Start: 0x2000_4000, Size: 0x1000, Rights: RightsMask}); err != nil {
		t.Fatalf("AddPartition failed: %v", err)
	}

	if err := MapPage(root, mid, 0x2000_4000, 0x100, RightR); err != nil {
		t.Fatalf("MapPage to mid failed: %v", err)
	}
	if err := MapPage(mid, leaf, 0x2000_4000, 0x100, RightR); err != nil {
		t.Fatalf("MapPage to leaf failed: %v", err)
	}
	base := FpageFor(0x2000_4000, 0x100, 0).Base

	if _, err := mid.Unmap(base, true); err != nil {
		t.Fatalf("flush unmap failed: %v", err)
	}
	if mid.Mapped(base) {
		t.Error("page still in mid after flush")
	}
	if leaf.Mapped(base) {
		t.Error("flush did not clear the child domain")
	}
}

func TestAccessRangeCheck(t *testing.T) {
	d := NewDomain(testLayout())
	if err := d.AddPartition(Partition{Start: 0x2000_2000, Size: 0x1000, Rights: RightR | RightW}); err != nil {
		t.Fatalf("AddPartition failed: %v", err)
	}

	if !d.Access(0x2000_2000, 0x1000, RightR) {
		t.Error("read access denied inside partition")
	}
	if d.Access(0x2000_2000, 0x1001, RightR) {
		t.Error("access granted past partition end")
	}
	if d.Access(0x2000_2000, 0x10, RightX) {
		t.Error("execute granted on rw partition")
	}
	if d.Access(0x1000_0000, 4, RightR) {
		t.Error("access granted outside domain")
	}
}
