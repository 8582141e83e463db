package kernel

import (
	"encoding/binary"

	kerrors "l4kern-go/errors"
)

// The kernel information page: a read-only description of the kernel ABI
// mapped into every user address space at a fixed location. Fields mirror
// the L4 X.2 layout at struct granularity; the simulator exposes it as a
// plain value instead of raw words.

// KIP is the kernel info page contents.
type KIP struct {
	// KernelID identifies the kernel build.
	KernelID uint32 `json:"kernelId"`

	// APIVersion and APISubversion identify the ABI revision.
	APIVersion    uint8 `json:"apiVersion"`
	APISubversion uint8 `json:"apiSubversion"`

	// WordWidth is the API word size in bits.
	WordWidth uint8 `json:"wordWidth"`
	// LittleEndian reports the ABI byte order.
	LittleEndian bool `json:"littleEndian"`

	// MemoryDescs describe the machine memory map.
	MemoryDescs []MemDesc `json:"memoryDescs"`

	// UTCBSize and UTCBAlign describe the user TCB area geometry (log2).
	UTCBSize  uint8 `json:"utcbSizeLog2"`
	UTCBAlign uint8 `json:"utcbAlignLog2"`

	// ClockReadPrecision and ClockSchedulePrecision are in ticks.
	ClockReadPrecision     uint16 `json:"clockReadPrecision"`
	ClockSchedulePrecision uint16 `json:"clockSchedulePrecision"`

	// ThreadUserBase is the lowest user thread number; ThreadSystemBase
	// the lowest system thread number; ThreadBits the valid number bits.
	ThreadUserBase   uint32 `json:"threadUserBase"`
	ThreadSystemBase uint32 `json:"threadSystemBase"`
	ThreadBits       uint8  `json:"threadBits"`

	// PageSizeMask has bit s set when 2^s byte pages are supported.
	PageSizeMask uint32 `json:"pageSizeMask"`
	// PageRWX is the supported access-right mask.
	PageRWX uint8 `json:"pageRwx"`

	// Processors describes each processor.
	Processors []ProcDesc `json:"processors"`

	// Syscalls is the twelve-entry syscall jump table.
	Syscalls [12]uint32 `json:"syscalls"`
}

// MemDesc is one kernel memory descriptor.
type MemDesc struct {
	// Base is the region base; the low bits carry the region map id.
	Base uint32 `json:"base"`
	// Size is the region size; the low bits carry the region tag.
	Size uint32 `json:"size"`
}

// ProcDesc describes one processor.
type ProcDesc struct {
	// ExternalFreq and InternalFreq are in kHz.
	ExternalFreq uint32 `json:"externalFreq"`
	InternalFreq uint32 `json:"internalFreq"`
}

// kernelID identifies this kernel generation in the KIP.
const kernelID = 0x4C34_0001

// verifyKIPClaims asserts at boot that the host architecture matches what
// the KIP claims: the tag and typed-item bitfields are specified
// little-endian over 32-bit words.
func verifyKIPClaims() error {
	if binary.NativeEndian.Uint16([]byte{0x01, 0x00}) != 1 {
		return kerrors.New(kerrors.ErrFatal, "boot",
			"host endianness does not match the KIP claim (little)")
	}
	return nil
}

// buildKIP fills the info page from the boot image.
func (k *Kernel) buildKIP() {
	k.kip = KIP{
		KernelID:               kernelID,
		APIVersion:             0x84,
		APISubversion:          0x80,
		WordWidth:              32,
		LittleEndian:           true,
		UTCBSize:               9,
		UTCBAlign:              9,
		ClockReadPrecision:     1,
		ClockSchedulePrecision: uint16(k.wcet),
		ThreadUserBase:         FirstUserThreadNo,
		ThreadSystemBase:       ThreadNoIdle,
		ThreadBits:             18,
		PageSizeMask:           1<<4 | 1<<5 | 1<<10 | 1<<12,
		PageRWX:                0x7,
		Processors:             []ProcDesc{{ExternalFreq: 8_000, InternalFreq: 64_000}},
	}
	k.kip.MemoryDescs = []MemDesc{
		{Base: k.img.RAM.Base, Size: k.img.RAM.Size},
		{Base: k.img.Arena.Base, Size: k.img.Arena.Size},
	}
	for i := range k.kip.Syscalls {
		k.kip.Syscalls[i] = uint32(i)
	}
}

// KIPInfo returns a copy of the info page.
func (k *Kernel) KIPInfo() KIP {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kip
}
