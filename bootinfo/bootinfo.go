package bootinfo

import (
	"kestrel/kernel"
	"unsafe"
)

// Comptime check that the BootInfo layout matches the handoff ABI (24 bytes).
var _ = [1]struct{}{}[unsafe.Sizeof(BootInfo{})-24]

// BootInfo is the sole argument passed by the bootloader to the kernel entry
// point. Its layout is part of the handoff ABI: three little-endian 64-bit
// words, passed in memory as mandated by the SysV AMD64 calling convention for
// aggregates larger than 16 bytes.
type BootInfo struct {
	// The physical address of the first region map entry.
	MemoryMapAddr uint64

	// The number of region map entries.
	MemoryMapLen uint64

	// The physical address of the ACPI root system description pointer.
	RSDP uint64
}

// NewBootInfo seals mmap and returns a BootInfo value that references it.
func NewBootInfo(mmap *MemoryMap, rsdp uintptr) BootInfo {
	mmap.Seal()

	return BootInfo{
		MemoryMapAddr: uint64(mmap.Addr()),
		MemoryMapLen:  uint64(mmap.Len()),
		RSDP:          uint64(rsdp),
	}
}

// MemoryMap returns a read-only view of the region map referenced by the boot
// info value. It fails if the map length exceeds MaxRegions.
func (b BootInfo) MemoryMap() (*MemoryMap, *kernel.Error) {
	return MemoryMapFromPointer(uintptr(b.MemoryMapAddr), b.MemoryMapLen)
}
