// Package bootinfo defines the values that cross the bootloader/kernel
// boundary: the firmware-supplied region map and the boot info payload that
// is passed to the kernel entry point.
package bootinfo

import (
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
)

// MaxRegions is the maximum number of region map entries that can be captured
// at ExitBootServices time and tracked by the frame allocator. Firmware maps
// on real hardware typically carry between 50 and 150 entries.
const MaxRegions = 512

// RegionKind classifies a region map entry. The values match the
// EFI_MEMORY_TYPE numbering so that firmware descriptors can be copied
// without translation.
type RegionKind uint32

const (
	RegionReserved RegionKind = iota
	RegionLoaderCode
	RegionLoaderData
	RegionBootServicesCode
	RegionBootServicesData
	RegionRuntimeServicesCode
	RegionRuntimeServicesData

	// RegionConventional is free memory. It is the only kind the frame
	// allocator hands out.
	RegionConventional

	RegionUnusable
	RegionACPIReclaim
	RegionACPINVS
	RegionMMIO
	RegionMMIOPortSpace
	RegionPalCode
	RegionPersistent

	// RegionKernelImage tags frames that hold the loaded kernel segments.
	// It lives in the OS-defined part of the EFI memory type space.
	RegionKernelImage RegionKind = 0x80000001
)

// Usable returns true if frames of this kind can be handed out by a frame
// allocator.
func (k RegionKind) Usable() bool {
	return k == RegionConventional
}

// String implements fmt.Stringer for RegionKind.
func (k RegionKind) String() string {
	switch k {
	case RegionReserved:
		return "reserved"
	case RegionLoaderCode:
		return "loader code"
	case RegionLoaderData:
		return "loader data"
	case RegionBootServicesCode:
		return "boot services code"
	case RegionBootServicesData:
		return "boot services data"
	case RegionRuntimeServicesCode:
		return "runtime services code"
	case RegionRuntimeServicesData:
		return "runtime services data"
	case RegionConventional:
		return "available"
	case RegionUnusable:
		return "unusable"
	case RegionACPIReclaim:
		return "ACPI (reclaimable)"
	case RegionACPINVS:
		return "ACPI NVS"
	case RegionMMIO:
		return "MMIO"
	case RegionMMIOPortSpace:
		return "MMIO port space"
	case RegionPalCode:
		return "PAL code"
	case RegionPersistent:
		return "persistent"
	case RegionKernelImage:
		return "kernel image"
	default:
		return "unknown"
	}
}

// Region describes a physical memory range reported by the firmware. The
// layout is part of the handoff ABI and must not change.
type Region struct {
	// The physical address of the first byte in the region. Always page
	// aligned.
	PhysStart uint64

	// The number of 4K pages in the region.
	PageCount uint64

	// The type of this region.
	Kind RegionKind

	_ uint32
}

// Frames returns the frames covered by the region.
func (r Region) Frames() pmm.FrameRange {
	return pmm.FrameRange{
		Start: pmm.FrameFromAddress(uintptr(r.PhysStart)),
		Count: r.PageCount,
	}
}

// PhysEnd returns the physical address past the end of the region.
func (r Region) PhysEnd() uint64 {
	return r.PhysStart + r.PageCount<<mem.PageShift
}

// Size returns the region size in bytes.
func (r Region) Size() mem.Size {
	return mem.Size(r.PageCount) << mem.PageShift
}
