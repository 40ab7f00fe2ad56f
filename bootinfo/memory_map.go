package bootinfo

import (
	"kestrel/kernel"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"unsafe"
)

// Comptime check that the Region layout matches the handoff ABI (24 bytes).
var _ = [1]struct{}{}[unsafe.Sizeof(Region{})-24]

const (
	// physAddrBits is the architectural limit for physical addresses.
	physAddrBits = 52

	// maxPhysFrames is the number of frames addressable with physAddrBits.
	maxPhysFrames = uint64(1) << (physAddrBits - mem.PageShift)
)

var (
	errMapCapacity   = &kernel.Error{Module: "region_map", Message: "region map exceeds its capacity"}
	errEmptyRegion   = &kernel.Error{Module: "region_map", Message: "region map entry has a zero page count"}
	errUnaligned     = &kernel.Error{Module: "region_map", Message: "region map entry is not page aligned"}
	errOverlap       = &kernel.Error{Module: "region_map", Message: "region map entries overlap"}
	errRegionRange   = &kernel.Error{Module: "region_map", Message: "region map entry extends past the physical address space"}
	errMapSealed     = &kernel.Error{Module: "region_map", Message: "region map has been handed off and is read-only"}
	errNotReservable = &kernel.Error{Module: "region_map", Message: "frames are not covered by a single usable region"}
)

// RegionVisitor defines a visitor function that gets invoked by Visit for each
// region map entry. The visitor must return true to continue or false to abort
// the scan.
type RegionVisitor func(region *Region) bool

// MemoryMap is a pointer+length view over a fixed-capacity array of Region
// entries. The bootloader fills it once at ExitBootServices time and may only
// tag frames it consumed (via Reserve) until the map is sealed by
// NewBootInfo; from then on, and always on the kernel side, the map is
// read-only.
type MemoryMap struct {
	entries []Region
	sealed  bool
}

// NewMemoryMap wraps the first n entries of backing. The capacity of the map
// is len(backing); n larger than that is reported as an error rather than
// silently truncated.
func NewMemoryMap(backing []Region, n int) (*MemoryMap, *kernel.Error) {
	if n < 0 || n > len(backing) {
		return nil, errMapCapacity
	}

	return &MemoryMap{entries: backing[:n:len(backing)]}, nil
}

// MemoryMapFromPointer returns a read-only view over n entries stored at
// physical address addr. It is used by the kernel to access the map it
// received through BootInfo. Maps with more than MaxRegions entries are
// rejected.
func MemoryMapFromPointer(addr uintptr, n uint64) (*MemoryMap, *kernel.Error) {
	if n > MaxRegions {
		return nil, errMapCapacity
	}

	if addr == 0 || n == 0 {
		return &MemoryMap{sealed: true}, nil
	}

	return &MemoryMap{
		entries: unsafe.Slice((*Region)(unsafe.Pointer(addr)), int(n)),
		sealed:  true,
	}, nil
}

// Len returns the number of entries in the map.
func (m *MemoryMap) Len() int {
	return len(m.entries)
}

// Cap returns the maximum number of entries the map can hold.
func (m *MemoryMap) Cap() int {
	return cap(m.entries)
}

// Region returns a copy of the i-th entry.
func (m *MemoryMap) Region(i int) Region {
	return m.entries[i]
}

// Addr returns the address of the first entry. The bootloader runs with an
// identity mapping so this is also the physical address handed to the kernel.
func (m *MemoryMap) Addr() uintptr {
	if len(m.entries) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.entries[0]))
}

// Sealed returns true if the map can no longer be modified.
func (m *MemoryMap) Sealed() bool {
	return m.sealed
}

// Seal marks the map as read-only.
func (m *MemoryMap) Seal() {
	m.sealed = true
}

// Visit invokes the supplied visitor for each entry in the map.
func (m *MemoryMap) Visit(visitor RegionVisitor) {
	for i := range m.entries {
		if !visitor(&m.entries[i]) {
			return
		}
	}
}

// UsableSize returns the total size of all usable regions.
func (m *MemoryMap) UsableSize() mem.Size {
	var total mem.Size
	for i := range m.entries {
		if m.entries[i].Kind.Usable() {
			total += m.entries[i].Size()
		}
	}
	return total
}

// Validate checks that every entry is page aligned, covers at least one page,
// ends within the physical address space and does not overlap any other
// entry.
func (m *MemoryMap) Validate() *kernel.Error {
	pageSizeMinus1 := uint64(mem.PageSize - 1)
	for i := range m.entries {
		if m.entries[i].PageCount == 0 {
			return errEmptyRegion
		}

		if m.entries[i].PhysStart&pageSizeMinus1 != 0 {
			return errUnaligned
		}

		// Overlap checks below rely on FrameRange.End not wrapping.
		startFrame := m.entries[i].PhysStart >> mem.PageShift
		if startFrame >= maxPhysFrames || m.entries[i].PageCount > maxPhysFrames-startFrame {
			return errRegionRange
		}

		for j := i + 1; j < len(m.entries); j++ {
			if m.entries[i].Frames().Overlaps(m.entries[j].Frames()) {
				return errOverlap
			}
		}
	}

	return nil
}

// Reserve re-tags the supplied frames with kind. The frames must lie within a
// single usable entry, which gets split into up to three entries. Reserve
// fails if the split would exceed the map capacity or if the map is sealed.
func (m *MemoryMap) Reserve(frames pmm.FrameRange, kind RegionKind) *kernel.Error {
	if m.sealed {
		return errMapSealed
	}

	if frames.Empty() {
		return nil
	}

	for i := range m.entries {
		region := m.entries[i]
		regionFrames := region.Frames()
		if !region.Kind.Usable() || frames.Start < regionFrames.Start || frames.End() > regionFrames.End() {
			continue
		}

		var (
			parts [3]Region
			count int
		)

		if frames.Start > regionFrames.Start {
			parts[count] = Region{PhysStart: region.PhysStart, PageCount: uint64(frames.Start - regionFrames.Start), Kind: region.Kind}
			count++
		}

		parts[count] = Region{PhysStart: uint64(frames.Start.Address()), PageCount: frames.Count, Kind: kind}
		count++

		if frames.End() < regionFrames.End() {
			parts[count] = Region{PhysStart: uint64(frames.End().Address()), PageCount: uint64(regionFrames.End() - frames.End()), Kind: region.Kind}
			count++
		}

		n := len(m.entries)
		if n+count-1 > cap(m.entries) {
			return errMapCapacity
		}

		m.entries = m.entries[:n+count-1]
		copy(m.entries[i+count:], m.entries[i+1:n])
		copy(m.entries[i:], parts[:count])
		return nil
	}

	return errNotReservable
}
