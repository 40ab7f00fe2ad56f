// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"kestrel/kernel/mem"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. Addresses that are not page-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(mem.PageSize - 1))) >> mem.PageShift)
}

// FrameRange describes a run of Count physically contiguous frames starting
// at Start.
type FrameRange struct {
	Start Frame
	Count uint64
}

// End returns the first frame past the end of the range.
func (r FrameRange) End() Frame {
	return r.Start + Frame(r.Count)
}

// Empty returns true if the range does not contain any frames.
func (r FrameRange) Empty() bool {
	return r.Count == 0
}

// Size returns the size of the range in bytes.
func (r FrameRange) Size() mem.Size {
	return mem.Size(r.Count) << mem.PageShift
}

// Contains returns true if f belongs to the range.
func (r FrameRange) Contains(f Frame) bool {
	return f >= r.Start && f < r.End()
}

// Overlaps returns true if the two ranges share at least one frame.
func (r FrameRange) Overlaps(other FrameRange) bool {
	if r.Empty() || other.Empty() {
		return false
	}
	return r.Start < other.End() && other.Start < r.End()
}
