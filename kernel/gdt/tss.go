package gdt

import "unsafe"

// Comptime check that the TSS matches the 104-byte hardware layout.
var _ = [1]struct{}{}[unsafe.Sizeof(TSS{})-104]

// TSS is the 64-bit task state segment. The hardware layout places 64-bit
// fields at 4-byte aligned offsets so they are stored as pairs of 32-bit
// words and accessed through the setters below.
type TSS struct {
	_   uint32
	rsp [6]uint32
	_   [2]uint32
	ist [14]uint32
	_   [2]uint32
	_   uint16

	// IOMapBase is the offset of the I/O permission bitmap. Setting it to
	// the size of the TSS means that no bitmap is present.
	IOMapBase uint16
}

// SetPrivilegeStack sets the stack pointer loaded when switching to the
// supplied privilege level (0-2).
func (t *TSS) SetPrivilegeStack(ring uint8, top uintptr) {
	if ring > 2 {
		return
	}
	setQuad(t.rsp[:], int(ring), uint64(top))
}

// PrivilegeStack returns the stack pointer for the supplied privilege level.
func (t *TSS) PrivilegeStack(ring uint8) uintptr {
	if ring > 2 {
		return 0
	}
	return uintptr(quad(t.rsp[:], int(ring)))
}

// SetInterruptStack installs top as the interrupt stack table entry index
// (1-7). Out of range indices are ignored.
func (t *TSS) SetInterruptStack(index uint8, top uintptr) {
	if index < 1 || index > 7 {
		return
	}
	setQuad(t.ist[:], int(index-1), uint64(top))
}

// InterruptStack returns the interrupt stack table entry index (1-7).
func (t *TSS) InterruptStack(index uint8) uintptr {
	if index < 1 || index > 7 {
		return 0
	}
	return uintptr(quad(t.ist[:], int(index-1)))
}

func setQuad(words []uint32, i int, v uint64) {
	words[2*i] = uint32(v)
	words[2*i+1] = uint32(v >> 32)
}

func quad(words []uint32, i int) uint64 {
	return uint64(words[2*i]) | uint64(words[2*i+1])<<32
}
