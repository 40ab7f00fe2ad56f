// Package elfload loads a statically linked x86-64 ELF executable into
// physical frames and maps its segments at their link-time virtual
// addresses.
package elfload

import (
	"bytes"
	"debug/elf"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/vmm"
)

var (
	errNotELF                = &kernel.Error{Module: "elf_loader", Message: "kernel image is not a valid ELF file"}
	errUnsupportedClass      = &kernel.Error{Module: "elf_loader", Message: "kernel image is not a 64-bit ELF file"}
	errUnsupportedEndianness = &kernel.Error{Module: "elf_loader", Message: "kernel image is not little-endian"}
	errUnsupportedType       = &kernel.Error{Module: "elf_loader", Message: "kernel image is not an executable"}
	errUnsupportedMachine    = &kernel.Error{Module: "elf_loader", Message: "kernel image does not target x86-64"}
	errRelocationUnsupported = &kernel.Error{Module: "elf_loader", Message: "kernel image requires dynamic relocation"}
	errNoSegments            = &kernel.Error{Module: "elf_loader", Message: "kernel image has no loadable segments"}
	errSegmentSize           = &kernel.Error{Module: "elf_loader", Message: "segment memory size is smaller than its file size"}
	errSegmentBounds         = &kernel.Error{Module: "elf_loader", Message: "segment data lies outside the kernel image"}
	errSegmentAddress        = &kernel.Error{Module: "elf_loader", Message: "segment virtual address range is not canonical"}
	errSegmentOverlap        = &kernel.Error{Module: "elf_loader", Message: "segment overlaps a previously loaded segment"}
	errNullEntry             = &kernel.Error{Module: "elf_loader", Message: "kernel entry address is null"}
	errEntryNotExecutable    = &kernel.Error{Module: "elf_loader", Message: "kernel entry address is not inside an executable segment"}
)

// Segment describes a loadable segment of a kernel image.
type Segment struct {
	VirtAddr   uintptr
	FileOffset uint64
	FileSize   uint64
	MemSize    uint64
	Flags      elf.ProgFlag
}

// PageOffset returns the offset of the segment start within its first page.
func (s Segment) PageOffset() uintptr {
	return vmm.PageOffset(s.VirtAddr)
}

// FirstPage returns the virtual page that contains the start of the segment.
func (s Segment) FirstPage() vmm.Page {
	return vmm.PageFromAddress(s.VirtAddr)
}

// PageCount returns the number of pages (and frames) needed to hold the
// in-memory image of the segment.
func (s Segment) PageCount() uint64 {
	return mem.Size(uint64(s.PageOffset()) + s.MemSize).Pages()
}

// PageFlags translates the segment permissions into page table entry flags.
// Pages are always readable; PF_W grants write access and segments without
// PF_X are mapped as non-executable.
func (s Segment) PageFlags() vmm.PageTableEntryFlag {
	var flags vmm.PageTableEntryFlag
	if s.Flags&elf.PF_W != 0 {
		flags |= vmm.FlagRW
	}
	if s.Flags&elf.PF_X == 0 {
		flags |= vmm.FlagNoExecute
	}
	return flags
}

// Executable returns true if the segment is mapped with execute permissions.
func (s Segment) Executable() bool {
	return s.Flags&elf.PF_X != 0
}

// Contains returns true if virtAddr falls inside the in-memory image of the
// segment.
func (s Segment) Contains(virtAddr uintptr) bool {
	return virtAddr >= s.VirtAddr && uint64(virtAddr-s.VirtAddr) < s.MemSize
}

// pageSpan returns the first page and the page past the end of the segment.
func (s Segment) pageSpan() (vmm.Page, vmm.Page) {
	first := s.FirstPage()
	return first, first + vmm.Page(s.PageCount())
}

// Image is a validated kernel image.
type Image struct {
	Entry    uintptr
	Segments []Segment
}

// Parse validates the ELF header and program headers of image. Every check
// that can fail is performed here so that loading never starts for an image
// that cannot be loaded completely.
func Parse(image []byte) (*Image, *kernel.Error) {
	// Check the identification bytes first; debug/elf would decode the rest
	// of a foreign class or byte order header into garbage.
	if len(image) < elf.EI_NIDENT || !bytes.Equal(image[:4], []byte(elf.ELFMAG)) {
		return nil, errNotELF
	}

	if elf.Class(image[elf.EI_CLASS]) != elf.ELFCLASS64 {
		return nil, errUnsupportedClass
	}

	if elf.Data(image[elf.EI_DATA]) != elf.ELFDATA2LSB {
		return nil, errUnsupportedEndianness
	}

	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		return nil, errNotELF
	}
	defer f.Close()

	switch {
	case f.Type == elf.ET_DYN:
		return nil, errRelocationUnsupported
	case f.Type != elf.ET_EXEC:
		return nil, errUnsupportedType
	case f.Machine != elf.EM_X86_64:
		return nil, errUnsupportedMachine
	}

	img := &Image{Entry: uintptr(f.Entry)}
	for _, prog := range f.Progs {
		switch prog.Type {
		case elf.PT_DYNAMIC, elf.PT_INTERP:
			return nil, errRelocationUnsupported
		case elf.PT_LOAD:
		default:
			continue
		}

		seg := Segment{
			VirtAddr:   uintptr(prog.Vaddr),
			FileOffset: prog.Off,
			FileSize:   prog.Filesz,
			MemSize:    prog.Memsz,
			Flags:      prog.Flags,
		}

		if err := img.addSegment(seg, uint64(len(image))); err != nil {
			return nil, err
		}
	}

	if len(img.Segments) == 0 {
		return nil, errNoSegments
	}

	if img.Entry == 0 {
		return nil, errNullEntry
	}

	for _, seg := range img.Segments {
		if seg.Executable() && seg.Contains(img.Entry) {
			return img, nil
		}
	}

	return nil, errEntryNotExecutable
}

// addSegment validates seg against the image and the segments seen so far.
func (img *Image) addSegment(seg Segment, imageSize uint64) *kernel.Error {
	if seg.MemSize < seg.FileSize {
		return errSegmentSize
	}

	if seg.FileOffset > imageSize || seg.FileSize > imageSize-seg.FileOffset {
		return errSegmentBounds
	}

	// Empty segments occupy no memory.
	if seg.MemSize == 0 {
		return nil
	}

	last := uint64(seg.VirtAddr) + seg.MemSize - 1
	if last < uint64(seg.VirtAddr) || !cpu.IsCanonical(seg.VirtAddr) || !cpu.IsCanonical(uintptr(last)) ||
		(seg.VirtAddr < 1<<47) != (uintptr(last) < 1<<47) {
		return errSegmentAddress
	}

	first, end := seg.pageSpan()
	for _, prev := range img.Segments {
		prevFirst, prevEnd := prev.pageSpan()
		if first < prevEnd && prevFirst < end {
			return errSegmentOverlap
		}
	}

	img.Segments = append(img.Segments, seg)
	return nil
}
