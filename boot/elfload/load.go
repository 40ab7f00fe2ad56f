package elfload

import (
	"kestrel/kernel"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/mem/vmm"
	"unsafe"
)

var (
	// physMemFn returns a writable view of the supplied frames. The
	// bootloader runs with the firmware identity mapping in place so
	// physical addresses can be dereferenced directly. It is mocked by
	// tests.
	physMemFn = func(frames pmm.FrameRange) []byte {
		return unsafe.Slice((*byte)(unsafe.Pointer(frames.Start.Address())), uintptr(frames.Size()))
	}
)

// FrameSource allocates runs of physically contiguous frames.
type FrameSource interface {
	AllocFrames(count uint64) (pmm.FrameRange, *kernel.Error)
}

// Mapper maps a virtual page to a physical frame in the address space the
// kernel will run in.
type Mapper interface {
	Map(page vmm.Page, frame pmm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error
}

// Load validates image, copies each of its loadable segments into frames
// obtained from frames and maps them at their link-time virtual addresses.
// It returns the virtual address of the image entry point.
func Load(image []byte, frames FrameSource, mapper Mapper) (uintptr, *kernel.Error) {
	img, err := Parse(image)
	if err != nil {
		return 0, err
	}

	for _, seg := range img.Segments {
		if err = loadSegment(image, seg, frames, mapper); err != nil {
			return 0, err
		}
	}

	return img.Entry, nil
}

// loadSegment clears a run of freshly allocated frames, copies the file-backed
// part of a single segment into it and maps every page.
func loadSegment(image []byte, seg Segment, frames FrameSource, mapper Mapper) *kernel.Error {
	run, err := frames.AllocFrames(seg.PageCount())
	if err != nil {
		return err
	}

	var (
		buf       = physMemFn(run)
		dataStart = seg.PageOffset()
		dataEnd   = dataStart + uintptr(seg.FileSize)
	)

	mem.Memset(uintptr(unsafe.Pointer(unsafe.SliceData(buf))), 0, mem.Size(len(buf)))
	copy(buf[dataStart:dataEnd], image[seg.FileOffset:seg.FileOffset+seg.FileSize])

	var (
		page  = seg.FirstPage()
		flags = seg.PageFlags()
	)
	for i := uint64(0); i < run.Count; i++ {
		if err = mapper.Map(page+vmm.Page(i), run.Start+pmm.Frame(i), flags); err != nil {
			return err
		}
	}

	return nil
}
