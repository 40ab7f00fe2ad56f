// Package allocator implements the physical frame allocator used by both the
// bootloader (to place the kernel image) and the kernel.
package allocator

import (
	"kestrel/bootinfo"
	"kestrel/kernel"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem/pmm"
)

var (
	// FrameAllocator is the kernel's frame allocator instance. It is
	// initialized by Init from the region map received at boot.
	FrameAllocator RegionAllocator
)

// Init sets up the kernel physical memory allocation sub-system from the
// region map that the bootloader handed over. Any state left over from a
// previous Init call is discarded.
func Init(mmap *bootinfo.MemoryMap) *kernel.Error {
	if err := mmap.Validate(); err != nil {
		return err
	}

	if err := FrameAllocator.Init(mmap); err != nil {
		return err
	}

	FrameAllocator.PrintMemoryMap(kfmt.Writer())
	return nil
}

// AllocFrame reserves a single frame using the kernel frame allocator. Its
// signature matches vmm.FrameAllocatorFn.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return FrameAllocator.AllocFrame()
}
