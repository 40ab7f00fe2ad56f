// Package handoff implements the last stage of the bootloader: it locates
// the kernel image, leaves the firmware behind, loads the kernel and jumps
// to it.
package handoff

import (
	"kestrel/boot/elfload"
	"kestrel/boot/firmware"
	"kestrel/bootinfo"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem/pmm"
	"kestrel/kernel/mem/pmm/allocator"
	"kestrel/kernel/mem/vmm"
)

// KernelImageName is the name of the kernel image looked up on the boot
// filesystem.
const KernelImageName = "kernel"

var (
	errKernelNotFound = &kernel.Error{Module: "handoff", Message: "unable to locate the kernel image"}
	errKernelReturned = &kernel.Error{Module: "handoff", Message: "kernel entry function returned"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn             = kfmt.Panic
	checkPagingFn       = vmm.CheckRecursiveMapping
	disableInterruptsFn = cpu.DisableInterrupts
	loadFn              = elfload.Load
	translateFn         = vmm.Translate
	jumpFn              = KernelEntry.jump

	// frameAllocator is the bootloader's frame allocator. The kernel sets up
	// its own allocator from the region map once it runs.
	frameAllocator allocator.RegionAllocator

	// bootInfo is the value handed to the kernel. It is a package-level
	// variable so that it does not live on a stack that the jump abandons.
	bootInfo bootinfo.BootInfo
)

// Filesystem locates files on the boot volume.
type Filesystem interface {
	Locate(name string) ([]byte, error)
}

// Boot loads the kernel image and transfers control to it. The steps run in
// a fixed order: locate the image, check the recursive mapping, exit the
// firmware boot services, load the image, validate the entry address, build
// the boot info and jump. Any failure is fatal. Boot never returns.
//
// Boot must be called with the recursive page table slot (vmm.RecursiveIndex,
// virtual address 0xffffff7fbfdfe000) installed in the active PML4, and the
// caller must not hold references to page tables across the call since
// loading the kernel edits them through the recursive mapping.
func Boot(fs Filesystem, fw *firmware.Session, rsdp uintptr) {
	image, locateErr := fs.Locate(KernelImageName)
	if locateErr != nil || len(image) == 0 {
		if locateErr != nil {
			kfmt.Printf("[handoff] locate %s: %s\n", KernelImageName, locateErr.Error())
		}
		panicFn(errKernelNotFound)
		return
	}

	if err := checkPagingFn(); err != nil {
		panicFn(err)
		return
	}

	// Boot services are gone after this point; the firmware console and
	// its interrupt handlers with them.
	mmap, err := fw.ExitBootServices()
	if err != nil {
		panicFn(err)
		return
	}
	disableInterruptsFn()

	if err = mmap.Validate(); err != nil {
		panicFn(err)
		return
	}

	if err = frameAllocator.Init(mmap); err != nil {
		panicFn(err)
		return
	}

	mapper := vmm.RecursiveMapper{AllocFn: frameAllocator.AllocFrame}
	entryAddr, err := loadFn(image, &frameAllocator, mapper)
	if err != nil {
		panicFn(err)
		return
	}

	entry, err := EntryFromAddress(entryAddr)
	if err != nil {
		panicFn(err)
		return
	}

	if _, err = translateFn(entry.Addr()); err != nil {
		panicFn(err)
		return
	}

	if err = CommitUsedFrames(&frameAllocator, mmap); err != nil {
		panicFn(err)
		return
	}

	bootInfo = bootinfo.NewBootInfo(mmap, rsdp)

	kfmt.Printf("[handoff] jumping to kernel entry at 0x%16x (%d regions)\n", entry.Addr(), bootInfo.MemoryMapLen)
	jumpFn(entry, &bootInfo)

	panicFn(errKernelReturned)
}

// CommitUsedFrames tags every frame handed out by alloc (kernel segments and
// the page tables created to map them) as RegionKernelImage so the kernel
// does not reuse them. It must run before the map is sealed. A used run may
// span several adjacent usable regions; each region gets its own share.
func CommitUsedFrames(alloc *allocator.RegionAllocator, mmap *bootinfo.MemoryMap) *kernel.Error {
	var err *kernel.Error

	alloc.UsedRanges(func(run pmm.FrameRange) bool {
		for !run.Empty() {
			chunk := run
			for i := 0; i < mmap.Len(); i++ {
				if regionFrames := mmap.Region(i).Frames(); regionFrames.Contains(run.Start) {
					if end := regionFrames.End(); end < run.End() {
						chunk.Count = uint64(end - run.Start)
					}
					break
				}
			}

			if err = mmap.Reserve(chunk, bootinfo.RegionKernelImage); err != nil {
				return false
			}

			run.Start += pmm.Frame(chunk.Count)
			run.Count -= chunk.Count
		}
		return true
	})

	return err
}
