package kmain

import (
	"kestrel/bootinfo"
	"kestrel/kernel"
	"kestrel/kernel/gdt"
	"kestrel/kernel/kfmt"
	"kestrel/kernel/mem/pmm/allocator"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn         = kfmt.Panic
	allocatorInitFn = allocator.Init
	gdtInitFn       = gdt.Init
	gdtVerifyFn     = (*gdt.Table).Verify
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The bootloader enters rt0 with a bootinfo.BootInfo
// value passed on the stack (SysV AMD64); rt0 sets up a minimal g0 and
// forwards the value to Kmain.
//
// Kmain brings up the frame allocator from the region map and then installs
// the kernel GDT and TSS. Kmain is not expected to return. If it does, the
// rt0 code will halt the CPU.
//
//go:noinline
func Kmain(info bootinfo.BootInfo) {
	kfmt.Printf("[kmain] boot info: %d regions at 0x%x, rsdp: 0x%x\n", info.MemoryMapLen, info.MemoryMapAddr, info.RSDP)

	mmap, err := info.MemoryMap()
	if err != nil {
		panicFn(err)
		return
	}

	if err = mmap.Validate(); err != nil {
		panicFn(err)
		return
	}

	if err = allocatorInitFn(mmap); err != nil {
		panicFn(err)
		return
	}

	table := gdtInitFn()
	if table == nil {
		return
	}

	if err = gdtVerifyFn(table); err != nil {
		panicFn(err)
		return
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
