package handoff

import (
	"kestrel/bootinfo"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"unsafe"
)

var (
	errNullEntry         = &kernel.Error{Module: "handoff", Message: "kernel entry address is null"}
	errNonCanonicalEntry = &kernel.Error{Module: "handoff", Message: "kernel entry address is not canonical"}
)

// KernelEntry is the address of the kernel entry function. The function
// takes a bootinfo.BootInfo by value using the SysV AMD64 calling convention
// and never returns. A KernelEntry can only be obtained through
// EntryFromAddress.
type KernelEntry struct {
	addr uintptr
}

// EntryFromAddress validates addr and reinterprets it as a kernel entry
// function. It rejects the null address and addresses that are not
// canonical; whether addr actually points to code is up to the caller.
func EntryFromAddress(addr uintptr) (KernelEntry, *kernel.Error) {
	switch {
	case addr == 0:
		return KernelEntry{}, errNullEntry
	case !cpu.IsCanonical(addr):
		return KernelEntry{}, errNonCanonicalEntry
	}

	return KernelEntry{addr: addr}, nil
}

// Addr returns the virtual address of the entry function.
func (e KernelEntry) Addr() uintptr {
	return e.addr
}

// jump transfers control to the kernel. The boot info value is copied onto
// the stack as the first in-memory argument. jump does not return unless the
// kernel entry function does.
func (e KernelEntry) jump(info *bootinfo.BootInfo) {
	if e.addr == 0 {
		return
	}
	cpu.JumpToKernel(e.addr, uintptr(unsafe.Pointer(info)))
}
