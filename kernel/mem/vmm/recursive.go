package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT
	// which will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	errNoRecursiveMapping = &kernel.Error{Module: "vmm", Message: "active PML4 has no recursive mapping"}
)

// CheckRecursiveMapping verifies that the RecursiveIndex slot of the active
// PML4 is present, writable and points back at the PML4. The PML4 is read
// through its physical address so the check relies on the firmware identity
// mapping and must run before anything else is mapped.
func CheckRecursiveMapping() *kernel.Error {
	pml4Addr := activePDTFn() & ptePhysPageMask
	pte := (*pageTableEntry)(ptePtrFn(pml4Addr + RecursiveIndex<<mem.PointerShift))

	if !pte.HasFlags(FlagPresent|FlagRW) || pte.Frame() != pmm.FrameFromAddress(pml4Addr) {
		return errNoRecursiveMapping
	}

	return nil
}
