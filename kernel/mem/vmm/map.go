package vmm

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/mem"
	"kestrel/kernel/mem/pmm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errNoFrameAllocator  = &kernel.Error{Module: "vmm", Message: "no frame allocator available for page tables"}
	errInvalidTableFrame = &kernel.Error{Module: "vmm", Message: "frame allocator returned an invalid frame for a page table"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// Map establishes a mapping between a virtual page and a physical memory frame
// using the currently active page directory table. Calls to Map will use the
// supplied physical frame allocator to initialize missing page tables at each
// paging level supported by the MMU. Existing mappings for page are
// overwritten.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag, allocFn FrameAllocatorFn) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry, nextTableAddr uintptr) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it map it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			if allocFn == nil {
				err = errNoFrameAllocator
				return false
			}

			var newTableFrame pmm.Frame
			newTableFrame, err = allocFn()
			if err != nil {
				return false
			}

			if !newTableFrame.Valid() {
				err = errInvalidTableFrame
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			// The new table becomes reachable through the recursive
			// mapping but we need to make sure it is properly cleared
			flushTLBEntryFn(nextTableAddr)
			mem.Memset(uintptr(ptePtrFn(nextTableAddr)), 0, mem.PageSize)
		}

		// The upper levels must allow everything the leaf allows; the leaf
		// entry narrows the permissions down.
		pte.SetFlags(flags & (FlagRW | FlagUserAccessible))
		if flags&FlagNoExecute == 0 {
			pte.ClearFlags(FlagNoExecute)
		}

		return true
	})

	return err
}

// RecursiveMapper installs mappings into the active page tables through the
// recursive slot, allocating intermediate tables with AllocFn.
type RecursiveMapper struct {
	AllocFn FrameAllocatorFn
}

// Map maps page to frame with the given flags.
func (m RecursiveMapper) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return Map(page, frame, flags, m.AllocFn)
}
