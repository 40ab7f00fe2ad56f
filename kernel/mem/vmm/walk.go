package vmm

import (
	"kestrel/kernel/mem"
	"unsafe"
)

var (
	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the generated page table entry pointers so
	// walk() can be properly tested. When compiling the kernel this function
	// will be automatically inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level, the page table entry for that
// level and the recursive virtual address of the table the entry points to
// (only meaningful for levels above the last one). If the function returns
// false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry, nextTableAddr uintptr) bool

// walk performs a page table walk for the given virtual address. It calls the
// suppplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
	)

	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		// Shifting the entry address left by one level drops the outermost
		// recursive index and turns the entry offset into the page index of
		// the table it points to.
		tableAddr = canonical(entryAddr << pageLevelBits[level])

		if !walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr)), tableAddr) {
			return
		}
	}
}

// canonical truncates addr to 48 bits and sign-extends bit 47.
func canonical(addr uintptr) uintptr {
	addr &= canonicalMask
	if addr&(1<<47) != 0 {
		addr |= ^canonicalMask
	}
	return addr
}
