//go:build amd64

package vmm

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// entriesPerTable is the number of entries that fit in a page table.
	entriesPerTable = 512

	// ptePhysPageMask is a mask that allows us to extract the physical memory
	// address pointed to by a page table entry. For this particular architecture,
	// bits 12-51 contain the physical memory address.
	ptePhysPageMask = uintptr(0x000ffffffffff000)

	// RecursiveIndex is the PML4 slot that points back at the PML4 itself.
	// The bootloader reaches every page table through this slot while it
	// still runs on the firmware's address space.
	RecursiveIndex = 510

	// pdtVirtualAddr is the virtual address of the PML4 when it is accessed
	// through the recursive slot (i.e. RecursiveIndex repeated at every
	// level).
	pdtVirtualAddr = ^canonicalMask |
		RecursiveIndex<<39 |
		RecursiveIndex<<30 |
		RecursiveIndex<<21 |
		RecursiveIndex<<12

	// canonicalMask selects the 48 address bits that the MMU translates.
	canonicalMask = uintptr(1<<48 - 1)
)

var (
	// pageLevelBits defines the virtual address bits that correspond to each
	// page level. For the amd64 architecture each PageLevel uses 9 bits which
	// amounts to 512 entries for each page level.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page table
	// component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}
)

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63
)
