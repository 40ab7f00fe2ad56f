package cpu

const (
	// virtAddrBits is the number of implemented virtual address bits
	// with 4-level paging.
	virtAddrBits = 48
)

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt disables interrupts and stops instruction execution. Halt never
// returns.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// LoadGDT loads the descriptor table register with the 10-byte pseudo
// descriptor (limit, base) stored at gdtrAddr.
func LoadGDT(gdtrAddr uintptr)

// StoreGDT stores the contents of the descriptor table register as a 10-byte
// pseudo descriptor at gdtrAddr.
func StoreGDT(gdtrAddr uintptr)

// LoadTaskRegister loads the task register with the supplied TSS selector.
func LoadTaskRegister(sel uint16)

// TaskRegister returns the selector currently loaded in the task register.
func TaskRegister() uint16

// LoadCodeSegment reloads CS with the supplied selector using a far return.
func LoadCodeSegment(sel uint16)

// LoadDataSegments loads DS, ES, FS, GS and SS with the supplied selector.
// The FS and GS base MSRs are preserved across the reload.
func LoadDataSegments(sel uint16)

// SegmentRegisters returns the selectors currently loaded in the segment
// registers.
func SegmentRegisters() (cs, ds, es, fs, gs, ss uint16)

// JumpToKernel calls the code at entry using the SysV AMD64 calling
// convention, passing the 24-byte value stored at bootInfo as its only
// (in-memory) argument. The callee is not expected to return; if it does,
// JumpToKernel restores the stack pointer and returns to its caller.
func JumpToKernel(entry, bootInfo uintptr)

// IsCanonical returns true if virtAddr is a canonical 48-bit virtual address,
// i.e. bits 63 to 47 are all equal.
func IsCanonical(virtAddr uintptr) bool {
	upper := uint64(virtAddr) >> (virtAddrBits - 1)
	return upper == 0 || upper == (1<<(64-virtAddrBits+1))-1
}
