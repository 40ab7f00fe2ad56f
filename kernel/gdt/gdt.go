// Package gdt sets up the global descriptor table, the task state segment
// and the segment selectors the kernel runs with.
package gdt

import (
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"kestrel/kernel/kfmt"
	"unsafe"
)

// State describes how far the descriptor table bring-up has progressed.
type State uint8

const (
	// Uninitialized is the state before Init runs.
	Uninitialized State = iota

	// DescriptorsBuilt is reached once the descriptors and selectors have
	// been recorded but nothing has been loaded yet.
	DescriptorsBuilt

	// Loaded is reached once the descriptor table register and the task
	// register point at the table.
	Loaded

	// SegmentsReloaded is the final state where CS holds the kernel code
	// selector and all data segment registers hold the kernel data selector.
	SegmentsReloaded
)

// String implements fmt.Stringer for State.
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case DescriptorsBuilt:
		return "descriptors built"
	case Loaded:
		return "loaded"
	case SegmentsReloaded:
		return "segments reloaded"
	default:
		return "unknown"
	}
}

const (
	kernelCodeIndex = 1 + iota
	kernelDataIndex
	userDataIndex
	userCodeIndex
	tssIndex

	// The TSS descriptor occupies two slots.
	numEntries = tssIndex + 2
)

// Descriptor access bytes.
const (
	accessKernelCode = 0x9a
	accessKernelData = 0x92
	accessUserData   = 0xf2
	accessUserCode   = 0xfa
	accessTSS        = 0x89
)

// Descriptor flag nibbles.
const (
	flagsCode = 0xa // 4K granularity, long mode
	flagsData = 0xc // 4K granularity, 32-bit default operand size
)

var (
	errAlreadyInitialized = &kernel.Error{Module: "gdt", Message: "descriptor table already initialized"}
	errNotInitialized     = &kernel.Error{Module: "gdt", Message: "descriptor table is not initialized"}
	errTableNotActive     = &kernel.Error{Module: "gdt", Message: "descriptor table register does not point to the kernel table"}
	errSegmentMismatch    = &kernel.Error{Module: "gdt", Message: "segment registers do not match the kernel selectors"}

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn            = kfmt.Panic
	loadGDTFn          = cpu.LoadGDT
	storeGDTFn         = cpu.StoreGDT
	loadTaskRegisterFn = cpu.LoadTaskRegister
	taskRegisterFn     = cpu.TaskRegister
	loadCodeSegmentFn  = cpu.LoadCodeSegment
	loadDataSegmentsFn = cpu.LoadDataSegments
	segmentRegistersFn = cpu.SegmentRegisters

	// table is the kernel GDT. It must live at a fixed address for as long as
	// it stays loaded so it is a package-level singleton.
	table Table
	state State
)

// descriptorPointer is the operand of lgdt/sgdt. The padding places Base at
// an 8-byte boundary; the CPU reads the 10 bytes that start at Limit.
type descriptorPointer struct {
	_     [3]uint16
	Limit uint16
	Base  uint64
}

func (p *descriptorPointer) addr() uintptr {
	return uintptr(unsafe.Pointer(&p.Limit))
}

// Table holds the descriptors loaded into the CPU together with the TSS the
// TSS descriptor points to.
type Table struct {
	entries   [numEntries]uint64
	tss       TSS
	selectors Selectors
}

// Init builds the kernel GDT, loads it together with the TSS and reloads all
// segment registers with the kernel selectors. Init may only be called once;
// a second call is fatal.
func Init() *Table {
	if state != Uninitialized {
		panicFn(errAlreadyInitialized)
		return nil
	}

	table.build()
	state = DescriptorsBuilt

	table.load()
	state = Loaded

	loadCodeSegmentFn(uint16(table.selectors.KernelCode))
	loadDataSegmentsFn(uint16(table.selectors.KernelData))
	state = SegmentsReloaded

	kfmt.Printf("[gdt] loaded %d descriptors (cs: 0x%x, ds: 0x%x, tss: 0x%x)\n",
		numEntries,
		uint16(table.selectors.KernelCode),
		uint16(table.selectors.KernelData),
		uint16(table.selectors.TSS),
	)

	return &table
}

// CurrentState returns the bring-up state of the kernel GDT.
func CurrentState() State {
	return state
}

// Current returns the kernel GDT. Calling Current before Init completes is
// fatal.
func Current() *Table {
	if state != SegmentsReloaded {
		panicFn(errNotInitialized)
		return nil
	}
	return &table
}

// CurrentSelectors returns the kernel selectors. Calling CurrentSelectors
// before Init completes is fatal.
func CurrentSelectors() Selectors {
	if state != SegmentsReloaded {
		panicFn(errNotInitialized)
		return Selectors{}
	}
	return table.selectors
}

// Selectors returns the selectors recorded for this table.
func (t *Table) Selectors() Selectors {
	return t.selectors
}

// TSS returns the task state segment referenced by the table.
func (t *Table) TSS() *TSS {
	return &t.tss
}

// Descriptor returns the raw descriptor referenced by sel.
func (t *Table) Descriptor(sel Selector) uint64 {
	if int(sel.Index()) >= len(t.entries) {
		return 0
	}
	return t.entries[sel.Index()]
}

// Verify checks that the CPU is using this table: the descriptor table
// register points to it, CS holds the kernel code selector, every data
// segment register holds the kernel data selector and the task register
// holds the TSS selector.
func (t *Table) Verify() *kernel.Error {
	var gdtr descriptorPointer
	storeGDTFn(gdtr.addr())
	if gdtr.Base != uint64(uintptr(unsafe.Pointer(&t.entries))) || gdtr.Limit != uint16(unsafe.Sizeof(t.entries)-1) {
		return errTableNotActive
	}

	cs, ds, es, fs, gs, ss := segmentRegistersFn()
	if Selector(cs) != t.selectors.KernelCode {
		return errSegmentMismatch
	}

	for _, reg := range [...]uint16{ds, es, fs, gs, ss} {
		if Selector(reg) != t.selectors.KernelData {
			return errSegmentMismatch
		}
	}

	if Selector(taskRegisterFn()) != t.selectors.TSS {
		return errSegmentMismatch
	}

	return nil
}

// build populates the descriptors and records the selectors.
func (t *Table) build() {
	t.entries[0] = 0
	t.entries[kernelCodeIndex] = segmentDescriptor(accessKernelCode, flagsCode)
	t.entries[kernelDataIndex] = segmentDescriptor(accessKernelData, flagsData)
	t.entries[userDataIndex] = segmentDescriptor(accessUserData, flagsData)
	t.entries[userCodeIndex] = segmentDescriptor(accessUserCode, flagsCode)

	t.tss.IOMapBase = uint16(unsafe.Sizeof(t.tss))
	t.entries[tssIndex], t.entries[tssIndex+1] = tssDescriptor(uintptr(unsafe.Pointer(&t.tss)), uint32(unsafe.Sizeof(t.tss)-1))

	t.selectors = Selectors{
		KernelCode: newSelector(kernelCodeIndex, 0),
		KernelData: newSelector(kernelDataIndex, 0),
		UserData:   newSelector(userDataIndex, 3),
		UserCode:   newSelector(userCodeIndex, 3),
		TSS:        newSelector(tssIndex, 0),
	}
}

// load points the descriptor table register at the table and loads the TSS.
func (t *Table) load() {
	gdtr := descriptorPointer{
		Limit: uint16(unsafe.Sizeof(t.entries) - 1),
		Base:  uint64(uintptr(unsafe.Pointer(&t.entries))),
	}
	loadGDTFn(gdtr.addr())
	loadTaskRegisterFn(uint16(t.selectors.TSS))
}

// segmentDescriptor encodes a flat (base 0, limit 0xfffff) segment
// descriptor. Base and limit are ignored in long mode for everything but
// the data segments used in compatibility mode.
func segmentDescriptor(access, flags uint8) uint64 {
	return 0xffff |
		uint64(access)<<40 |
		uint64(0xf)<<48 |
		uint64(flags&0xf)<<52
}

// tssDescriptor encodes the two halves of a 64-bit available TSS descriptor.
func tssDescriptor(base uintptr, limit uint32) (low, high uint64) {
	b := uint64(base)
	low = uint64(limit&0xffff) |
		(b&0xffffff)<<16 |
		uint64(accessTSS)<<40 |
		uint64((limit>>16)&0xf)<<48 |
		((b>>24)&0xff)<<56
	high = b >> 32
	return low, high
}
