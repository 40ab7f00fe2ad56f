package gdt

// Selector is a segment selector: the descriptor index shifted left by 3,
// the table indicator bit (always 0 for GDT selectors) and the requested
// privilege level in the low 2 bits.
type Selector uint16

// newSelector returns the GDT selector for the descriptor at index.
func newSelector(index uint16, rpl uint8) Selector {
	return Selector(index<<3 | uint16(rpl&3))
}

// Index returns the descriptor index referenced by the selector.
func (s Selector) Index() uint16 {
	return uint16(s) >> 3
}

// RPL returns the requested privilege level encoded in the selector.
func (s Selector) RPL() uint8 {
	return uint8(s & 3)
}

// Selectors groups the selectors of the descriptors installed by Init.
type Selectors struct {
	KernelCode Selector
	KernelData Selector
	UserCode   Selector
	UserData   Selector
	TSS        Selector
}
