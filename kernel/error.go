package kernel

// Error describes a boot or kernel error. Errors are declared as package-level
// pointers to Error so that they can be returned before the Go allocator is
// usable (e.g. while the bootloader still runs on top of the firmware or while
// the kernel is bringing up its frame allocator).
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
