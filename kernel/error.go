package kernel

// Error describes a kernel error. Kernel errors are declared as package-level
// pointers to Error so that returning (or panicking with) one never needs the
// Go allocator, which is not available until the memory core is up.
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
