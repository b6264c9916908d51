package emu

// InterruptFlag emulates the RFLAGS.IF bit of a single core. It satisfies
// the interrupt controller interface used by the kernel locks so that they
// can run outside ring 0, where CLI and STI fault.
type InterruptFlag struct {
	enabled bool

	// Disables counts the number of times interrupts were masked.
	Disables int
}

// InterruptsEnabled reports the state of the flag.
func (f *InterruptFlag) InterruptsEnabled() bool { return f.enabled }

// DisableInterrupts clears the flag.
func (f *InterruptFlag) DisableInterrupts() {
	f.enabled = false
	f.Disables++
}

// EnableInterrupts sets the flag.
func (f *InterruptFlag) EnableInterrupts() { f.enabled = true }
