package gate

import (
	"io"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
)

// Segment selectors installed in the GDT by the boot code.
const (
	KernelCodeSelector = 0x10
	UserCodeSelector   = 0x1b
	KernelDataSelector = 0x20
	UserDataSelector   = 0x2b
	TSSSelector        = 0x30
)

const (
	// rflagsIF is the interrupt enable flag.
	rflagsIF = 1 << 9

	// rflagsIOPL3 grants ring 3 access to I/O ports.
	rflagsIOPL3 = 3 << 12

	// kernelRFlags and userRFlags are the initial flags of new threads:
	// interrupts enabled plus the always-set reserved bit 1.
	kernelRFlags = 0x282
	userRFlags   = kernelRFlags | rflagsIOPL3
)

// Registers contains a snapshot of all register values when an exception,
// interrupt or syscall occurs. The entry stubs push the general purpose
// registers on top of the trap number, the error code and the frame pushed by
// the CPU, so the layout must match the push order exactly.
type Registers struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	RBP uint64
	RBX uint64
	R11 uint64
	R10 uint64
	R9  uint64
	R8  uint64
	RSI uint64
	RDI uint64
	RDX uint64
	RCX uint64
	RAX uint64

	// TrapNum is the vector that was raised.
	TrapNum uint64

	// ErrorCode is pushed by the CPU for some exceptions and set to 0 by
	// the entry stubs for all other vectors.
	ErrorCode uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// NewKernelThread returns a frame that starts executing entry in ring 0
// using the stack that ends at stackTop.
func NewKernelThread(entry, stackTop uintptr) Registers {
	return Registers{
		RIP:    uint64(entry),
		CS:     KernelCodeSelector,
		RFlags: kernelRFlags,
		RSP:    uint64(stackTop),
		SS:     KernelDataSelector,
	}
}

// NewUserThread returns a frame that starts executing entry in ring 3 using
// the stack that ends at stackTop.
func NewUserThread(entry, stackTop uintptr) Registers {
	return Registers{
		RIP:    uint64(entry),
		CS:     UserCodeSelector,
		RFlags: userRFlags,
		RSP:    uint64(stackTop),
		SS:     UserDataSelector,
	}
}

// FromUser returns true if the frame was raised while running in ring 3.
func (r *Registers) FromUser() bool {
	return r.CS&3 == 3
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "TRAP = %d ERR = %x\n", r.TrapNum, r.ErrorCode)
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}
