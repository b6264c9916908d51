// Package gate implements the interrupt descriptor table and routes traps,
// exceptions and hardware interrupts to the registered Go handlers.
package gate

import (
	"unsafe"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
)

// idtEntries is the number of gates in the IDT.
const idtEntries = 256

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// Debug occurs when a debug trap or fault condition is detected.
	Debug = InterruptNumber(1)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// Breakpoint occurs when the INT3 instruction is executed.
	Breakpoint = InterruptNumber(3)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligmed memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)

	// IRQ0 is the vector of the first hardware interrupt line after the
	// PICs have been remapped.
	IRQ0 = InterruptNumber(32)

	// TimerInterrupt is raised by the programmable interval timer.
	TimerInterrupt = IRQ0 + 0

	// KeyboardInterrupt is raised by the PS/2 keyboard controller.
	KeyboardInterrupt = IRQ0 + 1

	// COM1Interrupt is raised by the first serial port.
	COM1Interrupt = IRQ0 + 4

	// SwitchToUser returns from the trap in ring 3.
	SwitchToUser = InterruptNumber(120)

	// SwitchToKernel returns from the trap in ring 0.
	SwitchToKernel = InterruptNumber(121)

	// SyscallInterrupt is raised by user code to invoke a system call.
	SyscallInterrupt = InterruptNumber(0x80)
)

// idtEntry is an amd64 interrupt gate descriptor.
type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	ist        uint8
	typeAttr   uint8
	offsetMid  uint16
	offsetHigh uint32
	reserved   uint32
}

const (
	gatePresent       = 1 << 7
	gateInterruptType = 0xe
)

func (e *idtEntry) set(handler uintptr, dpl uint8) {
	e.offsetLow = uint16(handler)
	e.offsetMid = uint16(handler >> 16)
	e.offsetHigh = uint32(handler >> 32)
	e.selector = KernelCodeSelector
	e.typeAttr = gatePresent | dpl<<5 | gateInterruptType
}

// Handler processes a trap. Changes to the supplied Registers are propagated
// back to the interrupted context.
type Handler func(*Registers)

// SwitchHandler processes a trap and may resume a different context by
// pointing rsp to the saved Registers of that context.
type SwitchHandler func(frame *Registers, rsp *uintptr)

var (
	idt         [idtEntries]idtEntry
	entryPoints [idtEntries]uintptr

	handlers       [idtEntries]Handler
	switchHandlers [idtEntries]SwitchHandler

	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	trapEntryPointsFn = trapEntryPoints
	loadIDTFn         = loadIDT
	setRing0RSPFn     = SetKernelStack
	ackIRQFn          = ackIRQ
	enableIRQFn       = enableIRQ

	log = kfmt.Logger{Module: "gate"}

	errUnhandledTrap = &kernel.Error{Module: "gate", Message: "unhandled trap"}
)

// Init populates the IDT with the entry stubs, loads the TSS, remaps the PICs
// and loads the IDT. Interrupts remain disabled.
func Init() {
	trapEntryPointsFn(&entryPoints)
	for vector, addr := range entryPoints {
		if addr == 0 {
			continue
		}

		var dpl uint8
		switch InterruptNumber(vector) {
		case SyscallInterrupt, SwitchToUser, SwitchToKernel:
			dpl = 3
		}
		idt[vector].set(addr, dpl)
	}

	installTSS()
	initPIC()
	loadIDTFn(uintptr(unsafe.Pointer(&idt)), uint16(unsafe.Sizeof(idt)-1))
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. The value of the istOffset argument
// specifies the offset in the interrupt stack table (if 0 then IST is not
// used).
func HandleInterrupt(intNumber InterruptNumber, istOffset uint8, handler Handler) {
	handlers[intNumber] = handler
	switchHandlers[intNumber] = nil
	idt[intNumber].ist = istOffset
	enableLine(intNumber)
}

// HandleSwitch registers a handler that may switch to another context, e.g.
// the scheduler tick.
func HandleSwitch(intNumber InterruptNumber, handler SwitchHandler) {
	switchHandlers[intNumber] = handler
	handlers[intNumber] = nil
	enableLine(intNumber)
}

func enableLine(intNumber InterruptNumber) {
	if intNumber >= IRQ0 && intNumber < IRQ0+irqLines {
		enableIRQFn(uint8(intNumber - IRQ0))
	}
}

// dispatch is invoked by the entry stubs with a pointer to the saved
// registers. It returns the stack pointer of the frame to resume which is
// regs itself unless a switch handler selected another context.
//
// TODO: save the SSE state with FXSAVE before calling into Go code.
func dispatch(regs *Registers) uintptr {
	var (
		rsp    = uintptr(unsafe.Pointer(regs))
		vector = InterruptNumber(regs.TrapNum)
	)

	switch vector {
	case SwitchToUser:
		regs.CS, regs.SS = UserCodeSelector, UserDataSelector
		regs.RFlags |= rflagsIOPL3
	case SwitchToKernel:
		regs.CS, regs.SS = KernelCodeSelector, KernelDataSelector
		regs.RFlags &^= rflagsIOPL3
	}

	switch {
	case switchHandlers[vector] != nil:
		switchHandlers[vector](regs, &rsp)
	case handlers[vector] != nil:
		handlers[vector](regs)
	case vector == SwitchToUser || vector == SwitchToKernel:
	default:
		log.Printf("unhandled trap %d (error code 0x%x)\n", uint64(vector), regs.ErrorCode)
		regs.DumpTo(kfmt.GetOutputSink())
		panic(errUnhandledTrap)
	}

	if vector >= IRQ0 && vector < IRQ0+irqLines {
		ackIRQFn(uint8(vector - IRQ0))
	}

	// The TSS must point to the top of the kernel stack of the context we
	// return to so that the next trap from ring 3 lands above its frame.
	if resumed := (*Registers)(unsafe.Pointer(rsp)); resumed.FromUser() {
		setRing0RSPFn(rsp + unsafe.Sizeof(*resumed))
	}

	return rsp
}

// trapEntryPoints stores the address of the entry stub of each vector in
// table. Vectors without a stub are left zero.
func trapEntryPoints(table *[idtEntries]uintptr)

// loadIDT loads the IDT register.
func loadIDT(base uintptr, limit uint16)
