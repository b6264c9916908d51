package vmm

import (
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
)

// Page fault error code bits.
const (
	faultPresent     = 1 << 0
	faultWrite       = 1 << 1
	faultUser        = 1 << 2
	faultReservedBit = 1 << 3
	faultFetch       = 1 << 4
)

var (
	// handleInterruptFn is used by tests.
	handleInterruptFn = gate.HandleInterrupt
)

func installFaultHandlers() {
	handleInterruptFn(gate.PageFaultException, 0, pageFaultHandler)
	handleInterruptFn(gate.GPFException, 0, generalProtectionFaultHandler)
}

// pageFaultHandler is invoked when a PDT or PDT-entry is not present or when a
// RW protection check fails. Pages are never mapped lazily so all page faults
// are fatal.
func pageFaultHandler(regs *gate.Registers) {
	faultAddress := uintptr(readCR2Fn())

	log.Printf("page fault while accessing address: 0x%16x\n", faultAddress)
	log.Printf("reason: %s (error code 0x%x)\n", faultReason(regs.ErrorCode), regs.ErrorCode)
	log.Printf("registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

// generalProtectionFaultHandler is invoked for various reasons:
// - segment errors (privilege, type or limit violations)
// - executing privileged instructions outside ring-0
// - attempts to access reserved or unimplemented CPU registers
func generalProtectionFaultHandler(regs *gate.Registers) {
	log.Printf("general protection fault (selector error code 0x%x)\n", regs.ErrorCode)
	log.Printf("registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	panic(errUnrecoverableFault)
}

func faultReason(code uint64) string {
	switch {
	case code&faultReservedBit != 0:
		return "page table has reserved bit set"
	case code&faultFetch != 0:
		return "instruction fetch"
	}

	var reason string
	switch code & (faultPresent | faultWrite) {
	case 0:
		reason = "read from non-present page"
	case faultPresent:
		reason = "page protection violation (read)"
	case faultWrite:
		reason = "write to non-present page"
	default:
		reason = "page protection violation (write)"
	}

	if code&faultUser != 0 {
		return "user-mode " + reason
	}
	return reason
}
