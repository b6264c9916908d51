package vmm

import (
	"unsafe"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/cpu"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
)

// MMU abstracts the address translation hardware. The paging code never
// dereferences a virtual address directly; it asks the MMU for a pointer so
// that it can also run against the software MMU in package emu.
type MMU interface {
	// ActiveRoot returns the frame of the loaded top-level table.
	ActiveRoot() mm.Frame

	// LoadRoot loads a new top-level table and flushes the TLB.
	LoadRoot(root mm.Frame)

	// FlushPage invalidates the TLB entry for the page containing virtAddr.
	FlushPage(virtAddr uintptr)

	// FlushAll invalidates all non-global TLB entries.
	FlushAll()

	// Ptr returns a pointer through which virtAddr can be accessed.
	Ptr(virtAddr uintptr) unsafe.Pointer
}

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// flushTLBFn is used by tests to override calls to flushTLB.
	flushTLBFn = cpu.FlushTLB
)

// nativeMMU drives the MMU of the executing core.
type nativeMMU struct{}

func (nativeMMU) ActiveRoot() mm.Frame       { return mm.FrameFromAddress(activePDTFn()) }
func (nativeMMU) LoadRoot(root mm.Frame)     { switchPDTFn(root.Address()) }
func (nativeMMU) FlushPage(virtAddr uintptr) { flushTLBEntryFn(virtAddr) }
func (nativeMMU) FlushAll()                  { flushTLBFn() }

func (nativeMMU) Ptr(virtAddr uintptr) unsafe.Pointer {
	return noEscape(unsafe.Pointer(virtAddr))
}

// NativeMMU returns the MMU of the executing core.
func NativeMMU() MMU { return nativeMMU{} }

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
