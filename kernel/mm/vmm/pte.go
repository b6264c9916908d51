package vmm

import "github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
//
// Bits 52-61 of the first entry of each table hold the number of live
// entries in the table. All methods that rewrite an entry preserve them.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Flags returns the flags of this entry.
func (pte pageTableEntry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ (ptePhysPageMask | counterMask))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// set points the entry to frame and replaces its flags.
func (pte *pageTableEntry) set(frame mm.Frame, flags PageTableEntryFlag) {
	*pte = (pageTableEntry)((uintptr(*pte) & counterMask) | frame.Address() | uintptr(flags))
}

// clear resets the entry.
func (pte *pageTableEntry) clear() {
	*pte = (pageTableEntry)(uintptr(*pte) & counterMask)
}

// unused returns true if the entry neither maps a frame nor carries flags.
func (pte pageTableEntry) unused() bool {
	return uintptr(pte)&^counterMask == 0
}
