package vmm

import (
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
)

var (
	errCounterUnderflow = &kernel.Error{Module: "vmm", Message: "page table live entry counter underflow"}
)

// pageTable is a page table accessed through the recursive mapping or the
// temporary page.
type pageTable struct {
	mmu  MMU
	addr uintptr
}

// entry returns a pointer to the entry at index.
func (t pageTable) entry(index uintptr) *pageTableEntry {
	return (*pageTableEntry)(t.mmu.Ptr(t.addr + index<<mm.PointerShift))
}

// clear zeroes the table including its live entry counter.
func (t pageTable) clear() {
	kernel.Memset(uintptr(t.mmu.Ptr(t.addr)), 0, mm.PageSize)
}

// child returns the table pointed to by the entry at index. By shifting the
// table address left by the number of index bits we add a level of
// indirection to the recursive mapping; the caller must ensure that the
// entry is present and does not map a huge page.
func (t pageTable) child(index uintptr) pageTable {
	return pageTable{mmu: t.mmu, addr: t.addr<<9 | index<<mm.PageShift}
}

// nextTable returns the child table at index if it exists.
func (t pageTable) nextTable(index uintptr) (pageTable, bool) {
	entry := *t.entry(index)
	if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
		return pageTable{}, false
	}
	return t.child(index), true
}

// liveEntries returns the number of entries counted as in use.
func (t pageTable) liveEntries() uintptr {
	return (uintptr(*t.entry(0)) & counterMask) >> counterShift
}

func (t pageTable) setLiveEntries(count uintptr) {
	first := t.entry(0)
	*first = pageTableEntry((uintptr(*first) &^ counterMask) | (count<<counterShift)&counterMask)
}

func (t pageTable) incLiveEntries() {
	t.setLiveEntries(t.liveEntries() + 1)
}

// decLiveEntries decrements the live entry counter and returns its new value.
func (t pageTable) decLiveEntries() uintptr {
	count := t.liveEntries()
	if count == 0 {
		panic(errCounterUnderflow)
	}
	t.setLiveEntries(count - 1)
	return count - 1
}
