package vmm

import (
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/sync"
)

// withLock serializes edits to inactive tables. Interrupts stay masked while
// the recursive slot points to another table since a trap handler would
// otherwise observe the wrong address space.
var withLock sync.IRQLock

// ActivePageTable is the top-level table loaded in CR3. It embeds a Mapper
// that edits the table through its recursive slot.
type ActivePageTable struct {
	Mapper
}

// NewActivePageTable returns the active table of mmu.
func NewActivePageTable(mmu MMU) ActivePageTable {
	return ActivePageTable{Mapper: Mapper{mmu: mmu}}
}

// MMU returns the MMU that backs this table.
func (t *ActivePageTable) MMU() MMU { return t.mmu }

// Root returns the frame of the active top-level table.
func (t *ActivePageTable) Root() mm.Frame { return t.mmu.ActiveRoot() }

// Current returns a handle to the loaded top-level table that can be passed
// to Switch once another table has been loaded.
func (t *ActivePageTable) Current() InactivePageTable {
	return InactivePageTable{frame: t.mmu.ActiveRoot()}
}

// With points the recursive slot of the active table to table and invokes fn
// with a Mapper that edits table. The original slot is restored before With
// returns. The temporary page is used to reach the active top-level table
// while its recursive slot is redirected.
func (t *ActivePageTable) With(table *InactivePageTable, temp *TemporaryPage, fn func(*Mapper)) {
	withLock.Acquire()
	defer withLock.Release()

	var (
		backup = t.mmu.ActiveRoot()
		p4     = temp.mapTable(backup, t)
	)

	t.p4().entry(recursiveIndex).set(table.frame, FlagPresent|FlagRW)
	t.mmu.FlushAll()

	fn(&t.Mapper)

	p4.entry(recursiveIndex).set(backup, FlagPresent|FlagRW)
	t.mmu.FlushAll()

	temp.Unmap(t)
}

// Switch loads table into CR3 and returns the previously active table.
func (t *ActivePageTable) Switch(table InactivePageTable) InactivePageTable {
	old := t.Current()
	t.mmu.LoadRoot(table.frame)
	return old
}

// InactivePageTable is a top-level table that is not loaded in CR3.
type InactivePageTable struct {
	frame mm.Frame
}

// NewInactivePageTable clears frame and installs the recursive mapping in its
// last entry.
func NewInactivePageTable(frame mm.Frame, active *ActivePageTable, temp *TemporaryPage) InactivePageTable {
	table := temp.mapTable(frame, active)
	table.clear()
	table.entry(recursiveIndex).set(frame, FlagPresent|FlagRW)
	temp.Unmap(active)

	return InactivePageTable{frame: frame}
}

// Frame returns the physical frame of the top-level table.
func (t InactivePageTable) Frame() mm.Frame { return t.frame }

// ShareKernelSpace copies the upper half entries (excluding the recursive
// slot) of the active top-level table into table so that both address spaces
// share the kernel mappings.
func (t *ActivePageTable) ShareKernelSpace(table InactivePageTable, temp *TemporaryPage) {
	var (
		live   = t.p4()
		target = temp.mapTable(table.frame, t)
	)
	for index := mm.KernelHalfPML4; index < recursiveIndex; index++ {
		*target.entry(index) = *live.entry(index)
	}
	temp.Unmap(t)
}
