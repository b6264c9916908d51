package vmm

import (
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport    = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errMisalignedHugePage   = &kernel.Error{Module: "vmm", Message: "huge page frame is not aligned"}
	errPageAlreadyMapped    = &kernel.Error{Module: "vmm", Message: "page is already mapped"}
	errRecursiveSlotMapping = &kernel.Error{Module: "vmm", Message: "the recursive page table slot cannot be mapped"}
)

// Mapper edits the page tables reachable through the recursive slot of the
// active top-level table. While ActivePageTable.With runs, the recursive slot
// points to an inactive table and the Mapper passed to the callback edits that
// table instead.
type Mapper struct {
	mmu MMU
}

func (m *Mapper) p4() pageTable {
	return pageTable{mmu: m.mmu, addr: p4TableAddr}
}

// TranslatePage returns the frame that page is mapped to. Pages that belong to
// a 1G or 2M huge mapping resolve to the matching frame inside it.
func (m *Mapper) TranslatePage(page mm.Page) (mm.Frame, bool) {
	p3, ok := m.p4().nextTable(page.P4Index())
	if !ok {
		return mm.InvalidFrame, false
	}

	entry := *p3.entry(page.P3Index())
	if !entry.HasFlags(FlagPresent) {
		return mm.InvalidFrame, false
	}
	if entry.HasFlags(FlagHugePage) {
		start := entry.Frame()
		if uintptr(start)%(mm.EntriesPerTable*mm.EntriesPerTable) != 0 {
			panic(errMisalignedHugePage)
		}
		return start + mm.Frame(page.P2Index()*mm.EntriesPerTable+page.P1Index()), true
	}

	p2 := p3.child(page.P3Index())
	entry = *p2.entry(page.P2Index())
	if !entry.HasFlags(FlagPresent) {
		return mm.InvalidFrame, false
	}
	if entry.HasFlags(FlagHugePage) {
		start := entry.Frame()
		if uintptr(start)%mm.EntriesPerTable != 0 {
			panic(errMisalignedHugePage)
		}
		return start + mm.Frame(page.P1Index()), true
	}

	entry = *p2.child(page.P2Index()).entry(page.P1Index())
	if !entry.HasFlags(FlagPresent) {
		return mm.InvalidFrame, false
	}
	return entry.Frame(), true
}

// Translate returns the physical address that corresponds to the supplied
// virtual address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, bool) {
	frame, ok := m.TranslatePage(mm.PageFromAddress(virtAddr))
	if !ok {
		return 0, false
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return frame.Address() + PageOffset(virtAddr), true
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}

// MapTo establishes a mapping between page and frame. Missing intermediate
// tables are allocated from alloc. The page must not be mapped already.
func (m *Mapper) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) (MapperFlush, *kernel.Error) {
	if page.P4Index() == recursiveIndex {
		panic(errRecursiveSlotMapping)
	}

	// Intermediate tables must be at least as permissive as the mapping
	tableFlags := FlagPresent | FlagRW | flags&FlagUserAccessible

	var (
		table   = m.p4()
		indices = [pageLevels - 1]uintptr{page.P4Index(), page.P3Index(), page.P2Index()}
		parents [pageLevels - 1]pageTable
	)
	for level, index := range indices {
		next, err := m.nextTableCreate(table, index, tableFlags, alloc)
		if err != nil {
			m.releaseEmptyPath(parents[:level], indices[:level], table, alloc)
			return MapperFlush{}, err
		}
		parents[level] = table
		table = next
	}

	entry := table.entry(page.P1Index())
	if !entry.unused() {
		panic(errPageAlreadyMapped)
	}

	table.incLiveEntries()
	entry.set(frame, flags|FlagPresent)
	return newMapperFlush(page), nil
}

// nextTableCreate returns the child table at index, allocating and linking a
// zeroed table if the entry is not present.
func (m *Mapper) nextTableCreate(table pageTable, index uintptr, flags PageTableEntryFlag, alloc mm.FrameAllocator) (pageTable, *kernel.Error) {
	entry := table.entry(index)
	if entry.HasFlags(FlagHugePage) {
		panic(errNoHugePageSupport)
	}

	next := table.child(index)
	if entry.HasFlags(FlagPresent) {
		if flags&FlagUserAccessible != 0 {
			entry.SetFlags(FlagUserAccessible)
		}
		return next, nil
	}

	frame, err := alloc.AllocFrames(1)
	if err != nil {
		return next, err
	}

	table.incLiveEntries()
	entry.set(frame, flags)

	// The recursive address of the new table may still be cached
	m.mmu.FlushPage(next.addr)
	next.clear()
	return next, nil
}

// Map allocates a frame from alloc and maps page to it.
func (m *Mapper) Map(page mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) (MapperFlush, *kernel.Error) {
	frame, err := alloc.AllocFrames(1)
	if err != nil {
		return MapperFlush{}, err
	}

	flush, err := m.MapTo(page, frame, flags, alloc)
	if err != nil {
		alloc.FreeFrames(frame, 1)
	}
	return flush, err
}

// IdentityMap maps the page with the same number as frame to frame.
func (m *Mapper) IdentityMap(frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) (MapperFlush, *kernel.Error) {
	return m.MapTo(mm.Page(frame), frame, flags, alloc)
}

// Remap replaces the flags of a mapped page keeping its frame.
func (m *Mapper) Remap(page mm.Page, flags PageTableEntryFlag) MapperFlush {
	p1 := m.leafTable(page)
	entry := p1.entry(page.P1Index())
	if !entry.HasFlags(FlagPresent) {
		panic(ErrInvalidMapping)
	}

	entry.set(entry.Frame(), flags|FlagPresent)
	return newMapperFlush(page)
}

// Unmap removes the mapping for page and returns its frame to alloc. Tables
// left without live entries are freed as well.
func (m *Mapper) Unmap(page mm.Page, alloc mm.FrameAllocator) MapperFlush {
	flush, frame := m.UnmapReturn(page, false, alloc)
	alloc.FreeFrames(frame, 1)
	return flush
}

// UnmapReturn removes the mapping for page and returns the frame it pointed
// to instead of freeing it. Unless keepParents is set, the P1, P2 and P3
// tables that are left without live entries are released to alloc.
func (m *Mapper) UnmapReturn(page mm.Page, keepParents bool, alloc mm.FrameAllocator) (MapperFlush, mm.Frame) {
	var (
		p4 = m.p4()
		p3 = m.childOrPanic(p4, page.P4Index())
		p2 = m.childOrPanic(p3, page.P3Index())
		p1 = m.childOrPanic(p2, page.P2Index())
	)

	entry := p1.entry(page.P1Index())
	if !entry.HasFlags(FlagPresent) {
		panic(ErrInvalidMapping)
	}

	frame := entry.Frame()
	entry.clear()
	p1.decLiveEntries()

	if !keepParents {
		_ = m.releaseIfEmpty(p2, page.P2Index(), p1, alloc) &&
			m.releaseIfEmpty(p3, page.P3Index(), p2, alloc) &&
			m.releaseIfEmpty(p4, page.P4Index(), p3, alloc)
	}

	return newMapperFlush(page), frame
}

// releaseIfEmpty frees table (the child of parent at index) if it has no
// live entries and reports whether it did.
func (m *Mapper) releaseIfEmpty(parent pageTable, index uintptr, table pageTable, alloc mm.FrameAllocator) bool {
	if table.liveEntries() != 0 {
		return false
	}

	entry := parent.entry(index)
	frame := entry.Frame()
	entry.clear()
	parent.decLiveEntries()
	m.mmu.FlushPage(table.addr)

	alloc.FreeFrames(frame, 1)
	return true
}

// releaseEmptyPath frees table and its ancestors for as long as they are
// left without live entries. parents[i] links to the next level at
// indices[i].
func (m *Mapper) releaseEmptyPath(parents []pageTable, indices []uintptr, table pageTable, alloc mm.FrameAllocator) {
	for i := len(parents) - 1; i >= 0; i-- {
		if !m.releaseIfEmpty(parents[i], indices[i], table, alloc) {
			return
		}
		table = parents[i]
	}
}

func (m *Mapper) childOrPanic(table pageTable, index uintptr) pageTable {
	entry := *table.entry(index)
	if !entry.HasFlags(FlagPresent) {
		panic(ErrInvalidMapping)
	}
	if entry.HasFlags(FlagHugePage) {
		panic(errNoHugePageSupport)
	}
	return table.child(index)
}

func (m *Mapper) leafTable(page mm.Page) pageTable {
	p3 := m.childOrPanic(m.p4(), page.P4Index())
	p2 := m.childOrPanic(p3, page.P3Index())
	return m.childOrPanic(p2, page.P2Index())
}

// EntryFlags returns the flags of the leaf entry that maps page.
func (m *Mapper) EntryFlags(page mm.Page) (PageTableEntryFlag, bool) {
	if _, ok := m.TranslatePage(page); !ok {
		return 0, false
	}

	// huge mappings report the flags of the huge entry
	p3 := m.p4().child(page.P4Index())
	if entry := *p3.entry(page.P3Index()); entry.HasFlags(FlagHugePage) {
		return entry.Flags(), true
	}
	p2 := p3.child(page.P3Index())
	if entry := *p2.entry(page.P2Index()); entry.HasFlags(FlagHugePage) {
		return entry.Flags(), true
	}
	return p2.child(page.P2Index()).entry(page.P1Index()).Flags(), true
}

// MappingVisitor is invoked by VisitMappings for each mapping. Returning
// false aborts the walk.
type MappingVisitor func(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) bool

// VisitMappings walks the page tables and invokes visitor for each mapped
// page in ascending address order. Huge mappings are reported once, using
// their first page. The recursive slot is skipped.
func (m *Mapper) VisitMappings(visitor MappingVisitor) {
	p4 := m.p4()
	for i4 := uintptr(0); i4 < recursiveIndex; i4++ {
		p3, ok := p4.nextTable(i4)
		if !ok {
			continue
		}

		// upper half addresses are sign-extended; page numbers only
		// carry bits 12-63 of the address
		base := mm.Page(i4 << 27)
		if i4 >= mm.KernelHalfPML4 {
			base |= mm.Page(0xffff) << 36
		}

		for i3 := uintptr(0); i3 < mm.EntriesPerTable; i3++ {
			entry := *p3.entry(i3)
			if !entry.HasFlags(FlagPresent) {
				continue
			}
			if entry.HasFlags(FlagHugePage) {
				if !visitor(base|mm.Page(i3<<18), entry.Frame(), entry.Flags()) {
					return
				}
				continue
			}

			p2 := p3.child(i3)
			for i2 := uintptr(0); i2 < mm.EntriesPerTable; i2++ {
				entry = *p2.entry(i2)
				if !entry.HasFlags(FlagPresent) {
					continue
				}
				if entry.HasFlags(FlagHugePage) {
					if !visitor(base|mm.Page(i3<<18|i2<<9), entry.Frame(), entry.Flags()) {
						return
					}
					continue
				}

				p1 := p2.child(i2)
				for i1 := uintptr(0); i1 < mm.EntriesPerTable; i1++ {
					entry = *p1.entry(i1)
					if !entry.HasFlags(FlagPresent) {
						continue
					}
					if !visitor(base|mm.Page(i3<<18|i2<<9|i1), entry.Frame(), entry.Flags()) {
						return
					}
				}
			}
		}
	}
}
