package vmm

import (
	"io"

	"github.com/google/btree"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
)

// memorySetDegree is the btree degree used for the area index.
const memorySetDegree = 8

var (
	errInvalidArea = &kernel.Error{Module: "vmm", Message: "invalid memory area"}
	errAreaOverlap = &kernel.Error{Module: "vmm", Message: "memory area overlap"}
)

// MemoryArea is a contiguous virtual address range [start, end) with uniform
// page flags. Areas with a fixed physical start are mapped to the matching
// offset frames; all other areas are backed by freshly allocated frames.
type MemoryArea struct {
	start, end uintptr
	physStart  uintptr
	fixed      bool
	flags      PageTableEntryFlag
	name       string
}

// NewMemoryArea returns an area that is backed by allocated frames.
func NewMemoryArea(start, end uintptr, flags PageTableEntryFlag, name string) MemoryArea {
	if start > end {
		panic(errInvalidArea)
	}
	return MemoryArea{start: start, end: end, flags: flags, name: name}
}

// NewIdentityArea returns an area whose pages map to the frames with the
// same address.
func NewIdentityArea(start, end uintptr, flags PageTableEntryFlag, name string) MemoryArea {
	area := NewMemoryArea(start, end, flags, name)
	area.physStart, area.fixed = start, true
	return area
}

// NewKernelArea returns an area of the kernel image; virtual addresses are
// translated to physical ones by subtracting the kernel offset.
func NewKernelArea(start, end uintptr, flags PageTableEntryFlag, name string) MemoryArea {
	area := NewMemoryArea(start, end, flags, name)
	area.physStart, area.fixed = start-mm.KernelOffset, true
	return area
}

// Start returns the first address of the area.
func (a MemoryArea) Start() uintptr { return a.start }

// End returns the address following the last byte of the area.
func (a MemoryArea) End() uintptr { return a.end }

// Flags returns the page flags of the area.
func (a MemoryArea) Flags() PageTableEntryFlag { return a.flags }

// Name returns the area name.
func (a MemoryArea) Name() string { return a.name }

// PhysStart returns the physical address of the area start if the area is
// mapped to fixed frames.
func (a MemoryArea) PhysStart() (uintptr, bool) { return a.physStart, a.fixed }

// Pages returns the half-open page range covering the area.
func (a MemoryArea) Pages() (mm.Page, mm.Page) { return mm.PageRange(a.start, a.end) }

// Contains returns true if addr lies inside the area.
func (a MemoryArea) Contains(addr uintptr) bool {
	return addr >= a.start && addr < a.end
}

// Overlaps returns true if both areas touch a common page.
func (a MemoryArea) Overlaps(other MemoryArea) bool {
	p0, p1 := a.Pages()
	p2, p3 := other.Pages()
	return p0 < p1 && p2 < p3 && !(p1 <= p2 || p0 >= p3)
}

// frameFor returns the fixed frame that backs page.
func (a MemoryArea) frameFor(page mm.Page) mm.Frame {
	return mm.FrameFromAddress(a.physStart + page.Address() - a.start)
}

func areaLess(a, b MemoryArea) bool {
	if a.start != b.start {
		return a.start < b.start
	}
	return a.end < b.end
}

// MemorySet is the set of areas that make up an address space. Areas never
// share a page and are kept ordered by start address.
type MemorySet struct {
	areas *btree.BTreeG[MemoryArea]
}

// NewMemorySet returns an empty set.
func NewMemorySet() *MemorySet {
	return &MemorySet{areas: btree.NewG(memorySetDegree, areaLess)}
}

// Push adds area to the set. Adding an area that overlaps an existing one is
// a fatal error.
func (ms *MemorySet) Push(area MemoryArea) {
	overlap := false

	// only the closest neighbours can overlap since existing areas are
	// disjoint and ordered
	ms.areas.DescendLessOrEqual(area, func(other MemoryArea) bool {
		overlap = other.Overlaps(area)
		return !overlap && other.start == other.end
	})
	if !overlap {
		ms.areas.AscendGreaterOrEqual(area, func(other MemoryArea) bool {
			overlap = other.Overlaps(area)
			return !overlap && other.start == other.end
		})
	}

	if overlap {
		panic(errAreaOverlap)
	}
	if _, replaced := ms.areas.ReplaceOrInsert(area); replaced {
		panic(errAreaOverlap)
	}
}

// FindArea returns the area containing addr.
func (ms *MemorySet) FindArea(addr uintptr) (MemoryArea, bool) {
	var (
		found MemoryArea
		ok    bool
		pivot = MemoryArea{start: addr, end: ^uintptr(0)}
	)

	ms.areas.DescendLessOrEqual(pivot, func(area MemoryArea) bool {
		if area.Contains(addr) {
			found, ok = area, true
			return false
		}
		// areas before a non-empty area end before it starts
		return area.start == area.end
	})
	return found, ok
}

// Len returns the number of areas in the set.
func (ms *MemorySet) Len() int { return ms.areas.Len() }

// Areas returns the areas ordered by start address.
func (ms *MemorySet) Areas() []MemoryArea {
	list := make([]MemoryArea, 0, ms.areas.Len())
	ms.areas.Ascend(func(area MemoryArea) bool {
		list = append(list, area)
		return true
	})
	return list
}

// Clone returns a copy of the set that can be modified independently.
func (ms *MemorySet) Clone() *MemorySet {
	return &MemorySet{areas: ms.areas.Clone()}
}

// Map maps every page of every area using mapper. The flushes are ignored
// since the set is normally mapped into an inactive table; callers editing
// the active table must flush the TLB themselves.
func (ms *MemorySet) Map(mapper *Mapper, alloc mm.FrameAllocator) *kernel.Error {
	var err *kernel.Error
	ms.areas.Ascend(func(area MemoryArea) bool {
		first, last := area.Pages()
		for page := first; page < last; page++ {
			var flush MapperFlush
			if area.fixed {
				flush, err = mapper.MapTo(page, area.frameFor(page), area.flags, alloc)
			} else {
				flush, err = mapper.Map(page, area.flags, alloc)
			}
			if err != nil {
				return false
			}
			flush.Ignore()
		}
		return true
	})
	return err
}

// Unmap removes the mappings of every page of every area. Frames of areas
// that are not fixed are returned to alloc.
func (ms *MemorySet) Unmap(mapper *Mapper, alloc mm.FrameAllocator) {
	ms.areas.Ascend(func(area MemoryArea) bool {
		first, last := area.Pages()
		for page := first; page < last; page++ {
			if area.fixed {
				flush, _ := mapper.UnmapReturn(page, false, alloc)
				flush.Ignore()
				continue
			}
			mapper.Unmap(page, alloc).Ignore()
		}
		return true
	})
}

// DumpTo writes the list of areas to w.
func (ms *MemorySet) DumpTo(w io.Writer) {
	ms.areas.Ascend(func(area MemoryArea) bool {
		kfmt.Fprintf(w, "[0x%16x - 0x%16x] flags: 0x%x %s\n", area.start, area.end, uintptr(area.flags), area.name)
		return true
	})
}
