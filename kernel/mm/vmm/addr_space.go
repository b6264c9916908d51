package vmm

import (
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
)

var (
	// earlyReserveLastUsed tracks the last reserved page address and is
	// decreased after each allocation request. Initially, it points to
	// the temporary page which sits at the end of the kernel image slot.
	earlyReserveLastUsed = mm.TemporaryPageAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory region
// with the requested size in the kernel address space and returns its virtual
// address. If size is not a multiple of mm.PageSize it will be automatically
// rounded up.
//
// This function allocates regions downwards from the temporary page towards
// the kernel image. It should only be used during the early stages of kernel
// initialization, before the Go allocator is available.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	// reserving a region of the requested size would leave the kernel
	// image slot
	if size > earlyReserveLastUsed-mm.KernelOffset {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}

// MapEarlyRegion reserves size bytes using EarlyReserveRegion and maps them
// to newly allocated frames in the active table. The region contents are
// zeroed.
func MapEarlyRegion(active *ActivePageTable, size uintptr, flags PageTableEntryFlag, alloc mm.FrameAllocator) (uintptr, *kernel.Error) {
	start, err := EarlyReserveRegion(size)
	if err != nil {
		return 0, err
	}

	if err = MapRegion(active, start, size, flags, alloc); err != nil {
		return 0, err
	}
	return start, nil
}

// MapRegion backs the pages overlapping [start, start+size) with newly
// allocated zeroed frames in the active table.
func MapRegion(active *ActivePageTable, start, size uintptr, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	var (
		flushAll    MapperFlushAll
		first, last = mm.PageRange(start, start+size)
	)
	for page := first; page < last; page++ {
		flush, err := active.Map(page, flags, alloc)
		if err != nil {
			flushAll.Flush(active)
			return err
		}
		flushAll.Consume(flush)
	}
	flushAll.Flush(active)

	for page := first; page < last; page++ {
		kernel.Memset(uintptr(active.mmu.Ptr(page.Address())), 0, mm.PageSize)
	}
	return nil
}
