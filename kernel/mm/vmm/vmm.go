// Package vmm manages the amd64 4-level page tables: it edits the active
// table through its recursive slot, builds inactive tables for new address
// spaces and remaps the kernel image with per-section permissions.
package vmm

import (
	"unsafe"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/cpu"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/multiboot"
)

// vgaTextBufferAddr is the physical address of the VGA text mode buffer.
const vgaTextBufferAddr = uintptr(0xb8000)

// earlyReserveBatch is the number of early reserved pages that are copied to
// the remapped kernel table per With call.
const earlyReserveBatch = 64

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn          = cpu.ReadCR2
	hasNXFn            = cpu.HasNX
	visitElfSectionsFn = multiboot.VisitElfSections

	// activeTable and tempPage are set up by Init.
	activeTable ActivePageTable
	tempPage    TemporaryPage

	// reservedPages buffers early reserved mappings while the kernel is
	// remapped. The Go allocator is not available at this point.
	reservedPages [earlyReserveBatch]struct {
		page  mm.Page
		frame mm.Frame
	}

	log = kfmt.Logger{Module: "vmm"}

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// Init remaps the kernel image into a new set of page tables using the frame
// allocator registered with the mm package, turns the page at guardPageAddr
// into a guard page and installs the paging-related exception handlers.
func Init(mmu MMU, guardPageAddr uintptr) *kernel.Error {
	alloc := mm.ActiveFrameAllocator()

	activeTable = NewActivePageTable(mmu)
	if err := tempPage.Init(mm.PageFromAddress(mm.TemporaryPageAddr), alloc); err != nil {
		return err
	}

	if err := RemapKernel(&activeTable, &tempPage, alloc, guardPageAddr); err != nil {
		return err
	}

	// Install arch-specific handlers for vmm-related faults.
	installFaultHandlers()
	return nil
}

// Kernel returns the active table and the temporary page set up by Init.
func Kernel() (*ActivePageTable, *TemporaryPage) {
	return &activeTable, &tempPage
}

// RemapKernel builds a new top-level table that maps each allocated section
// of the kernel image with flags derived from the section flags, the VGA
// text buffer and the multiboot info structure, and loads it. The page at
// guardPageAddr (the bottom of the boot stack) is then unmapped so that a
// stack overflow faults instead of silently corrupting memory.
func RemapKernel(active *ActivePageTable, temp *TemporaryPage, alloc mm.FrameAllocator, guardPageAddr uintptr) *kernel.Error {
	frame, err := alloc.AllocFrames(1)
	if err != nil {
		return err
	}

	newTable := NewInactivePageTable(frame, active, temp)
	active.With(&newTable, temp, func(mapper *Mapper) {
		if err = mapKernelSections(mapper, alloc); err != nil {
			return
		}

		var flush MapperFlush
		if flush, err = mapper.IdentityMap(mm.FrameFromAddress(vgaTextBufferAddr), FlagPresent|FlagRW, alloc); err != nil {
			return
		}
		flush.Ignore()

		infoStart, infoEnd := multiboot.InfoExtent()
		first, last := mm.PageRange(infoStart, infoEnd)
		for page := first; page < last; page++ {
			if _, mapped := mapper.TranslatePage(page); mapped {
				continue
			}
			if flush, err = mapper.IdentityMap(mm.Frame(page), FlagPresent, alloc); err != nil {
				return
			}
			flush.Ignore()
		}

		// Pre-create the tables of the temporary page so it can be
		// used once the new table is loaded.
		if flush, err = mapper.MapTo(temp.page, frame, FlagPresent|FlagRW, alloc); err != nil {
			return
		}
		flush.Ignore()
		flush, _ = mapper.UnmapReturn(temp.page, true, alloc)
		flush.Ignore()
	})
	if err != nil {
		return err
	}

	if err = copyEarlyReservedPages(active, &newTable, temp, alloc); err != nil {
		return err
	}

	active.Switch(newTable)
	log.Printf("switched to new page table at frame 0x%x\n", frame.Address())

	// The guard page belongs to the kernel image so its frame is not
	// returned to the allocator.
	guardPage := mm.PageFromAddress(guardPageAddr)
	if _, mapped := active.TranslatePage(guardPage); mapped {
		flush, _ := active.UnmapReturn(guardPage, true, alloc)
		flush.Flush(active)
		log.Printf("guard page at 0x%16x\n", guardPage.Address())
	}

	return nil
}

// mapKernelSections maps each allocated ELF section of the kernel image.
// Sections that share a page are merged using the most permissive flags.
func mapKernelSections(mapper *Mapper, alloc mm.FrameAllocator) *kernel.Error {
	var (
		err     *kernel.Error
		nxAvail = hasNXFn()
	)

	var visitor = func(name string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		if err != nil || secFlags&multiboot.ElfSectionAllocated == 0 {
			return
		}

		flags := FlagPresent
		if secFlags&multiboot.ElfSectionExecutable == 0 && nxAvail {
			flags |= FlagNoExecute
		}
		if secFlags&multiboot.ElfSectionWritable != 0 {
			flags |= FlagRW
		}

		physAddr := secAddress
		if physAddr >= mm.KernelOffset {
			physAddr -= mm.KernelOffset
		}

		first, last := mm.PageRange(physAddr+mm.KernelOffset, physAddr+mm.KernelOffset+uintptr(secSize))
		frame := mm.FrameFromAddress(physAddr)
		for page := first; page < last; page, frame = page+1, frame+1 {
			if existing, mapped := mapper.EntryFlags(page); mapped {
				mapper.Remap(page, mergeFlags(existing, flags)).Ignore()
				continue
			}

			var flush MapperFlush
			if flush, err = mapper.MapTo(page, frame, flags, alloc); err != nil {
				return
			}
			flush.Ignore()
		}

		log.Printf("mapped section %s at 0x%16x (%d bytes)\n", name, first.Address(), secSize)
	}

	// Use the noescape hack to prevent the compiler from leaking the visitor
	// function literal to the heap.
	visitElfSectionsFn(
		*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	return err
}

// mergeFlags returns flags that grant the accesses allowed by a or b.
func mergeFlags(a, b PageTableEntryFlag) PageTableEntryFlag {
	merged := (a | b) &^ FlagNoExecute
	if a&b&FlagNoExecute != 0 {
		merged |= FlagNoExecute
	}
	return merged &^ (FlagAccessed | FlagDirty)
}

// copyEarlyReservedPages ensures that any pages mapped by the memory
// allocator using EarlyReserveRegion are also mapped by table. The mappings
// are collected in batches as the active table cannot be read while With
// redirects the recursive slot.
func copyEarlyReservedPages(active *ActivePageTable, table *InactivePageTable, temp *TemporaryPage, alloc mm.FrameAllocator) *kernel.Error {
	var err *kernel.Error

	for rsvAddr := earlyReserveLastUsed; rsvAddr < mm.TemporaryPageAddr && err == nil; {
		count := 0
		for ; count < earlyReserveBatch && rsvAddr < mm.TemporaryPageAddr; rsvAddr += mm.PageSize {
			page := mm.PageFromAddress(rsvAddr)
			frame, mapped := active.TranslatePage(page)
			if !mapped {
				continue
			}
			reservedPages[count].page, reservedPages[count].frame = page, frame
			count++
		}

		if count == 0 {
			continue
		}

		active.With(table, temp, func(mapper *Mapper) {
			for i := 0; i < count; i++ {
				var flush MapperFlush
				if flush, err = mapper.MapTo(reservedPages[i].page, reservedPages[i].frame, FlagPresent|FlagRW|FlagNoExecute, alloc); err != nil {
					return
				}
				flush.Ignore()
			}
		})
	}

	return err
}
