package vmm

import (
	"unsafe"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
)

var (
	errTemporaryPageInUse   = &kernel.Error{Module: "vmm", Message: "temporary page is already mapped"}
	errTinyAllocatorEmpty   = &kernel.Error{Module: "vmm", Message: "temporary page allocator exhausted"}
	errTinyAllocatorFull    = &kernel.Error{Module: "vmm", Message: "temporary page allocator cannot hold more frames"}
	errTinyAllocatorRequest = &kernel.Error{Module: "vmm", Message: "temporary page allocator only serves single frames"}
	errCopyOutOfBounds      = &kernel.Error{Module: "vmm", Message: "copy exceeds frame bounds"}
)

// tinyAllocator holds the frames needed to create the P3, P2 and P1 tables
// of the temporary page mapping. InvalidFrame marks an empty slot.
type tinyAllocator [pageLevels - 1]mm.Frame

func (a *tinyAllocator) AllocFrames(count int) (mm.Frame, *kernel.Error) {
	if count != 1 {
		return mm.InvalidFrame, errTinyAllocatorRequest
	}

	for i, frame := range a {
		if frame.Valid() {
			a[i] = mm.InvalidFrame
			return frame, nil
		}
	}
	return mm.InvalidFrame, errTinyAllocatorEmpty
}

func (a *tinyAllocator) FreeFrames(frame mm.Frame, count int) {
nextFrame:
	for ; count > 0; count, frame = count-1, frame+1 {
		for i := range a {
			if !a[i].Valid() {
				a[i] = frame
				continue nextFrame
			}
		}
		panic(errTinyAllocatorFull)
	}
}

// TemporaryPage is a reserved virtual page used to access arbitrary frames,
// e.g. the top-level table of an inactive address space. It carries its own
// allocator so that mapping it never depends on the global frame allocator.
type TemporaryPage struct {
	page  mm.Page
	alloc tinyAllocator
}

// Init reserves the frames for the intermediate tables of page from alloc.
func (tp *TemporaryPage) Init(page mm.Page, alloc mm.FrameAllocator) *kernel.Error {
	tp.page = page
	for i := range tp.alloc {
		frame, err := alloc.AllocFrames(1)
		if err != nil {
			return err
		}
		tp.alloc[i] = frame
	}
	return nil
}

// Page returns the reserved page.
func (tp *TemporaryPage) Page() mm.Page { return tp.page }

// Map maps the temporary page to frame in the active table and returns it.
func (tp *TemporaryPage) Map(frame mm.Frame, active *ActivePageTable) mm.Page {
	if _, mapped := active.TranslatePage(tp.page); mapped {
		panic(errTemporaryPageInUse)
	}

	flush, err := active.MapTo(tp.page, frame, FlagPresent|FlagRW, &tp.alloc)
	if err != nil {
		panic(err)
	}
	flush.Flush(active)
	return tp.page
}

// mapTable maps frame and returns it as a page table.
func (tp *TemporaryPage) mapTable(frame mm.Frame, active *ActivePageTable) pageTable {
	return pageTable{mmu: active.mmu, addr: tp.Map(frame, active).Address()}
}

// Unmap removes the temporary mapping. The intermediate tables are kept for
// the next Map call.
func (tp *TemporaryPage) Unmap(active *ActivePageTable) {
	flush, _ := active.UnmapReturn(tp.page, true, &tp.alloc)
	flush.Flush(active)
}

// CopyToFrame writes data to frame starting at offset using the temporary
// page.
func (tp *TemporaryPage) CopyToFrame(frame mm.Frame, offset uintptr, data []byte, active *ActivePageTable) {
	if len(data) == 0 {
		return
	}
	if offset+uintptr(len(data)) > mm.PageSize {
		panic(errCopyOutOfBounds)
	}

	addr := tp.Map(frame, active).Address()
	copy(unsafe.Slice((*byte)(active.mmu.Ptr(addr+offset)), len(data)), data)
	tp.Unmap(active)
}

// CopyPageToFrame copies the contents of the mapped page src to frame.
func (tp *TemporaryPage) CopyPageToFrame(src mm.Page, frame mm.Frame, active *ActivePageTable) {
	addr := tp.Map(frame, active).Address()
	kernel.Memcopy(uintptr(active.mmu.Ptr(src.Address())), uintptr(active.mmu.Ptr(addr)), mm.PageSize)
	tp.Unmap(active)
}

// ZeroFrame clears frame using the temporary page.
func (tp *TemporaryPage) ZeroFrame(frame mm.Frame, active *ActivePageTable) {
	addr := tp.Map(frame, active).Address()
	kernel.Memset(uintptr(active.mmu.Ptr(addr)), 0, mm.PageSize)
	tp.Unmap(active)
}
