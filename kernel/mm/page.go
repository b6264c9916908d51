// Package mm defines the physical frame and virtual page types shared by the
// physical (pmm) and virtual (vmm) memory managers together with the fixed
// layout of the kernel and user address spaces.
package mm

import (
	"math"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// P4Index returns the index of this page in the top-level page table.
func (p Page) P4Index() uintptr { return (uintptr(p) >> 27) & (EntriesPerTable - 1) }

// P3Index returns the index of this page in the level 3 page table.
func (p Page) P3Index() uintptr { return (uintptr(p) >> 18) & (EntriesPerTable - 1) }

// P2Index returns the index of this page in the level 2 page table.
func (p Page) P2Index() uintptr { return (uintptr(p) >> 9) & (EntriesPerTable - 1) }

// P1Index returns the index of this page in the leaf page table.
func (p Page) P1Index() uintptr { return uintptr(p) & (EntriesPerTable - 1) }

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageRange returns the first page covering start and one past the last page
// covering end-1, i.e. the half-open page range [first, last) that contains
// every byte of [start, end). An empty range is returned when start == end.
func PageRange(start, end uintptr) (Page, Page) {
	if end <= start {
		return PageFromAddress(start), PageFromAddress(start)
	}
	return PageFromAddress(start), PageFromAddress(end-1) + 1
}

// FrameAllocator is implemented by physical memory allocators.
type FrameAllocator interface {
	// AllocFrames reserves count contiguous physical frames and returns
	// the first one.
	AllocFrames(count int) (Frame, *kernel.Error)

	// FreeFrames releases count contiguous frames starting at frame.
	FreeFrames(frame Frame, count int)
}

var (
	// frameAllocator points to the frame allocator registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocator
)

// SetFrameAllocator registers the frame allocator that will be used by the
// kernel when new physical frames need to be allocated.
func SetFrameAllocator(alloc FrameAllocator) { frameAllocator = alloc }

// ActiveFrameAllocator returns the allocator registered by SetFrameAllocator.
func ActiveFrameAllocator() FrameAllocator { return frameAllocator }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator.AllocFrames(1) }

// FreeFrame returns a single frame to the currently active physical frame
// allocator.
func FreeFrame(frame Frame) { frameAllocator.FreeFrames(frame, 1) }
