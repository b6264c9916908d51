package pmm

import (
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/multiboot"
)

// The allocator runs before the Go heap is available so its region and
// reservation lists live in fixed-size arrays.
const (
	maxRegions  = 64
	maxReserved = 16
)

var (
	// ErrOutOfMemory is returned when no usable region can satisfy an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	errInvalidFrameCount = &kernel.Error{Module: "pmm", Message: "frame count must be positive"}

	log = kfmt.Logger{Module: "pmm"}
)

// frameRange is a half-open range of physical frames.
type frameRange struct {
	start, end mm.Frame
}

// overlaps returns true if any frame in [first, last] belongs to r.
func (r frameRange) overlaps(first, last mm.Frame) bool {
	return first < r.end && last >= r.start
}

// frameRangeFromExtent returns the frames that contain any byte of the
// physical address range [start, end).
func frameRangeFromExtent(start, end uintptr) frameRange {
	if end <= start {
		return frameRange{}
	}
	return frameRange{
		start: mm.FrameFromAddress(start),
		end:   mm.FrameFromAddress(end + mm.PageSize - 1),
	}
}

// AreaFrameAllocator hands out physical frames from the usable memory regions
// reported by the boot loader. It keeps a cursor to the next free frame and
// only ever moves it forward, skipping the frames of reserved extents such
// as the kernel image and boot modules. Freed frames are never reused: wrap
// the area allocator with a RecycleAllocator to get that behavior.
//
// AreaFrameAllocator does not lock; callers must serialize access.
type AreaFrameAllocator struct {
	regions     [maxRegions]frameRange
	regionCount int

	// current indexes regions; -1 means that a region must be selected
	// before the next allocation.
	current  int
	nextFree mm.Frame

	reserved      [maxReserved]frameRange
	reservedCount int
}

// Init resets the allocator state. The kernel image occupies the physical
// range [kernelStart, kernelEnd) and the boot info structure the range
// [infoStart, infoEnd). Usable regions are registered with AddRegion.
func (alloc *AreaFrameAllocator) Init(kernelStart, kernelEnd, infoStart, infoEnd uintptr) {
	alloc.regionCount = 0
	alloc.current = -1
	alloc.nextFree = 0
	alloc.reservedCount = 0
	alloc.Reserve(kernelStart, kernelEnd)
	alloc.Reserve(infoStart, infoEnd)
}

// Reserve keeps the frames of the physical range [start, end) from being
// handed out. Empty ranges are ignored. It returns false if the reservation
// table is full. Reserve must be called before the first allocation that
// could reach the range.
func (alloc *AreaFrameAllocator) Reserve(start, end uintptr) bool {
	r := frameRangeFromExtent(start, end)
	if r.end <= r.start {
		return true
	}
	if alloc.reservedCount == maxReserved {
		log.Printf("cannot reserve 0x%x - 0x%x; reservation table full\n", start, end)
		return false
	}
	alloc.reserved[alloc.reservedCount] = r
	alloc.reservedCount++
	return true
}

// reservedAt returns the reserved range that overlaps [first, last].
func (alloc *AreaFrameAllocator) reservedAt(first, last mm.Frame) (frameRange, bool) {
	for i := 0; i < alloc.reservedCount; i++ {
		if r := alloc.reserved[i]; r.overlaps(first, last) {
			return r, true
		}
	}
	return frameRange{}, false
}

// isReserved returns true if frame belongs to a reserved range.
func (alloc *AreaFrameAllocator) isReserved(frame mm.Frame) bool {
	_, found := alloc.reservedAt(frame, frame)
	return found
}

// AddRegion registers a memory region reported by the boot loader. Regions
// that are not available or smaller than a page are ignored. It returns
// false if the region table is full.
func (alloc *AreaFrameAllocator) AddRegion(region *multiboot.MemoryMapEntry) bool {
	if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
		return true
	}

	if alloc.regionCount == maxRegions {
		log.Printf("ignoring memory region at 0x%x; region table full\n", region.PhysAddress)
		return false
	}

	// Reported addresses may not be page-aligned; round up to get
	// the start frame and round down to get the end frame
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	r := frameRange{
		start: mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift),
		end:   mm.Frame(((region.PhysAddress + region.Length) & ^pageSizeMinus1) >> mm.PageShift),
	}
	if r.end > r.start {
		alloc.regions[alloc.regionCount] = r
		alloc.regionCount++
	}
	return true
}

// chooseNextRegion selects the lowest region that still has frames at or
// after the cursor and moves the cursor to its start if required.
func (alloc *AreaFrameAllocator) chooseNextRegion() {
	alloc.current = -1
	for i := 0; i < alloc.regionCount; i++ {
		r := alloc.regions[i]
		if r.end <= alloc.nextFree {
			continue
		}
		if alloc.current == -1 || r.start < alloc.regions[alloc.current].start {
			alloc.current = i
		}
	}

	if alloc.current != -1 && alloc.nextFree < alloc.regions[alloc.current].start {
		alloc.nextFree = alloc.regions[alloc.current].start
	}
}

// AllocFrames reserves count contiguous frames and returns the first one.
// Requests that do not fit in the remainder of the current region skip
// ahead to the next region; the skipped frames are not handed out.
func (alloc *AreaFrameAllocator) AllocFrames(count int) (mm.Frame, *kernel.Error) {
	if count <= 0 {
		return mm.InvalidFrame, errInvalidFrameCount
	}

	for {
		if alloc.current == -1 {
			alloc.chooseNextRegion()
			if alloc.current == -1 {
				return mm.InvalidFrame, ErrOutOfMemory
			}
		}

		var (
			region = alloc.regions[alloc.current]
			first  = alloc.nextFree
			last   = first + mm.Frame(count-1)
		)

		if last >= region.end {
			// The cursor may already be past the region if a reserved
			// extent straddles its end.
			if first < region.end {
				alloc.nextFree = region.end
			}
			alloc.current = -1
			continue
		}
		if r, found := alloc.reservedAt(first, last); found {
			alloc.nextFree = r.end
			continue
		}

		alloc.nextFree = last + 1
		return first, nil
	}
}

// FreeFrames is a no-op; the area allocator never reuses frames.
func (alloc *AreaFrameAllocator) FreeFrames(_ mm.Frame, _ int) {}

// UsedFrames returns the number of frames in usable regions that are either
// reserved or behind the allocation cursor.
func (alloc *AreaFrameAllocator) UsedFrames() uint64 {
	var count uint64
	alloc.walk(func(used bool) {
		if used {
			count++
		}
	})
	return count
}

// FreeFrameCount returns the number of frames in usable regions that can
// still be handed out.
func (alloc *AreaFrameAllocator) FreeFrameCount() uint64 {
	var count uint64
	alloc.walk(func(used bool) {
		if !used {
			count++
		}
	})
	return count
}

// walk visits every frame of every usable region. It is intended for
// diagnostics only as it runs in time proportional to the amount of memory.
func (alloc *AreaFrameAllocator) walk(fn func(used bool)) {
	for i := 0; i < alloc.regionCount; i++ {
		r := alloc.regions[i]
		for f := r.start; f < r.end; f++ {
			fn(f < alloc.nextFree || alloc.isReserved(f))
		}
	}
}
