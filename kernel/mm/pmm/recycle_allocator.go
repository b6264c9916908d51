package pmm

import (
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/sync"
)

// recycleCapacity is the number of freed frames a RecycleAllocator keeps
// for reuse.
const recycleCapacity = 1 << 14

// RecycleAllocator wraps another frame allocator with a stack of freed
// frames. Single frame requests are served from the stack before the inner
// allocator is consulted; larger requests always go to the inner allocator
// since the stack cannot guarantee contiguity.
//
// The stack has a fixed capacity: FreeFrames runs from trap handlers and
// inside ActivePageTable.With and must not allocate. Frames that do not fit
// are handed to the inner allocator.
//
// All methods mask interrupts for their duration so the allocator may be
// used from trap handlers.
type RecycleAllocator struct {
	mu    sync.IRQLock
	inner mm.FrameAllocator
	free  [recycleCapacity]mm.Frame
	count int
}

// NewRecycleAllocator returns a RecycleAllocator backed by inner.
func NewRecycleAllocator(inner mm.FrameAllocator) *RecycleAllocator {
	alloc := &RecycleAllocator{}
	alloc.Init(inner)
	return alloc
}

// Init (re)initializes the allocator with an empty free stack. It exists so
// that a RecycleAllocator can be declared as a package variable and set up
// before the Go allocator is available.
func (alloc *RecycleAllocator) Init(inner mm.FrameAllocator) {
	alloc.inner = inner
	alloc.count = 0
}

// AllocFrames implements mm.FrameAllocator.
func (alloc *RecycleAllocator) AllocFrames(count int) (mm.Frame, *kernel.Error) {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	if count == 1 && alloc.count != 0 {
		alloc.count--
		return alloc.free[alloc.count], nil
	}

	return alloc.inner.AllocFrames(count)
}

// FreeFrames pushes each of the count frames starting at frame to the free
// stack.
func (alloc *RecycleAllocator) FreeFrames(frame mm.Frame, count int) {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	for i := 0; i < count; i++ {
		if alloc.count == recycleCapacity {
			alloc.inner.FreeFrames(frame+mm.Frame(i), count-i)
			return
		}
		alloc.free[alloc.count] = frame + mm.Frame(i)
		alloc.count++
	}
}

// RecycledFrames returns the number of frames currently held by the free
// stack.
func (alloc *RecycleAllocator) RecycledFrames() int {
	alloc.mu.Acquire()
	defer alloc.mu.Release()

	return alloc.count
}
