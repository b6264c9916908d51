// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm/vmm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/proc"
)

// heapFlags are the flags of the pages that back the Go heap.
const heapFlags = vmm.FlagPresent | vmm.FlagRW | vmm.FlagNoExecute

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	mapRegionFn          = mapRegion
	mapEarlyRegionFn     = mapEarlyRegion
	ticksFn              = proc.Ticks
	mallocInitFn         = mallocInit
	algInitFn            = algInit
	modulesInitFn        = modulesInit
	typeLinksInitFn      = typeLinksInit
	itabsInitFn          = itabsInit

	// A seed for the pseudo-random number generator used by readRandom
	prngSeed = 0xdeadc0de
)

// mapRegion backs a reserved region with frames from the registered frame
// allocator using the kernel page table.
func mapRegion(start, size uintptr) *kernel.Error {
	active, _ := vmm.Kernel()
	return vmm.MapRegion(active, start, size, heapFlags, mm.ActiveFrameAllocator())
}

// mapEarlyRegion reserves and backs a fresh region of the kernel address
// space.
func mapEarlyRegion(size uintptr) (uintptr, *kernel.Error) {
	active, _ := vmm.Kernel()
	return vmm.MapEarlyRegion(active, size, heapFlags, mm.ActiveFrameAllocator())
}

func pageAlign(size uintptr) uintptr {
	return (size + mm.PageSize - 1) & ^(mm.PageSize - 1)
}

// sysReserveOS reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserveOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysReserveOS
//go:nosplit
func sysReserveOS(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	regionStartAddr, err := earlyReserveRegionFn(pageAlign(size))
	if err != nil {
		panic(err)
	}

	return unsafe.Pointer(regionStartAddr)
}

// sysMapOS backs a memory region that has been reserved previously via a
// call to sysReserveOS with zeroed frames.
//
// This function replaces runtime.sysMapOS and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysMapOS
//go:nosplit
func sysMapOS(virtAddr unsafe.Pointer, size uintptr) {
	// We trust the allocator to call sysMapOS with an address inside a
	// reserved region.
	regionStartAddr := (uintptr(virtAddr) + mm.PageSize - 1) & ^(mm.PageSize - 1)
	if err := mapRegionFn(regionStartAddr, pageAlign(size)); err != nil {
		panic(err)
	}
}

// sysAllocOS reserves enough physical frames to satisfy the allocation
// request and establishes a contiguous virtual page mapping for them
// returning back the pointer to the virtual region start.
//
// This function replaces runtime.sysAllocOS and is required for
// initializing the Go allocator.
//
//go:redirect-from runtime.sysAllocOS
//go:nosplit
func sysAllocOS(size uintptr) unsafe.Pointer {
	regionStartAddr, err := mapEarlyRegionFn(pageAlign(size))
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	return unsafe.Pointer(regionStartAddr)
}

// nanotime1 returns a monotonically increasing clock value derived from the
// number of scheduler ticks.
//
// This function replaces runtime.nanotime1 and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime1
//go:nosplit
func nanotime1() int64 {
	return int64(ticksFn()) * (1e9 / gate.TimerHz)
}

// readRandom populates the given slice with random data. The runtime reads a
// random stream from the host but since this is not available, we use a prng
// instead.
//
//go:redirect-from runtime.readRandom
func readRandom(r []byte) int {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
	return len(r)
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var zeroPtr = unsafe.Pointer(uintptr(0))

	sysReserveOS(zeroPtr, 0)
	sysMapOS(zeroPtr, 0)
	sysAllocOS(0)
	readRandom(nil)
	nanotime1()
}
