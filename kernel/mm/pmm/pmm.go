// Package pmm implements the physical frame allocators used by the kernel.
package pmm

import (
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/multiboot"
)

var (
	// areaAllocator carves frames out of the memory regions reported by
	// the boot loader.
	areaAllocator AreaFrameAllocator

	// frameAllocator is the allocator registered with the mm package.
	frameAllocator RecycleAllocator

	initialized bool

	errAlreadyInitialized = &kernel.Error{Module: "pmm", Message: "physical memory allocator already initialized"}
)

// Init sets up the kernel physical memory allocation sub-system using the
// memory map provided by the boot loader. The kernel image is loaded at the
// physical address range [kernelStart, kernelEnd). The frames of the boot
// info structure and of every boot module are reserved so their contents
// survive until they are consumed. Init must be invoked exactly once.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	if initialized {
		return errAlreadyInitialized
	}
	initialized = true

	infoStart, infoEnd := multiboot.InfoExtent()
	areaAllocator.Init(kernelStart, kernelEnd, infoStart, infoEnd)
	multiboot.VisitModules(func(name string, start, end uintptr) bool {
		if !areaAllocator.Reserve(start, end) {
			log.Printf("module %s may be overwritten\n", name)
		}
		return true
	})
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		return areaAllocator.AddRegion(region)
	})

	frameAllocator.Init(&areaAllocator)
	mm.SetFrameAllocator(&frameAllocator)

	printMemoryMap(kernelStart, kernelEnd, infoStart, infoEnd)
	return nil
}

// Stats returns the number of used and free frames.
func Stats() (used, free uint64) {
	frameAllocator.mu.Acquire()
	defer frameAllocator.mu.Release()

	recycled := uint64(frameAllocator.count)
	return areaAllocator.UsedFrames() - recycled, areaAllocator.FreeFrameCount() + recycled
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func printMemoryMap(kernelStart, kernelEnd, infoStart, infoEnd uintptr) {
	log.Printf("system memory map:\n")
	var totalFree mm.Size
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		log.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	log.Printf("available memory: %dKb\n", uint64(totalFree/mm.Kb))
	log.Printf("kernel loaded at 0x%x - 0x%x\n", kernelStart, kernelEnd)
	log.Printf("boot info at 0x%x - 0x%x\n", infoStart, infoEnd)
	multiboot.VisitModules(func(name string, start, end uintptr) bool {
		log.Printf("module %s at 0x%x - 0x%x\n", name, start, end)
		return true
	})
	log.Printf("free frames: %d\n", areaAllocator.FreeFrameCount())
}
