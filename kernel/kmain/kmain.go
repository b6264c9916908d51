// Package kmain contains the kernel entry point that brings up memory
// management, traps and the scheduler and starts the first user program.
package kmain

import (
	"unsafe"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/cpu"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/driver/console"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/goruntime"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm/pmm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm/vmm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/proc"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/multiboot"
)

// serialBaud is the rate of the serial console.
const serialBaud = 115200

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	visitModulesFn   = multiboot.VisitModules
	bootCmdLineFn    = multiboot.GetBootCmdLine
	reserveRegionFn  = vmm.EarlyReserveRegion
	newUserProcessFn = proc.NewUserProcess
	spawnFn          = proc.Spawn

	sink console.Mux

	log = kfmt.Logger{Module: "kmain"}

	errMissingModule  = &kernel.Error{Module: "kmain", Message: "init module not found"}
	errNoInitSelected = &kernel.Error{Module: "kmain", Message: "no init= boot option"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and setting up a a minimal g0 struct that allows
// Go code using the 4K stack allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader, the physical addresses for the kernel start/end and the
// address of the bottom page of the boot stack which becomes a guard page.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, stackBottom uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	sink[0] = console.NewSerial(console.COM1, serialBaud)
	kfmt.SetOutputSink(&sink)
	if name := multiboot.BootLoaderName(); name != "" {
		log.Printf("booted by %s\n", name)
	}

	gate.Init()

	var err *kernel.Error
	if err = pmm.Init(kernelStart, kernelEnd); err != nil {
		panic(err)
	} else if err = vmm.Init(vmm.NativeMMU(), stackBottom); err != nil {
		panic(err)
	} else if err = goruntime.Init(); err != nil {
		panic(err)
	}

	// The remapped kernel table identity-maps the text framebuffer.
	sink[1] = console.NewVGAText(console.VGATextAddr, console.VGATextColumns, console.VGATextRows)
	kfmt.SetOutputSink(&sink)

	active, temp := vmm.Kernel()
	mem := proc.Memory{Active: active, Temp: temp, Alloc: mm.ActiveFrameAllocator()}
	if err = proc.Init(mem); err != nil {
		panic(err)
	}

	if err = startInit(mem); err != nil {
		log.Printf("not starting a user program: %s\n", err.Message)
	}

	// The boot code becomes the init process and idles between ticks.
	cpu.EnableInterrupts()
	for {
		cpu.Halt()
	}
}

// startInit loads the boot module selected by the init= boot option and
// spawns it as a user process.
func startInit(mem proc.Memory) *kernel.Error {
	name, ok := bootCmdLineFn()["init"]
	if !ok {
		return errNoInitSelected
	}

	var modStart, modEnd uintptr
	visitModulesFn(func(modName string, start, end uintptr) bool {
		if modName != name {
			return true
		}
		modStart, modEnd = start, end
		return false
	})
	if modEnd <= modStart {
		return errMissingModule
	}

	image, err := mapModule(mem, modStart, modEnd)
	if err != nil {
		return err
	}

	p, err := newUserProcessFn(name, image, mem)
	if err != nil {
		return err
	}

	pid, err := spawnFn(p)
	if err != nil {
		return err
	}
	log.Printf("started %s as process %d\n", name, uint32(pid))
	return nil
}

// mapModule maps the physical range [start, end) read-only into the kernel
// address space and returns its contents.
func mapModule(mem proc.Memory, start, end uintptr) ([]byte, *kernel.Error) {
	var (
		offset      = vmm.PageOffset(start)
		first, last = mm.FrameFromAddress(start), mm.FrameFromAddress(end-1) + 1
	)

	virtAddr, err := reserveRegionFn(uintptr(last-first) * mm.PageSize)
	if err != nil {
		return nil, err
	}

	var flushAll vmm.MapperFlushAll
	page := mm.PageFromAddress(virtAddr)
	for frame := first; frame < last; frame, page = frame+1, page+1 {
		flush, err := mem.Active.MapTo(page, frame, vmm.FlagPresent, mem.Alloc)
		if err != nil {
			flushAll.Flush(mem.Active)
			return nil, err
		}
		flushAll.Consume(flush)
	}
	flushAll.Flush(mem.Active)

	data := (*byte)(mem.Active.MMU().Ptr(virtAddr + offset))
	return unsafe.Slice(data, end-start), nil
}
