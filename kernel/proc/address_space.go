package proc

import (
	"bytes"
	"debug/elf"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/cpu"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm/vmm"
)

const (
	// UserStackTop is the initial stack pointer of user processes.
	UserStackTop = mm.UserStackOffset + mm.UserStackSize

	// userStackSize is the part of the stack window that is mapped when a
	// user process is created.
	userStackSize = uintptr(64 * mm.Kb)

	// userSpaceEnd is the first address of the kernel half.
	userSpaceEnd = uintptr(mm.KernelHalfPML4) * mm.PML4Size
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	hasNXFn = cpu.HasNX

	errInvalidImage     = &kernel.Error{Module: "proc", Message: "invalid user image"}
	errUnsupportedImage = &kernel.Error{Module: "proc", Message: "user image is not an amd64 executable"}
)

// pageFrame records the frame that backs an allocated page of an address
// space.
type pageFrame struct {
	page  mm.Page
	frame mm.Frame
}

// NewUserProcess returns a process that runs the statically linked ELF
// executable image in ring 3. Each loadable segment becomes an area of the
// process memory set; a stack area is added below UserStackTop. The address
// space shares the kernel half of the active table.
func NewUserProcess(name string, image []byte, mem Memory) (*Process, *kernel.Error) {
	f, parseErr := elf.NewFile(bytes.NewReader(image))
	if parseErr != nil {
		log.Printf("cannot parse image %s: %s\n", name, parseErr.Error())
		return nil, errInvalidImage
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 || f.Type != elf.ET_EXEC {
		return nil, errUnsupportedImage
	}

	var (
		ms       = vmm.NewMemorySet()
		nxAvail  = hasNXFn()
		segments []*elf.Prog
	)
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz || prog.Off+prog.Filesz > uint64(len(image)) || prog.Vaddr+prog.Memsz > uint64(userSpaceEnd) {
			return nil, errInvalidImage
		}

		flags := vmm.FlagPresent | vmm.FlagUserAccessible
		if prog.Flags&elf.PF_W != 0 {
			flags |= vmm.FlagRW
		}
		if prog.Flags&elf.PF_X == 0 && nxAvail {
			flags |= vmm.FlagNoExecute
		}

		area := vmm.NewMemoryArea(uintptr(prog.Vaddr), uintptr(prog.Vaddr+prog.Memsz), flags, "segment")
		if overlapsSet(ms, area) {
			return nil, errInvalidImage
		}
		ms.Push(area)
		segments = append(segments, prog)
	}

	stackFlags := vmm.FlagPresent | vmm.FlagRW | vmm.FlagUserAccessible
	if nxAvail {
		stackFlags |= vmm.FlagNoExecute
	}
	stack := vmm.NewMemoryArea(UserStackTop-userStackSize, UserStackTop, stackFlags, "stack")
	if overlapsSet(ms, stack) {
		return nil, errInvalidImage
	}
	ms.Push(stack)

	p := newProcess(name)
	frames, err := p.buildAddressSpace(ms, mem)
	if err != nil {
		return nil, err
	}

	for _, pf := range frames {
		mem.Temp.ZeroFrame(pf.frame, mem.Active)
	}
	for _, prog := range segments {
		copySegment(frames, uintptr(prog.Vaddr), image[prog.Off:prog.Off+prog.Filesz], mem)
	}

	p.rsp = p.stackTop() - frameSize
	*p.Frame() = gate.NewUserThread(uintptr(f.Entry), UserStackTop)

	log.Printf("created user process %s (entry 0x%x, %d pages)\n", name, f.Entry, len(frames))
	return p, nil
}

func overlapsSet(ms *vmm.MemorySet, area vmm.MemoryArea) bool {
	for _, other := range ms.Areas() {
		if other.Overlaps(area) {
			return true
		}
	}
	return false
}

// copySegment writes data to the frames that back the pages starting at
// vaddr.
func copySegment(frames []pageFrame, vaddr uintptr, data []byte, mem Memory) {
	for len(data) > 0 {
		var (
			offset = vmm.PageOffset(vaddr)
			count  = mm.PageSize - offset
		)
		if count > uintptr(len(data)) {
			count = uintptr(len(data))
		}

		mem.Temp.CopyToFrame(frameOf(frames, mm.PageFromAddress(vaddr)), offset, data[:count], mem.Active)
		data, vaddr = data[count:], vaddr+count
	}
}

// frameOf returns the frame that backs page. frames is sorted by page.
func frameOf(frames []pageFrame, page mm.Page) mm.Frame {
	lo, hi := 0, len(frames)
	for lo < hi {
		mid := (lo + hi) / 2
		if frames[mid].page < page {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == len(frames) || frames[lo].page != page {
		return mm.InvalidFrame
	}
	return frames[lo].frame
}

// buildAddressSpace allocates a top-level table for p, shares the kernel
// half of the active table with it and maps ms. It returns the frames that
// back the allocated pages of ms ordered by page.
func (p *Process) buildAddressSpace(ms *vmm.MemorySet, mem Memory) ([]pageFrame, *kernel.Error) {
	root, err := mem.Alloc.AllocFrames(1)
	if err != nil {
		return nil, err
	}

	table := vmm.NewInactivePageTable(root, mem.Active, mem.Temp)
	mem.Active.ShareKernelSpace(table, mem.Temp)

	// The Go allocator may map new pages into the active table so nothing
	// may be allocated while the recursive slot is redirected.
	var (
		areas = ms.Areas()
		count int
	)
	for _, area := range areas {
		if _, fixed := area.PhysStart(); !fixed {
			first, last := area.Pages()
			count += int(last - first)
		}
	}
	frames := make([]pageFrame, 0, count)

	mem.Active.With(&table, mem.Temp, func(mapper *vmm.Mapper) {
		if err = ms.Map(mapper, mem.Alloc); err != nil {
			releaseMapped(mapper, areas, mem.Alloc)
			return
		}

		for _, area := range areas {
			if _, fixed := area.PhysStart(); fixed {
				continue
			}
			first, last := area.Pages()
			for page := first; page < last; page++ {
				frame, _ := mapper.TranslatePage(page)
				frames = append(frames, pageFrame{page: page, frame: frame})
			}
		}
	})
	if err != nil {
		mem.Alloc.FreeFrames(root, 1)
		return nil, err
	}

	p.memorySet, p.pageTable = ms, &table
	return frames, nil
}

// cloneAddressSpace gives p a copy of the address space of parent. Pages
// are read through the parent's table, which is loaded for the duration of
// the copy if it is not the active one.
func (p *Process) cloneAddressSpace(parent *Process, mem Memory) *kernel.Error {
	frames, err := p.buildAddressSpace(parent.memorySet.Clone(), mem)
	if err != nil {
		return err
	}

	if mem.Active.Root() != parent.pageTable.Frame() {
		prev := mem.Active.Switch(*parent.pageTable)
		defer mem.Active.Switch(prev)
	}

	for _, pf := range frames {
		mem.Temp.CopyPageToFrame(pf.page, pf.frame, mem.Active)
	}
	return nil
}

// releaseAddressSpace unmaps the memory set of p, returns the frames of its
// allocated pages and tables to the allocator and frees the top-level
// table.
func (p *Process) releaseAddressSpace(mem Memory) {
	if p.pageTable == nil {
		return
	}

	mem.Active.With(p.pageTable, mem.Temp, func(mapper *vmm.Mapper) {
		p.memorySet.Unmap(mapper, mem.Alloc)
	})
	mem.Alloc.FreeFrames(p.pageTable.Frame(), 1)
	p.memorySet, p.pageTable = nil, nil
}

// releaseMapped undoes a partially applied MemorySet.Map call.
func releaseMapped(mapper *vmm.Mapper, areas []vmm.MemoryArea, alloc mm.FrameAllocator) {
	for _, area := range areas {
		_, fixed := area.PhysStart()
		first, last := area.Pages()
		for page := first; page < last; page++ {
			if _, mapped := mapper.TranslatePage(page); !mapped {
				continue
			}
			if fixed {
				flush, _ := mapper.UnmapReturn(page, false, alloc)
				flush.Ignore()
				continue
			}
			mapper.Unmap(page, alloc).Ignore()
		}
	}
}
