package vmm

import (
	"testing"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/cpu"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/multiboot"
)

func mockKernelSections(visitor multiboot.ElfSectionVisitor) {
	visitor(".boot", multiboot.ElfSectionAllocated|multiboot.ElfSectionExecutable, 0xff000, 0x100)
	visitor(".text", multiboot.ElfSectionAllocated|multiboot.ElfSectionExecutable, mm.KernelOffset+0x100000, 0x2000)
	visitor(".rodata", multiboot.ElfSectionAllocated, mm.KernelOffset+0x102000, 0x800)
	visitor(".data", multiboot.ElfSectionAllocated|multiboot.ElfSectionWritable, mm.KernelOffset+0x102800, 0x1000)
	visitor(".comment", 0, 0, 0x100)
}

func TestRemapKernel(t *testing.T) {
	defer func(origLastUsed uintptr) {
		visitElfSectionsFn = multiboot.VisitElfSections
		hasNXFn = cpu.HasNX
		earlyReserveLastUsed = origLastUsed
	}(earlyReserveLastUsed)

	visitElfSectionsFn = mockKernelSections

	specs := []struct {
		nx          bool
		expText     PageTableEntryFlag
		expRodata   PageTableEntryFlag
		expBootCode PageTableEntryFlag
	}{
		{
			true,
			FlagPresent,
			FlagPresent | FlagRW | FlagNoExecute,
			FlagPresent,
		},
		{
			false,
			FlagPresent,
			FlagPresent | FlagRW,
			FlagPresent,
		},
	}

	for _, spec := range specs {
		t.Run(map[bool]string{true: "nx", false: "no nx"}[spec.nx], func(t *testing.T) {
			earlyReserveLastUsed = mm.TemporaryPageAddr
			hasNXFn = func() bool { return spec.nx }

			_, active, alloc := newTestMachine(t, 128)
			defer checkFlushes(t, PendingFlushes())

			temp := newTempPage(t, alloc)
			reserved, err := MapEarlyRegion(active, mm.PageSize, FlagPresent|FlagRW, alloc)
			if err != nil {
				t.Fatal(err)
			}
			reservedFrame, _ := active.TranslatePage(mm.PageFromAddress(reserved))

			guardPageAddr := mm.KernelOffset + 0x103000
			if err := RemapKernel(active, temp, alloc, guardPageAddr); err != nil {
				t.Fatal(err)
			}

			if active.Root() == 0 {
				t.Fatal("expected a new top-level table to be loaded")
			}

			mappings := []struct {
				virtAddr uintptr
				expFrame mm.Frame
				expFlags PageTableEntryFlag
			}{
				{mm.KernelOffset + 0xff000, 0xff, spec.expBootCode},
				{mm.KernelOffset + 0x100000, 0x100, spec.expText},
				{mm.KernelOffset + 0x101fff, 0x101, spec.expText},
				{mm.KernelOffset + 0x102000, 0x102, spec.expRodata},
				{vgaTextBufferAddr, 0xb8, FlagPresent | FlagRW},
				{reserved, reservedFrame, FlagPresent | FlagRW | FlagNoExecute},
			}

			for _, m := range mappings {
				page := mm.PageFromAddress(m.virtAddr)
				frame, ok := active.TranslatePage(page)
				if !ok || frame != m.expFrame {
					t.Fatalf("expected 0x%x to map to frame 0x%x; got (0x%x, %t)", m.virtAddr, m.expFrame, frame, ok)
				}

				if flags, _ := active.EntryFlags(page); flags != m.expFlags {
					t.Fatalf("expected 0x%x to have flags 0x%x; got 0x%x", m.virtAddr, m.expFlags, flags)
				}
			}

			if _, mapped := active.Translate(guardPageAddr); mapped {
				t.Fatal("expected guard page to be unmapped")
			}

			// the temporary page must be usable without allocations
			frame, _ := alloc.AllocFrames(1)
			alloc.limit = alloc.next
			temp.ZeroFrame(frame, active)
		})
	}
}

func TestRemapKernelOutOfMemory(t *testing.T) {
	defer func() {
		visitElfSectionsFn = multiboot.VisitElfSections
		hasNXFn = cpu.HasNX
	}()
	visitElfSectionsFn = mockKernelSections
	hasNXFn = func() bool { return true }

	// allow the temporary page frames and a few tables
	for limit := 4; limit < 12; limit++ {
		_, active, alloc := newTestMachine(t, 64)
		temp := newTempPage(t, alloc)
		alloc.limit = alloc.next + mm.Frame(limit-3)

		if err := RemapKernel(active, temp, alloc, 0); err != errTestOutOfFrames {
			t.Fatalf("[limit %d] expected errTestOutOfFrames; got %v", limit, err)
		}
		if active.Root() != 0 {
			t.Fatalf("[limit %d] expected the original table to remain active", limit)
		}
	}
}

func TestInit(t *testing.T) {
	defer func() {
		mm.SetFrameAllocator(nil)
		visitElfSectionsFn = multiboot.VisitElfSections
		hasNXFn = cpu.HasNX
		handleInterruptFn = gate.HandleInterrupt
	}()

	visitElfSectionsFn = mockKernelSections
	hasNXFn = func() bool { return false }

	var handlers int
	handleInterruptFn = func(gate.InterruptNumber, uint8, gate.Handler) { handlers++ }

	m, _, alloc := newTestMachine(t, 128)
	mm.SetFrameAllocator(alloc)

	if err := Init(m, 0); err != nil {
		t.Fatal(err)
	}

	active, temp := Kernel()
	if active.Root() == 0 || active.MMU() != m {
		t.Fatal("expected Init to load a new table on the supplied MMU")
	}
	if temp.Page() != mm.PageFromAddress(mm.TemporaryPageAddr) {
		t.Fatalf("unexpected temporary page 0x%x", temp.Page().Address())
	}
	if handlers != 2 {
		t.Fatalf("expected 2 fault handlers to be installed; got %d", handlers)
	}

	t.Run("allocation error", func(t *testing.T) {
		alloc.limit = alloc.next
		alloc.free = nil
		if err := Init(m, 0); err != errTestOutOfFrames {
			t.Fatalf("expected errTestOutOfFrames; got %v", err)
		}
	})
}

func TestMergeFlags(t *testing.T) {
	specs := []struct {
		a, b, exp PageTableEntryFlag
	}{
		{FlagPresent, FlagPresent | FlagRW, FlagPresent | FlagRW},
		{FlagPresent | FlagNoExecute, FlagPresent, FlagPresent},
		{FlagPresent | FlagNoExecute, FlagPresent | FlagRW | FlagNoExecute, FlagPresent | FlagRW | FlagNoExecute},
		{FlagPresent | FlagAccessed | FlagDirty, FlagPresent, FlagPresent},
	}

	for specIndex, spec := range specs {
		if got := mergeFlags(spec.a, spec.b); got != spec.exp {
			t.Errorf("[spec %d] expected merged flags to be 0x%x; got 0x%x", specIndex, spec.exp, got)
		}
	}
}

func TestEarlyReserveRegion(t *testing.T) {
	defer func(origLastUsed uintptr) {
		earlyReserveLastUsed = origLastUsed
	}(earlyReserveLastUsed)

	earlyReserveLastUsed = mm.TemporaryPageAddr

	// region size is rounded up to the page size
	next, err := EarlyReserveRegion(42)
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.TemporaryPageAddr - mm.PageSize; next != exp {
		t.Fatalf("expected reserved region to start at 0x%x; got 0x%x", exp, next)
	}

	if next, err = EarlyReserveRegion(3 * mm.PageSize); err != nil || next != mm.TemporaryPageAddr-4*mm.PageSize {
		t.Fatalf("expected regions to be reserved downwards; got (0x%x, %v)", next, err)
	}

	earlyReserveLastUsed = mm.KernelOffset + mm.PageSize
	if _, err = EarlyReserveRegion(2 * mm.PageSize); err != errEarlyReserveNoSpace {
		t.Fatalf("expected to get errEarlyReserveNoSpace; got %v", err)
	}
}

func TestMapEarlyRegion(t *testing.T) {
	defer func(origLastUsed uintptr) {
		earlyReserveLastUsed = origLastUsed
	}(earlyReserveLastUsed)
	earlyReserveLastUsed = mm.TemporaryPageAddr

	m, active, alloc := newTestMachine(t, 64)
	defer checkFlushes(t, PendingFlushes())

	// fill the frames that will be handed out with junk
	for frame := mm.Frame(1); frame < 64; frame++ {
		*(*uint64)(m.PhysPtr(frame.Address() + 8)) = 0xbadf00d
	}

	start, err := MapEarlyRegion(active, 3*mm.PageSize, FlagPresent|FlagRW, alloc)
	if err != nil {
		t.Fatal(err)
	}

	for addr := start; addr < start+3*mm.PageSize; addr += mm.PageSize {
		if got := *(*uint64)(m.Ptr(addr + 8)); got != 0 {
			t.Fatalf("expected early region page 0x%x to be zeroed; got 0x%x", addr, got)
		}
	}

	alloc.limit = alloc.next
	if _, err = MapEarlyRegion(active, mm.PageSize, FlagPresent|FlagRW, alloc); err != errTestOutOfFrames {
		t.Fatalf("expected errTestOutOfFrames; got %v", err)
	}
}
