package vmm

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
)

func areaNames(ms *MemorySet) []string {
	var names []string
	for _, area := range ms.Areas() {
		names = append(names, area.Name())
	}
	return names
}

func TestMemoryAreaOverlaps(t *testing.T) {
	specs := []struct {
		a, b MemoryArea
		exp  bool
	}{
		{NewMemoryArea(0x1000, 0x3000, 0, "a"), NewMemoryArea(0x3000, 0x5000, 0, "b"), false},
		{NewMemoryArea(0x1000, 0x3001, 0, "a"), NewMemoryArea(0x3000, 0x5000, 0, "b"), true},
		// both areas touch page 0x3000
		{NewMemoryArea(0x1000, 0x3800, 0, "a"), NewMemoryArea(0x3900, 0x5000, 0, "b"), true},
		{NewMemoryArea(0x1000, 0x8000, 0, "a"), NewMemoryArea(0x3000, 0x4000, 0, "b"), true},
		{NewMemoryArea(0x1000, 0x2000, 0, "a"), NewMemoryArea(0x5000, 0x6000, 0, "b"), false},
		// empty areas never overlap
		{NewMemoryArea(0x1000, 0x1000, 0, "a"), NewMemoryArea(0x0, 0x5000, 0, "b"), false},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			if got := spec.a.Overlaps(spec.b); got != spec.exp {
				t.Fatalf("expected a.Overlaps(b) to return %t; got %t", spec.exp, got)
			}
			if got := spec.b.Overlaps(spec.a); got != spec.exp {
				t.Fatalf("expected b.Overlaps(a) to return %t; got %t", spec.exp, got)
			}
		})
	}
}

func TestMemoryAreaConstructors(t *testing.T) {
	area := NewKernelArea(mm.KernelOffset+0x100000, mm.KernelOffset+0x102000, FlagPresent, ".text")
	if phys, fixed := area.PhysStart(); !fixed || phys != 0x100000 {
		t.Fatalf("expected kernel area to start at physical address 0x100000; got (0x%x, %t)", phys, fixed)
	}
	if got := area.frameFor(mm.PageFromAddress(mm.KernelOffset + 0x101000)); got != 0x101 {
		t.Fatalf("expected second page to map to frame 0x101; got 0x%x", got)
	}

	area = NewIdentityArea(0xb8000, 0xb9000, FlagPresent|FlagRW, "vga")
	if phys, fixed := area.PhysStart(); !fixed || phys != 0xb8000 {
		t.Fatalf("expected identity area to start at physical address 0xb8000; got (0x%x, %t)", phys, fixed)
	}

	area = NewMemoryArea(0x1000, 0x2800, FlagRW, "data")
	if _, fixed := area.PhysStart(); fixed {
		t.Fatal("expected plain area not to have a fixed physical address")
	}
	if first, last := area.Pages(); first != 1 || last != 3 {
		t.Fatalf("expected page range [1, 3); got [%d, %d)", first, last)
	}
	if !area.Contains(0x27ff) || area.Contains(0x2800) || area.Contains(0xfff) {
		t.Fatal("unexpected Contains result")
	}

	expectPanic(t, errInvalidArea, func() { NewMemoryArea(0x2000, 0x1000, 0, "bad") })
}

func TestMemorySetPush(t *testing.T) {
	ms := NewMemorySet()
	ms.Push(NewMemoryArea(0x5000, 0x6000, 0, "c"))
	ms.Push(NewMemoryArea(0x1000, 0x3000, 0, "a"))
	ms.Push(NewMemoryArea(0x3000, 0x5000, 0, "b"))
	ms.Push(NewMemoryArea(0x9000, 0x9000, 0, "empty"))

	if diff := cmp.Diff([]string{"a", "b", "c", "empty"}, areaNames(ms)); diff != "" {
		t.Fatalf("unexpected area order (-want +got):\n%s", diff)
	}

	specs := []MemoryArea{
		NewMemoryArea(0x2000, 0x4000, 0, "straddles a and b"),
		NewMemoryArea(0x0, 0x1001, 0, "touches a"),
		NewMemoryArea(0x5fff, 0x7000, 0, "touches c"),
		NewMemoryArea(0x0, 0x10000, 0, "covers all"),
		NewMemoryArea(0x1000, 0x3000, 0, "duplicate"),
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			expectPanic(t, errAreaOverlap, func() { ms.Push(spec) })
		})
	}

	if ms.Len() != 4 {
		t.Fatalf("expected failed pushes to leave the set unchanged; got %d areas", ms.Len())
	}
}

func TestMemorySetFindArea(t *testing.T) {
	ms := NewMemorySet()
	ms.Push(NewMemoryArea(0x1000, 0x3000, 0, "a"))
	ms.Push(NewMemoryArea(0x4000, 0x4000, 0, "empty"))
	ms.Push(NewMemoryArea(0x8000, 0x9000, 0, "b"))

	specs := []struct {
		addr    uintptr
		expName string
	}{
		{0x0, ""},
		{0x1000, "a"},
		{0x2fff, "a"},
		{0x3000, ""},
		{0x4000, ""},
		{0x8800, "b"},
		{0x9000, ""},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			area, ok := ms.FindArea(spec.addr)
			if ok != (spec.expName != "") || area.Name() != spec.expName {
				t.Fatalf("expected FindArea(0x%x) to return %q; got (%q, %t)", spec.addr, spec.expName, area.Name(), ok)
			}
		})
	}
}

func TestMemorySetClone(t *testing.T) {
	ms := NewMemorySet()
	ms.Push(NewMemoryArea(0x1000, 0x3000, 0, "a"))

	clone := ms.Clone()
	clone.Push(NewMemoryArea(0x3000, 0x4000, 0, "b"))

	if ms.Len() != 1 || clone.Len() != 2 {
		t.Fatalf("expected clone to be independent; got %d and %d areas", ms.Len(), clone.Len())
	}
}

func TestMemorySetDumpTo(t *testing.T) {
	ms := NewMemorySet()
	ms.Push(NewMemoryArea(0x1000, 0x3000, FlagPresent|FlagUserAccessible, "code"))

	var buf bytes.Buffer
	ms.DumpTo(&buf)

	if exp := "[0x0000000000001000 - 0x0000000000003000] flags: 0x5 code\n"; buf.String() != exp {
		t.Fatalf("expected dump to be %q; got %q", exp, buf.String())
	}
}

func TestMemorySetMapIntoInactiveTable(t *testing.T) {
	m, active, alloc := newTestMachine(t, 128)
	defer checkFlushes(t, PendingFlushes())

	temp := newTempPage(t, alloc)
	frame, _ := alloc.AllocFrames(1)
	table := NewInactivePageTable(frame, active, temp)

	ms := NewMemorySet()
	ms.Push(NewMemoryArea(0x1000, 0x3000, FlagPresent|FlagUserAccessible, "code"))
	ms.Push(NewMemoryArea(0x3000, 0x5000, FlagPresent|FlagRW|FlagUserAccessible|FlagNoExecute, "data"))
	ms.Push(NewIdentityArea(0xb8000, 0xb9000, FlagPresent|FlagRW, "vga"))

	usedBefore := alloc.used()

	var (
		codeFrame, dataFrame, vgaFrame mm.Frame
		codeFlags, dataFlags           PageTableEntryFlag
		huge                           bool
	)
	active.With(&table, temp, func(mapper *Mapper) {
		if err := ms.Map(mapper, alloc); err != nil {
			t.Error(err)
			return
		}

		codeFrame, _ = mapper.TranslatePage(mm.PageFromAddress(0x2000))
		dataFrame, _ = mapper.TranslatePage(mm.PageFromAddress(0x4000))
		vgaFrame, _ = mapper.TranslatePage(mm.PageFromAddress(0xb8000))
		codeFlags, _ = mapper.EntryFlags(mm.PageFromAddress(0x2000))
		dataFlags, _ = mapper.EntryFlags(mm.PageFromAddress(0x4000))

		mapper.VisitMappings(func(_ mm.Page, _ mm.Frame, flags PageTableEntryFlag) bool {
			huge = huge || flags&FlagHugePage != 0
			return true
		})
	})

	if !codeFrame.Valid() || !dataFrame.Valid() || codeFrame == dataFrame {
		t.Fatalf("expected 0x2000 and 0x4000 to map to distinct frames; got %d and %d", codeFrame, dataFrame)
	}
	if vgaFrame != 0xb8 {
		t.Fatalf("expected identity mapped vga page; got frame 0x%x", vgaFrame)
	}
	if huge {
		t.Fatal("expected no huge pages")
	}
	if codeFlags != FlagPresent|FlagUserAccessible {
		t.Fatalf("unexpected code page flags 0x%x", codeFlags)
	}
	if dataFlags != FlagPresent|FlagRW|FlagUserAccessible|FlagNoExecute {
		t.Fatalf("unexpected data page flags 0x%x", dataFlags)
	}

	// 4 frames for the areas plus the P3, P2 and P1 tables that are
	// shared with the vga page
	if got := alloc.used() - usedBefore; got != 7 {
		t.Fatalf("expected 7 frames to be allocated; got %d", got)
	}

	// user pages are reachable from ring 3 only if all parent tables allow it
	old := active.Switch(table)
	p3, _ := active.p4().nextTable(0)
	p2, _ := p3.nextTable(0)
	userTables := active.p4().entry(0).HasFlags(FlagUserAccessible) &&
		p3.entry(0).HasFlags(FlagUserAccessible) &&
		p2.entry(0).HasFlags(FlagUserAccessible)
	if !userTables {
		t.Fatal("expected intermediate tables of user pages to be user accessible")
	}

	*(*uint64)(m.Ptr(0x4000)) = 42
	active.Switch(old)

	active.With(&table, temp, func(mapper *Mapper) {
		ms.Unmap(mapper, alloc)
	})

	if got := alloc.used(); got != usedBefore {
		t.Fatalf("expected unmapping to release all frames; %d frames leaked", got-usedBefore)
	}

	var buf bytes.Buffer
	ms.DumpTo(&buf)
	if !strings.Contains(buf.String(), "vga") {
		t.Fatal("expected areas to remain in the set after unmapping")
	}
}

func TestMemorySetMapOutOfMemory(t *testing.T) {
	_, active, alloc := newTestMachine(t, 64)
	defer checkFlushes(t, PendingFlushes())

	temp := newTempPage(t, alloc)
	frame, _ := alloc.AllocFrames(1)
	table := NewInactivePageTable(frame, active, temp)

	ms := NewMemorySet()
	ms.Push(NewMemoryArea(0x1000, 0x100000, FlagPresent, "huge"))

	var err error
	active.With(&table, temp, func(mapper *Mapper) {
		if mapErr := ms.Map(mapper, alloc); mapErr != nil {
			err = mapErr
		}
	})

	if err != errTestOutOfFrames {
		t.Fatalf("expected errTestOutOfFrames; got %v", err)
	}
}
