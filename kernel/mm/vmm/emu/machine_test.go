package emu

import (
	"testing"
	"unsafe"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
)

func newMachine(t *testing.T, size uintptr) *Machine {
	t.Helper()
	m, err := New(size)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := m.Close(); err != nil {
			t.Error(err)
		}
	})
	return m
}

// setEntry writes a raw entry into the table stored at tableFrame.
func setEntry(m *Machine, tableFrame mm.Frame, index uintptr, value uint64) {
	*(*uint64)(m.PhysPtr(tableFrame.Address() + index<<mm.PointerShift)) = value
}

func TestNewRoundsUpSize(t *testing.T) {
	m := newMachine(t, 3*mm.PageSize+1)
	if exp := 4 * mm.PageSize; m.MemSize() != exp {
		t.Fatalf("expected memory size to be %d; got %d", exp, m.MemSize())
	}

	if _, err := New(0); err == nil {
		t.Fatal("expected an error for a zero-sized machine")
	}
}

func TestRecursiveMapping(t *testing.T) {
	m := newMachine(t, 16*mm.PageSize)
	root := mm.Frame(3)
	m.InitRoot(root)

	if got := m.ActiveRoot(); got != root {
		t.Fatalf("expected active root to be %d; got %d", root, got)
	}

	// All indices set to 511 resolve to the root table itself.
	p4Addr := ^(mm.PageSize - 1)
	if got, exp := uintptr(m.Ptr(p4Addr)), uintptr(m.PhysPtr(root.Address())); got != exp {
		t.Fatalf("expected recursive address to resolve to the root frame (%x); got %x", exp, got)
	}

	last := *(*uint64)(m.Ptr(p4Addr + 511*8))
	if exp := uint64(root.Address()) | entryPresent | entryRW; last != exp {
		t.Fatalf("expected recursive entry to be %x; got %x", exp, last)
	}
}

func TestTranslate(t *testing.T) {
	m := newMachine(t, 16*mm.PageSize)
	var (
		p4, p3, p2, p1 = mm.Frame(1), mm.Frame(2), mm.Frame(3), mm.Frame(4)
		target         = mm.Frame(9)
		virtAddr       = uintptr(0x40201000) // P4 0, P3 1, P2 1, P1 1
	)
	m.InitRoot(p4)

	if _, ok := m.Translate(virtAddr); ok {
		t.Fatal("expected translation of an unmapped address to fail")
	}

	setEntry(m, p4, 0, uint64(p3.Address())|entryPresent)
	setEntry(m, p3, 1, uint64(p2.Address())|entryPresent)
	setEntry(m, p2, 1, uint64(p1.Address())|entryPresent)
	setEntry(m, p1, 1, uint64(target.Address())|entryPresent)

	phys, ok := m.Translate(virtAddr + 0x123)
	if !ok || phys != target.Address()+0x123 {
		t.Fatalf("expected translation to be (%x, true); got (%x, %t)", target.Address()+0x123, phys, ok)
	}

	// 2M huge page at P2 index 2
	setEntry(m, p2, 2, uint64(0x200000)|entryPresent|entryHugePage)
	if phys, ok = m.Translate(0x40400000 + 0x5123); !ok || phys != 0x205123 {
		t.Fatalf("expected huge translation to be (205123, true); got (%x, %t)", phys, ok)
	}

	// 1G huge page at P3 index 2
	setEntry(m, p3, 2, uint64(0)|entryPresent|entryHugePage)
	if phys, ok = m.Translate(0x80000000 + 0x3123); !ok || phys != 0x3123 {
		t.Fatalf("expected huge translation to be (3123, true); got (%x, %t)", phys, ok)
	}
}

func TestTLB(t *testing.T) {
	m := newMachine(t, 16*mm.PageSize)
	var (
		p4, p3, p2, p1 = mm.Frame(1), mm.Frame(2), mm.Frame(3), mm.Frame(4)
		virtAddr       = uintptr(0x1000)
	)
	m.InitRoot(p4)
	setEntry(m, p4, 0, uint64(p3.Address())|entryPresent)
	setEntry(m, p3, 0, uint64(p2.Address())|entryPresent)
	setEntry(m, p2, 0, uint64(p1.Address())|entryPresent)
	setEntry(m, p1, 1, uint64(mm.Frame(8).Address())|entryPresent)

	*(*uint32)(m.Ptr(virtAddr)) = 0xcafe

	// Retarget the page; the stale translation is used until flushed.
	setEntry(m, p1, 1, uint64(mm.Frame(9).Address())|entryPresent)
	if got := *(*uint32)(m.Ptr(virtAddr)); got != 0xcafe {
		t.Fatalf("expected stale TLB entry to be used; read %x", got)
	}

	m.FlushPage(virtAddr)
	if got := *(*uint32)(m.Ptr(virtAddr)); got != 0 {
		t.Fatalf("expected flushed translation to point to the new frame; read %x", got)
	}

	setEntry(m, p1, 1, 0)
	_ = m.Ptr(virtAddr)
	m.FlushAll()

	stats := m.Stats()
	if stats.PageFlushes != 1 || stats.FullFlushes != 1 || stats.TLBHits == 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	func() {
		defer func() {
			fault, ok := recover().(*Fault)
			if !ok {
				t.Fatal("expected Ptr to panic with a *Fault")
			}
			if fault.Addr != virtAddr || fault.Level != 1 {
				t.Fatalf("unexpected fault: %+v", fault)
			}
			if fault.Error() == "" {
				t.Fatal("expected a fault description")
			}
		}()
		_ = m.Ptr(virtAddr)
	}()
}

func TestPhysPtrOutOfRange(t *testing.T) {
	m := newMachine(t, mm.PageSize)
	defer func() {
		if _, ok := recover().(*Fault); !ok {
			t.Fatal("expected PhysPtr to panic with a *Fault")
		}
	}()
	_ = m.PhysPtr(mm.PageSize)
}

func TestReadFrame(t *testing.T) {
	m := newMachine(t, 2*mm.PageSize)
	*(*uint64)(m.PhysPtr(mm.PageSize + 8)) = 0xdeadbeef

	data := m.ReadFrame(1)
	if got := *(*uint64)(unsafe.Pointer(&data[8])); got != 0xdeadbeef {
		t.Fatalf("expected frame copy to contain the written value; got %x", got)
	}
}

func TestInterruptFlag(t *testing.T) {
	var f InterruptFlag
	if f.InterruptsEnabled() {
		t.Fatal("expected zero value to have interrupts disabled")
	}
	f.EnableInterrupts()
	f.DisableInterrupts()
	if f.InterruptsEnabled() || f.Disables != 1 {
		t.Fatalf("unexpected flag state: %+v", f)
	}

	m := newMachine(t, mm.PageSize)
	if !m.IRQ.InterruptsEnabled() {
		t.Fatal("expected a new machine to start with interrupts enabled")
	}
}
