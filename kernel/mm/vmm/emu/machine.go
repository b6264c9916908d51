// Package emu provides a software model of the amd64 MMU so that the paging
// code can run as an ordinary host process. Physical memory is an anonymous
// host mapping; virtual addresses are translated by walking the 4-level page
// tables stored in it, starting from an emulated CR3. Translations are cached
// in an emulated TLB that is only invalidated by explicit flushes, so code
// that forgets to flush observes stale mappings just like it would on real
// hardware.
package emu

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
)

// Hardware page table entry bits interpreted by the walker.
const (
	entryPresent  = uint64(1 << 0)
	entryRW       = uint64(1 << 1)
	entryHugePage = uint64(1 << 7)
	entryAddrMask = uint64(0x000ffffffffff000)
)

// Fault describes a failed address translation. The emulated MMU panics with
// a *Fault, the same way the CPU raises a page fault.
type Fault struct {
	// The virtual address that could not be translated.
	Addr uintptr

	// The table level (4..1) whose entry was not present; 0 if the
	// physical address lies outside the emulated memory.
	Level int
}

// Error implements error.
func (f *Fault) Error() string {
	if f.Level == 0 {
		return fmt.Sprintf("emu: physical address for 0x%x outside of emulated memory", f.Addr)
	}
	return fmt.Sprintf("emu: page fault at 0x%x (level %d entry not present)", f.Addr, f.Level)
}

// Stats counts MMU events.
type Stats struct {
	Walks       uint64
	TLBHits     uint64
	PageFlushes uint64
	FullFlushes uint64
	RootLoads   uint64
}

// Machine is an emulated MMU together with its physical memory.
type Machine struct {
	mem   []byte
	cr3   uintptr
	tlb   map[uintptr]uintptr
	stats Stats

	// IRQ is the emulated interrupt flag of the machine.
	IRQ InterruptFlag
}

// New allocates a machine with memSize bytes of physical memory. The size
// is rounded up to a page multiple.
func New(memSize uintptr) (*Machine, error) {
	memSize = (memSize + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if memSize == 0 {
		return nil, fmt.Errorf("emu: memory size must be positive")
	}

	mem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("emu: failed to mmap %d bytes of physical memory: %w", memSize, err)
	}

	return &Machine{
		mem: mem,
		tlb: make(map[uintptr]uintptr),
		IRQ: InterruptFlag{enabled: true},
	}, nil
}

// Close releases the physical memory of the machine.
func (m *Machine) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// MemSize returns the amount of emulated physical memory in bytes.
func (m *Machine) MemSize() uintptr { return uintptr(len(m.mem)) }

// Stats returns a snapshot of the MMU event counters.
func (m *Machine) Stats() Stats { return m.stats }

// InitRoot zeroes root, installs the recursive mapping in its last entry and
// loads it into the emulated CR3, mimicking the page table the boot code sets
// up before jumping to the kernel.
func (m *Machine) InitRoot(root mm.Frame) {
	table := m.frameBytes(root)
	for i := range table {
		table[i] = 0
	}
	*(*uint64)(m.PhysPtr(root.Address() + (mm.EntriesPerTable-1)<<mm.PointerShift)) = uint64(root.Address()) | entryPresent | entryRW
	m.LoadRoot(root)
}

// ActiveRoot returns the frame of the loaded root table.
func (m *Machine) ActiveRoot() mm.Frame { return mm.FrameFromAddress(m.cr3) }

// LoadRoot loads root into the emulated CR3. As on hardware, this flushes
// the TLB.
func (m *Machine) LoadRoot(root mm.Frame) {
	m.cr3 = root.Address()
	m.stats.RootLoads++
	m.flushAll()
}

// FlushPage drops the cached translation for the page containing virtAddr.
func (m *Machine) FlushPage(virtAddr uintptr) {
	m.stats.PageFlushes++
	delete(m.tlb, virtAddr>>mm.PageShift)
}

// FlushAll drops all cached translations.
func (m *Machine) FlushAll() {
	m.stats.FullFlushes++
	m.flushAll()
}

func (m *Machine) flushAll() {
	for k := range m.tlb {
		delete(m.tlb, k)
	}
}

// Ptr translates virtAddr and returns a pointer to the backing physical
// memory. It panics with a *Fault if the address is not mapped.
func (m *Machine) Ptr(virtAddr uintptr) unsafe.Pointer {
	phys, ok := m.cachedTranslate(virtAddr)
	if !ok {
		var fault *Fault
		if phys, fault = m.walk(virtAddr); fault != nil {
			panic(fault)
		}
		m.tlb[virtAddr>>mm.PageShift] = phys &^ (mm.PageSize - 1)
	}

	if phys >= uintptr(len(m.mem)) {
		panic(&Fault{Addr: virtAddr})
	}
	return unsafe.Pointer(&m.mem[phys])
}

// Translate walks the page tables for virtAddr bypassing the TLB.
func (m *Machine) Translate(virtAddr uintptr) (uintptr, bool) {
	phys, fault := m.walk(virtAddr)
	return phys, fault == nil
}

func (m *Machine) cachedTranslate(virtAddr uintptr) (uintptr, bool) {
	base, ok := m.tlb[virtAddr>>mm.PageShift]
	if !ok {
		return 0, false
	}
	m.stats.TLBHits++
	return base + virtAddr&(mm.PageSize-1), true
}

// walk performs a 4-level page walk starting at CR3.
func (m *Machine) walk(virtAddr uintptr) (uintptr, *Fault) {
	m.stats.Walks++

	tableAddr := m.cr3
	for level := 4; level >= 1; level-- {
		shift := mm.PageShift + uintptr(level-1)*9
		index := (virtAddr >> shift) & (mm.EntriesPerTable - 1)
		entryAddr := tableAddr + index<<mm.PointerShift
		if entryAddr+8 > uintptr(len(m.mem)) {
			return 0, &Fault{Addr: virtAddr}
		}

		entry := *(*uint64)(unsafe.Pointer(&m.mem[entryAddr]))
		if entry&entryPresent == 0 {
			return 0, &Fault{Addr: virtAddr, Level: level}
		}

		next := uintptr(entry & entryAddrMask)
		if level == 1 || (entry&entryHugePage != 0 && (level == 2 || level == 3)) {
			return next + virtAddr&((uintptr(1)<<shift)-1), nil
		}
		tableAddr = next
	}

	// unreachable: level 1 always returns
	return 0, &Fault{Addr: virtAddr}
}

// PhysPtr returns a pointer to the emulated physical address physAddr.
func (m *Machine) PhysPtr(physAddr uintptr) unsafe.Pointer {
	if physAddr >= uintptr(len(m.mem)) {
		panic(&Fault{Addr: physAddr})
	}
	return unsafe.Pointer(&m.mem[physAddr])
}

// frameBytes returns the contents of a physical frame.
func (m *Machine) frameBytes(frame mm.Frame) []byte {
	start := frame.Address()
	if start+mm.PageSize > uintptr(len(m.mem)) {
		panic(&Fault{Addr: start})
	}
	return m.mem[start : start+mm.PageSize]
}

// ReadFrame copies the contents of a physical frame into a new slice.
func (m *Machine) ReadFrame(frame mm.Frame) []byte {
	return append([]byte(nil), m.frameBytes(frame)...)
}
