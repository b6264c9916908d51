package main

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm/pmm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm/vmm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm/vmm/emu"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/proc"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/sync"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/multiboot"
)

// TraceEntry records the process that was picked at the end of a tick.
type TraceEntry struct {
	Tick int
	PID  proc.PID
	Name string
	Root mm.Frame
}

// CallRecord records the outcome of a system call event.
type CallRecord struct {
	Tick    int
	PID     proc.PID
	Syscall string
	Arg     uint64
	Result  uint64
}

// Machine is a booted emulated machine running the kernel scheduler. It must
// not be copied once booted since the paging state refers to its fields.
type Machine struct {
	cfg *Config
	log *logrus.Entry

	emu    *emu.Machine
	area   pmm.AreaFrameAllocator
	alloc  *pmm.RecycleAllocator
	active vmm.ActivePageTable
	temp   vmm.TemporaryPage
	cpu    *proc.Processor

	// initFrame is the register frame the boot thread resumes from.
	initFrame gate.Registers
	rsp       uintptr
	tick      int

	Trace []TraceEntry
	Calls []CallRecord
}

// Boot sets up physical memory, the paging state and the processor described
// by cfg and spawns the configured processes. The machine takes over the
// global interrupt controller until Close is called.
func Boot(cfg *Config, log *logrus.Entry) (_ *Machine, err error) {
	m := &Machine{cfg: cfg, log: log.WithField("scenario", cfg.Name)}
	if m.emu, err = emu.New(uintptr(cfg.memSize())); err != nil {
		return nil, err
	}
	sync.SetInterruptController(&m.emu.IRQ)

	// release the machine on any failure below
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
		if err != nil {
			m.Close()
		}
	}()

	m.area.Init(uintptr(cfg.Kernel.Start), uintptr(cfg.Kernel.End), 0, 0)
	for _, r := range cfg.Regions {
		m.area.AddRegion(&multiboot.MemoryMapEntry{PhysAddress: r.Start, Length: r.Length, Type: regionTypes[r.Type]})
	}
	m.alloc = pmm.NewRecycleAllocator(&m.area)

	root, kErr := m.alloc.AllocFrames(1)
	if kErr != nil {
		return nil, kErr
	}
	m.emu.InitRoot(root)
	m.active = vmm.NewActivePageTable(m.emu)
	if kErr = m.temp.Init(mm.PageFromAddress(mm.TemporaryPageAddr), m.alloc); kErr != nil {
		return nil, kErr
	}

	m.cpu = proc.NewProcessor(m.memory())
	if _, kErr = m.cpu.Add(proc.NewInitProcess()); kErr != nil {
		return nil, kErr
	}
	m.initFrame = gate.NewKernelThread(uintptr(kernelEntry), 0)
	m.rsp = uintptr(unsafe.Pointer(&m.initFrame))

	for _, pc := range cfg.Processes {
		p, err := m.newProcess(pc)
		if err != nil {
			return nil, err
		}
		pid, kErr := m.cpu.Add(p)
		if kErr != nil {
			return nil, fmt.Errorf("spawning %s: %w", pc.Name, kErr)
		}
		m.log.WithFields(logrus.Fields{"pid": pid, "kind": pc.Kind}).Debugf("spawned %s", pc.Name)
	}

	return m, nil
}

func (m *Machine) memory() proc.Memory {
	return proc.Memory{Active: &m.active, Temp: &m.temp, Alloc: m.alloc}
}

func (m *Machine) newProcess(pc Process) (*proc.Process, error) {
	if pc.Kind == "kernel" {
		return proc.NewKernelProcess(pc.Name, uintptr(pc.Entry)), nil
	}

	image, err := os.ReadFile(pc.Image)
	if err != nil {
		return nil, err
	}
	p, kErr := proc.NewUserProcess(pc.Name, image, m.memory())
	if kErr != nil {
		return nil, fmt.Errorf("loading %s: %w", pc.Image, kErr)
	}
	return p, nil
}

// Close releases the emulated memory and restores the interrupt controller.
func (m *Machine) Close() {
	sync.SetInterruptController(nil)
	if err := m.emu.Close(); err != nil {
		m.log.WithError(err).Warning("releasing emulated memory")
	}
}

// Run delivers the configured number of timer ticks. At each tick the
// events of the tick are issued as system calls by the running process,
// exited processes are reaped and the scheduler picks the next process.
func (m *Machine) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick %d: %w", m.tick, panicError(r))
		}
	}()

	for m.tick = 1; m.tick <= m.cfg.Ticks; m.tick++ {
		for _, ev := range m.cfg.eventsAt(m.tick) {
			m.syscall(ev)
		}

		m.cpu.Reap()
		m.cpu.Schedule(&m.rsp)

		cur := m.cpu.Current()
		m.Trace = append(m.Trace, TraceEntry{Tick: m.tick, PID: cur.PID(), Name: cur.Name(), Root: m.active.Root()})
		m.log.WithFields(logrus.Fields{"tick": m.tick, "pid": cur.PID()}).Debugf("running %s", cur.Name())
	}

	if n := vmm.PendingFlushes(); n != 0 {
		return fmt.Errorf("%d page table changes were never flushed", n)
	}
	return nil
}

// syscall issues ev through the frame of the running process, the way the
// trap gate would.
func (m *Machine) syscall(ev Event) {
	caller := m.cpu.Current().PID()

	frame := (*gate.Registers)(unsafe.Pointer(m.rsp))
	frame.RAX = syscallNumbers[ev.Syscall]
	frame.RDI = ev.Arg
	frame.RAX = m.cpu.Syscall(frame, &m.rsp)

	m.Calls = append(m.Calls, CallRecord{Tick: m.tick, PID: caller, Syscall: ev.Syscall, Arg: ev.Arg, Result: frame.RAX})
	m.log.WithFields(logrus.Fields{"tick": m.tick, "pid": caller, "result": int64(frame.RAX)}).Debugf("%s(%d)", ev.Syscall, ev.Arg)
}

// Mapping is a page of a user address space.
type Mapping struct {
	Page  mm.Page
	Frame mm.Frame
	Flags vmm.PageTableEntryFlag
}

// UserMappings returns the user half mappings of the address space of p.
func (m *Machine) UserMappings(p *proc.Process) []Mapping {
	table, ok := p.PageTable()
	if !ok {
		return nil
	}

	var out []Mapping
	m.active.With(&table, &m.temp, func(mapper *vmm.Mapper) {
		mapper.VisitMappings(func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) bool {
			if page.Address() >= uintptr(mm.KernelHalfPML4)*mm.PML4Size {
				return false
			}
			out = append(out, Mapping{page, frame, flags})
			return true
		})
	})
	return out
}

// FrameUsage summarizes physical memory consumption.
type FrameUsage struct {
	Used     uint64
	Free     uint64
	Recycled int
}

// Frames returns the current frame usage.
func (m *Machine) Frames() FrameUsage {
	return FrameUsage{Used: m.area.UsedFrames(), Free: m.area.FreeFrameCount(), Recycled: m.alloc.RecycledFrames()}
}

// Processor returns the simulated processor.
func (m *Machine) Processor() *proc.Processor { return m.cpu }

// MMU returns the counters of the emulated MMU.
func (m *Machine) MMU() emu.Stats { return m.emu.Stats() }

// panicError converts a recovered kernel panic into an error.
func panicError(r interface{}) error {
	if err, ok := r.(error); ok {
		return fmt.Errorf("kernel panic: %w", err)
	}
	return fmt.Errorf("kernel panic: %v", r)
}
