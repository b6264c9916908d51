// Package proc implements kernel and user processes and a round-robin
// scheduler that switches between them by substituting the saved register
// frame that the trap return path restores.
package proc

import (
	"io"
	"unsafe"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm/vmm"
)

// KernelStackSize is the size of the kernel stack of each process. The
// initial register frame of a process is stored at its top.
const KernelStackSize = 4096

const frameSize = unsafe.Sizeof(gate.Registers{})

// PID identifies a process.
type PID uint32

// State describes the scheduling state of a process.
type State uint8

const (
	// Ready processes are picked by the scheduler.
	Ready State = iota

	// Running is the state of the process that owns the CPU.
	Running

	// Sleeping processes wait for a wake up with a matching reason.
	Sleeping

	// Exited processes are skipped by the scheduler until they are reaped.
	Exited
)

var stateNames = [...]string{"ready", "running", "sleeping", "exited"}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Memory bundles the paging state used to build and tear down address
// spaces.
type Memory struct {
	Active *vmm.ActivePageTable
	Temp   *vmm.TemporaryPage
	Alloc  mm.FrameAllocator
}

// Process is a schedulable thread of execution with its own kernel stack.
// User processes additionally own an address space described by a memory set
// and materialized in an inactive page table.
type Process struct {
	pid    PID
	name   string
	isInit bool

	kstack *[KernelStackSize]byte

	memorySet *vmm.MemorySet
	pageTable *vmm.InactivePageTable

	state       State
	sleepReason uintptr
	exitCode    int

	// rsp points to the saved register frame the process resumes from.
	rsp uintptr
}

func newProcess(name string) *Process {
	return &Process{name: name, kstack: new([KernelStackSize]byte), state: Ready}
}

// NewKernelProcess returns a process that starts executing entry in ring 0
// on its own kernel stack. entry must never return.
func NewKernelProcess(name string, entry uintptr) *Process {
	p := newProcess(name)
	p.rsp = p.stackTop() - frameSize
	*p.Frame() = gate.NewKernelThread(entry, p.stackTop())
	return p
}

// NewInitProcess returns the process that represents the code which is
// already running when the scheduler is set up. Its frame pointer is filled
// in by the first context switch. A processor accepts a single init process.
func NewInitProcess() *Process {
	p := newProcess("init")
	p.state, p.isInit = Running, true
	return p
}

// PID returns the process id.
func (p *Process) PID() PID { return p.pid }

// Name returns the process name.
func (p *Process) Name() string { return p.name }

// State returns the scheduling state of the process.
func (p *Process) State() State { return p.state }

// SleepReason returns the reason passed to Sleep for sleeping processes.
func (p *Process) SleepReason() uintptr { return p.sleepReason }

// ExitCode returns the code passed to Exit.
func (p *Process) ExitCode() int { return p.exitCode }

// MemorySet returns the address space description of a user process or nil
// for kernel processes.
func (p *Process) MemorySet() *vmm.MemorySet { return p.memorySet }

// PageTable returns the top-level table of a user process.
func (p *Process) PageTable() (vmm.InactivePageTable, bool) {
	if p.pageTable == nil {
		return vmm.InactivePageTable{}, false
	}
	return *p.pageTable, true
}

// RSP returns the address of the saved register frame.
func (p *Process) RSP() uintptr { return p.rsp }

// Frame returns the saved register frame.
func (p *Process) Frame() *gate.Registers {
	return (*gate.Registers)(unsafe.Pointer(p.rsp))
}

// StackTop returns the address following the last byte of the kernel stack.
func (p *Process) StackTop() uintptr { return p.stackTop() }

func (p *Process) stackTop() uintptr {
	return uintptr(unsafe.Pointer(&p.kstack[0])) + KernelStackSize
}

// Fork returns a copy of p that resumes from a copy of tf placed at the top
// of a new kernel stack. The child of a kernel process continues on its own
// empty kernel stack. The child of a user process receives a private copy of
// every allocated page of the parent. The child observes 0 in RAX.
func (p *Process) Fork(tf *gate.Registers, mem Memory) (*Process, *kernel.Error) {
	child := newProcess(p.name)
	child.rsp = child.stackTop() - frameSize

	frame := child.Frame()
	*frame = *tf
	frame.RAX = 0
	if !tf.FromUser() {
		frame.RSP = uint64(child.stackTop())
	}

	if p.memorySet == nil {
		return child, nil
	}

	if err := child.cloneAddressSpace(p, mem); err != nil {
		return nil, err
	}
	return child, nil
}

// DumpTo writes a one line summary of the process to w.
func (p *Process) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "%5d %10s %s", uint32(p.pid), p.state.String(), p.name)
	switch p.state {
	case Sleeping:
		kfmt.Fprintf(w, " (reason 0x%x)", p.sleepReason)
	case Exited:
		kfmt.Fprintf(w, " (code %d)", p.exitCode)
	}
	kfmt.Fprintf(w, "\n")
}
