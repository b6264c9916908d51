package proc

import (
	"io"

	"github.com/google/btree"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/mm/vmm"
)

const (
	// MaxProcesses is the maximum number of processes a processor tracks.
	MaxProcesses = 4096

	// processTableDegree is the btree degree used for the process table.
	processTableDegree = 16
)

var (
	errNoSuchProcess = &kernel.Error{Module: "proc", Message: "no such process"}
	errInitExit      = &kernel.Error{Module: "proc", Message: "init process cannot exit"}
	errTooManyProcs  = &kernel.Error{Module: "proc", Message: "process table is full"}
	errInitExists    = &kernel.Error{Module: "proc", Message: "processor already has an init process"}
)

func pidLess(a, b *Process) bool { return a.pid < b.pid }

// Processor tracks the processes of a single core ordered by PID together
// with the process that is currently running. Processor is not safe for
// concurrent use; the package level functions serialize access to the
// kernel's processor.
type Processor struct {
	mem Memory

	// kernelTable is loaded while kernel processes run.
	kernelTable vmm.InactivePageTable

	procs   *btree.BTreeG[*Process]
	current PID
	hasInit bool

	// pivot is used for lookups so that the scheduler does not allocate.
	pivot Process
}

// NewProcessor returns an empty processor. The table that is active when
// NewProcessor is called becomes the address space of kernel processes.
func NewProcessor(mem Memory) *Processor {
	return &Processor{
		mem:         mem,
		kernelTable: mem.Active.Current(),
		procs:       btree.NewG(processTableDegree, pidLess),
	}
}

// Len returns the number of processes.
func (p *Processor) Len() int { return p.procs.Len() }

// Get returns the process with the given pid.
func (p *Processor) Get(pid PID) (*Process, bool) {
	p.pivot.pid = pid
	return p.procs.Get(&p.pivot)
}

// Current returns the running process or nil if the processor is empty.
func (p *Processor) Current() *Process {
	proc, _ := p.Get(p.current)
	return proc
}

// Add assigns the smallest unused PID to proc and inserts it in the process
// table. Only one init process may be added.
func (p *Processor) Add(proc *Process) (PID, *kernel.Error) {
	switch {
	case p.procs.Len() >= MaxProcesses:
		return 0, errTooManyProcs
	case proc.isInit && p.hasInit:
		return 0, errInitExists
	}

	var next PID
	p.procs.Ascend(func(other *Process) bool {
		if other.pid != next {
			return false
		}
		next++
		return true
	})

	proc.pid = next
	p.procs.ReplaceOrInsert(proc)
	if proc.isInit {
		p.hasInit = true
		p.current = next
	}
	return next, nil
}

// Schedule switches to the next runnable process: the one with the smallest
// PID greater than the current PID or, if there is none, the one with the
// smallest PID. rsp points to the saved frame of the interrupted process;
// it is stored in the current process and replaced with the saved frame of
// the next one so that the trap return path resumes the next process. The
// address space of the next process is loaded as well. Schedule does
// nothing if the current process is the only runnable one.
func (p *Processor) Schedule(rsp *uintptr) {
	next, ok := p.nextRunnable()
	if !ok || next == p.current {
		return
	}
	p.switchTo(next, rsp)
}

func (p *Processor) nextRunnable() (PID, bool) {
	var (
		next  PID
		found bool
	)

	runnable := func(proc *Process) bool {
		if proc.state == Ready || proc.state == Running {
			next, found = proc.pid, true
			return false
		}
		return true
	}

	p.pivot.pid = p.current + 1
	p.procs.AscendGreaterOrEqual(&p.pivot, runnable)
	if !found {
		p.procs.Ascend(runnable)
	}
	return next, found
}

func (p *Processor) switchTo(pid PID, rsp *uintptr) {
	if current := p.Current(); current != nil {
		if current.state == Running {
			current.state = Ready
		}
		current.rsp = *rsp
	}

	target, _ := p.Get(pid)
	target.state = Running
	*rsp = target.rsp

	table := p.kernelTable
	if target.pageTable != nil {
		table = *target.pageTable
	}
	if p.mem.Active.Root() != table.Frame() {
		p.mem.Active.Switch(table)
	}

	p.current = pid
}

// Fork adds a copy of the current process that resumes from a copy of tf
// and returns its PID.
func (p *Processor) Fork(tf *gate.Registers) (PID, *kernel.Error) {
	parent := p.Current()
	if parent == nil {
		return 0, errNoSuchProcess
	}

	child, err := parent.Fork(tf, p.mem)
	if err != nil {
		return 0, err
	}

	pid, err := p.Add(child)
	if err != nil {
		child.releaseAddressSpace(p.mem)
		return 0, err
	}
	return pid, nil
}

// Exit marks the process with the given pid as exited. Its resources are
// released by Reap once it is no longer running.
func (p *Processor) Exit(pid PID, code int) *kernel.Error {
	proc, ok := p.Get(pid)
	switch {
	case !ok:
		return errNoSuchProcess
	case proc.isInit:
		return errInitExit
	}

	proc.state, proc.exitCode = Exited, code
	log.Printf("process %d (%s) exited with code %d\n", uint32(pid), proc.name, code)
	return nil
}

// Reap removes the exited processes other than the current one from the
// process table and releases their address spaces. It returns the number of
// removed processes.
func (p *Processor) Reap() int {
	reaped := 0
	for {
		var victim *Process
		p.procs.Ascend(func(proc *Process) bool {
			if proc.state == Exited && proc.pid != p.current {
				victim = proc
				return false
			}
			return true
		})
		if victim == nil {
			return reaped
		}

		p.procs.Delete(victim)
		victim.releaseAddressSpace(p.mem)
		reaped++
	}
}

// Sleep suspends the process with the given pid until Wakeup is called with
// the same reason. A sleeping current process keeps running until the next
// call to Schedule.
func (p *Processor) Sleep(pid PID, reason uintptr) *kernel.Error {
	proc, ok := p.Get(pid)
	if !ok || proc.state == Exited {
		return errNoSuchProcess
	}

	proc.state, proc.sleepReason = Sleeping, reason
	return nil
}

// Wakeup makes all processes sleeping for reason runnable again and returns
// their number.
func (p *Processor) Wakeup(reason uintptr) int {
	woken := 0
	p.procs.Ascend(func(proc *Process) bool {
		if proc.state == Sleeping && proc.sleepReason == reason {
			proc.state, proc.sleepReason = Ready, 0
			if proc.pid == p.current {
				proc.state = Running
			}
			woken++
		}
		return true
	})
	return woken
}

// Visit invokes fn for each process in PID order until fn returns false.
func (p *Processor) Visit(fn func(*Process) bool) {
	p.procs.Ascend(fn)
}

// DumpTo writes the process table to w.
func (p *Processor) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "  PID      STATE NAME\n")
	p.procs.Ascend(func(proc *Process) bool {
		proc.DumpTo(w)
		return true
	})
}
