package proc

import (
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/sync"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	handleSwitchFn = gate.HandleSwitch

	// processorLock guards processor. Holding it masks interrupts so the
	// timer cannot reschedule while the process table is modified.
	processorLock sync.IRQLock
	processor     *Processor

	// ticks counts timer interrupts.
	ticks uint64

	log = kfmt.Logger{Module: "proc"}

	errAlreadyInitialized = &kernel.Error{Module: "proc", Message: "process management already initialized"}
	errNotInitialized     = &kernel.Error{Module: "proc", Message: "process management not initialized"}
)

// Init sets up the kernel processor with the running code as its init
// process and installs the timer and syscall handlers. Init may only be
// called once.
func Init(mem Memory) *kernel.Error {
	processorLock.Acquire()
	defer processorLock.Release()

	if processor != nil {
		return errAlreadyInitialized
	}

	p := NewProcessor(mem)
	if _, err := p.Add(NewInitProcess()); err != nil {
		return err
	}
	processor = p

	handleSwitchFn(gate.TimerInterrupt, timerHandler)
	handleSwitchFn(gate.SyscallInterrupt, syscallHandler)
	log.Printf("scheduler running (%d Hz)\n", gate.TimerHz)
	return nil
}

// Spawn adds proc to the kernel processor and returns its PID.
func Spawn(proc *Process) (PID, *kernel.Error) {
	processorLock.Acquire()
	defer processorLock.Release()

	if processor == nil {
		return 0, errNotInitialized
	}
	return processor.Add(proc)
}

// Schedule saves rsp as the frame of the current process and replaces it
// with the frame of the next runnable process of the kernel processor.
func Schedule(rsp *uintptr) {
	processorLock.Acquire()
	defer processorLock.Release()

	processor.Schedule(rsp)
}

// Fork forks the current process of the kernel processor. The child resumes
// from a copy of tf.
func Fork(tf *gate.Registers) (PID, *kernel.Error) {
	processorLock.Acquire()
	defer processorLock.Release()

	return processor.Fork(tf)
}

// Ticks returns the number of timer interrupts since Init.
func Ticks() uint64 { return ticks }

// timerHandler preempts the running process on each tick.
func timerHandler(_ *gate.Registers, rsp *uintptr) {
	processorLock.Acquire()
	defer processorLock.Release()

	ticks++
	processor.Reap()
	processor.Schedule(rsp)
}
