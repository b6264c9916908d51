package proc

import (
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
)

// System call numbers passed in RAX. Arguments are passed in RDI and RSI and
// the result is returned in RAX.
const (
	SysExit   = 1
	SysFork   = 2
	SysYield  = 10
	SysSleep  = 11
	SysWakeup = 12
	SysGetPID = 18
	SysPutc   = 30
)

// SyscallError is returned in RAX by failed system calls.
const SyscallError = ^uint64(0)

// syscallHandler serves the system call trap of the kernel processor.
func syscallHandler(frame *gate.Registers, rsp *uintptr) {
	processorLock.Acquire()
	defer processorLock.Release()

	frame.RAX = processor.Syscall(frame, rsp)
}

// Syscall executes the system call described by frame on behalf of the
// current process and returns its result. Calls that give up the CPU
// reschedule through rsp.
func (p *Processor) Syscall(frame *gate.Registers, rsp *uintptr) uint64 {
	current := p.Current()

	switch frame.RAX {
	case SysExit:
		if err := p.Exit(current.pid, int(int64(frame.RDI))); err != nil {
			return SyscallError
		}
		p.Schedule(rsp)
		return 0
	case SysFork:
		pid, err := p.Fork(frame)
		if err != nil {
			log.Printf("fork of process %d failed: %s\n", uint32(current.pid), err.Message)
			return SyscallError
		}
		return uint64(pid)
	case SysYield:
		p.Schedule(rsp)
		return 0
	case SysSleep:
		if err := p.Sleep(current.pid, uintptr(frame.RDI)); err != nil {
			return SyscallError
		}
		p.Schedule(rsp)
		return 0
	case SysWakeup:
		return uint64(p.Wakeup(uintptr(frame.RDI)))
	case SysGetPID:
		return uint64(current.pid)
	case SysPutc:
		kfmt.Printf("%c", byte(frame.RDI))
		return 0
	default:
		log.Printf("process %d: unknown system call %d\n", uint32(current.pid), frame.RAX)
		return SyscallError
	}
}
