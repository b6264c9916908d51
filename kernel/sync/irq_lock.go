package sync

import (
	"sync/atomic"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/cpu"
)

// InterruptController exposes the interrupt flag of the executing core.
type InterruptController interface {
	InterruptsEnabled() bool
	DisableInterrupts()
	EnableInterrupts()
}

type cpuInterruptController struct{}

func (cpuInterruptController) InterruptsEnabled() bool { return cpu.InterruptsEnabled() }
func (cpuInterruptController) DisableInterrupts()      { cpu.DisableInterrupts() }
func (cpuInterruptController) EnableInterrupts()       { cpu.EnableInterrupts() }

var irqController InterruptController = cpuInterruptController{}

// SetInterruptController replaces the controller used by IRQLock. Hosted
// builds (tests, the simulator) install an emulated interrupt flag since
// CLI/STI fault outside ring 0. Passing nil restores the CPU controller.
func SetInterruptController(c InterruptController) {
	if c == nil {
		c = cpuInterruptController{}
	}
	irqController = c
}

// IRQLock guards state that is also touched from trap handlers. Acquire
// masks interrupts before taking the lock and Release restores the interrupt
// flag to the value it had at Acquire time. On a single core this makes the
// critical section atomic with respect to the timer interrupt.
//
// IRQLock is not re-entrant.
type IRQLock struct {
	lock       Spinlock
	restoreIRQ bool
}

// Acquire disables interrupts and acquires the lock.
func (l *IRQLock) Acquire() {
	enabled := irqController.InterruptsEnabled()
	irqController.DisableInterrupts()
	l.lock.Acquire()
	l.restoreIRQ = enabled
}

// Release releases the lock and re-enables interrupts if they were enabled
// when Acquire was called.
func (l *IRQLock) Release() {
	restore := l.restoreIRQ
	l.restoreIRQ = false
	l.lock.Release()
	if restore {
		irqController.EnableInterrupts()
	}
}

// Held returns true if the lock is currently acquired.
func (l *IRQLock) Held() bool {
	return atomic.LoadUint32(&l.lock.state) == 1
}
