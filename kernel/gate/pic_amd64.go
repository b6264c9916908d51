package gate

import "github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/cpu"

// 8259A programmable interrupt controller and 8253 interval timer ports.
const (
	picMasterCmd  = 0x20
	picMasterData = 0x21
	picSlaveCmd   = 0xa0
	picSlaveData  = 0xa1

	picEOI = 0x20

	// irqLines is the number of lines served by the cascaded PICs.
	irqLines = 16

	// cascadeIRQ connects the slave PIC to the master.
	cascadeIRQ = 2

	pitChannel0 = 0x40
	pitCommand  = 0x43

	// pitFrequency is the input clock of the interval timer in Hz.
	pitFrequency = 1193182

	// TimerHz is the rate at which TimerInterrupt is raised.
	TimerHz = 100
)

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// initPIC remaps the master and slave PICs to vectors IRQ0..IRQ0+15 with all
// lines but the cascade masked and programs the timer to fire TimerHz times
// per second.
func initPIC() {
	// ICW1: edge triggered, cascade mode, ICW4 needed
	portWriteByteFn(picMasterCmd, 0x11)
	portWriteByteFn(picSlaveCmd, 0x11)

	// ICW2: vector offsets
	portWriteByteFn(picMasterData, uint8(IRQ0))
	portWriteByteFn(picSlaveData, uint8(IRQ0)+8)

	// ICW3: slave attached to IR2 of the master
	portWriteByteFn(picMasterData, 1<<cascadeIRQ)
	portWriteByteFn(picSlaveData, cascadeIRQ)

	// ICW4: 8086 mode
	portWriteByteFn(picMasterData, 0x01)
	portWriteByteFn(picSlaveData, 0x01)

	portWriteByteFn(picMasterData, ^uint8(1<<cascadeIRQ))
	portWriteByteFn(picSlaveData, 0xff)

	// channel 0, lobyte/hibyte, rate generator
	divisor := uint16(pitFrequency / TimerHz)
	portWriteByteFn(pitCommand, 0x34)
	portWriteByteFn(pitChannel0, uint8(divisor))
	portWriteByteFn(pitChannel0, uint8(divisor>>8))
}

// enableIRQ clears the mask bit of an IRQ line.
func enableIRQ(irq uint8) {
	port := uint16(picMasterData)
	if irq >= 8 {
		port = picSlaveData
		irq -= 8
	}
	portWriteByteFn(port, portReadByteFn(port)&^(1<<irq))
}

// ackIRQ signals the end of interrupt to the PICs that delivered irq.
func ackIRQ(irq uint8) {
	if irq >= 8 {
		portWriteByteFn(picSlaveCmd, picEOI)
	}
	portWriteByteFn(picMasterCmd, picEOI)
}
