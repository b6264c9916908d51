package console

// COM1 is the I/O port base of the first serial port.
const COM1 = uint16(0x3f8)

// UART register offsets.
const (
	regData      = 0
	regIntEnable = 1
	regFIFOCtrl  = 2
	regLineCtrl  = 3
	regModemCtrl = 4
	regLineStat  = 5

	lineCtrlDLAB   = 1 << 7
	lineCtrl8N1    = 0x03
	lineStatTxIdle = 1 << 5

	// uartClock is the base rate of the divisor latch.
	uartClock = 115200
)

// Serial drives a 16550-compatible UART. Line feeds are translated to
// CR LF.
type Serial struct {
	port uint16
}

// NewSerial programs the UART at port for baud 8N1 with FIFOs enabled and
// interrupts disabled.
func NewSerial(port uint16, baud uint32) *Serial {
	divisor := uint16(uartClock / baud)

	portWriteByteFn(port+regIntEnable, 0)
	portWriteByteFn(port+regLineCtrl, lineCtrlDLAB)
	portWriteByteFn(port+regData, uint8(divisor))
	portWriteByteFn(port+regIntEnable, uint8(divisor>>8))
	portWriteByteFn(port+regLineCtrl, lineCtrl8N1)
	portWriteByteFn(port+regFIFOCtrl, 0xc7)
	portWriteByteFn(port+regModemCtrl, 0x0b)

	return &Serial{port: port}
}

// Write implements io.Writer.
func (s *Serial) Write(data []byte) (int, error) {
	for _, b := range data {
		if b == '\n' {
			s.put('\r')
		}
		s.put(b)
	}
	return len(data), nil
}

func (s *Serial) put(b byte) {
	for portReadByteFn(s.port+regLineStat)&lineStatTxIdle == 0 {
	}
	portWriteByteFn(s.port+regData, b)
}
