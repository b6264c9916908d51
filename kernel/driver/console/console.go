// Package console provides the output devices that receive kernel log
// output during boot: a 16550 UART and an 80x25 VGA text terminal.
package console

import (
	"io"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/cpu"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
)

// Mux is an io.Writer that duplicates writes to each non-nil device.
type Mux [2]io.Writer

// Write implements io.Writer.
func (m *Mux) Write(data []byte) (int, error) {
	for _, w := range m {
		if w == nil {
			continue
		}
		if _, err := w.Write(data); err != nil {
			return 0, err
		}
	}
	return len(data), nil
}
