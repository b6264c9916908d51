package main

import (
	"bytes"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/sirupsen/logrus"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/proc"
)

// logSink forwards complete lines written by the kernel console to a logger.
type logSink struct {
	entry *logrus.Entry
	buf   []byte
}

// Write implements io.Writer.
func (s *logSink) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		s.entry.Info(string(s.buf[:i]))
		s.buf = s.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs any partial line.
func (s *logSink) Flush() {
	if len(s.buf) != 0 {
		s.entry.Info(string(s.buf))
		s.buf = s.buf[:0]
	}
}

// writeReport prints the schedule trace, the system call results, frame
// usage and the process table of m followed by the address space of every
// user process.
func writeReport(w io.Writer, m *Machine) {
	fmt.Fprintf(w, "scenario %s: %d ticks\n\n", m.cfg.Name, m.cfg.Ticks)

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprint(tw, "TICK\tPID\tNAME\tROOT\n")
	for _, e := range m.Trace {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\n", e.Tick, e.PID, e.Name, e.Root)
	}
	tw.Flush()

	if len(m.Calls) != 0 {
		fmt.Fprintln(w)
		tw = tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
		fmt.Fprint(tw, "TICK\tPID\tCALL\tARG\tRESULT\n")
		for _, c := range m.Calls {
			result := fmt.Sprint(c.Result)
			if c.Result == proc.SyscallError {
				result = "error"
			}
			fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%s\n", c.Tick, c.PID, c.Syscall, c.Arg, result)
		}
		tw.Flush()
	}

	usage, stats := m.Frames(), m.MMU()
	fmt.Fprintf(w, "\nframes: %d used, %d free, %d recycled\n", usage.Used, usage.Free, usage.Recycled)
	fmt.Fprintf(w, "mmu: %d walks, %d tlb hits, %d page flushes, %d full flushes, %d root loads\n\n",
		stats.Walks, stats.TLBHits, stats.PageFlushes, stats.FullFlushes, stats.RootLoads)

	m.Processor().DumpTo(w)

	m.Processor().Visit(func(p *proc.Process) bool {
		ms := p.MemorySet()
		if ms == nil {
			return true
		}

		table, _ := p.PageTable()
		fmt.Fprintf(w, "\naddress space of %d (%s), root frame %d:\n", p.PID(), p.Name(), table.Frame())
		ms.DumpTo(w)
		for _, mapping := range m.UserMappings(p) {
			fmt.Fprintf(w, "  0x%016x -> frame %-6d flags 0x%x\n", mapping.Page.Address(), mapping.Frame, uint64(mapping.Flags))
		}
		return true
	})
}
