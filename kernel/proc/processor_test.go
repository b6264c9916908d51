package proc

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
)

// newTestProcessor returns a processor whose init process has PID 0 followed
// by count kernel processes.
func newTestProcessor(t *testing.T, mem Memory, count int) *Processor {
	t.Helper()

	p := NewProcessor(mem)
	if _, err := p.Add(NewInitProcess()); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < count; i++ {
		if _, err := p.Add(NewKernelProcess(fmt.Sprintf("k%d", i+1), 0x1000)); err != nil {
			t.Fatal(err)
		}
	}
	return p
}

func pids(p *Processor) []PID {
	var list []PID
	p.Visit(func(proc *Process) bool {
		list = append(list, proc.PID())
		return true
	})
	return list
}

func states(p *Processor) []State {
	var list []State
	p.Visit(func(proc *Process) bool {
		list = append(list, proc.State())
		return true
	})
	return list
}

func TestProcessorAdd(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	p := newTestProcessor(t, mem, 5)

	if diff := cmp.Diff([]PID{0, 1, 2, 3, 4, 5}, pids(p)); diff != "" {
		t.Fatalf("unexpected PIDs (-want +got):\n%s", diff)
	}

	for _, pid := range []PID{1, 3, 4} {
		if err := p.Exit(pid, 0); err != nil {
			t.Fatal(err)
		}
	}
	if got := p.Reap(); got != 3 {
		t.Fatalf("expected 3 processes to be reaped; got %d", got)
	}

	// the smallest gap is filled first
	for _, exp := range []PID{1, 3, 4, 6} {
		if got, err := p.Add(NewKernelProcess("filler", 0x1000)); err != nil || got != exp {
			t.Fatalf("expected PID %d; got (%d, %v)", exp, got, err)
		}
	}
}

func TestProcessorAddLimit(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	p := NewProcessor(mem)

	for i := 0; i < MaxProcesses; i++ {
		if _, err := p.Add(&Process{}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := p.Add(&Process{}); err != errTooManyProcs {
		t.Fatalf("expected errTooManyProcs; got %v", err)
	}
	if p.Len() != MaxProcesses {
		t.Fatalf("expected %d processes; got %d", MaxProcesses, p.Len())
	}
}

func TestProcessorSchedule(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	p := newTestProcessor(t, mem, 5)
	for _, pid := range []PID{1, 3, 4} {
		_ = p.Exit(pid, 0)
	}
	p.Reap()

	proc0, _ := p.Get(0)
	proc2, _ := p.Get(2)
	proc5, _ := p.Get(5)
	rsp2, rsp5 := proc2.RSP(), proc5.RSP()

	// init is interrupted with its frame at 0x1234
	rsp := uintptr(0x1234)
	p.Schedule(&rsp)
	if rsp != rsp2 || p.Current() != proc2 {
		t.Fatalf("expected switch to PID 2; current %d, rsp 0x%x", p.Current().PID(), rsp)
	}
	if proc0.RSP() != 0x1234 {
		t.Fatalf("expected the interrupted frame to be saved; got 0x%x", proc0.RSP())
	}
	if diff := cmp.Diff([]State{Ready, Running, Ready}, states(p)); diff != "" {
		t.Fatalf("unexpected states (-want +got):\n%s", diff)
	}

	rsp = 0x5678
	p.Schedule(&rsp)
	if rsp != rsp5 || p.Current() != proc5 || proc2.RSP() != 0x5678 {
		t.Fatalf("expected switch from PID 2 to PID 5; current %d, rsp 0x%x", p.Current().PID(), rsp)
	}

	// wrap around
	rsp = 0x9abc
	p.Schedule(&rsp)
	if rsp != 0x1234 || p.Current() != proc0 || proc5.RSP() != 0x9abc {
		t.Fatalf("expected switch from PID 5 to PID 0; current %d, rsp 0x%x", p.Current().PID(), rsp)
	}
	if diff := cmp.Diff([]State{Running, Ready, Ready}, states(p)); diff != "" {
		t.Fatalf("unexpected states (-want +got):\n%s", diff)
	}
}

func TestProcessorScheduleSingleProcess(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	p := newTestProcessor(t, mem, 0)

	rsp := uintptr(0x42)
	p.Schedule(&rsp)
	if rsp != 0x42 || p.Current().RSP() != 0 || p.Current().State() != Running {
		t.Fatal("expected scheduling with a single process to be a no-op")
	}

	empty := NewProcessor(mem)
	empty.Schedule(&rsp)
	if rsp != 0x42 || empty.Current() != nil {
		t.Fatal("expected scheduling an empty processor to be a no-op")
	}
}

func TestProcessorSleepWakeup(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	p := newTestProcessor(t, mem, 3)

	if err := p.Sleep(1, 0xbeef); err != nil {
		t.Fatal(err)
	}
	if err := p.Sleep(3, 0xbeef); err != nil {
		t.Fatal(err)
	}
	if err := p.Sleep(9, 0xbeef); err != errNoSuchProcess {
		t.Fatalf("expected errNoSuchProcess; got %v", err)
	}

	var trace []PID
	rsp := uintptr(0x1000)
	for i := 0; i < 3; i++ {
		p.Schedule(&rsp)
		trace = append(trace, p.Current().PID())
	}
	if diff := cmp.Diff([]PID{2, 0, 2}, trace); diff != "" {
		t.Fatalf("expected sleeping processes to be skipped (-want +got):\n%s", diff)
	}

	if got := p.Wakeup(0xf00); got != 0 {
		t.Fatalf("expected no process to wake up; got %d", got)
	}
	if got := p.Wakeup(0xbeef); got != 2 {
		t.Fatalf("expected 2 processes to wake up; got %d", got)
	}

	trace = trace[:0]
	for i := 0; i < 3; i++ {
		p.Schedule(&rsp)
		trace = append(trace, p.Current().PID())
	}
	if diff := cmp.Diff([]PID{3, 0, 1}, trace); diff != "" {
		t.Fatalf("unexpected schedule after wake up (-want +got):\n%s", diff)
	}

	// the current process keeps running until it is switched out
	if err := p.Sleep(1, 7); err != nil {
		t.Fatal(err)
	}
	if got := p.Wakeup(7); got != 1 || p.Current().State() != Running {
		t.Fatalf("expected woken current process to be running; got %s", p.Current().State())
	}
}

func TestProcessorExitReap(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	p := newTestProcessor(t, mem, 2)

	specs := []struct {
		pid    PID
		expErr *kernel.Error
	}{
		{0, errInitExit},
		{7, errNoSuchProcess},
		{1, nil},
	}
	for specIndex, spec := range specs {
		t.Run(fmt.Sprint(specIndex), func(t *testing.T) {
			if err := p.Exit(spec.pid, 3); err != spec.expErr {
				t.Fatalf("expected error %v; got %v", spec.expErr, err)
			}
		})
	}

	proc1, _ := p.Get(1)
	if proc1.State() != Exited || proc1.ExitCode() != 3 {
		t.Fatalf("expected PID 1 to have exited with code 3; got %s (%d)", proc1.State(), proc1.ExitCode())
	}
	if err := p.Sleep(1, 1); err != errNoSuchProcess {
		t.Fatalf("expected exited processes not to sleep; got %v", err)
	}

	// exited processes are skipped
	rsp := uintptr(0x1000)
	p.Schedule(&rsp)
	if p.Current().PID() != 2 {
		t.Fatalf("expected switch to PID 2; got %d", p.Current().PID())
	}

	// the current process is only reaped after it has been switched out
	_ = p.Exit(2, 0)
	if got := p.Reap(); got != 1 || p.Len() != 2 {
		t.Fatalf("expected only PID 1 to be reaped; reaped %d, %d left", got, p.Len())
	}
	p.Schedule(&rsp)
	if p.Current().PID() != 0 {
		t.Fatalf("expected switch to PID 0; got %d", p.Current().PID())
	}
	if got := p.Reap(); got != 1 || p.Len() != 1 {
		t.Fatalf("expected PID 2 to be reaped; reaped %d, %d left", got, p.Len())
	}
}

func TestProcessorFork(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	p := newTestProcessor(t, mem, 0)

	tf := gate.NewKernelThread(0xffffff0000102000, 0xffffff0000200000)
	pid, err := p.Fork(&tf)
	if err != nil {
		t.Fatal(err)
	}

	child, ok := p.Get(pid)
	if pid != 1 || !ok {
		t.Fatalf("expected child to get PID 1; got %d", pid)
	}
	if child.Frame().RSP != uint64(child.StackTop()) || child.Frame().RIP != tf.RIP {
		t.Fatalf("unexpected child frame: RIP 0x%x, RSP 0x%x", child.Frame().RIP, child.Frame().RSP)
	}

	empty := NewProcessor(mem)
	if _, err := empty.Fork(&tf); err != errNoSuchProcess {
		t.Fatalf("expected errNoSuchProcess; got %v", err)
	}
}

func TestProcessorUserAddressSpaces(t *testing.T) {
	m, mem, alloc := newTestMemory(t, 256)
	p := newTestProcessor(t, mem, 1)

	usedBefore := alloc.used()
	user, err := NewUserProcess("hello", testImage(), mem)
	if err != nil {
		t.Fatal(err)
	}
	pid, _ := p.Add(user)
	table, _ := user.PageTable()

	// init -> k1 -> hello -> init
	rsp := uintptr(0x1000)
	var roots []uint64
	for i := 0; i < 3; i++ {
		p.Schedule(&rsp)
		roots = append(roots, uint64(mem.Active.Root()))
	}
	if diff := cmp.Diff([]uint64{0, uint64(table.Frame()), 0}, roots); diff != "" {
		t.Fatalf("unexpected active tables (-want +got):\n%s", diff)
	}
	if m.Stats().RootLoads < 2 {
		t.Fatal("expected the page table to be reloaded on switches")
	}

	// the user process forks while its table is loaded
	p.Schedule(&rsp)
	p.Schedule(&rsp)
	if p.Current() != user {
		t.Fatalf("expected PID %d to run; got %d", pid, p.Current().PID())
	}

	tf := *user.Frame()
	childPID, err := p.Fork(&tf)
	if err != nil {
		t.Fatal(err)
	}
	if mem.Active.Root() != table.Frame() {
		t.Fatal("expected fork to keep the parent table loaded")
	}

	_ = p.Exit(childPID, 0)
	_ = p.Exit(pid, 0)
	p.Schedule(&rsp)
	if got := p.Reap(); got != 2 {
		t.Fatalf("expected 2 processes to be reaped; got %d", got)
	}
	if mem.Active.Root() != 0 {
		t.Fatal("expected the kernel table to be loaded")
	}
	if got := alloc.used(); got != usedBefore {
		t.Fatalf("expected reaping to release the address spaces; %d frames leaked", got-usedBefore)
	}
}

func TestProcessorDumpTo(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	p := newTestProcessor(t, mem, 2)
	_ = p.Sleep(1, 0x20)
	_ = p.Exit(2, 1)

	var buf bytes.Buffer
	p.DumpTo(&buf)

	exp := strings.Join([]string{
		"  PID      STATE NAME",
		"    0    running init",
		"    1   sleeping k1 (reason 0x20)",
		"    2     exited k2 (code 1)",
		"",
	}, "\n")
	if got := buf.String(); got != exp {
		t.Fatalf("expected:\n%s\ngot:\n%s", exp, got)
	}
}

func TestProcessorSyscall(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	p := newTestProcessor(t, mem, 1)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	rsp := uintptr(0x1000)
	call := func(num, arg uint64) uint64 {
		frame := gate.NewKernelThread(0x1000, 0x2000)
		frame.RAX, frame.RDI = num, arg
		return p.Syscall(&frame, &rsp)
	}

	if got := call(SysGetPID, 0); got != 0 {
		t.Fatalf("expected getpid to return 0; got %d", got)
	}

	if got := call(SysFork, 0); got != 2 {
		t.Fatalf("expected fork to return the child PID 2; got %d", got)
	}
	if child, _ := p.Get(2); child.Frame().RAX != 0 {
		t.Fatal("expected the child to observe 0 in RAX")
	}

	if got := call(SysYield, 0); got != 0 || p.Current().PID() != 1 {
		t.Fatalf("expected yield to switch to PID 1; got %d", p.Current().PID())
	}

	if got := call(SysSleep, 5); got != 0 || p.Current().PID() != 2 {
		t.Fatalf("expected sleep to switch to PID 2; got %d", p.Current().PID())
	}
	if got := call(SysWakeup, 5); got != 1 {
		t.Fatalf("expected wakeup to wake 1 process; got %d", got)
	}

	if got := call(SysExit, 9); got != 0 || p.Current().PID() != 0 {
		t.Fatalf("expected exit to switch to PID 0; got %d", p.Current().PID())
	}
	if proc2, _ := p.Get(2); proc2.State() != Exited || proc2.ExitCode() != 9 {
		t.Fatal("expected PID 2 to have exited")
	}
	if got := call(SysExit, 0); got != SyscallError {
		t.Fatal("expected init to be unable to exit")
	}

	call(SysPutc, 'h')
	call(SysPutc, 'i')
	if !strings.HasSuffix(buf.String(), "hi") {
		t.Fatalf("expected putc output; got %q", buf.String())
	}

	if got := call(999, 0); got != SyscallError {
		t.Fatalf("expected unknown system calls to fail; got %d", got)
	}
	if !strings.Contains(buf.String(), "[proc] process 0: unknown system call 999\n") {
		t.Fatalf("expected unknown system call to be logged; got %q", buf.String())
	}
}
