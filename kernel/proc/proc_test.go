package proc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/gate"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/kfmt"
)

// initTestKernel initializes the package level processor and captures the
// handlers it installs.
func initTestKernel(t *testing.T, mem Memory) map[gate.InterruptNumber]gate.SwitchHandler {
	t.Helper()

	installed := make(map[gate.InterruptNumber]gate.SwitchHandler)
	handleSwitchFn = func(intNumber gate.InterruptNumber, handler gate.SwitchHandler) {
		installed[intNumber] = handler
	}
	t.Cleanup(func() {
		handleSwitchFn = gate.HandleSwitch
		processor = nil
		ticks = 0
	})

	if err := Init(mem); err != nil {
		t.Fatal(err)
	}
	return installed
}

func TestInit(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)

	if _, err := Spawn(NewKernelProcess("early", 0x1000)); err != errNotInitialized {
		t.Fatalf("expected errNotInitialized; got %v", err)
	}

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	installed := initTestKernel(t, mem)
	if len(installed) != 2 || installed[gate.TimerInterrupt] == nil || installed[gate.SyscallInterrupt] == nil {
		t.Fatalf("expected the timer and syscall handlers to be installed; got %d handlers", len(installed))
	}
	if !strings.Contains(buf.String(), "[proc] scheduler running") {
		t.Fatalf("expected a start-up message; got %q", buf.String())
	}

	if err := Init(mem); err != errAlreadyInitialized {
		t.Fatalf("expected errAlreadyInitialized; got %v", err)
	}

	if first := processor.Current(); first == nil || first.Name() != "init" || first.PID() != 0 {
		t.Fatal("expected the running code to become the init process")
	}
}

func TestTimerHandler(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	installed := initTestKernel(t, mem)
	timer := installed[gate.TimerInterrupt]

	worker := NewKernelProcess("worker", 0x1000)
	pid, err := Spawn(worker)
	if err != nil || pid != 1 {
		t.Fatalf("expected worker to get PID 1; got (%d, %v)", pid, err)
	}
	workerRSP := worker.RSP()

	var frame gate.Registers
	rsp := uintptr(0xfeed)
	timer(&frame, &rsp)
	if rsp != workerRSP || Ticks() != 1 {
		t.Fatalf("expected the tick to switch to the worker; rsp 0x%x, ticks %d", rsp, Ticks())
	}

	timer(&frame, &rsp)
	if rsp != 0xfeed || Ticks() != 2 {
		t.Fatalf("expected the tick to switch back to init; rsp 0x%x, ticks %d", rsp, Ticks())
	}

	// exited processes are reaped on the next tick
	_ = processor.Exit(pid, 0)
	timer(&frame, &rsp)
	if processor.Len() != 1 || rsp != 0xfeed {
		t.Fatalf("expected the worker to be reaped; %d processes left", processor.Len())
	}
}

func TestScheduleAndFork(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	initTestKernel(t, mem)

	tf := gate.NewKernelThread(0x1000, 0x2000)
	pid, err := Fork(&tf)
	if err != nil || pid != 1 {
		t.Fatalf("expected child PID 1; got (%d, %v)", pid, err)
	}

	rsp := uintptr(0xfeed)
	Schedule(&rsp)
	if processor.Current().PID() != 1 {
		t.Fatalf("expected the child to run; got PID %d", processor.Current().PID())
	}
}

func TestSyscallHandler(t *testing.T) {
	_, mem, _ := newTestMemory(t, 16)
	installed := initTestKernel(t, mem)
	syscall := installed[gate.SyscallInterrupt]

	if _, err := Spawn(NewKernelProcess("worker", 0x1000)); err != nil {
		t.Fatal(err)
	}

	frame := gate.NewKernelThread(0x1000, 0x2000)
	frame.RAX = SysYield
	rsp := uintptr(0xfeed)
	syscall(&frame, &rsp)
	if frame.RAX != 0 || processor.Current().PID() != 1 {
		t.Fatalf("expected yield to switch to PID 1; got PID %d", processor.Current().PID())
	}

	frame.RAX = SysGetPID
	syscall(&frame, &rsp)
	if frame.RAX != 1 {
		t.Fatalf("expected getpid to return 1; got %d", frame.RAX)
	}
}
