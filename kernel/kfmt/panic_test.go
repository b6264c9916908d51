package kfmt

import (
	"bytes"
	"errors"
	"testing"

	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/cpu"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		panicHooks = nil
		SetOutputSink(nil)
	}()

	var (
		buf           bytes.Buffer
		cpuHaltCalled bool
	)
	SetOutputSink(&buf)
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}

	specs := []struct {
		name string
		arg  interface{}
		exp  string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "vmm", Message: "entry already mapped"},
			"\n-----------------------------------\n[vmm] unrecoverable error: entry already mapped\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			buf.Reset()
			cpuHaltCalled = false

			Panic(spec.arg)

			if got := buf.String(); got != spec.exp {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.exp, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}
}

func TestPanicHooks(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		panicHooks = nil
		SetOutputSink(nil)
	}()

	var buf bytes.Buffer
	SetOutputSink(&buf)
	buf.Reset()
	cpuHaltFn = func() {}

	OnPanic(func() { Printf("RIP = %x\n", 0xbadf00d) })
	Panic(&kernel.Error{Module: "gate", Message: "double fault"})

	exp := "\n-----------------------------------\n[gate] unrecoverable error: double fault\nRIP = badf00d\n*** kernel panic: system halted ***\n-----------------------------------\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
	}
}
