package kfmt

import (
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel"
	"github.com/oscourse-tsinghua/OS2018spring-projects-g15/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	// panicHooks run before the CPU is halted, e.g. to dump the trap frame
	// of the faulting context.
	panicHooks []func()

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}
)

// OnPanic registers fn to be invoked by Panic right before the CPU halts.
func OnPanic(fn func()) {
	panicHooks = append(panicHooks, fn)
}

// Panic outputs the supplied error (if not nil) to the console and halts the
// CPU. Calls to Panic never return. Panic also works as a redirection target
// for calls to panic() (resolved via runtime.gopanic) so every fatal
// invariant violation in the memory and process code ends up here.
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}
	for _, hook := range panicHooks {
		hook()
	}
	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
