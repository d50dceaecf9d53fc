package kernel

import (
	"ignition/kernel/cpu"
	"ignition/kernel/kfmt/early"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &Error{Module: "rt", Message: "unknown cause"}
)

// Panic prints "** PANIC: <message>" to every attached early.Sink (console
// and serial) and halts the CPU in an infinite loop. Calls to Panic never
// return: no stack unwinding occurs and no destructors run, since past this
// point the heap and physical map may already be corrupt.
//
// Panic also works as a redirection target for calls to panic() (resolved
// via runtime.gopanic), so it accepts the same argument shapes the runtime
// passes to a recover()ed panic value.
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *Error

	switch t := e.(type) {
	case *Error:
		err = t
	case string:
		errRuntimePanic.Message = t
		err = errRuntimePanic
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	default:
		errRuntimePanic.Message = "unknown cause"
		err = errRuntimePanic
	}

	if err != nil {
		early.Printf("** PANIC: %s\n", err.Message)
	} else {
		early.Printf("** PANIC: unknown cause\n")
	}

	for {
		cpuHaltFn()
	}
}
