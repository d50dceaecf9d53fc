package kernel

import (
	"testing"

	"ignition/kernel/cpu"
	"ignition/kernel/kfmt/early"
)

type captureSink struct{ buf []byte }

func (s *captureSink) WriteByte(b byte) { s.buf = append(s.buf, b) }
func (s *captureSink) Write(p []byte)   { s.buf = append(s.buf, p...) }

// haltSignal is raised by the fake cpuHaltFn so a test can leave Panic's
// endless halt loop after the first halt.
type haltSignal struct{}

// callPanic runs Panic and recovers the haltSignal raised by the fake halt.
func callPanic(e interface{}) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(haltSignal); !ok {
				panic(r)
			}
		}
	}()
	Panic(e)
}

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		early.SetSink(nil)
	}()

	var cpuHaltCalled bool
	cpuHaltFn = func() {
		cpuHaltCalled = true
		panic(haltSignal{})
	}

	t.Run("with error", func(t *testing.T) {
		cpuHaltCalled = false
		sink := &captureSink{}
		early.SetSink(sink)

		err := &Error{Module: "test", Message: "panic test"}
		callPanic(err)

		exp := "** PANIC: panic test\n"
		if got := string(sink.buf); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("without error", func(t *testing.T) {
		cpuHaltCalled = false
		sink := &captureSink{}
		early.SetSink(sink)

		callPanic(nil)

		exp := "** PANIC: unknown cause\n"
		if got := string(sink.buf); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})

	t.Run("with plain string", func(t *testing.T) {
		cpuHaltCalled = false
		sink := &captureSink{}
		early.SetSink(sink)

		callPanic("disk read failed")

		exp := "** PANIC: disk read failed\n"
		if got := string(sink.buf); got != exp {
			t.Fatalf("expected to get:\n%q\ngot:\n%q", exp, got)
		}

		if !cpuHaltCalled {
			t.Fatal("expected cpu.Halt() to be called by Panic")
		}
	})
}
