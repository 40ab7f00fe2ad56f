package kfmt

import (
	"bytes"
	"errors"
	"kestrel/kernel"
	"kestrel/kernel/cpu"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		outputSink = nil
	}()

	var (
		buf           bytes.Buffer
		cpuHaltCalled bool
	)
	cpuHaltFn = func() {
		cpuHaltCalled = true
	}
	SetOutputSink(&buf)

	specs := []struct {
		name   string
		arg    interface{}
		expOut string
	}{
		{
			"with *kernel.Error",
			&kernel.Error{Module: "gdt", Message: "descriptor table already initialized"},
			"\n-----------------------------------\n[gdt] unrecoverable error: descriptor table already initialized\n*** system halted ***\n-----------------------------------\n",
		},
		{
			"with error",
			errors.New("go error"),
			"\n-----------------------------------\n[rt] unrecoverable error: go error\n*** system halted ***\n-----------------------------------\n",
		},
		{
			"with string",
			"string error",
			"\n-----------------------------------\n[rt] unrecoverable error: string error\n*** system halted ***\n-----------------------------------\n",
		},
		{
			"without error",
			nil,
			"\n-----------------------------------\n*** system halted ***\n-----------------------------------\n",
		},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			buf.Reset()
			cpuHaltCalled = false

			Panic(spec.arg)

			if got := buf.String(); got != spec.expOut {
				t.Fatalf("expected to get:\n%q\ngot:\n%q", spec.expOut, got)
			}

			if !cpuHaltCalled {
				t.Fatal("expected cpu.Halt() to be called by Panic")
			}
		})
	}
}
