package abi

import (
	"testing"

	"github.com/ipasim-go/ipasim/emu"
	"github.com/ipasim-go/ipasim/internal/emutest"
)

type alwaysEmulated struct{}

func (alwaysEmulated) IsEmulated(addr uint64) bool { return true }

type recordingExecutor struct {
	called bool
	addr   uint32
}

func (r *recordingExecutor) Execute(addr uint32) error {
	r.called = true
	r.addr = addr
	return nil
}

func TestBackCallerPanicsOnTooManyArgs(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for more than maxBackArgs arguments")
		}
	}()
	b := NewBackCaller(emutest.New(), alwaysEmulated{}, &recordingExecutor{})
	_ = b.Call(0x1000, []uint32{1, 2, 3, 4, 5})
}

func TestBackCallerWritesArgsAndExecutes(t *testing.T) {
	fake := emutest.New()
	exec := &recordingExecutor{}
	b := NewBackCaller(fake, alwaysEmulated{}, exec)

	if err := b.Call(0x2000, []uint32{10, 20, 30}); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !exec.called || exec.addr != 0x2000 {
		t.Fatalf("expected Execute(0x2000), got called=%v addr=0x%x", exec.called, exec.addr)
	}

	for i, want := range []uint64{10, 20, 30} {
		got, _ := fake.RegRead(emu.REG_R0 + i)
		if got != want {
			t.Errorf("R%d = %d, want %d", i, got, want)
		}
	}
}
