package abi

import (
	"testing"

	"github.com/ipasim-go/ipasim/emu"
	"github.com/ipasim-go/ipasim/internal/emutest"
)

func TestDynamicCallerArityLimit(t *testing.T) {
	fake := emutest.New()
	if err := fake.MemMap(0x8000, 0x1000, emu.PROT_READ|emu.PROT_WRITE); err != nil {
		t.Fatalf("MemMap: %v", err)
	}
	if err := fake.RegWrite(emu.REG_SP, 0x8000); err != nil {
		t.Fatalf("RegWrite SP: %v", err)
	}

	c := NewDynamicCaller(fake)
	for i := 0; i < 6; i++ {
		if err := c.LoadArg(4); err != nil {
			t.Fatalf("LoadArg %d: %v", i, err)
		}
	}
	if err := c.LoadArg(4); err != nil {
		t.Fatalf("7th LoadArg should still just buffer: %v", err)
	}
	if err := c.Call(false, 0); err != ErrArityUnsupported {
		t.Fatalf("Call with 7 args = %v, want ErrArityUnsupported", err)
	}
}
