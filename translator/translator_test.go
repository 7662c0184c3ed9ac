package translator

import (
	"testing"

	"github.com/ipasim-go/ipasim/emu"
	"github.com/ipasim-go/ipasim/internal/emutest"
	"github.com/ipasim-go/ipasim/loader"
)

func newTestTranslator(t *testing.T) (*Translator, *emutest.Fake) {
	fake := emutest.New()
	idx, err := loader.New(fake, "")
	if err != nil {
		t.Fatalf("loader.New: %v", err)
	}
	tr, err := New(fake, idx)
	if err != nil {
		t.Fatalf("translator.New: %v", err)
	}
	return tr, fake
}

func TestExecutePushesAndPopsLR(t *testing.T) {
	tr, fake := newTestTranslator(t)

	const callerLR = 0x1234
	fake.RegWrite(emu.REG_LR, callerLR)

	fake.Exec = func(pc uint64) error {
		lr, _ := fake.RegRead(emu.REG_LR)
		if lr != loader.KernelAddr {
			t.Errorf("LR during emulation = 0x%x, want kernel sentinel", lr)
		}
		return tr.returnToKernel()
	}

	if err := tr.Execute(0x5000); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	lr, _ := fake.RegRead(emu.REG_LR)
	if lr != callerLR {
		t.Errorf("LR after Execute = 0x%x, want restored 0x%x", lr, callerLR)
	}
	if len(tr.lrs) != 0 {
		t.Errorf("LR stack not empty after Execute returned: %v", tr.lrs)
	}
}

func TestContinueOutsideEmulationRejectsDoublePending(t *testing.T) {
	tr, _ := newTestTranslator(t)

	if err := tr.continueOutsideEmulation(func() {}); err != nil {
		t.Fatalf("first continuation should be accepted: %v", err)
	}
	if err := tr.continueOutsideEmulation(func() {}); err == nil {
		t.Fatal("second pending continuation should be rejected")
	}
}

func TestHandleFetchProtMemReturnsToKernel(t *testing.T) {
	tr, fake := newTestTranslator(t)
	fake.RegWrite(emu.REG_LR, 0x1234)
	tr.lrs = append(tr.lrs, 0x1234)

	if !tr.handleFetchProtMem(loader.KernelAddr, 4) {
		t.Fatal("fetch fault on kernel sentinel should be handled")
	}
	if !fake.Stopped {
		t.Error("expected emulation to be stopped after returning to kernel")
	}
}

func TestHandleMemUnmappedDemandMaps(t *testing.T) {
	tr, fake := newTestTranslator(t)

	if !tr.handleMemUnmapped(int(emu.MEM_READ), 0x9000, 4, 0) {
		t.Fatal("demand-mapping an unmapped access should succeed")
	}
	if err := fake.MemReadInto(make([]byte, 4), 0x9000); err != nil {
		t.Fatalf("address should now be mapped: %v", err)
	}
}
