// Package translator implements the guest<->host control-flow state
// machine: resuming emulation at a given address, recognizing a return to
// the kernel sentinel, and deferring host work that must not run inside a
// nested uc_emu_start. Ported from the execute/returnToKernel/
// returnToEmulation/continueOutsideEmulation family in
// ipasim::DynamicLoader (DynamicLoader.cpp).
package translator

import (
	"github.com/apex/log"
	"github.com/ipasim-go/ipasim/abi"
	"github.com/ipasim-go/ipasim/emu"
	"github.com/ipasim-go/ipasim/loader"
	"github.com/pkg/errors"
)

// Translator owns the single-threaded cooperative state machine that
// drives one Unicorn instance through nested guest<->host transitions.
// There are no locks: at most one emu.Start call is ever active at a time
// (nested Execute calls only start emulation from a continuation, after the
// enclosing Start has returned), and continueOutsideEmulation enforces at most one pending
// continuation, matching the original's single-threaded assumption.
type Translator struct {
	emu   emu.Emulator
	idx   *loader.Loader
	hooks *hookSet
	back  *abi.BackCaller

	running  bool
	restart  bool
	cont     bool
	continuation func()

	// lrs is the link-register stack: each nested execute() push/pops the
	// caller's LR around overwriting it with loader.KernelAddr, so that a
	// guest `bx lr` returns straight into the kernel sentinel instead of
	// wherever the enclosing call happened to be.
	lrs []uint64
}

func New(e emu.Emulator, idx *loader.Loader) (*Translator, error) {
	t := &Translator{emu: e, idx: idx}
	t.back = abi.NewBackCaller(e, idx, t)
	hooks, err := installHooks(t)
	if err != nil {
		return nil, errors.Wrap(err, "installing translator hooks")
	}
	t.hooks = hooks
	return t, nil
}

// Execute resumes emulation at addr and blocks until the guest call
// returns to the kernel sentinel (or another restart target set by
// returnToEmulation). It implements abi.Executor.
func (t *Translator) Execute(addr uint32) error {
	lr, err := t.emu.RegRead(emu.REG_LR)
	if err != nil {
		return errors.Wrap(err, "reading LR before nested call")
	}
	t.lrs = append(t.lrs, lr)
	if err := t.emu.RegWrite(emu.REG_LR, loader.KernelAddr); err != nil {
		return errors.Wrap(err, "setting kernel sentinel LR")
	}

	current := uint64(addr)
	for {
		t.running = true
		if err := t.emu.Start(current, loader.KernelAddr); err != nil {
			t.running = false
			return errors.Wrapf(err, "emulating from 0x%x", current)
		}
		if t.running {
			log.Error("emulation stopped without clearing running flag")
			t.running = false
		}

		if t.cont {
			t.cont = false
			cont := t.continuation
			t.continuation = nil
			cont()
		}

		if t.restart {
			t.restart = false
			lr, err := t.emu.RegRead(emu.REG_LR)
			if err != nil {
				return errors.Wrap(err, "reading restart LR")
			}
			current = lr
			continue
		}
		break
	}
	return nil
}

// returnToKernel pops the LR stack and stops emulation, signalling that the
// current guest call has returned to its caller.
func (t *Translator) returnToKernel() error {
	if len(t.lrs) == 0 {
		return errors.New("LR stack underflow in returnToKernel")
	}
	lr := t.lrs[len(t.lrs)-1]
	t.lrs = t.lrs[:len(t.lrs)-1]
	if err := t.emu.RegWrite(emu.REG_LR, lr); err != nil {
		return errors.Wrap(err, "restoring caller LR")
	}
	t.running = false
	return t.emu.Stop()
}

// returnToEmulation arranges for Execute's loop to resume at the guest
// address currently in LR once the running uc_emu_start call unwinds.
func (t *Translator) returnToEmulation() error {
	t.restart = true
	return nil
}

// continueOutsideEmulation defers cont to run after the current
// uc_emu_start call has unwound, rather than calling it directly from
// inside a hook — the original's assert(!Continue) enforces that at most
// one such deferred call may be outstanding, since recursing into a second
// uc_emu_start from within a hook callback is unsafe.
func (t *Translator) continueOutsideEmulation(cont func()) error {
	if t.cont {
		return errors.New("a continuation is already pending")
	}
	t.cont = true
	t.continuation = cont
	t.running = false
	return t.emu.Stop()
}
