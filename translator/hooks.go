package translator

import (
	"fmt"
	"path/filepath"

	"github.com/apex/log"
	"github.com/ipasim-go/ipasim/abi"
	"github.com/ipasim-go/ipasim/emu"
	"github.com/ipasim-go/ipasim/loader"
	"github.com/pkg/errors"
)

type hookSet struct {
	fetchProt emu.Hook
	code      emu.Hook
	memWrite  emu.Hook
	memUnmap  emu.Hook
}

func installHooks(t *Translator) (*hookSet, error) {
	var hs hookSet
	var err error

	hs.fetchProt, err = t.emu.HookAdd(emu.HOOK_MEM_FETCH_PROT, emu.FetchProtFunc(t.handleFetchProtMem), 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "fetch-prot hook")
	}
	hs.code, err = t.emu.HookAdd(emu.HOOK_CODE, emu.CodeFunc(t.handleCode), 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "code hook")
	}
	hs.memWrite, err = t.emu.HookAdd(emu.HOOK_MEM_WRITE, emu.MemWriteFunc(t.handleMemWrite), 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mem-write hook")
	}
	hs.memUnmap, err = t.emu.HookAdd(emu.HOOK_MEM_READ_UNMAPPED|emu.HOOK_MEM_WRITE_UNMAPPED, emu.MemUnmappedFunc(t.handleMemUnmapped), 1, 0)
	if err != nil {
		return nil, errors.Wrap(err, "mem-unmapped hook")
	}
	return &hs, nil
}

// handleFetchProtMem is the heart of the translator: a guest branch landed
// on a page mapped PROT_NONE/PROT_READ|PROT_WRITE (never executable), which
// means either the call has returned to the kernel sentinel, or it has
// jumped into host code that must be dispatched some other way. Ported
// from ipasim::DynamicLoader::handleFetchProtMem.
func (t *Translator) handleFetchProtMem(addr uint64, size int) bool {
	if addr == loader.KernelAddr {
		if err := t.returnToKernel(); err != nil {
			log.WithError(err).Error("returning to kernel")
		}
		return true
	}

	lib, ok := t.idx.Lookup(addr)
	if !ok {
		log.WithField("addr", addr).Error("fetch protection fault at unmapped address")
		return false
	}

	host, ok := lib.(*loader.HostLibrary)
	if !ok {
		// A jump into another emulated dylib's data — not this hook's job;
		// let the CPU exception surface it as a genuine fault.
		return false
	}

	// Wrapper tracks whether the address we end up dispatching to is host
	// native code that must be FFI-called rather than guest ARM code that
	// can simply be jumped to. It starts true when the fault landed
	// directly on a wrapper DLL, and is set true again if the WrapperIndex
	// resolves the call to a symbol inside the owning framework's host
	// library.
	wrapper := host.IsWrapperDLL()
	target := addr

	if !wrapper {
		wrapperPath := filepath.Join("gen", filepath.Base(host.Path())+".wrapper.dll")
		wrapped, err := t.idx.Load(wrapperPath)
		if err != nil {
			log.WithError(err).WithField("lib", host.Path()).Error("loading wrapper DLL for host library")
			return false
		}
		wrapperHost, ok := wrapped.(*loader.HostLibrary)
		if !ok {
			log.WithField("lib", wrapperPath).Error("resolved wrapper path is not a host library")
			return false
		}

		widx, err := loader.LoadWrapperIndex(wrapperHost)
		if err != nil {
			return t.dispatchDynamically(host, addr)
		}

		rva := uint32(addr-host.StartAddress()) + 0x1000
		dylibPath, ok := widx.Lookup(rva)
		if !ok {
			return t.dispatchDynamically(host, addr)
		}

		dylib, err := t.idx.Load(dylibPath)
		if err != nil {
			log.WithError(err).WithField("dylib", dylibPath).Error("loading wrapper target dylib")
			return false
		}

		alias := fmt.Sprintf("$__ipaSim_wraps_%d", rva)
		resolved, ok := dylib.FindSymbol(alias)
		if !ok {
			log.WithField("alias", alias).Error("wrapper alias symbol not found in target dylib")
			return false
		}
		target = resolved
		wrapper = true
	}

	if !wrapper {
		if err := t.emu.RegWrite(emu.REG_PC, target); err != nil {
			log.WithError(err).Error("redirecting PC to wrapped target")
			return false
		}
		return true
	}

	return t.callWrapper(target)
}

// callWrapper dispatches to host native code at fp: it reads the guest's R0
// (the convention passes a pointer to a caller-allocated argument struct),
// then defers, via continueOutsideEmulation, a thunk that calls fp as
// void(uint32) with that R0 and resumes emulation afterward.
func (t *Translator) callWrapper(fp uint64) bool {
	r0, err := t.emu.RegRead(emu.REG_R0)
	if err != nil {
		log.WithError(err).Error("reading R0 before wrapper call")
		return false
	}

	err = t.continueOutsideEmulation(func() {
		if err := t.back.Call(uint32(fp), []uint32{uint32(r0)}); err != nil {
			log.WithError(err).Error("calling wrapper function")
			return
		}
		if err := t.returnToEmulation(); err != nil {
			log.WithError(err).Error("resuming emulation after wrapper call")
		}
	})
	if err != nil {
		log.WithError(err).Error("deferring wrapper call")
		return false
	}
	return true
}

// dispatchDynamically is the fallback when a wrapper DLL's WrapperIndex
// doesn't cover a call site: decode the Objective-C method-type encoding
// for the target and marshal the call through DynamicCaller, deferred via
// continueOutsideEmulation since this must not recurse into uc_emu_start.
func (t *Translator) dispatchDynamically(host *loader.HostLibrary, addr uint64) bool {
	dylib, ok := t.currentDylib()
	if !ok {
		log.Error("dynamic dispatch fallback with no current emulated dylib context")
		return false
	}
	methodType, ok := dylib.MethodType(addr)
	if !ok {
		log.WithField("addr", addr).Error("no method-type encoding registered for dynamic dispatch target")
		return false
	}

	err := t.continueOutsideEmulation(func() {
		caller := abi.NewDynamicCaller(t.emu)
		td := abi.NewTypeDecoder(methodType)
		retSize, _ := td.NextSize()
		for td.HasNext() {
			size, ok := td.NextSize()
			if !ok {
				log.Error("malformed method-type encoding during dynamic dispatch")
				return
			}
			if err := caller.LoadArg(size); err != nil {
				log.WithError(err).Error("loading dynamic dispatch argument")
				return
			}
		}
		if err := caller.Call(retSize == 4, uint32(addr)); err != nil {
			log.WithError(err).Error("dynamic dispatch call failed")
			return
		}
		if err := t.returnToEmulation(); err != nil {
			log.WithError(err).Error("resuming emulation after dynamic dispatch")
		}
	})
	if err != nil {
		log.WithError(err).Error("deferring dynamic dispatch")
		return false
	}
	return true
}

// currentDylib resolves the emulated dylib that is conceptually "calling
// out" right now, used to look up method-type metadata for the dynamic
// dispatch fallback. It uses the guest's current LR, the return address of
// the call into host code, which points back into the emulated dylib that
// issued the call.
func (t *Translator) currentDylib() (*loader.EmulatedDylib, bool) {
	lr, err := t.emu.RegRead(emu.REG_LR)
	if err != nil {
		return nil, false
	}
	lib, ok := t.idx.Lookup(lr)
	if !ok {
		return nil, false
	}
	dylib, ok := lib.(*loader.EmulatedDylib)
	return dylib, ok
}

// handleCode re-checks the current PC against the fetch-protection hook on
// every instruction when it falls inside a library that isn't a plain
// EmulatedDylib. This works around a known Unicorn bug where a
// fetch-protection fault is sometimes not reported for the first
// instruction of a freshly protected page.
func (t *Translator) handleCode(addr uint64, size uint32) {
	lib, ok := t.idx.Lookup(addr)
	if !ok {
		return
	}
	if _, ok := lib.(*loader.EmulatedDylib); ok {
		return
	}
	t.handleFetchProtMem(addr, int(size))
}

// handleMemWrite is a pure trace point; it never refuses a write.
func (t *Translator) handleMemWrite(addr uint64, size int, value int64) {
}

// handleMemUnmapped demand-maps a fresh page-aligned RW region covering the
// faulting access and lets Unicorn retry it, rather than treating every
// first touch of guest heap/stack memory as an error.
func (t *Translator) handleMemUnmapped(access int, addr uint64, size int, value int64) bool {
	const pageSize = 0x1000
	base := addr &^ (pageSize - 1)
	mapSize := uint64(pageSize)
	if addr+uint64(size) > base+mapSize {
		mapSize = pageSize * 2
	}
	if err := t.emu.MemMap(base, mapSize, emu.PROT_READ|emu.PROT_WRITE); err != nil {
		log.WithError(err).WithField("addr", addr).Error("demand-mapping unmapped access")
		return false
	}
	return true
}
