package abi

/*
#include <ffi.h>
#include <stdint.h>

void *ipasim_closure_alloc(void **executable);
int ipasim_prep_closure(void *closure, ffi_cif *cif, void *userdata, void *executable);
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"github.com/apex/log"
	"github.com/ipasim-go/ipasim/emu"
	"github.com/pkg/errors"
)

// ErrCallbackTooManyArgs is returned by Translate when a callback's
// method-type encoding needs more than four 32-bit arguments — the original
// only ever generates trampolines through R0..R3, never the stack.
var ErrCallbackTooManyArgs = errors.New("callback has too many arguments")

// ErrUnsupportedCallbackType is returned by Translate for a method-type
// encoding it cannot represent as a flat sequence of 32-bit words.
var ErrUnsupportedCallbackType = errors.New("unsupported callback argument or return type")

// trampoline is the long-lived state behind one synthesized closure. It is
// addressed from C via a runtime/cgo.Handle rather than a raw Go pointer
// kept alive "by convention", because nothing on the Go side ever calls
// back into this struct directly — only libffi, from C.
type trampoline struct {
	emu     emu.Emulator
	exec    Executor
	addr    uint32
	argc    int
	returns bool
}

// Translate returns a host-callable function pointer for addr. If addr is
// not inside any emulated dylib it is already host-visible and is returned
// unchanged; otherwise a libffi closure is synthesized from methodType (an
// Objective-C method-type encoding) that, when the host calls it, loads the
// decoded arguments into R0..R3 and resumes emulation at addr.
//
// The closure and its cgo.Handle are intentionally never freed: the host
// may retain and call the returned pointer for the lifetime of the process,
// exactly as the original's `new Trampoline` was never deleted.
func Translate(e emu.Emulator, exec Executor, lookup Lookuper, addr uint32, methodType string) (unsafe.Pointer, error) {
	if !lookup.IsEmulated(uint64(addr)) {
		return unsafe.Pointer(uintptr(addr)), nil
	}

	td := NewTypeDecoder(methodType)
	retSize, ok := td.NextSize()
	if !ok {
		return nil, ErrUnsupportedCallbackType
	}
	var returns bool
	switch retSize {
	case 0:
		returns = false
	case 4:
		returns = true
	default:
		return nil, errors.Wrap(ErrUnsupportedCallbackType, "return type")
	}

	argc := 0
	for td.HasNext() {
		size, ok := td.NextSize()
		if !ok || size != 4 {
			if size == InvalidSize {
				return nil, ErrUnsupportedCallbackType
			}
			return nil, errors.Wrap(ErrUnsupportedCallbackType, "argument type")
		}
		argc++
		if argc > maxBackArgs {
			return nil, ErrCallbackTooManyArgs
		}
	}

	log.WithField("addr", addr).WithField("argc", argc).Info("synthesizing host trampoline for guest callback")

	tr := &trampoline{emu: e, exec: exec, addr: addr, argc: argc, returns: returns}
	handle := cgo.NewHandle(tr)

	cif, _, err := ffiU32CIF(argc, returns)
	if err != nil {
		handle.Delete()
		return nil, errors.Wrap(err, "preparing trampoline CIF")
	}

	var executable unsafe.Pointer
	closure := C.ipasim_closure_alloc(&executable)
	if closure == nil {
		handle.Delete()
		return nil, errors.New("couldn't allocate ffi closure")
	}
	if st := C.ipasim_prep_closure(closure, cif, unsafe.Pointer(uintptr(handle)), executable); st != C.FFI_OK {
		handle.Delete()
		return nil, errors.Errorf("ffi_prep_closure_loc failed: %d", int(st))
	}
	return executable, nil
}

//export ipasimTrampolineThunk
func ipasimTrampolineThunk(cif unsafe.Pointer, ret unsafe.Pointer, args *unsafe.Pointer, userdata C.uintptr_t) {
	tr := cgo.Handle(userdata).Value().(*trampoline)

	argv := (*[maxBackArgs]unsafe.Pointer)(unsafe.Pointer(args))[:tr.argc:tr.argc]
	for i, a := range argv {
		v := *(*uint32)(a)
		if err := tr.emu.RegWrite(emu.REG_R0+i, uint64(v)); err != nil {
			log.WithError(err).Error("writing trampoline argument register")
			return
		}
	}

	if err := tr.exec.Execute(tr.addr); err != nil {
		log.WithError(err).Error("executing guest callback from trampoline")
		return
	}

	if tr.returns {
		v, err := tr.emu.RegRead(emu.REG_R0)
		if err != nil {
			log.WithError(err).Error("reading trampoline return register")
			return
		}
		*(*C.uint32_t)(ret) = C.uint32_t(v)
	}
}
