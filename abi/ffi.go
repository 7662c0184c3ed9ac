package abi

/*
#cgo LDFLAGS: -lffi
#include <ffi.h>
#include <stdlib.h>
#include <stdint.h>

// Thin wrappers so cgo reliably sees a fixed, non-variadic signature for
// each libffi entry point we use.

static ffi_cif *ipasim_alloc_cif(void) { return (ffi_cif *)malloc(sizeof(ffi_cif)); }

static int ipasim_prep_cif(ffi_cif *cif, unsigned nargs, ffi_type *rtype, ffi_type **atypes) {
  return ffi_prep_cif(cif, FFI_DEFAULT_ABI, nargs, rtype, atypes);
}

static void ipasim_call(ffi_cif *cif, void *fn, void *rvalue, void **avalue) {
  ffi_call(cif, (void (*)(void))fn, rvalue, avalue);
}

void *ipasim_closure_alloc(void **executable) {
  return ffi_closure_alloc(sizeof(ffi_closure), executable);
}

static void ipasim_closure_free(void *closure) {
  ffi_closure_free(closure);
}

extern void ipasimTrampolineThunk(void *, void *, void **, uintptr_t);
static void ipasim_thunk(ffi_cif *cif, void *ret, void **args, void *userdata) {
  ipasimTrampolineThunk((void *)cif, ret, args, (uintptr_t)userdata);
}

int ipasim_prep_closure(void *closure, ffi_cif *cif, void *userdata, void *executable) {
  return ffi_prep_closure_loc((ffi_closure *)closure, cif, ipasim_thunk, userdata, executable);
}

static ffi_type *ipasim_type_uint32(void) { return &ffi_type_uint32; }
static ffi_type *ipasim_type_void(void)   { return &ffi_type_void; }
static ffi_type *ipasim_type_pointer(void) { return &ffi_type_pointer; }
*/
import "C"

import (
	"unsafe"

	"github.com/pkg/errors"
)

// ffiU32CIF prepares a C-heap cif for a function taking nargs uint32
// arguments, returning either uint32 or void. Every call in this package's
// ARM32 world passes 32-bit words, so one layout covers guest<->host calls,
// trampolines, and closures alike.
func ffiU32CIF(nargs int, returns bool) (*C.ffi_cif, unsafe.Pointer, error) {
	var atypes unsafe.Pointer
	if nargs > 0 {
		atypes = C.malloc(C.size_t(nargs) * C.size_t(unsafe.Sizeof(uintptr(0))))
		vec := (*[1<<30 - 1]*C.ffi_type)(atypes)[:nargs:nargs]
		for i := range vec {
			vec[i] = C.ipasim_type_uint32()
		}
	}
	rtype := C.ipasim_type_void()
	if returns {
		rtype = C.ipasim_type_uint32()
	}
	cif := C.ipasim_alloc_cif()
	if cif == nil {
		return nil, nil, errors.New("ffi: out of memory allocating cif")
	}
	if st := C.ipasim_prep_cif(cif, C.uint(nargs), rtype, (**C.ffi_type)(atypes)); st != C.FFI_OK {
		return nil, atypes, errors.Errorf("ffi_prep_cif failed: %d", int(st))
	}
	return cif, atypes, nil
}

// ffiCallU32 invokes addr as a C function taking len(args) uint32 arguments
// via libffi, returning its uint32 result (0 if the callee is void).
func ffiCallU32(addr unsafe.Pointer, args []uint32, returns bool) (uint32, error) {
	cif, atypes, err := ffiU32CIF(len(args), returns)
	if err != nil {
		return 0, err
	}
	defer C.free(unsafe.Pointer(cif))
	defer C.free(atypes)

	var avalue unsafe.Pointer
	if len(args) > 0 {
		avalue = C.malloc(C.size_t(len(args)) * C.size_t(unsafe.Sizeof(uintptr(0))))
		defer C.free(avalue)
		avec := (*[1<<30 - 1]unsafe.Pointer)(avalue)[:len(args):len(args)]
		for i := range args {
			avec[i] = unsafe.Pointer(&args[i])
		}
	}

	var ret C.uint32_t
	C.ipasim_call(cif, addr, unsafe.Pointer(&ret), (*unsafe.Pointer)(avalue))
	return uint32(ret), nil
}
