//go:build !windows

package loader

/*
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"strings"
	"unsafe"

	"github.com/ipasim-go/ipasim/emu"
	"github.com/pkg/errors"
)

// hostHandle is the dlopen handle a HostLibrary's symbols are looked up
// against on platforms without a native PE loader.
type hostHandle unsafe.Pointer

func isPE(path string) bool {
	magic := readMagic(path)
	return len(magic) >= 2 && magic[0] == 'M' && magic[1] == 'Z'
}

// loadHostLibrary is the non-Windows stand-in for loading a wrapper DLL:
// it dlopens path itself as a host-native shared library and maps a
// read-write, non-executable shadow range for it in the guest so branches
// into it still fault through the translator's fetch-protection hook.
func loadHostLibrary(l *Loader, path string) (Library, error) {
	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	h := C.dlopen(cpath, C.RTLD_NOW)
	if h == nil {
		return nil, errors.Errorf("dlopen(%s) failed", path)
	}

	// There is no portable way to learn a dlopen'd image's address range
	// up front; reserve a conservative guest-side shadow region sized to
	// one megabyte, matching the original's use of a generous fixed
	// mapping when the true PE size could not be determined ahead of load.
	const shadowSize = 1 << 20
	start, err := l.reserve(shadowSize)
	if err != nil {
		return nil, errors.Wrap(err, "reserving host library shadow range")
	}
	if err := l.emu.MemMap(start, shadowSize, emu.PROT_READ|emu.PROT_WRITE); err != nil {
		return nil, errors.Wrap(err, "mapping host library shadow range")
	}

	return &HostLibrary{
		path:         path,
		startAddress: start,
		size:         shadowSize,
		isWrapper:    strings.HasSuffix(strings.ToLower(path), ".wrapper.dll"),
		handle:       hostHandle(h),
	}, nil
}

func findHostSymbol(h hostHandle, name string) (uint64, bool) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))
	sym := C.dlsym(unsafe.Pointer(h), cname)
	if sym == nil {
		return 0, false
	}
	return uint64(uintptr(sym)), true
}
