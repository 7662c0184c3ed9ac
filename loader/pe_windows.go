//go:build windows

package loader

import (
	"strings"
	"unsafe"

	"github.com/ipasim-go/ipasim/emu"
	"github.com/pkg/errors"
	"golang.org/x/sys/windows"
)

// hostHandle is the loaded-module handle a HostLibrary's symbols are looked
// up against. On Windows this is the HMODULE returned by LoadLibraryEx.
type hostHandle windows.Handle

func isPE(path string) bool {
	magic := readMagic(path)
	return len(magic) >= 2 && magic[0] == 'M' && magic[1] == 'Z'
}

// loadHostLibrary loads a native Windows DLL (a real Win32 library, or a
// generated "wrapper" DLL) read-write and non-executable into a region of
// the guest address space, so any guest branch into it faults and is
// redirected through the translator's fetch-protection hook. Ported from
// ipasim::DynamicLoader::loadPE.
func loadHostLibrary(l *Loader, path string) (Library, error) {
	h, err := windows.LoadLibraryEx(path, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	if err != nil {
		return nil, errors.Wrapf(err, "LoadLibraryEx(%s)", path)
	}

	var info windows.ModuleInfo
	if err := windows.K32GetModuleInformation(windows.CurrentProcess(), h, &info, uint32(unsafe.Sizeof(info))); err != nil {
		return nil, errors.Wrap(err, "GetModuleInformation")
	}

	start := uint64(info.BaseOfDll)
	size := roundToPageSize(uint64(info.SizeOfImage))

	// Mapped read-write but never executable: every guest branch into this
	// range must fault so the fetch-protection hook can redirect it.
	if err := l.emu.MemMap(start, size, emu.PROT_READ|emu.PROT_WRITE); err != nil {
		return nil, errors.Wrap(err, "mapping host library range")
	}
	buf := unsafe.Slice((*byte)(unsafe.Pointer(info.BaseOfDll)), int(info.SizeOfImage))
	if err := l.emu.MemWrite(start, buf); err != nil {
		return nil, errors.Wrap(err, "copying host library image into guest memory")
	}

	return &HostLibrary{
		path:         path,
		startAddress: start,
		size:         size,
		isWrapper:    strings.HasSuffix(strings.ToLower(path), ".wrapper.dll"),
		handle:       hostHandle(h),
	}, nil
}

func findHostSymbol(h hostHandle, name string) (uint64, bool) {
	addr, err := windows.GetProcAddress(windows.Handle(h), name)
	if err != nil || addr == 0 {
		return 0, false
	}
	return uint64(addr), true
}
