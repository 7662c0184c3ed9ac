// Package loader loads Mach-O dylibs and host-native "wrapper" libraries
// into a shared emulated ARM32 address space. Grounded on go/loader/macho.go
// and ipasim::DynamicLoader (original_source/src/IpaSimulator/DynamicLoader.cpp).
package loader

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/ipasim-go/ipasim/emu"
	"github.com/pkg/errors"
)

const pageSize = 0x1000

// KernelAddr is the single guest page mapped with no permissions (PROT_NONE), used as a
// distinguished LR/return target: the translator recognizes a fetch at this
// address as "emulation has returned to the host", not a real fault.
const KernelAddr = 0xfffff000

// Loader owns the library index and the emulator memory map it loads
// libraries into. Mirrors ipasim::DynamicLoader, minus the parts of that
// class (execute, the hooks) that now live in package translator.
type Loader struct {
	emu  emu.Emulator
	libs map[string]Library
	// prefix roots resolved absolute guest paths, paralleling usercorn's
	// LoadPrefix (see go/usercorn.go) — defaults to the working directory.
	prefix string

	// nextFree is the low-water mark for address ranges handed out by
	// reserve, used by loaders that cannot otherwise predict where a host
	// library's shadow mapping should live in the guest address space.
	nextFree uint64
}

const shadowRegionBase = 0x40000000

func New(e emu.Emulator, prefix string) (*Loader, error) {
	l := &Loader{emu: e, libs: map[string]Library{}, prefix: prefix, nextFree: shadowRegionBase}
	if err := e.MemMap(KernelAddr, pageSize, emu.PROT_NONE); err != nil {
		return nil, errors.Wrap(err, "mapping kernel sentinel page")
	}
	return l, nil
}

// ResolvePath implements spec.md's path-resolution rule: an absolute
// framework path (`/System/Library/Frameworks/...`) is rewritten to live
// under the generated wrapper tree (`gen/...`); everything else passes
// through unchanged. This is the prefix-less form used by tests; Loader.Load
// additionally roots the result of an absolute path under the loader's
// configured wrapper-DLL directory. Relative paths are not rooted there.
func ResolvePath(path string) string {
	if strings.HasPrefix(path, "/") {
		return filepath.Join("gen", path)
	}
	return path
}

func (l *Loader) resolvePath(path string) string {
	resolved := ResolvePath(path)
	if l.prefix != "" && strings.HasPrefix(path, "/") {
		return filepath.Join(l.prefix, resolved)
	}
	return resolved
}

// Load resolves path, returning the already-loaded Library if one exists
// for the resolved path (idempotent — testable property 2), or loading and
// recognizing it (Mach-O, wrapper DLL, or plain host library) otherwise.
func (l *Loader) Load(path string) (Library, error) {
	resolved := l.resolvePath(path)
	if lib, ok := l.libs[resolved]; ok {
		return lib, nil
	}

	log.WithField("path", resolved).Info("loading library")

	var lib Library
	var err error
	switch {
	case isMachO(resolved):
		lib, err = loadMachO(l, resolved)
	case isPE(resolved):
		lib, err = loadHostLibrary(l, resolved)
	default:
		return nil, errors.Errorf("invalid binary type: %s", resolved)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading %s", resolved)
	}

	if host, ok := lib.(*HostLibrary); ok {
		if _, hasMachHeader := host.FindSymbol("_mh_dylib_header"); hasMachHeader {
			host.machOPoser = true
		}
	}

	l.libs[resolved] = lib
	return lib, nil
}

// Lookup returns the library containing addr, if any.
func (l *Loader) Lookup(addr uint64) (Library, bool) {
	for _, lib := range l.libs {
		if lib.Contains(addr) {
			return lib, true
		}
	}
	return nil, false
}

// IsEmulated implements abi.Lookuper: true iff addr belongs to an
// EmulatedDylib rather than a HostLibrary or unmapped memory.
func (l *Loader) IsEmulated(addr uint64) bool {
	lib, ok := l.Lookup(addr)
	if !ok {
		return false
	}
	_, ok = lib.(*EmulatedDylib)
	return ok
}

func (l *Loader) Emulator() emu.Emulator { return l.emu }

// reserve hands out a fresh, page-aligned range of size bytes from the
// shadow region used for host libraries whose true address range cannot be
// determined ahead of mapping.
func (l *Loader) reserve(size uint64) (uint64, error) {
	size = roundToPageSize(size)
	addr := l.nextFree
	l.nextFree += size
	return addr, nil
}

func roundToPageSize(n uint64) uint64 { return alignUp(n, pageSize) }
func alignToPageSize(n uint64) uint64 { return n &^ (pageSize - 1) }
func alignUp(n, align uint64) uint64  { return (n + align - 1) &^ (align - 1) }

// readMagic returns the first four bytes of path, or nil if it can't be
// opened or is shorter than that — callers treat either as "no match".
func readMagic(path string) []byte {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	buf := make([]byte, 4)
	n, err := f.Read(buf)
	if err != nil || n < 4 {
		return nil
	}
	return buf
}
