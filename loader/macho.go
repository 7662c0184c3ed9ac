package loader

import (
	"bytes"
	"encoding/binary"
	"path/filepath"

	"github.com/apex/log"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/ipasim-go/ipasim/emu"
	"github.com/pkg/errors"
)

var machoMagics = [][]byte{
	{0xfe, 0xed, 0xfa, 0xce}, // MH_MAGIC (32-bit, big endian on disk)
	{0xce, 0xfa, 0xed, 0xfe}, // MH_CIGAM
	{0xfe, 0xed, 0xfa, 0xcf}, // MH_MAGIC_64
	{0xcf, 0xfa, 0xed, 0xfe}, // MH_CIGAM_64
}

func isMachO(path string) bool {
	magic := readMagic(path)
	for _, m := range machoMagics {
		if bytes.Equal(magic, m) {
			return true
		}
	}
	return false
}

// canSegmentsSlide mirrors ipasim::DynamicLoader::canSegmentsSlide: only a
// PIE dylib/bundle/executable may be relocated away from its preferred
// address; anything else must be loaded exactly where it says.
func canSegmentsSlide(hdr types.FileHeader) bool {
	switch hdr.Type {
	case types.MH_DYLIB, types.MH_BUNDLE, types.MH_EXECUTE:
		return hdr.Flags.PIE()
	default:
		return false
	}
}

// loadMachO maps an ARM32 Mach-O dylib into the guest address space, applies
// its rebases (pointer fixups relative to the load slide) and bindings
// (fixups that resolve external symbols), and recursively loads its
// dependent libraries. Ported from ipasim::DynamicLoader::loadMachO
// (DynamicLoader.cpp).
func loadMachO(l *Loader, path string) (Library, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening Mach-O file")
	}
	defer f.Close()

	hdr := f.FileHeader
	if hdr.CPU != types.CPUArm {
		return nil, errors.Errorf("unsupported CPU type: %s", hdr.CPU)
	}
	if hdr.Flags.SplitSegs() {
		return nil, errors.New("pre-split-segment dylibs are not supported")
	}

	segs := f.Segments()
	if len(segs) == 0 {
		return nil, errors.New("Mach-O file has no segments")
	}

	var low, high uint64 = ^uint64(0), 0
	for _, s := range segs {
		if s.Addr < low {
			low = s.Addr
		}
		if end := s.Addr + s.Memsz; end > high {
			high = end
		}
	}
	low = alignToPageSize(low)
	high = roundToPageSize(high)
	size := high - low

	slide := uint64(0)
	base := low
	if canSegmentsSlide(hdr) {
		// A real loader would probe the address space for a free region;
		// here we simply load PIE images at their natural address plus one
		// page, mirroring the simplification already present in
		// DynamicLoader::mapMemory's caller for non-conflicting loads.
		base = low + pageSize
		slide = base - low
	}

	dylib := &EmulatedDylib{path: path, startAddress: base, size: size}

	for _, s := range segs {
		if err := mapSegment(l.emu, s, base-low); err != nil {
			return nil, errors.Wrapf(err, "mapping segment %s", s.Name)
		}
	}

	if slide != 0 {
		if err := applyRebases(l.emu, f, base-low); err != nil {
			return nil, errors.Wrap(err, "applying rebases")
		}
	}

	dylib.symbols = map[string]uint64{}
	for _, sym := range f.Symtab.Syms {
		dylib.symbols[sym.Name] = sym.Value + (base - low)
	}

	if ep, err := findEntrypoint(f); err == nil {
		dylib.entrypoint = ep
	}

	if err := applyBindings(l, f, dylib, base-low); err != nil {
		return nil, errors.Wrap(err, "applying bindings")
	}

	return dylib, nil
}

func mapSegment(e emu.Emulator, s *macho.Segment, slide uint64) error {
	addr := s.Addr + slide
	size := roundToPageSize(s.Memsz)
	if size == 0 {
		return nil
	}
	prot := vmProtToEmu(s.Prot)
	if prot == emu.PROT_NONE {
		return e.MemMap(addr, size, emu.PROT_NONE)
	}
	if err := e.MemMap(addr, size, emu.PROT_ALL); err != nil {
		return err
	}
	data, err := s.Data()
	if err != nil {
		return errors.Wrap(err, "reading segment data")
	}
	buf := make([]byte, size)
	copy(buf, data)
	if err := e.MemWrite(addr, buf); err != nil {
		return err
	}
	return e.MemProtect(addr, size, prot)
}

func vmProtToEmu(p types.VmProtection) int {
	prot := emu.PROT_NONE
	if p&types.VmProtection(1) != 0 {
		prot |= emu.PROT_READ
	}
	if p&types.VmProtection(2) != 0 {
		prot |= emu.PROT_WRITE
	}
	if p&types.VmProtection(4) != 0 {
		prot |= emu.PROT_EXEC
	}
	return prot
}

// applyRebases walks the dyld-info rebase opcodes and adds slide to every
// pointer they mark — except pointers that are zero, which the original
// explicitly leaves untouched (a zeroed ivar slot is not a relocation to
// fix up, just uninitialized storage).
func applyRebases(e emu.Emulator, f *macho.File, slide uint64) error {
	rebases, err := f.GetRebaseInfo()
	if err != nil {
		log.WithError(err).Warn("no rebase info in dyld-info; skipping")
		return nil
	}
	for _, r := range rebases {
		addr := r.Start + slide
		var buf [4]byte
		if err := e.MemReadInto(buf[:], addr); err != nil {
			return errors.Wrapf(err, "reading rebase target at 0x%x", addr)
		}
		v := binary.LittleEndian.Uint32(buf[:])
		if v == 0 {
			continue
		}
		binary.LittleEndian.PutUint32(buf[:], v+uint32(slide))
		if err := e.MemWrite(addr, buf[:]); err != nil {
			return errors.Wrapf(err, "writing rebase target at 0x%x", addr)
		}
	}
	return nil
}

// applyBindings resolves each external symbol bound into this dylib's data
// segments and writes the resolved 32-bit address, recursively loading
// dependent libraries as needed. Ported from the binding-resolution loop in
// ipasim::DynamicLoader::loadMachO.
func applyBindings(l *Loader, f *macho.File, dylib *EmulatedDylib, slide uint64) error {
	binds, err := f.GetBindInfo()
	if err != nil {
		log.WithError(err).Warn("no bind info in dyld-info; skipping")
		return nil
	}

	deps := f.ImportedLibraries()

	for _, b := range binds {
		if b.Addend != 0 {
			log.WithField("name", b.Name).WithField("addend", b.Addend).
				Error("binding with non-zero addend is unsupported; skipping")
			continue
		}

		var depPath string
		for _, d := range deps {
			if filepath.Base(d) == b.Dylib {
				depPath = d
				break
			}
		}
		if depPath == "" {
			log.WithField("name", b.Name).WithField("dylib", b.Dylib).
				Error("binding has invalid library ordinal; skipping")
			continue
		}

		dep, err := l.Load(depPath)
		if err != nil {
			log.WithError(err).WithField("dep", depPath).Error("loading binding dependency; skipping")
			continue
		}

		addr, ok := dep.FindSymbol(b.Name)
		if !ok {
			log.WithField("name", b.Name).WithField("dep", depPath).
				Error("binding symbol not found; skipping")
			continue
		}

		target := b.Start + slide
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(addr))
		if err := l.emu.MemWrite(target, buf[:]); err != nil {
			log.WithError(err).WithField("name", b.Name).WithField("target", target).
				Error("writing binding; skipping")
			continue
		}
	}
	return nil
}

func findEntrypoint(f *macho.File) (uint64, error) {
	for _, l := range f.Loads {
		if ep, ok := l.(*macho.EntryPoint); ok {
			return ep.EntryOffset, nil
		}
	}
	return 0, errors.New("no entry point found")
}
