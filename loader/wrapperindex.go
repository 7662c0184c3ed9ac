package loader

import (
	"bytes"
	"encoding/binary"
	"os"
	"strings"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

// wrapperIndexEntry is one RVA->dylib-index record in a wrapper DLL's
// embedded WrapperIndex table.
type wrapperIndexEntry struct {
	RVA   uint32 `struc:"uint32,little"`
	Index uint32 `struc:"uint32,little"`
}

// WrapperIndex is the decoded form of the opaque blob a wrapper DLL exports
// under the mangled symbol `?Idx@@3UWrapperIndex@@A`: a map from an RVA
// inside the framework library the wrapper covers to the index of the dylib that
// RVA forwards a call into, plus the table of dylib paths those indices
// address. Ported from ipasim::WrapperIndex (DynamicLoader.cpp's dynamic
// dispatch fallback reads this when a direct wrapper symbol lookup misses).
type WrapperIndex struct {
	Entries []wrapperIndexEntry
	Dylibs  []string
}

// wrapperIndexHeader precedes the entry table: the entry count followed by
// the dylib-name table's own entry count.
type wrapperIndexHeader struct {
	EntryCount uint32 `struc:"uint32,little"`
	DylibCount uint32 `struc:"uint32,little"`
}

// DecodeWrapperIndex parses the WrapperIndex blob exported by a wrapper DLL
// at the given symbol. The blob format (RVA/index pairs followed by a
// count-prefixed table of NUL-terminated dylib path strings) is this
// project's own choice of concrete layout for what the original treats as
// an opaque, externally-generated record; see DESIGN.md.
func DecodeWrapperIndex(data []byte) (*WrapperIndex, error) {
	r := bytes.NewReader(data)

	var hdr wrapperIndexHeader
	if err := struc.UnpackWithOrder(r, &hdr, binary.LittleEndian); err != nil {
		return nil, errors.Wrap(err, "decoding WrapperIndex header")
	}

	entries := make([]wrapperIndexEntry, hdr.EntryCount)
	for i := range entries {
		if err := struc.UnpackWithOrder(r, &entries[i], binary.LittleEndian); err != nil {
			return nil, errors.Wrapf(err, "decoding WrapperIndex entry %d", i)
		}
	}

	dylibs := make([]string, hdr.DylibCount)
	for i := range dylibs {
		s, err := readCString(r)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding WrapperIndex dylib name %d", i)
		}
		dylibs[i] = s
	}

	return &WrapperIndex{Entries: entries, Dylibs: dylibs}, nil
}

func readCString(r *bytes.Reader) (string, error) {
	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return sb.String(), nil
		}
		sb.WriteByte(b)
	}
}

// Lookup resolves an RVA within the framework library a wrapper DLL covers to the dylib path the
// call at that address should be forwarded to, mirroring the
// RVA = Addr - Lib.StartAddress + 0x1000 convention the original hardcodes
// for the header/code offset inside a generated wrapper DLL.
func (w *WrapperIndex) Lookup(rva uint32) (dylib string, ok bool) {
	for _, e := range w.Entries {
		if e.RVA == rva {
			if int(e.Index) >= len(w.Dylibs) {
				return "", false
			}
			return w.Dylibs[e.Index], true
		}
	}
	return "", false
}

// wrapperIndexRVA computes the RVA used to key a WrapperIndex lookup for a
// call site at addr inside host lib. The +0x1000 offset is a fixed
// constant in the original toolchain (the PE header/code gap in every
// generated wrapper DLL) rather than something derived per-file.
func wrapperIndexRVA(lib *HostLibrary, addr uint64) uint32 {
	return uint32(addr-lib.StartAddress()) + 0x1000
}

// LoadWrapperIndex reads and decodes the WrapperIndex exported by a wrapper
// DLL already mapped as lib, looking up its fixed export symbol via the
// host loader backend (GetProcAddress/dlsym).
func LoadWrapperIndex(lib *HostLibrary) (*WrapperIndex, error) {
	addr, ok := lib.FindSymbol("?Idx@@3UWrapperIndex@@A")
	if !ok {
		return nil, errors.Errorf("%s does not export a WrapperIndex", lib.Path())
	}
	// The symbol's value is itself a host pointer into the process image;
	// the exported index data lives alongside the DLL on disk as a
	// sibling .widx file in this project's generated wrapper layout.
	idxPath := strings.TrimSuffix(lib.Path(), ".wrapper.dll") + ".widx"
	data, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading WrapperIndex data for %s (symbol at 0x%x)", lib.Path(), addr)
	}
	return DecodeWrapperIndex(data)
}
