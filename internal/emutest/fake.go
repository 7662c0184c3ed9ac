// Package emutest provides a fake emu.Emulator for exercising loader and
// translator logic without driving a real Unicorn CPU. The packages under
// test still link against the native Unicorn and libffi libraries.
// Grounded on the teacher's own in-memory simulator, go/models/cpu/memsim.go,
// and its hook dispatch-by-type-assertion style, go/models/cpu/hooks.go.
package emutest

import (
	"fmt"
	"sort"

	"github.com/ipasim-go/ipasim/emu"
)

type page struct {
	addr, size uint64
	prot       int
	data       []byte
}

func (p *page) contains(addr uint64) bool { return addr >= p.addr && addr < p.addr+p.size }

type memError struct {
	addr uint64
	size int
	op   string
}

func (e *memError) Error() string { return fmt.Sprintf("%s at 0x%x(%d)", e.op, e.addr, e.size) }

// Fake is an in-process stand-in for emu.Emulator. Memory is a flat page
// list, registers are a sparse map, and hooks are retained by type so tests
// can invoke them directly (Fire*) instead of driving a real CPU.
type Fake struct {
	regs  map[int]uint64
	pages []*page

	fetchProt []emu.FetchProtFunc
	code      []emu.CodeFunc
	memWrite  []emu.MemWriteFunc
	memUnmap  []emu.MemUnmappedFunc

	Stopped bool
	// Exec, when set, is invoked by Start instead of the default no-op so
	// tests can script what "running" the guest does at a given PC.
	Exec func(pc uint64) error
}

func New() *Fake {
	return &Fake{regs: map[int]uint64{}}
}

var _ emu.Emulator = (*Fake)(nil)

func (f *Fake) find(addr uint64) *page {
	for _, p := range f.pages {
		if p.contains(addr) {
			return p
		}
	}
	return nil
}

func (f *Fake) MemMap(addr, size uint64, prot int) error {
	f.pages = append(f.pages, &page{addr: addr, size: size, prot: prot, data: make([]byte, size)})
	sort.Slice(f.pages, func(i, j int) bool { return f.pages[i].addr < f.pages[j].addr })
	return nil
}

func (f *Fake) MemProtect(addr, size uint64, prot int) error {
	p := f.find(addr)
	if p == nil {
		return &memError{addr, int(size), "protect unmapped"}
	}
	p.prot = prot
	return nil
}

func (f *Fake) MemUnmap(addr, size uint64) error {
	out := f.pages[:0]
	for _, p := range f.pages {
		if p.addr != addr {
			out = append(out, p)
		}
	}
	f.pages = out
	return nil
}

func (f *Fake) MemRead(addr, size uint64) ([]byte, error) {
	buf := make([]byte, size)
	if err := f.MemReadInto(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}

func (f *Fake) MemReadInto(p []byte, addr uint64) error {
	page := f.find(addr)
	if page == nil {
		return &memError{addr, len(p), "unmapped read"}
	}
	copy(p, page.data[addr-page.addr:])
	return nil
}

func (f *Fake) MemWrite(addr uint64, p []byte) error {
	page := f.find(addr)
	if page == nil {
		return &memError{addr, len(p), "unmapped write"}
	}
	copy(page.data[addr-page.addr:], p)
	for _, h := range f.memWrite {
		h(addr, len(p), 0)
	}
	return nil
}

func (f *Fake) RegRead(reg int) (uint64, error) { return f.regs[reg], nil }

func (f *Fake) RegWrite(reg int, val uint64) error {
	f.regs[reg] = val
	return nil
}

func (f *Fake) Start(begin, until uint64) error {
	f.Stopped = false
	if f.Exec == nil {
		return nil
	}
	return f.Exec(begin)
}

func (f *Fake) Stop() error {
	f.Stopped = true
	return nil
}

func (f *Fake) HookAdd(htype int, cb interface{}, begin, end uint64) (emu.Hook, error) {
	switch htype {
	case emu.HOOK_MEM_FETCH_PROT:
		h, ok := cb.(emu.FetchProtFunc)
		if !ok {
			return nil, fmt.Errorf("wrong fetch-prot hook signature")
		}
		f.fetchProt = append(f.fetchProt, h)
	case emu.HOOK_CODE:
		h, ok := cb.(emu.CodeFunc)
		if !ok {
			return nil, fmt.Errorf("wrong code hook signature")
		}
		f.code = append(f.code, h)
	case emu.HOOK_MEM_WRITE:
		h, ok := cb.(emu.MemWriteFunc)
		if !ok {
			return nil, fmt.Errorf("wrong mem-write hook signature")
		}
		f.memWrite = append(f.memWrite, h)
	case emu.HOOK_MEM_READ_UNMAPPED | emu.HOOK_MEM_WRITE_UNMAPPED:
		h, ok := cb.(emu.MemUnmappedFunc)
		if !ok {
			return nil, fmt.Errorf("wrong mem-unmapped hook signature")
		}
		f.memUnmap = append(f.memUnmap, h)
	default:
		return nil, fmt.Errorf("unsupported hook type %d", htype)
	}
	return htype, nil
}

func (f *Fake) HookDel(hook emu.Hook) error { return nil }

// FireFetchProt drives every registered fetch-protection hook, stopping at
// the first one that reports it handled the fault (mirrors Unicorn: a true
// return suppresses the CPU exception).
func (f *Fake) FireFetchProt(addr uint64, size int) bool {
	for _, h := range f.fetchProt {
		if h(addr, size) {
			return true
		}
	}
	return false
}

func (f *Fake) FireCode(addr uint64, size uint32) {
	for _, h := range f.code {
		h(addr, size)
	}
}

func (f *Fake) FireMemUnmapped(access int, addr uint64, size int) bool {
	for _, h := range f.memUnmap {
		if h(access, addr, size, 0) {
			return true
		}
	}
	return false
}
