package emu

import (
	"github.com/pkg/errors"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
)

// Unicorn wraps a real ARM32 Unicorn engine instance as an Emulator.
type Unicorn struct {
	uc.Unicorn
}

// NewUnicorn opens a little-endian ARM (non-Thumb) Unicorn context, the only
// guest ISA this project loads.
func NewUnicorn() (*Unicorn, error) {
	u, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_ARM)
	if err != nil {
		return nil, errors.Wrap(err, "opening unicorn")
	}
	return &Unicorn{u}, nil
}

func (u *Unicorn) MemMap(addr, size uint64, prot int) error {
	if err := u.Unicorn.MemMap(addr, size); err != nil {
		return errors.Wrapf(err, "mapping 0x%x+0x%x", addr, size)
	}
	if prot != PROT_ALL {
		return u.MemProtect(addr, size, prot)
	}
	return nil
}

func (u *Unicorn) MemProtect(addr, size uint64, prot int) error {
	if err := u.Unicorn.MemProtect(addr, size, prot); err != nil {
		return errors.Wrapf(err, "protecting 0x%x+0x%x", addr, size)
	}
	return nil
}

func (u *Unicorn) MemUnmap(addr, size uint64) error {
	return errors.Wrapf(u.Unicorn.MemUnmap(addr, size), "unmapping 0x%x+0x%x", addr, size)
}

func (u *Unicorn) MemRead(addr, size uint64) ([]byte, error) {
	b, err := u.Unicorn.MemRead(addr, size)
	return b, errors.Wrapf(err, "reading 0x%x+0x%x", addr, size)
}

func (u *Unicorn) MemReadInto(p []byte, addr uint64) error {
	return errors.Wrapf(u.Unicorn.MemReadInto(p, addr), "reading 0x%x", addr)
}

func (u *Unicorn) MemWrite(addr uint64, p []byte) error {
	return errors.Wrapf(u.Unicorn.MemWrite(addr, p), "writing 0x%x", addr)
}

func (u *Unicorn) RegRead(reg int) (uint64, error) {
	v, err := u.Unicorn.RegRead(reg)
	return v, errors.Wrapf(err, "reading reg %d", reg)
}

func (u *Unicorn) RegWrite(reg int, val uint64) error {
	return errors.Wrapf(u.Unicorn.RegWrite(reg, val), "writing reg %d", reg)
}

func (u *Unicorn) Start(begin, until uint64) error {
	return errors.Wrapf(u.Unicorn.Start(begin, until), "starting emulation at 0x%x", begin)
}

func (u *Unicorn) Stop() error {
	return errors.Wrap(u.Unicorn.Stop(), "stopping emulation")
}

// HookAdd adapts this package's backend-independent callback shapes to the
// real uc.Unicorn callback shapes (which additionally receive the firing
// Unicorn instance as their first argument) before delegating.
func (u *Unicorn) HookAdd(htype int, cb interface{}, begin, end uint64) (Hook, error) {
	var ucCb interface{}
	switch fn := cb.(type) {
	case FetchProtFunc:
		ucCb = func(_ uc.Unicorn, addr uint64, size int) bool { return fn(addr, size) }
	case CodeFunc:
		ucCb = func(_ uc.Unicorn, addr uint64, size uint32) { fn(addr, size) }
	case MemWriteFunc:
		ucCb = func(_ uc.Unicorn, addr uint64, size int, value int64) { fn(addr, size, value) }
	case MemUnmappedFunc:
		ucCb = func(_ uc.Unicorn, access int, addr uint64, size int, value int64) bool {
			return fn(access, addr, size, value)
		}
	default:
		return nil, errors.New("unrecognized hook callback type")
	}
	h, err := u.Unicorn.HookAdd(htype, ucCb, begin, end)
	return h, errors.Wrap(err, "installing hook")
}

func (u *Unicorn) HookDel(hook Hook) error {
	h, ok := hook.(uc.Hook)
	if !ok {
		return errors.New("not a unicorn hook")
	}
	return errors.Wrap(u.Unicorn.HookDel(h), "removing hook")
}
