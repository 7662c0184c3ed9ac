package abi

import (
	"unsafe"

	"github.com/ipasim-go/ipasim/emu"
	"github.com/pkg/errors"
)

// Lookuper answers whether an address belongs to an emulated dylib, as
// opposed to host executable code. Satisfied by loader.Loader.
type Lookuper interface {
	IsEmulated(addr uint64) bool
}

// Executor resumes emulation at a guest address and returns once the guest
// call has returned to the kernel sentinel. Satisfied by translator.Translator.
type Executor interface {
	Execute(addr uint32) error
}

// BackCaller marshals a host call into a guest ARM32 call (or, if the
// target turns out to be ordinary host code, simply calls it directly).
// Ported from ipasim::DynamicLoader::DynamicBackCaller.
type BackCaller struct {
	emu    emu.Emulator
	lookup Lookuper
	exec   Executor
}

func NewBackCaller(e emu.Emulator, lookup Lookuper, exec Executor) *BackCaller {
	return &BackCaller{emu: e, lookup: lookup, exec: exec}
}

// maxBackArgs mirrors the original's static_assert on UC_ARM_REG_R0..R3:
// a host callback into guest code can carry at most four 32-bit arguments.
const maxBackArgs = 4

// Call invokes fp with args, either directly (fp is host code) or by
// loading args into R0..R3 and resuming emulation at fp (fp is guest code).
// It panics if len(args) > maxBackArgs, matching the original's compile-time
// assertion — a fifth back-call argument is a programming error, not a
// runtime condition callers should recover from.
func (b *BackCaller) Call(fp uint32, args []uint32) error {
	if len(args) > maxBackArgs {
		panic("ipasim/abi: callback has too many arguments")
	}
	if !b.lookup.IsEmulated(uint64(fp)) {
		_, err := ffiCallU32(unsafe.Pointer(uintptr(fp)), args, false)
		return errors.Wrap(err, "calling host target directly")
	}
	for i, a := range args {
		if err := b.emu.RegWrite(emu.REG_R0+i, uint64(a)); err != nil {
			return errors.Wrapf(err, "writing back-call arg %d", i)
		}
	}
	return b.exec.Execute(fp)
}

// CallR is Call, followed by reading the guest's return value out of R0.
func (b *BackCaller) CallR(fp uint32, args []uint32) (uint32, error) {
	if err := b.Call(fp, args); err != nil {
		return 0, err
	}
	v, err := b.emu.RegRead(emu.REG_R0)
	return uint32(v), errors.Wrap(err, "reading back-call return value")
}
