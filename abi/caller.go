package abi

import (
	"unsafe"

	"github.com/ipasim-go/ipasim/emu"
	"github.com/pkg/errors"
)

// DynamicCaller marshals a guest ARM32 call into a host call whose argument
// types are known only at runtime (from an Objective-C method-type string).
// Ported from ipasim::DynamicLoader::DynamicCaller.
type DynamicCaller struct {
	emu  emu.Emulator
	reg  int
	args []uint32
}

func NewDynamicCaller(e emu.Emulator) *DynamicCaller {
	return &DynamicCaller{emu: e, reg: emu.REG_R0}
}

// LoadArg harvests one argument of the given size (rounded up to 4-byte
// words) from R0..R3, falling back to the guest stack once the registers
// are exhausted.
func (c *DynamicCaller) LoadArg(size int) error {
	for i := 0; i < size; i += 4 {
		if c.reg <= emu.REG_R3 {
			v, err := c.emu.RegRead(c.reg)
			if err != nil {
				return errors.Wrapf(err, "reading arg register %d", c.reg)
			}
			c.args = append(c.args, uint32(v))
			c.reg++
			continue
		}
		sp, err := c.emu.RegRead(emu.REG_SP)
		if err != nil {
			return errors.Wrap(err, "reading SP for stack argument")
		}
		sp += uint64(len(c.args)-4) * 4
		var buf [4]byte
		if err := c.emu.MemReadInto(buf[:], sp); err != nil {
			return errors.Wrapf(err, "reading stack argument at 0x%x", sp)
		}
		c.args = append(c.args, uint32(buf[0])|uint32(buf[1])<<8|uint32(buf[2])<<16|uint32(buf[3])<<24)
	}
	return nil
}

// Call dispatches the accumulated arguments to the host function at addr,
// via libffi, and writes any return value back into R0. Matches the arity
// ceiling of the original's template-based call0..call6 chain.
func (c *DynamicCaller) Call(returns bool, addr uint32) error {
	if len(c.args) > 6 {
		return ErrArityUnsupported
	}
	ret, err := ffiCallU32(unsafe.Pointer(uintptr(addr)), c.args, returns)
	if err != nil {
		return errors.Wrap(err, "calling host function")
	}
	if returns {
		return c.emu.RegWrite(emu.REG_R0, uint64(ret))
	}
	return nil
}
