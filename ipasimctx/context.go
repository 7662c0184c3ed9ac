// Package ipasimctx ties the loader and translator together. The
// translator's fetch-protection hook needs to resolve addresses to libraries
// (a loader concern), while calls back into guest code need the translator
// to resume emulation; the loader itself does not depend on the translator.
// Context wires them the way go/usercorn.go's Usercorn wires its loader and
// its embedded CPU: one struct, built once, owns both, and hands the
// translator to abi.BackCaller and abi.Translate as their abi.Executor.
package ipasimctx

import (
	"github.com/ipasim-go/ipasim/abi"
	"github.com/ipasim-go/ipasim/emu"
	"github.com/ipasim-go/ipasim/loader"
	"github.com/ipasim-go/ipasim/translator"
	"github.com/pkg/errors"
)

// Context is the fully wired runtime: one Unicorn instance, its library
// index, and the translator driving control flow between them.
type Context struct {
	Emu        emu.Emulator
	Loader     *loader.Loader
	Translator *translator.Translator
	BackCaller *abi.BackCaller
}

// New opens a fresh Unicorn instance, builds the library index rooted at
// prefix, and wires up the translator.
func New(prefix string) (*Context, error) {
	u, err := emu.NewUnicorn()
	if err != nil {
		return nil, errors.Wrap(err, "opening emulator")
	}

	idx, err := loader.New(u, prefix)
	if err != nil {
		return nil, errors.Wrap(err, "building library index")
	}

	tr, err := translator.New(u, idx)
	if err != nil {
		return nil, errors.Wrap(err, "building translator")
	}

	return &Context{
		Emu:        u,
		Loader:     idx,
		Translator: tr,
		BackCaller: abi.NewBackCaller(u, idx, tr),
	}, nil
}

// Translate returns a host-callable trampoline for a guest callback
// address, consulting the loader to decide whether addr needs one at all.
func (c *Context) Translate(addr uint32, methodType string) (uintptr, error) {
	p, err := abi.Translate(c.Emu, c.Translator, c.Loader, addr, methodType)
	if err != nil {
		return 0, err
	}
	return uintptr(p), nil
}

// Run loads path and executes it from its entry point.
func (c *Context) Run(path string) error {
	lib, err := c.Loader.Load(path)
	if err != nil {
		return errors.Wrapf(err, "loading %s", path)
	}
	dylib, ok := lib.(*loader.EmulatedDylib)
	if !ok {
		return errors.Errorf("%s is not an emulated dylib", path)
	}
	return c.Translator.Execute(uint32(dylib.Entrypoint()))
}
