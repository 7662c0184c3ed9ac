package abi

import "github.com/pkg/errors"

// ErrArityUnsupported is returned by DynamicCaller.Call when a guest→host
// call site has more arguments than this package can marshal.
var ErrArityUnsupported = errors.New("function has too many arguments")

// ErrNotEmulated reports a call target that does not belong to any loaded
// dylib. BackCaller.Call does not return it: it calls such targets directly
// on the host.
var ErrNotEmulated = errors.New("call target is not inside an emulated library")
