// Package emu abstracts the minimum CPU emulator functionality the rest of
// ipasim needs: a flat memory space, an ARM32 register file, and hook
// registration. The concrete backend is Unicorn (see unicorn.go); tests use
// a fake from internal/emutest.
package emu

// Hook is an opaque handle returned by HookAdd, passed back to HookDel.
type Hook interface{}

// Emulator is the minimum surface SysTranslator and the loader require from
// a CPU emulator.
type Emulator interface {
	MemMap(addr, size uint64, prot int) error
	MemProtect(addr, size uint64, prot int) error
	MemUnmap(addr, size uint64) error

	MemRead(addr, size uint64) ([]byte, error)
	MemReadInto(p []byte, addr uint64) error
	MemWrite(addr uint64, p []byte) error

	RegRead(reg int) (uint64, error)
	RegWrite(reg int, val uint64) error

	Start(begin, until uint64) error
	Stop() error

	HookAdd(htype int, cb interface{}, begin, end uint64) (Hook, error)
	HookDel(hook Hook) error
}

// Hook callback shapes. Backends (Unicorn, the emutest fake) both dispatch
// on these exact types rather than the backend's own native callback
// signature, so translator code stays independent of which Emulator it's
// plugged into.
type (
	FetchProtFunc   func(addr uint64, size int) bool
	CodeFunc        func(addr uint64, size uint32)
	MemWriteFunc    func(addr uint64, size int, value int64)
	MemUnmappedFunc func(access int, addr uint64, size int, value int64) bool
)

// Hook type bits, mirrored 1:1 from Unicorn's unicorn_const.go so callers
// of this package never need to import the uc package directly.
const (
	HOOK_CODE             = 1 << 2
	HOOK_MEM_WRITE        = 1 << 11
	HOOK_MEM_FETCH_PROT   = 1 << 9
	HOOK_MEM_READ_UNMAPPED  = 1 << 4
	HOOK_MEM_WRITE_UNMAPPED = 1 << 5
)

// Memory access constants, used by hook callbacks to identify the access
// that triggered them. Mirrors go/models/cpu/enums.go.
const (
	MEM_READ  = 17
	MEM_WRITE = 16
	MEM_FETCH = 18
)

// Protection bits for MemMap/MemProtect, mirrored from go/models/cpu/enums.go.
const (
	PROT_NONE  = 0
	PROT_READ  = 1
	PROT_WRITE = 2
	PROT_EXEC  = 4
	PROT_ALL   = PROT_READ | PROT_WRITE | PROT_EXEC
)

// ARM32 register numbers, mirrored from Unicorn's arm_const.go.
const (
	REG_R0 = 66
	REG_R1 = 67
	REG_R2 = 68
	REG_R3 = 69
	REG_R4 = 70
	REG_SP = 12
	REG_LR = 10
	REG_PC = 11
)
