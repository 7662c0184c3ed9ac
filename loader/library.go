package loader

// Library is anything the loader has mapped into the guest address space:
// an emulated ARM32 Mach-O dylib, or a host-native library (a Windows DLL,
// or this platform's stand-in for one) running outside emulation entirely.
// Mirrors ipasim::LoadedLibrary.
type Library interface {
	Path() string
	StartAddress() uint64
	Size() uint64
	IsWrapperDLL() bool
	Contains(addr uint64) bool
	FindSymbol(name string) (uint64, bool)
}

func contains(lib Library, addr uint64) bool {
	start := lib.StartAddress()
	return addr >= start && addr < start+lib.Size()
}

// EmulatedDylib is a Mach-O dylib loaded into the emulated address space.
// Mirrors ipasim::LoadedDylib.
type EmulatedDylib struct {
	path         string
	startAddress uint64
	size         uint64
	entrypoint   uint64
	isWrapper    bool
	symbols      map[string]uint64

	// methodTypes maps a guest code address to its Objective-C method-type
	// encoding. Populated from external metadata (an ObjC class-list reader,
	// not reimplemented here — spec.md calls this out as an external
	// collaborator); read-only from the translator's point of view.
	methodTypes map[uint64]string
}

func (d *EmulatedDylib) Path() string          { return d.path }
func (d *EmulatedDylib) StartAddress() uint64  { return d.startAddress }
func (d *EmulatedDylib) Size() uint64          { return d.size }
func (d *EmulatedDylib) IsWrapperDLL() bool    { return d.isWrapper }
func (d *EmulatedDylib) Entrypoint() uint64    { return d.entrypoint + d.startAddress }
func (d *EmulatedDylib) Contains(a uint64) bool { return contains(d, a) }

func (d *EmulatedDylib) FindSymbol(name string) (uint64, bool) {
	addr, ok := d.symbols[name]
	return addr, ok
}

// MethodType returns the Objective-C method-type encoding registered for a
// callback address, if any.
func (d *EmulatedDylib) MethodType(addr uint64) (string, bool) {
	t, ok := d.methodTypes[addr]
	return t, ok
}

// SetMethodTypes installs the (external) address -> type-encoding map used
// by the dynamic dispatch fallback in the fetch-protection hook.
func (d *EmulatedDylib) SetMethodTypes(m map[uint64]string) { d.methodTypes = m }

// HostLibrary is a host-native shared library mapped read-write but (from the
// guest's perspective) non-executable into the address space so that every
// guest->host jump into it faults and gets redirected through a wrapper.
// Mirrors ipasim::LoadedDll.
type HostLibrary struct {
	path         string
	startAddress uint64
	size         uint64
	isWrapper    bool
	machOPoser   bool
	handle       hostHandle
}

func (h *HostLibrary) Path() string          { return h.path }
func (h *HostLibrary) StartAddress() uint64  { return h.startAddress }
func (h *HostLibrary) Size() uint64          { return h.size }
func (h *HostLibrary) IsWrapperDLL() bool    { return h.isWrapper }
func (h *HostLibrary) MachOPoser() bool      { return h.machOPoser }
func (h *HostLibrary) Contains(a uint64) bool { return contains(h, a) }

func (h *HostLibrary) FindSymbol(name string) (uint64, bool) {
	return findHostSymbol(h.handle, name)
}
