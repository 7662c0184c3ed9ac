package loader

import (
	"testing"

	"github.com/ipasim-go/ipasim/internal/emutest"
)

func TestResolvePath(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"/System/Library/Frameworks/Foundation.framework/Foundation", "gen/System/Library/Frameworks/Foundation.framework/Foundation"},
		{"libsystem.dylib", "libsystem.dylib"},
		{"", ""},
	}
	for _, c := range cases {
		if got := ResolvePath(c.in); got != c.want {
			t.Errorf("ResolvePath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLoaderMapsKernelSentinel(t *testing.T) {
	fake := emutest.New()
	l, err := New(fake, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := l.Lookup(KernelAddr); ok {
		t.Fatal("kernel sentinel should not resolve to a Library")
	}
	// MemReadInto succeeding (rather than erroring unmapped) proves the
	// sentinel page got mapped.
	if err := fake.MemReadInto(make([]byte, 1), KernelAddr); err != nil {
		t.Fatalf("kernel sentinel page not mapped: %v", err)
	}
}

func TestLookupAndIsEmulated(t *testing.T) {
	fake := emutest.New()
	l, err := New(fake, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	dylib := &EmulatedDylib{path: "a.dylib", startAddress: 0x1000, size: 0x1000}
	host := &HostLibrary{path: "a.dll", startAddress: 0x2000, size: 0x1000}
	l.libs["a.dylib"] = dylib
	l.libs["a.dll"] = host

	if !l.IsEmulated(0x1500) {
		t.Error("expected address inside dylib to be emulated")
	}
	if l.IsEmulated(0x2500) {
		t.Error("expected address inside host library to not be emulated")
	}
	if l.IsEmulated(0x5000) {
		t.Error("expected unmapped address to not be emulated")
	}

	if lib, ok := l.Lookup(0x1001); !ok || lib.Path() != "a.dylib" {
		t.Errorf("Lookup(0x1001) = %v, %v", lib, ok)
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	fake := emutest.New()
	l, err := New(fake, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	dylib := &EmulatedDylib{path: "a.dylib", startAddress: 0x1000, size: 0x1000}
	l.libs["a.dylib"] = dylib

	got, err := l.Load("a.dylib")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != dylib {
		t.Error("Load should return the already-loaded Library instance, not reload it")
	}
}
