package abi

import "testing"

func TestTypeDecoderNextSize(t *testing.T) {
	cases := []struct {
		encoding string
		sizes    []int
	}{
		{"v@:", []int{0, 4, 4}},
		{"i@:i", []int{4, 4, 4, 4}},
		{"^i@:", []int{4, 4, 4}},
		{"{CGRect=ffff}@:", []int{16, 4, 4}},
		{"", nil},
	}
	for _, c := range cases {
		td := NewTypeDecoder(c.encoding)
		var got []int
		for {
			size, ok := td.NextSize()
			if !ok {
				break
			}
			got = append(got, size)
		}
		if len(got) != len(c.sizes) {
			t.Fatalf("NewTypeDecoder(%q): got %d sizes %v, want %v", c.encoding, len(got), got, c.sizes)
		}
		for i := range got {
			if got[i] != c.sizes[i] {
				t.Errorf("NewTypeDecoder(%q)[%d] = %d, want %d", c.encoding, i, got[i], c.sizes[i])
			}
		}
	}
}

func TestTypeDecoderHasNext(t *testing.T) {
	td := NewTypeDecoder("v@:")
	count := 0
	for td.HasNext() {
		if _, ok := td.NextSize(); !ok {
			t.Fatal("HasNext true but NextSize returned !ok")
		}
		count++
	}
	if count != 3 {
		t.Fatalf("got %d entries, want 3", count)
	}
}
