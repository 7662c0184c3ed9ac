package abi

import (
	"github.com/apex/log"
	"github.com/pkg/errors"
)

// InvalidSize is returned alongside a logged error when an encoding cannot
// be decoded.
const InvalidSize = -1

// TypeDecoder walks an Objective-C method-type encoding string one type at
// a time, reporting the in-register/stack size (in bytes) each type takes.
// Ported from ipasim::DynamicLoader::TypeDecoder.
type TypeDecoder struct {
	s   string
	pos int
}

func NewTypeDecoder(encoding string) *TypeDecoder {
	return &TypeDecoder{s: encoding}
}

// HasNext reports whether any type remains to be decoded.
func (d *TypeDecoder) HasNext() bool { return d.pos < len(d.s) }

// NextSize decodes and consumes the next type, returning its size in bytes.
// ok is false only once the string is exhausted; a malformed encoding is
// reported via InvalidSize plus a logged error, with ok still true (the
// caller asked for a type and got an answer, even if that answer is "bad").
func (d *TypeDecoder) NextSize() (size int, ok bool) {
	if !d.HasNext() {
		return 0, false
	}
	size, err := d.nextSizeImpl()
	// Move past the type character just consumed, then skip any trailing
	// digits (array-count/bitfield-width annotations we don't care about).
	d.pos++
	for d.pos < len(d.s) && d.s[d.pos] >= '0' && d.s[d.pos] <= '9' {
		d.pos++
	}
	if err != nil {
		log.WithError(err).Error("decoding objc type encoding")
		return InvalidSize, true
	}
	return size, true
}

func (d *TypeDecoder) nextSizeImpl() (int, error) {
	if d.pos >= len(d.s) {
		return InvalidSize, errors.New("type encoding ended unexpectedly")
	}
	switch d.s[d.pos] {
	case 'v': // void
		return 0, nil
	case 'c', '@', ':', 'i', 'I', 'f':
		return 4, nil
	case '^': // pointer to type
		d.pos++
		if _, err := d.nextSizeImpl(); err != nil {
			return InvalidSize, err
		}
		return 4, nil
	case '{': // struct
		d.pos++
		for d.pos < len(d.s) && d.s[d.pos] != '=' {
			d.pos++
		}
		if d.pos >= len(d.s) {
			return InvalidSize, errors.New("struct type ended unexpectedly")
		}
		d.pos++
		total := 0
		for d.pos < len(d.s) && d.s[d.pos] != '}' {
			size, ok := d.NextSize()
			if !ok || size == InvalidSize {
				return InvalidSize, errors.New("malformed struct field type")
			}
			total += size
		}
		return total, nil
	default:
		return InvalidSize, errors.Errorf("unsupported type encoding %q", d.s[d.pos])
	}
}
