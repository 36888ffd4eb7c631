package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

var (
	// ErrTruncated is returned when a field extends past the end of the buffer.
	ErrTruncated = errors.New("manifest: truncated data")
	// ErrSectionSize is returned when a section parser reads past its declared size.
	ErrSectionSize = errors.New("manifest: section overran its declared size")
)

// reader is a little-endian cursor over a manifest body. The first failed
// read is sticky: later reads return zero values and err keeps the original
// cause, so section parsers only need to check err between columns.
type reader struct {
	buf []byte
	pos int
	err error
}

func newReader(b []byte) *reader {
	return &reader{buf: b}
}

func (r *reader) tell() int      { return r.pos }
func (r *reader) remaining() int { return len(r.buf) - r.pos }

func (r *reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// take returns the next n bytes without copying them.
func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.remaining() < n {
		r.fail(fmt.Errorf("%w: need %d bytes at offset %d, %d remain", ErrTruncated, n, r.pos, r.remaining()))
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *reader) i32() int32 { return int32(r.u32()) }

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *reader) i64() int64 { return int64(r.u64()) }

// count reads an element count and rejects values that cannot possibly fit
// in the remaining buffer, so a corrupt count never drives a huge allocation.
func (r *reader) count(minElemSize int) int {
	n := r.u32()
	if r.err != nil {
		return 0
	}
	if minElemSize > 0 && uint64(n)*uint64(minElemSize) > uint64(r.remaining()) {
		r.fail(fmt.Errorf("%w: count %d at offset %d exceeds remaining %d bytes", ErrTruncated, n, r.pos-4, r.remaining()))
		return 0
	}
	return int(n)
}

func (r *reader) readInto(dst []byte) {
	if b := r.take(len(dst)); b != nil {
		copy(dst, b)
	}
}

func (r *reader) guid() GUID {
	return GUID{r.u32(), r.u32(), r.u32(), r.u32()}
}

// fstring reads a length-prefixed string. A positive length counts single
// byte characters plus a NUL, a negative length counts UTF-16 code units
// plus a NUL unit, and zero is the empty string.
func (r *reader) fstring() string {
	n := r.i32()
	if r.err != nil {
		return ""
	}
	switch {
	case n == 0:
		return ""
	case n > 0:
		b := r.take(int(n))
		if b == nil {
			return ""
		}
		return latin1(b[:n-1])
	default:
		units := -int64(n)
		if units*2 > int64(r.remaining()) {
			r.fail(fmt.Errorf("%w: utf-16 string of %d units at offset %d, %d bytes remain", ErrTruncated, units, r.pos, r.remaining()))
			return ""
		}
		b := r.take(int(units * 2))
		if b == nil {
			return ""
		}
		u := make([]uint16, units-1)
		for i := range u {
			u[i] = binary.LittleEndian.Uint16(b[i*2:])
		}
		return string(utf16.Decode(u))
	}
}

func (r *reader) fstrings(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = r.fstring()
	}
	return out
}

// seekToSectionEnd moves the cursor to start+declared. Sections written by a
// newer format may carry trailing fields this parser does not know, so a
// short read is skipped forward. Reading past the declared end means the
// section is malformed.
func (r *reader) seekToSectionEnd(start int, declared uint32) {
	if r.err != nil {
		return
	}
	end := int64(start) + int64(declared)
	switch {
	case int64(r.pos) == end:
	case int64(r.pos) > end:
		r.fail(fmt.Errorf("%w: read %d bytes, declared %d", ErrSectionSize, r.pos-start, declared))
	case end > int64(len(r.buf)):
		r.fail(fmt.Errorf("%w: section end %d beyond buffer of %d bytes", ErrTruncated, end, len(r.buf)))
	default:
		r.pos = int(end)
	}
}

// latin1 decodes single byte characters. ASCII, which is what the format
// writes in practice, passes through unchanged.
func latin1(b []byte) string {
	for _, c := range b {
		if c >= 0x80 {
			rs := make([]rune, len(b))
			for i, c := range b {
				rs[i] = rune(c)
			}
			return string(rs)
		}
	}
	return string(b)
}
