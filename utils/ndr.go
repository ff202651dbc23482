package utils

import (
	"encoding/binary"
	"errors"
)

// ErrNDRTruncated is returned when a request stub ends before its declared fields.
var ErrNDRTruncated = errors.New("NDR data truncated")

// NDRReader reads NDR20 primitives from a request stub. The first error
// sticks; subsequent reads return zero values.
type NDRReader struct {
	buf []byte
	off int
	err error
}

// NewNDRReader returns a reader over b.
func NewNDRReader(b []byte) *NDRReader {
	return &NDRReader{buf: b}
}

// Err returns the first error encountered.
func (r *NDRReader) Err() error {
	return r.err
}

// Offset returns the current position.
func (r *NDRReader) Offset() int {
	return r.off
}

// Align skips to the next multiple of n.
func (r *NDRReader) Align(n int) {
	off := Roundup(r.off, n)
	if off > len(r.buf) {
		r.err = ErrNDRTruncated
		r.off = len(r.buf)
		return
	}
	r.off = off
}

// Bytes returns the next n bytes.
func (r *NDRReader) Bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.buf)-r.off {
		r.err = ErrNDRTruncated
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

// Uint16 reads an aligned 16-bit integer.
func (r *NDRReader) Uint16() uint16 {
	r.Align(2)
	b := r.Bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

// Uint32 reads an aligned 32-bit integer.
func (r *NDRReader) Uint32() uint32 {
	r.Align(4)
	b := r.Bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

// String reads the deferred body of a conformant varying wide string.
func (r *NDRReader) String() string {
	r.Uint32() // max count
	r.Uint32() // offset
	actual := r.Uint32()
	if actual > uint32(len(r.buf)) {
		r.err = ErrNDRTruncated
		return ""
	}
	s := DecodeToString(r.Bytes(int(actual) * 2))
	r.Align(4)
	return s
}

// UniqueString reads a unique pointer to a wide string, returning the empty
// string for a null pointer.
func (r *NDRReader) UniqueString() string {
	if r.Uint32() == 0 {
		return ""
	}
	return r.String()
}

// AppendNDRString appends s as a NUL-terminated conformant varying wide
// string, padded to a multiple of 4.
func AppendNDRString(buf []byte, s string) []byte {
	n := uint32(UTF16Len(s) + 1)
	buf = binary.LittleEndian.AppendUint32(buf, n)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, n)
	buf = append(buf, EncodeStringToBytes(s)...)
	buf = append(buf, 0, 0)
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	return buf
}
