package utils

import "bytes"

// Roundup rounds x up to the next multiple of align, which must be a power of two.
func Roundup(x, align int) int {
	return (x + (align - 1)) &^ (align - 1)
}

// CString splits a NUL-terminated 8-bit string off the front of b.
// ok is false if b contains no terminator.
func CString(b []byte) (s string, rest []byte, ok bool) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", b, false
	}
	return string(b[:i]), b[i+1:], true
}
