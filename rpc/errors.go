package rpc

import (
	"errors"
	"io"
)

var (
	// ErrMalformedHeader is returned when the common header is unusable.
	ErrMalformedHeader = errors.New("malformed PDU header")

	// ErrAuthLengthInconsistent is returned when auth_len does not fit in frag_len.
	ErrAuthLengthInconsistent = errors.New("auth length exceeds fragment")

	// ErrTruncated is returned when a PDU body ends before its declared fields.
	ErrTruncated = errors.New("truncated PDU")

	// ErrCapacityExceeded is returned when a fragment cannot carry any data.
	ErrCapacityExceeded = errors.New("PDU capacity too small")

	// ErrNoResponse is returned when a fragment is requested but none is pending.
	ErrNoResponse = errors.New("no response pending")
)

func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrTruncated
		}
		return err
	}
	return nil
}
