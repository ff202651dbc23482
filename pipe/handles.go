package pipe

import (
	"crypto/rand"
	"errors"
)

// ErrBadHandle is returned for policy handles the connection never issued.
var ErrBadHandle = errors.New("invalid policy handle")

// HandleSize is the wire length of a policy handle.
const HandleSize = 20

// Handles is the policy handle table of one connection.
type Handles struct {
	open map[[HandleSize]byte]any
}

// NewHandles returns an empty handle table.
func NewHandles() *Handles {
	return &Handles{open: make(map[[HandleSize]byte]any)}
}

// Open issues a new handle for value.
func (hs *Handles) Open(value any) ([HandleSize]byte, error) {
	var h [HandleSize]byte
	for {
		if _, err := rand.Read(h[4:]); err != nil {
			return h, err
		}
		if _, exists := hs.open[h]; !exists {
			break
		}
	}
	hs.open[h] = value
	return h, nil
}

// Get returns the value behind a handle.
func (hs *Handles) Get(h []byte) (any, error) {
	if len(h) < HandleSize {
		return nil, ErrBadHandle
	}
	v, ok := hs.open[[HandleSize]byte(h[:HandleSize])]
	if !ok {
		return nil, ErrBadHandle
	}
	return v, nil
}

// Close releases a handle.
func (hs *Handles) Close(h []byte) error {
	if _, err := hs.Get(h); err != nil {
		return err
	}
	delete(hs.open, [HandleSize]byte(h[:HandleSize]))
	return nil
}

// Len returns the number of open handles.
func (hs *Handles) Len() int {
	return len(hs.open)
}
