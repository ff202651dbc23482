package lsa

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mike76-dev/smbrpc/pipe"
	"github.com/mike76-dev/smbrpc/utils"
	"github.com/oiweiwei/go-msrpc/msrpc/dtyp"
	"github.com/oiweiwei/go-msrpc/msrpc/lsat/lsarpc/v0"
	"github.com/oiweiwei/go-msrpc/ndr"
)

// ErrInvalidSID is returned by ParseSID for malformed SID strings.
var ErrInvalidSID = errors.New("invalid SID")

// ParseSID converts the string form S-1-<authority>-<sub>... into a SID.
func ParseSID(s string) (*dtyp.SID, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 3 || !strings.EqualFold(parts[0], "S") || parts[1] != "1" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSID, s)
	}

	authority, err := strconv.ParseUint(parts[2], 10, 48)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSID, s)
	}
	ia := make([]byte, 6)
	for i := 5; i >= 0; i-- {
		ia[i] = byte(authority)
		authority >>= 8
	}

	subs := parts[3:]
	if len(subs) > 15 {
		return nil, fmt.Errorf("%w: too many sub-authorities", ErrInvalidSID)
	}
	sid := &dtyp.SID{
		Revision:          1,
		SubAuthorityCount: uint8(len(subs)),
		IDAuthority:       &dtyp.SIDIDAuthority{Value: ia},
	}
	for _, sub := range subs {
		v, err := strconv.ParseUint(sub, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSID, s)
		}
		sid.SubAuthority = append(sid.SubAuthority, uint32(v))
	}
	return sid, nil
}

// handleKey returns the wire form of h, which keys the connection's handle
// table.
func handleKey(h *lsarpc.Handle) ([]byte, error) {
	if h == nil {
		return nil, pipe.ErrBadHandle
	}
	return ndr.Marshal(h)
}

// newHandle decodes a handle issued by the handle table.
func newHandle(key [pipe.HandleSize]byte) (*lsarpc.Handle, error) {
	h := &lsarpc.Handle{}
	if err := ndr.Unmarshal(key[:], h); err != nil {
		return nil, err
	}
	return h, nil
}

func unicodeString(s string) *dtyp.UnicodeString {
	n := uint16(utils.UTF16Len(s) * 2)
	return &dtyp.UnicodeString{
		Length:        n,
		MaximumLength: n,
		Buffer:        s,
	}
}

func ntstatus(status uint32) int32 {
	return int32(status)
}
