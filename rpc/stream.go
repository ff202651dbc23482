package rpc

import (
	"encoding/binary"

	"github.com/mike76-dev/smbrpc/utils"
)

// Protector computes the auth value of an outgoing fragment.
//
// SignatureSize returns zero when fragments carry no auth trailer. Protect
// receives the fragment data plus padding as body and the fragment up to and
// including the auth trailer as pdu; body aliases pdu and may be encrypted in
// place. It returns the auth value to append.
type Protector interface {
	AuthType() uint8
	AuthLevel() uint8
	AuthContextID() uint32
	SignatureSize() int
	Protect(body, pdu []byte) ([]byte, error)
}

// OutgoingStream is the outgoing side of a pipe: either a single staged PDU
// or a response payload that is cut into fragments on demand.
type OutgoingStream struct {
	pdu []byte

	payload   []byte
	sent      int
	callID    uint32
	contextID uint16
	started   bool
	active    bool
}

// Begin starts a new response cycle for payload, discarding any previous state.
func (s *OutgoingStream) Begin(callID uint32, contextID uint16, payload []byte) {
	s.Reset()
	s.payload = payload
	s.callID = callID
	s.contextID = contextID
	s.active = true
}

// SetPDU stages a single prebuilt PDU, discarding any previous state.
func (s *OutgoingStream) SetPDU(pdu []byte) {
	s.Reset()
	s.pdu = pdu
}

// Reset drops all outgoing state.
func (s *OutgoingStream) Reset() {
	*s = OutgoingStream{}
}

// Pending reports whether another PDU is due.
func (s *OutgoingStream) Pending() bool {
	return s.pdu != nil || s.active
}

// Remaining returns the number of payload bytes not yet emitted.
func (s *OutgoingStream) Remaining() int {
	if !s.active {
		return 0
	}
	return len(s.payload) - s.sent
}

// CallID returns the call identifier of the current response cycle.
func (s *OutgoingStream) CallID() uint32 {
	return s.callID
}

// NextFragment returns the next PDU. A staged PDU is returned as is; otherwise
// the next response fragment of at most capacity bytes is built.
func (s *OutgoingStream) NextFragment(capacity int, p Protector) ([]byte, error) {
	if s.pdu != nil {
		pdu := s.pdu
		s.pdu = nil
		return pdu, nil
	}

	if !s.active {
		return nil, ErrNoResponse
	}

	sigSize := 0
	if p != nil {
		sigSize = p.SignatureSize()
	}

	space := capacity - HeaderSize - ResponseHeaderSize
	if sigSize > 0 {
		space -= AuthTrailerSize + sigSize
		space &^= 7
	}
	if space <= 0 {
		return nil, ErrCapacityExceeded
	}

	remaining := len(s.payload) - s.sent
	n := min(remaining, space)

	var flags uint8
	if !s.started {
		flags |= PFC_FIRST_FRAG
	}
	last := s.sent+n >= len(s.payload)
	if last {
		flags |= PFC_LAST_FRAG
	}

	pad := 0
	if sigSize > 0 {
		pad = utils.Roundup(n, 8) - n
	}

	dataEnd := HeaderSize + ResponseHeaderSize + n + pad
	fragLen := dataEnd
	if sigSize > 0 {
		fragLen += AuthTrailerSize + sigSize
	}

	buf := make([]byte, fragLen)
	h := NewHeader(PACKET_TYPE_RESPONSE, flags, s.callID)
	h.FragLength = uint16(fragLen)
	h.AuthLength = uint16(sigSize)
	h.put(buf)
	binary.LittleEndian.PutUint32(buf[16:20], uint32(remaining))
	binary.LittleEndian.PutUint16(buf[20:22], s.contextID)
	copy(buf[HeaderSize+ResponseHeaderSize:], s.payload[s.sent:s.sent+n])

	if sigSize > 0 {
		at := AuthTrailer{
			AuthType:      p.AuthType(),
			AuthLevel:     p.AuthLevel(),
			PadLength:     uint8(pad),
			AuthContextID: p.AuthContextID(),
		}
		at.put(buf[dataEnd : dataEnd+AuthTrailerSize])

		sig, err := p.Protect(buf[HeaderSize+ResponseHeaderSize:dataEnd], buf[:dataEnd+AuthTrailerSize])
		if err != nil {
			return nil, err
		}
		if len(sig) != sigSize {
			return nil, ErrAuthLengthInconsistent
		}
		copy(buf[dataEnd+AuthTrailerSize:], sig)
	}

	s.sent += n
	s.started = true
	if last {
		s.active = false
		s.payload = nil
	}

	return buf, nil
}
