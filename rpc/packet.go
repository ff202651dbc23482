package rpc

import (
	"bytes"
	"encoding/binary"
	"io"
)

const (
	HeaderSize         = 16
	RequestHeaderSize  = 8
	ResponseHeaderSize = 8
	AuthTrailerSize    = 8
	ObjectUUIDSize     = 16

	// DefaultMaxFragLength is the PDU capacity used unless configured otherwise.
	DefaultMaxFragLength = 4280

	// MinFragLength is the smallest capacity a peer may negotiate.
	MinFragLength = 1432

	// MaxSignSize bounds the auth value of an NTLMSSP request fragment.
	MaxSignSize = 32
)

const (
	// MS-RPC packet types.
	PACKET_TYPE_REQUEST                = 0x00
	PACKET_TYPE_RESPONSE               = 0x02
	PACKET_TYPE_FAULT                  = 0x03
	PACKET_TYPE_BIND                   = 0x0b
	PACKET_TYPE_BIND_ACK               = 0x0c
	PACKET_TYPE_BIND_NAK               = 0x0d
	PACKET_TYPE_ALTER_CONTEXT          = 0x0e
	PACKET_TYPE_ALTER_CONTEXT_RESPONSE = 0x0f
	PACKET_TYPE_AUTH3                  = 0x10
	PACKET_TYPE_SHUTDOWN               = 0x11
	PACKET_TYPE_CANCEL                 = 0x12
	PACKET_TYPE_ORPHANED               = 0x13
)

const (
	// MS-RPC packet flags.
	PFC_FIRST_FRAG          = 0x01
	PFC_LAST_FRAG           = 0x02
	PFC_PENDING_CANCEL      = 0x04
	PFC_SUPPORT_HEADER_SIGN = 0x04
	PFC_CONC_MPX            = 0x10
	PFC_DID_NOT_EXECUTE     = 0x20
	PFC_MAYBE               = 0x40
	PFC_OBJECT_UUID         = 0x80
)

// dataRepLittleEndian is the first octet of the data representation label:
// little-endian integers, ASCII characters.
const dataRepLittleEndian = 0x10

// Header represents the header of an MS-RPC packet.
type Header struct {
	RPCVersionMajor    uint8
	RPCVersionMinor    uint8
	PacketType         uint8
	PacketFlags        uint8
	DataRepresentation uint32
	FragLength         uint16
	AuthLength         uint16
	CallID             uint32
}

// Encode implements Encoder interface.
func (h *Header) Encode(w io.Writer) {
	w.Write(h.Bytes())
}

// Bytes returns the 16-byte wire form of the header.
func (h *Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	h.put(buf)
	return buf
}

func (h *Header) put(buf []byte) {
	buf[0] = h.RPCVersionMajor
	buf[1] = h.RPCVersionMinor
	buf[2] = h.PacketType
	buf[3] = h.PacketFlags
	binary.LittleEndian.PutUint32(buf[4:8], h.DataRepresentation)
	binary.LittleEndian.PutUint16(buf[8:10], h.FragLength)
	binary.LittleEndian.PutUint16(buf[10:12], h.AuthLength)
	binary.LittleEndian.PutUint32(buf[12:16], h.CallID)
}

// Decode implements Decoder interface.
func (h *Header) Decode(r io.Reader) error {
	buf := make([]byte, HeaderSize)
	if err := readFull(r, buf); err != nil {
		return err
	}

	h.RPCVersionMajor = buf[0]
	h.RPCVersionMinor = buf[1]
	h.PacketType = buf[2]
	h.PacketFlags = buf[3]
	h.DataRepresentation = binary.LittleEndian.Uint32(buf[4:8])
	h.FragLength = binary.LittleEndian.Uint16(buf[8:10])
	h.AuthLength = binary.LittleEndian.Uint16(buf[10:12])
	h.CallID = binary.LittleEndian.Uint32(buf[12:16])
	return nil
}

// First reports whether PFC_FIRST_FRAG is set.
func (h *Header) First() bool { return h.PacketFlags&PFC_FIRST_FRAG != 0 }

// Last reports whether PFC_LAST_FRAG is set.
func (h *Header) Last() bool { return h.PacketFlags&PFC_LAST_FRAG != 0 }

// NewHeader returns a standard MS-RPC packet header.
func NewHeader(pt uint8, pf uint8, callID uint32) *Header {
	return &Header{
		RPCVersionMajor:    5,
		RPCVersionMinor:    0,
		PacketType:         pt,
		PacketFlags:        pf,
		DataRepresentation: 0x00000010, // LE byte order, ASCII character format, IEEE float format
		CallID:             callID,
	}
}

// ParseHeader decodes and validates the common header at the start of pdu.
// pdu must hold the complete fragment.
func ParseHeader(pdu []byte) (*Header, error) {
	if len(pdu) < HeaderSize {
		return nil, ErrMalformedHeader
	}

	h := &Header{}
	if err := h.Decode(bytes.NewReader(pdu[:HeaderSize])); err != nil {
		return nil, err
	}

	if h.RPCVersionMajor != 5 || h.RPCVersionMinor != 0 {
		return nil, ErrMalformedHeader
	}
	if uint8(h.DataRepresentation) != dataRepLittleEndian {
		return nil, ErrMalformedHeader
	}
	if h.FragLength < HeaderSize {
		return nil, ErrMalformedHeader
	}
	if h.AuthLength > 0 && HeaderSize+AuthTrailerSize+int(h.AuthLength) > int(h.FragLength) {
		return nil, ErrAuthLengthInconsistent
	}
	if len(pdu) < int(h.FragLength) {
		return nil, ErrTruncated
	}

	return h, nil
}
