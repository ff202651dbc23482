// A minimal implementation of the connection-oriented MS-RPC protocol
package rpc

import (
	"encoding/binary"
)

const (
	// Authentication types carried in the auth trailer.
	AUTH_TYPE_NONE     = 0x00
	AUTH_TYPE_SPNEGO   = 0x09
	AUTH_TYPE_NTLMSSP  = 0x0a
	AUTH_TYPE_KERBEROS = 0x10
	AUTH_TYPE_SCHANNEL = 0x44
)

const (
	// Authentication levels.
	AUTH_LEVEL_NONE      = 0x01
	AUTH_LEVEL_CONNECT   = 0x02
	AUTH_LEVEL_CALL      = 0x03
	AUTH_LEVEL_PACKET    = 0x04
	AUTH_LEVEL_INTEGRITY = 0x05
	AUTH_LEVEL_PRIVACY   = 0x06
)

const (
	// Fault status codes.
	NCA_S_OP_RNG_ERROR     = 0x1c010002
	NCA_S_PROTO_ERROR      = 0x1c01000b
	NCA_S_CONTEXT_MISMATCH = 0x1c00001a
	STATUS_ACCESS_DENIED   = 0x00000005
	RPC_S_CANNOT_PERFORM   = 0x000006d8
	RPC_S_SEC_PKG_ERROR    = 0x00000721
)

const (
	// Bind_nak reject reasons.
	BIND_NAK_REASON_NOT_SPECIFIED         = 0
	BIND_NAK_REASON_TEMPORARY_CONGESTION  = 1
	BIND_NAK_REASON_LOCAL_LIMIT_EXCEEDED  = 2
	BIND_NAK_REASON_PROTOCOL_VERSION      = 4
	BIND_NAK_REASON_AUTH_TYPE_UNSUPPORTED = 8
	BIND_NAK_REASON_INVALID_CHECKSUM      = 9
)

const (
	// Presentation context results.
	RESULT_ACCEPTANCE         = 0
	RESULT_USER_REJECTION     = 1
	RESULT_PROVIDER_REJECTION = 2
	RESULT_NEGOTIATE_ACK      = 3
)

const (
	// Provider rejection reasons.
	REASON_NOT_SPECIFIED                   = 0
	REASON_ABSTRACT_SYNTAX_NOT_SUPPORTED   = 1
	REASON_TRANSFER_SYNTAXES_NOT_SUPPORTED = 2
)

// FaultSize is the length of a fault PDU.
const FaultSize = HeaderSize + ResponseHeaderSize + 8

// NewFault returns a single-fragment fault PDU carrying status.
func NewFault(callID uint32, contextID uint16, status uint32) []byte {
	h := NewHeader(PACKET_TYPE_FAULT, PFC_FIRST_FRAG|PFC_LAST_FRAG|PFC_DID_NOT_EXECUTE, callID)
	h.FragLength = FaultSize
	buf := make([]byte, FaultSize)
	h.put(buf)
	binary.LittleEndian.PutUint16(buf[20:22], contextID)
	binary.LittleEndian.PutUint32(buf[24:28], status)
	return buf
}

// NewBindNak returns a bind_nak PDU with the given reject reason.
func NewBindNak(callID uint32, reason uint16) []byte {
	h := NewHeader(PACKET_TYPE_BIND_NAK, PFC_FIRST_FRAG|PFC_LAST_FRAG, callID)
	h.FragLength = HeaderSize + 2
	buf := make([]byte, HeaderSize+2)
	h.put(buf)
	binary.LittleEndian.PutUint16(buf[16:18], reason)
	return buf
}

// FaultStatus returns the status carried by a fault PDU.
func FaultStatus(pdu []byte) (uint32, bool) {
	if len(pdu) < FaultSize || pdu[2] != PACKET_TYPE_FAULT {
		return 0, false
	}
	return binary.LittleEndian.Uint32(pdu[24:28]), true
}
