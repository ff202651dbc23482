// Package schannel implements the Netlogon secure channel security provider
// as used on RPC pipes: the bind-time negotiate message and the per-packet
// signing and sealing with a session key established over Netlogon.
package schannel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/mike76-dev/smbrpc/utils"
)

const (
	// SignatureSize is the length of the auth value of a protected fragment.
	SignatureSize = 32

	// KeySize is the length of a Netlogon session key.
	KeySize = 16
)

var (
	// ErrNoSession is returned when no session key is known for a computer.
	ErrNoSession = errors.New("schannel: no session for computer")

	// ErrKeyLength is returned for session keys of the wrong size.
	ErrKeyLength = errors.New("schannel: invalid session key length")

	// ErrMalformedNegotiate is returned when the bind-time message cannot be parsed.
	ErrMalformedNegotiate = errors.New("schannel: malformed negotiate message")

	// ErrBadSignature is returned when the signature header or the digest does not match.
	ErrBadSignature = errors.New("schannel: bad signature")

	// ErrSequenceMismatch is returned when a packet is replayed, reordered or sent in the wrong direction.
	ErrSequenceMismatch = errors.New("schannel: sequence number mismatch")
)

// Flags of the negotiate message, telling which names follow.
const (
	NL_FLAG_OEM_NETBIOS_DOMAIN_NAME   = 0x00000001
	NL_FLAG_OEM_NETBIOS_COMPUTER_NAME = 0x00000002
	NL_FLAG_UTF8_DNS_DOMAIN_NAME      = 0x00000004
	NL_FLAG_UTF8_DNS_HOST_NAME        = 0x00000008
	NL_FLAG_UTF8_NETBIOS_COMPUTER     = 0x00000010
)

const (
	NL_NEGOTIATE_REQUEST  = 0x00000000
	NL_NEGOTIATE_RESPONSE = 0x00000001
)

// Negotiate is the message a client sends in the auth trailer of a schannel bind.
type Negotiate struct {
	MessageType uint32
	Flags       uint32
	Domain      string
	Computer    string
	DNSDomain   string
	DNSHost     string
}

// ParseNegotiate decodes a negotiate message. A message with no flags set is
// read as a domain name followed by a computer name.
func ParseNegotiate(b []byte) (Negotiate, error) {
	//       NL_AUTH_MESSAGE
	//  0-4: MessageType
	//  4-8: Flags
	//   8-: Buffer

	var neg Negotiate
	if len(b) < 8 {
		return neg, fmt.Errorf("%w: %d bytes", ErrMalformedNegotiate, len(b))
	}

	neg.MessageType = binary.LittleEndian.Uint32(b[:4])
	neg.Flags = binary.LittleEndian.Uint32(b[4:8])
	if neg.MessageType != NL_NEGOTIATE_REQUEST {
		return neg, fmt.Errorf("%w: message type %d", ErrMalformedNegotiate, neg.MessageType)
	}

	rest := b[8:]
	flags := neg.Flags
	if flags == 0 {
		flags = NL_FLAG_OEM_NETBIOS_DOMAIN_NAME | NL_FLAG_OEM_NETBIOS_COMPUTER_NAME
	}

	var ok bool
	if flags&NL_FLAG_OEM_NETBIOS_DOMAIN_NAME != 0 {
		if neg.Domain, rest, ok = utils.CString(rest); !ok {
			return neg, fmt.Errorf("%w: domain name", ErrMalformedNegotiate)
		}
	}
	if flags&NL_FLAG_OEM_NETBIOS_COMPUTER_NAME != 0 {
		if neg.Computer, rest, ok = utils.CString(rest); !ok {
			return neg, fmt.Errorf("%w: computer name", ErrMalformedNegotiate)
		}
	}
	if flags&NL_FLAG_UTF8_DNS_DOMAIN_NAME != 0 {
		if neg.DNSDomain, rest, ok = dnsName(rest); !ok {
			return neg, fmt.Errorf("%w: DNS domain name", ErrMalformedNegotiate)
		}
	}
	if flags&NL_FLAG_UTF8_DNS_HOST_NAME != 0 {
		if neg.DNSHost, rest, ok = dnsName(rest); !ok {
			return neg, fmt.Errorf("%w: DNS host name", ErrMalformedNegotiate)
		}
	}
	if flags&NL_FLAG_UTF8_NETBIOS_COMPUTER != 0 {
		var name string
		if name, _, ok = utils.CString(rest); !ok {
			return neg, fmt.Errorf("%w: computer name", ErrMalformedNegotiate)
		}
		if neg.Computer == "" {
			neg.Computer = name
		}
	}

	if neg.Computer == "" && neg.DNSHost != "" {
		neg.Computer, _, _ = strings.Cut(neg.DNSHost, ".")
	}
	if neg.Computer == "" {
		return neg, fmt.Errorf("%w: no computer name", ErrMalformedNegotiate)
	}

	return neg, nil
}

// dnsName reads an uncompressed sequence of DNS labels.
func dnsName(b []byte) (string, []byte, bool) {
	var labels []string
	for {
		if len(b) == 0 {
			return "", nil, false
		}
		n := int(b[0])
		b = b[1:]
		if n == 0 {
			return strings.Join(labels, "."), b, true
		}
		if n&0xc0 != 0 || len(b) < n {
			return "", nil, false
		}
		labels = append(labels, string(b[:n]))
		b = b[n:]
	}
}

// Bytes encodes neg the way a client sends it.
func (neg Negotiate) Bytes() []byte {
	var buf bytes.Buffer
	flags := uint32(NL_FLAG_OEM_NETBIOS_DOMAIN_NAME | NL_FLAG_OEM_NETBIOS_COMPUTER_NAME)
	binary.Write(&buf, binary.LittleEndian, uint32(NL_NEGOTIATE_REQUEST))
	binary.Write(&buf, binary.LittleEndian, flags)
	buf.WriteString(neg.Domain)
	buf.WriteByte(0)
	buf.WriteString(neg.Computer)
	buf.WriteByte(0)
	return buf.Bytes()
}

// ReplyVerifier returns the auth value of a schannel bind_ack.
func ReplyVerifier() []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], NL_NEGOTIATE_RESPONSE)
	binary.LittleEndian.PutUint32(b[8:12], 5)
	return b
}
