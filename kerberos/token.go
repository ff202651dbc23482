package kerberos

import (
	"bytes"
	"fmt"
)

//        InitialContextToken
//     0: 0x60
//    1-: DER length
//      : mechanism OID
//      : token ID, 2 bytes big-endian
//      : inner token

// extractAPReq strips the GSS-API wrapper. Tokens without one are taken as raw AP-REQs.
func extractAPReq(token []byte) ([]byte, error) {
	if len(token) < 2 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedToken, len(token))
	}
	if token[0] != 0x60 {
		return token, nil
	}

	length, n, ok := parseLength(token[1:])
	if !ok || 1+n+length > len(token) {
		return nil, fmt.Errorf("%w: bad length", ErrMalformedToken)
	}
	body := token[1+n : 1+n+length]

	if len(body) < 2 || body[0] != 0x06 || 2+int(body[1]) > len(body) {
		return nil, fmt.Errorf("%w: bad mechanism", ErrMalformedToken)
	}
	oid := body[:2+int(body[1])]
	if !bytes.Equal(oid, krb5OID) {
		return nil, fmt.Errorf("%w: mechanism is not Kerberos 5", ErrMalformedToken)
	}
	body = body[len(oid):]

	if len(body) < 2 {
		return nil, fmt.Errorf("%w: no token ID", ErrMalformedToken)
	}
	if id := uint16(body[0])<<8 | uint16(body[1]); id != tokenIDAPReq {
		return nil, fmt.Errorf("%w: token ID %#04x", ErrMalformedToken, id)
	}

	return body[2:], nil
}

func wrapToken(inner []byte, tokenID uint16) []byte {
	content := make([]byte, 0, len(krb5OID)+2+len(inner))
	content = append(content, krb5OID...)
	content = append(content, byte(tokenID>>8), byte(tokenID))
	content = append(content, inner...)

	token := append([]byte{0x60}, encodeLength(len(content))...)
	return append(token, content...)
}

func encodeLength(n int) []byte {
	if n < 0x80 {
		return []byte{byte(n)}
	}
	var b []byte
	for ; n > 0; n >>= 8 {
		b = append([]byte{byte(n)}, b...)
	}
	return append([]byte{0x80 | byte(len(b))}, b...)
}

func parseLength(b []byte) (length, n int, ok bool) {
	if len(b) == 0 {
		return 0, 0, false
	}
	if b[0] < 0x80 {
		return int(b[0]), 1, true
	}
	k := int(b[0] & 0x7f)
	if k == 0 || k > 4 || 1+k > len(b) {
		return 0, 0, false
	}
	for _, c := range b[1 : 1+k] {
		length = length<<8 | int(c)
	}
	if length < 0 {
		return 0, 0, false
	}
	return length, 1 + k, true
}
