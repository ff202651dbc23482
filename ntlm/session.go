// Taken from https://github.com/hirochachacha/go-smb2
package ntlm

import (
	"crypto/hmac"
	"crypto/rc4"
	"errors"
)

var (
	// ErrSignatureMismatch is returned when a received signature does not verify.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrNotNegotiated is returned when signing or sealing was not negotiated.
	ErrNotNegotiated = errors.New("capability not negotiated")
)

// SignatureSize is the length of an NTLMSSP message signature.
const SignatureSize = 16

// Session holds the keys and sequence state of an established NTLMSSP context.
// Without extended session security both directions share a single RC4
// stream and sequence counter.
type Session struct {
	isClientSide bool

	user   string
	domain string

	negotiateFlags     uint32
	exportedSessionKey []byte
	clientSigningKey   []byte
	serverSigningKey   []byte

	clientHandle *rc4.Cipher
	serverHandle *rc4.Cipher

	seqNum [2]uint32
}

func newSession(isClientSide bool, user, domain string, flags uint32, sessionKey []byte) (*Session, error) {
	s := &Session{
		isClientSide:       isClientSide,
		user:               user,
		domain:             domain,
		negotiateFlags:     flags,
		exportedSessionKey: sessionKey,
		clientSigningKey:   signKey(flags, sessionKey, true),
		serverSigningKey:   signKey(flags, sessionKey, false),
	}

	var err error
	s.clientHandle, err = rc4.NewCipher(sealKey(flags, sessionKey, true))
	if err != nil {
		return nil, err
	}

	if flags&NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY == 0 {
		s.serverHandle = s.clientHandle
		return s, nil
	}

	s.serverHandle, err = rc4.NewCipher(sealKey(flags, sessionKey, false))
	if err != nil {
		return nil, err
	}
	return s, nil
}

// User returns the authenticated account name.
func (s *Session) User() string {
	return s.user
}

// Domain returns the domain the client authenticated against.
func (s *Session) Domain() string {
	return s.domain
}

// SessionKey returns the exported session key.
func (s *Session) SessionKey() []byte {
	return s.exportedSessionKey
}

// NegotiateFlags returns the flags agreed during the handshake.
func (s *Session) NegotiateFlags() uint32 {
	return s.negotiateFlags
}

// CanSign reports whether message signing was negotiated.
func (s *Session) CanSign() bool {
	return s.negotiateFlags&NTLMSSP_NEGOTIATE_SIGN != 0
}

// CanSeal reports whether message confidentiality was negotiated.
func (s *Session) CanSeal() bool {
	return s.negotiateFlags&NTLMSSP_NEGOTIATE_SEAL != 0
}

func (s *Session) Overhead() int {
	return SignatureSize
}

// outbound returns the key, cipher and sequence slot for messages this side sends.
func (s *Session) outbound() ([]byte, *rc4.Cipher, *uint32) {
	if s.isClientSide {
		return s.clientSigningKey, s.clientHandle, &s.seqNum[0]
	}
	return s.serverSigningKey, s.serverHandle, &s.seqNum[0]
}

// inbound returns the key, cipher and sequence slot for messages the peer sends.
func (s *Session) inbound() ([]byte, *rc4.Cipher, *uint32) {
	slot := &s.seqNum[1]
	if s.negotiateFlags&NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY == 0 {
		slot = &s.seqNum[0]
	}
	if s.isClientSide {
		return s.serverSigningKey, s.serverHandle, slot
	}
	return s.clientSigningKey, s.clientHandle, slot
}

// signedMessage selects what the checksum covers: the whole PDU with
// extended session security, the payload alone otherwise.
func (s *Session) signedMessage(body, pdu []byte) []byte {
	if s.negotiateFlags&NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY != 0 {
		return pdu
	}
	return body
}

// SignPDU returns the signature of an outgoing fragment.
func (s *Session) SignPDU(body, pdu []byte) ([]byte, error) {
	if !s.CanSign() {
		return nil, ErrNotNegotiated
	}

	key, handle, seq := s.outbound()
	sig, next := mac(nil, s.negotiateFlags, handle, key, *seq, s.signedMessage(body, pdu))
	*seq = next
	return sig, nil
}

// VerifyPDU checks the signature of an incoming fragment.
func (s *Session) VerifyPDU(body, pdu, sig []byte) error {
	if !s.CanSign() {
		return ErrNotNegotiated
	}
	if len(sig) != SignatureSize {
		return ErrSignatureMismatch
	}

	key, handle, seq := s.inbound()
	expected, next := mac(nil, s.negotiateFlags, handle, key, *seq, s.signedMessage(body, pdu))
	if !hmac.Equal(sig, expected) {
		return ErrSignatureMismatch
	}
	*seq = next
	return nil
}

// SealPDU encrypts body in place and returns the signature of the fragment.
// pdu must contain body in plaintext when called.
func (s *Session) SealPDU(body, pdu []byte) ([]byte, error) {
	if !s.CanSeal() {
		return nil, ErrNotNegotiated
	}

	key, handle, seq := s.outbound()
	sig := make([]byte, SignatureSize)
	computeSignature(sig, s.negotiateFlags, key, *seq, s.signedMessage(body, pdu))
	handle.XORKeyStream(body, body)
	encryptSignature(sig, s.negotiateFlags, handle, *seq)
	*seq = nextSeqNum(s.negotiateFlags, *seq)
	return sig, nil
}

// UnsealPDU decrypts body in place and checks the signature of the fragment.
// pdu must contain body, so that after decryption it holds the plaintext.
func (s *Session) UnsealPDU(body, pdu, sig []byte) error {
	if !s.CanSeal() {
		return ErrNotNegotiated
	}
	if len(sig) != SignatureSize {
		return ErrSignatureMismatch
	}

	key, handle, seq := s.inbound()
	handle.XORKeyStream(body, body)
	expected := make([]byte, SignatureSize)
	computeSignature(expected, s.negotiateFlags, key, *seq, s.signedMessage(body, pdu))
	encryptSignature(expected, s.negotiateFlags, handle, *seq)
	if !hmac.Equal(sig, expected) {
		return ErrSignatureMismatch
	}
	*seq = nextSeqNum(s.negotiateFlags, *seq)
	return nil
}
