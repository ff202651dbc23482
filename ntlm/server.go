// Taken from https://github.com/hirochachacha/go-smb2
package ntlm

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mike76-dev/smbrpc/utils"
)

var (
	// ErrLogonFailure is returned when the client's credentials do not verify.
	ErrLogonFailure = errors.New("login failure")

	// ErrMalformedMessage is returned for NTLMSSP messages that cannot be parsed.
	ErrMalformedMessage = errors.New("malformed NTLMSSP message")
)

// AccountStore resolves account names to passwords.
type AccountStore interface {
	Lookup(user string) (password string, ok bool)
}

// Server is the acceptor side of a single NTLMSSP handshake.
type Server struct {
	targetName   string
	targetDomain string
	accounts     AccountStore

	nmsg    []byte
	cmsg    []byte
	session *Session
}

// NewServer returns an acceptor that checks credentials against accounts.
func NewServer(targetName, targetDomain string, accounts AccountStore) *Server {
	return &Server{
		targetName:   targetName,
		targetDomain: targetDomain,
		accounts:     accounts,
	}
}

func (s *Server) Challenge(nmsg []byte) (cmsg []byte, err error) {
	//        NegotiateMessage
	//   0-8: Signature
	//  8-12: MessageType
	// 12-16: NegotiateFlags
	// 16-24: DomainNameFields
	// 24-32: WorkstationFields
	// 32-40: Version
	//   40-: Payload

	if len(nmsg) < 32 {
		return nil, fmt.Errorf("%w: negotiate message too short", ErrMalformedMessage)
	}

	if !bytes.Equal(nmsg[:8], signature) {
		return nil, fmt.Errorf("%w: invalid signature", ErrMalformedMessage)
	}

	if binary.LittleEndian.Uint32(nmsg[8:12]) != NtLmNegotiate {
		return nil, fmt.Errorf("%w: invalid message type", ErrMalformedMessage)
	}

	flags := binary.LittleEndian.Uint32(nmsg[12:16]) & defaultFlags
	flags |= NTLMSSP_NEGOTIATE_TARGET_INFO
	flags |= NTLMSSP_TARGET_TYPE_SERVER

	//        ChallengeMessage
	//   0-8: Signature
	//  8-12: MessageType
	// 12-20: TargetNameFields
	// 20-24: NegotiateFlags
	// 24-32: ServerChallenge
	// 32-40: _
	// 40-48: TargetInfoFields
	// 48-56: Version
	//   56-: Payload

	off := 48

	if flags&NTLMSSP_NEGOTIATE_VERSION != 0 {
		off += 8
	}

	targetName := utils.EncodeStringToBytes(s.targetName)
	targetDomain := utils.EncodeStringToBytes(s.targetDomain)
	targetNameLow := utils.EncodeStringToBytes(strings.ToLower(s.targetName))

	length := len(targetName)
	if flags&NTLMSSP_NEGOTIATE_TARGET_INFO != 0 {
		length += len(targetName) + 4    // MsvAvNbComputerName
		length += len(targetDomain) + 4  // MsvAvNbDomainName
		length += len(targetNameLow) + 4 // MsvAvDnsComputerName
		length += len(targetDomain) + 4  // MsvAvDnsDomainName
		length += 8 + 4                  // MsvAvTimestamp
		length += 4                      // MsvAvEOL
	}

	cmsg = make([]byte, off+length)

	copy(cmsg[:8], signature)
	binary.LittleEndian.PutUint32(cmsg[8:12], NtLmChallenge)
	binary.LittleEndian.PutUint32(cmsg[20:24], flags)

	if targetName != nil && flags&NTLMSSP_REQUEST_TARGET != 0 {
		length := copy(cmsg[off:off+len(targetName)], targetName)
		binary.LittleEndian.PutUint16(cmsg[12:14], uint16(length))
		binary.LittleEndian.PutUint16(cmsg[14:16], uint16(length))
		binary.LittleEndian.PutUint32(cmsg[16:20], uint32(off))
		off += length
	}

	if flags&NTLMSSP_NEGOTIATE_TARGET_INFO != 0 {
		offset := off
		binary.LittleEndian.PutUint16(cmsg[offset:offset+2], MsvAvNbComputerName)
		binary.LittleEndian.PutUint16(cmsg[offset+2:offset+4], uint16(len(targetName)))
		copy(cmsg[offset+4:offset+4+len(targetName)], targetName)
		length := 4 + len(targetName)
		offset += length

		binary.LittleEndian.PutUint16(cmsg[offset:offset+2], MsvAvNbDomainName)
		binary.LittleEndian.PutUint16(cmsg[offset+2:offset+4], uint16(len(targetDomain)))
		copy(cmsg[offset+4:offset+4+len(targetDomain)], targetDomain)
		length += 4 + len(targetDomain)
		offset += 4 + len(targetDomain)

		binary.LittleEndian.PutUint16(cmsg[offset:offset+2], MsvAvDnsComputerName)
		binary.LittleEndian.PutUint16(cmsg[offset+2:offset+4], uint16(len(targetNameLow)))
		copy(cmsg[offset+4:offset+4+len(targetNameLow)], targetNameLow)
		length += 4 + len(targetNameLow)
		offset += 4 + len(targetNameLow)

		binary.LittleEndian.PutUint16(cmsg[offset:offset+2], MsvAvDnsDomainName)
		binary.LittleEndian.PutUint16(cmsg[offset+2:offset+4], uint16(len(targetDomain)))
		copy(cmsg[offset+4:offset+4+len(targetDomain)], targetDomain)
		length += 4 + len(targetDomain)
		offset += 4 + len(targetDomain)

		binary.LittleEndian.PutUint16(cmsg[offset:offset+2], MsvAvTimestamp)
		binary.LittleEndian.PutUint16(cmsg[offset+2:offset+4], 8)
		binary.LittleEndian.PutUint64(cmsg[offset+4:offset+12], utils.UnixToFiletime(time.Now()))
		length += 12
		offset += 12

		copy(cmsg[offset:offset+4], []byte{0x00, 0x00, 0x00, 0x00}) // AvId: MsvAvEOL, AvLen: 0
		length += 4
		binary.LittleEndian.PutUint16(cmsg[40:42], uint16(length))
		binary.LittleEndian.PutUint16(cmsg[42:44], uint16(length))
		binary.LittleEndian.PutUint32(cmsg[44:48], uint32(off))
	}

	_, err = rand.Read(cmsg[24:32])
	if err != nil {
		return nil, err
	}

	if flags&NTLMSSP_NEGOTIATE_VERSION != 0 {
		copy(cmsg[48:56], version)
	}

	s.nmsg = append([]byte(nil), nmsg...)
	s.cmsg = cmsg

	return cmsg, nil
}

func (s *Server) Authenticate(amsg []byte) (err error) {
	//        AuthenticateMessage
	//   0-8: Signature
	//  8-12: MessageType
	// 12-20: LmChallengeResponseFields
	// 20-28: NtChallengeResponseFields
	// 28-36: DomainNameFields
	// 36-44: UserNameFields
	// 44-52: WorkstationFields
	// 52-60: EncryptedRandomSessionKeyFields
	// 60-64: NegotiateFlags
	// 64-72: Version
	// 72-88: MIC
	//   88-: Payload

	if s.cmsg == nil {
		return fmt.Errorf("%w: no challenge was issued", ErrMalformedMessage)
	}

	if len(amsg) < 64 {
		return fmt.Errorf("%w: authenticate message too short", ErrMalformedMessage)
	}

	if !bytes.Equal(amsg[:8], signature) {
		return fmt.Errorf("%w: invalid signature", ErrMalformedMessage)
	}

	if binary.LittleEndian.Uint32(amsg[8:12]) != NtLmAuthenticate {
		return fmt.Errorf("%w: invalid message type", ErrMalformedMessage)
	}

	flags := binary.LittleEndian.Uint32(amsg[60:64])

	ntChallengeResponse, err := payloadField(amsg, 20)
	if err != nil {
		return fmt.Errorf("invalid NT challenge format: %w", err)
	}

	domainName, err := payloadField(amsg, 28)
	if err != nil {
		return fmt.Errorf("invalid domain name format: %w", err)
	}

	userName, err := payloadField(amsg, 36)
	if err != nil {
		return fmt.Errorf("invalid user name format: %w", err)
	}

	encryptedRandomSessionKey, err := payloadField(amsg, 52)
	if err != nil {
		return fmt.Errorf("invalid session key format: %w", err)
	}

	if len(userName) == 0 || flags&NTLMSSP_ANONYMOUS != 0 {
		return fmt.Errorf("%w: anonymous credentials", ErrLogonFailure)
	}

	// NTProofStr plus the fixed part of the NTLMv2 client challenge.
	if len(ntChallengeResponse) < 16+28 {
		return fmt.Errorf("%w: NTLMv2 response required", ErrLogonFailure)
	}

	user := strings.ToLower(utils.DecodeToString(userName))
	if s.accounts == nil {
		return fmt.Errorf("%w: no accounts configured", ErrLogonFailure)
	}
	pass, ok := s.accounts.Lookup(user)
	if !ok {
		return fmt.Errorf("%w: unknown user %q", ErrLogonFailure, user)
	}

	expectedNtChallengeResponse := make([]byte, len(ntChallengeResponse))
	ntlmv2ClientChallenge := ntChallengeResponse[16:]
	USER := utils.EncodeStringToBytes(strings.ToUpper(user))
	password := utils.EncodeStringToBytes(pass)
	h := hmac.New(md5.New, ntowfv2(USER, password, domainName))
	serverChallenge := s.cmsg[24:32]
	timeStamp := ntlmv2ClientChallenge[8:16]
	clientChallenge := ntlmv2ClientChallenge[16:24]
	targetInfo := ntlmv2ClientChallenge[28:]
	encodeNtlmv2Response(expectedNtChallengeResponse, h, serverChallenge, clientChallenge, timeStamp, bytesEncoder(targetInfo))
	if !hmac.Equal(ntChallengeResponse, expectedNtChallengeResponse) {
		return ErrLogonFailure
	}

	var domain string
	if len(domainName) != 0 {
		domain = utils.DecodeToString(domainName)
	}

	h.Reset()
	h.Write(ntChallengeResponse[:16])
	sessionBaseKey := h.Sum(nil)

	keyExchangeKey := sessionBaseKey // if ntlm version == 2

	exportedSessionKey := keyExchangeKey
	if flags&NTLMSSP_NEGOTIATE_KEY_EXCH != 0 {
		if len(encryptedRandomSessionKey) != 16 {
			return fmt.Errorf("%w: bad encrypted session key length", ErrMalformedMessage)
		}
		exportedSessionKey = make([]byte, 16)
		cipher, err := rc4.NewCipher(keyExchangeKey)
		if err != nil {
			return err
		}
		cipher.XORKeyStream(exportedSessionKey, encryptedRandomSessionKey)
	}

	if infoMap, ok := parseAvPairs(targetInfo); ok {
		if avFlags, ok := infoMap[MsvAvFlags]; ok && len(avFlags) >= 4 && binary.LittleEndian.Uint32(avFlags)&0x02 != 0 {
			micOff := 64
			if flags&NTLMSSP_NEGOTIATE_VERSION != 0 {
				micOff = 72
			}
			if len(amsg) < micOff+16 {
				return fmt.Errorf("%w: missing MIC", ErrMalformedMessage)
			}
			msg := append([]byte(nil), amsg...)
			MIC := append([]byte(nil), msg[micOff:micOff+16]...)
			copy(msg[micOff:micOff+16], zero[:])
			h = hmac.New(md5.New, exportedSessionKey)
			h.Write(s.nmsg)
			h.Write(s.cmsg)
			h.Write(msg)
			if !hmac.Equal(MIC, h.Sum(nil)) {
				return ErrLogonFailure
			}
		}
	}

	session, err := newSession(false, user, domain, flags, exportedSessionKey)
	if err != nil {
		return err
	}

	s.session = session
	return nil
}

// payloadField returns the variable-length field whose descriptor
// (length, max length, offset) starts at off.
func payloadField(msg []byte, off int) ([]byte, error) {
	length := binary.LittleEndian.Uint16(msg[off : off+2])
	maxLength := binary.LittleEndian.Uint16(msg[off+2 : off+4])
	if maxLength < length {
		return nil, ErrMalformedMessage
	}
	offset := binary.LittleEndian.Uint32(msg[off+4 : off+8])
	if uint64(offset)+uint64(length) > uint64(len(msg)) {
		return nil, ErrMalformedMessage
	}
	return msg[offset : offset+uint32(length)], nil
}

// Session returns the established session, or nil before Authenticate succeeds.
func (s *Server) Session() *Session {
	return s.session
}
