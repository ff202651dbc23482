package ntlm

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/mike76-dev/smbrpc/utils"
)

// Client is the initiator side of an NTLMSSP handshake. It is used by RPC
// clients of the pipe server and by the tests of the packages above.
type Client struct {
	User     string
	Password string
	Domain   string

	// NegotiateFlags overrides the flags requested in the NEGOTIATE message.
	NegotiateFlags uint32

	nmsg    []byte
	session *Session
}

// Negotiate returns the NEGOTIATE message.
func (c *Client) Negotiate() ([]byte, error) {
	//        NegotiateMessage
	//   0-8: Signature
	//  8-12: MessageType
	// 12-16: NegotiateFlags
	// 16-24: DomainNameFields
	// 24-32: WorkstationFields
	// 32-40: Version
	//   40-: Payload

	flags := c.NegotiateFlags
	if flags == 0 {
		flags = defaultFlags
	}

	nmsg := make([]byte, 40)
	copy(nmsg[:8], signature)
	binary.LittleEndian.PutUint32(nmsg[8:12], NtLmNegotiate)
	binary.LittleEndian.PutUint32(nmsg[12:16], flags)
	copy(nmsg[32:40], version)

	c.nmsg = nmsg
	return nmsg, nil
}

// Authenticate consumes the CHALLENGE message and returns the AUTHENTICATE message.
func (c *Client) Authenticate(cmsg []byte) ([]byte, error) {
	if len(cmsg) < 48 || !bytes.Equal(cmsg[:8], signature) || binary.LittleEndian.Uint32(cmsg[8:12]) != NtLmChallenge {
		return nil, fmt.Errorf("%w: bad challenge message", ErrMalformedMessage)
	}

	flags := binary.LittleEndian.Uint32(cmsg[20:24])
	serverChallenge := cmsg[24:32]
	targetInfo, err := payloadField(cmsg, 40)
	if err != nil {
		return nil, fmt.Errorf("invalid target info: %w", err)
	}

	timeStamp := make([]byte, 8)
	binary.LittleEndian.PutUint64(timeStamp, utils.UnixToFiletime(time.Now()))
	if pairs, ok := parseAvPairs(targetInfo); ok {
		if ts, ok := pairs[MsvAvTimestamp]; ok && len(ts) == 8 {
			copy(timeStamp, ts)
		}
	}

	clientChallenge := make([]byte, 8)
	if _, err := rand.Read(clientChallenge); err != nil {
		return nil, err
	}

	USER := utils.EncodeStringToBytes(strings.ToUpper(c.User))
	domain := utils.EncodeStringToBytes(c.Domain)
	user := utils.EncodeStringToBytes(c.User)
	password := utils.EncodeStringToBytes(c.Password)

	h := hmac.New(md5.New, ntowfv2(USER, password, domain))
	ntChallengeResponse := make([]byte, 16+28+len(targetInfo))
	encodeNtlmv2Response(ntChallengeResponse, h, serverChallenge, clientChallenge, timeStamp, bytesEncoder(targetInfo))

	h.Reset()
	h.Write(ntChallengeResponse[:16])
	sessionBaseKey := h.Sum(nil)

	exportedSessionKey := sessionBaseKey
	var encryptedRandomSessionKey []byte
	if flags&NTLMSSP_NEGOTIATE_KEY_EXCH != 0 {
		exportedSessionKey = make([]byte, 16)
		if _, err := rand.Read(exportedSessionKey); err != nil {
			return nil, err
		}
		cipher, err := rc4.NewCipher(sessionBaseKey)
		if err != nil {
			return nil, err
		}
		encryptedRandomSessionKey = make([]byte, 16)
		cipher.XORKeyStream(encryptedRandomSessionKey, exportedSessionKey)
	}

	//        AuthenticateMessage
	//  0-88: fixed part including Version and MIC
	//   88-: NtChallengeResponse, DomainName, UserName, EncryptedRandomSessionKey

	const off = 88
	amsg := make([]byte, off, off+len(ntChallengeResponse)+len(domain)+len(user)+len(encryptedRandomSessionKey))
	copy(amsg[:8], signature)
	binary.LittleEndian.PutUint32(amsg[8:12], NtLmAuthenticate)

	put := func(field int, b []byte) {
		binary.LittleEndian.PutUint16(amsg[field:field+2], uint16(len(b)))
		binary.LittleEndian.PutUint16(amsg[field+2:field+4], uint16(len(b)))
		binary.LittleEndian.PutUint32(amsg[field+4:field+8], uint32(len(amsg)))
		amsg = append(amsg, b...)
	}
	binary.LittleEndian.PutUint32(amsg[16:20], off) // empty LmChallengeResponse
	put(20, ntChallengeResponse)
	put(28, domain)
	put(36, user)
	binary.LittleEndian.PutUint32(amsg[48:52], uint32(len(amsg))) // empty Workstation
	put(52, encryptedRandomSessionKey)
	binary.LittleEndian.PutUint32(amsg[60:64], flags)
	copy(amsg[64:72], version)

	session, err := newSession(true, strings.ToLower(c.User), c.Domain, flags, exportedSessionKey)
	if err != nil {
		return nil, err
	}
	c.session = session

	return amsg, nil
}

// Session returns the established session, or nil before Authenticate.
func (c *Client) Session() *Session {
	return c.session
}
