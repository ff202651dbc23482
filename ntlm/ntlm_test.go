package ntlm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type accounts map[string]string

func (a accounts) Lookup(user string) (string, bool) {
	p, ok := a[user]
	return p, ok
}

func handshake(t *testing.T, c *Client, s *Server) error {
	t.Helper()
	nmsg, err := c.Negotiate()
	require.NoError(t, err)
	cmsg, err := s.Challenge(nmsg)
	require.NoError(t, err)
	amsg, err := c.Authenticate(cmsg)
	require.NoError(t, err)
	return s.Authenticate(amsg)
}

func TestHandshake(t *testing.T) {
	s := NewServer("SMBRPC", "WORKGROUP", accounts{"alice": "secret"})
	c := &Client{User: "Alice", Password: "secret", Domain: "WORKGROUP"}
	require.NoError(t, handshake(t, c, s))

	ss := s.Session()
	require.NotNil(t, ss)
	assert.Equal(t, "alice", ss.User())
	assert.Equal(t, "WORKGROUP", ss.Domain())
	assert.True(t, ss.CanSign())
	assert.True(t, ss.CanSeal())
	assert.Equal(t, c.Session().SessionKey(), ss.SessionKey())
}

func TestHandshakeFailures(t *testing.T) {
	s := NewServer("SMBRPC", "WORKGROUP", accounts{"alice": "secret"})
	err := handshake(t, &Client{User: "alice", Password: "wrong"}, s)
	assert.ErrorIs(t, err, ErrLogonFailure)
	assert.Nil(t, s.Session())

	s = NewServer("SMBRPC", "WORKGROUP", accounts{"alice": "secret"})
	err = handshake(t, &Client{User: "mallory", Password: "secret"}, s)
	assert.ErrorIs(t, err, ErrLogonFailure)

	s = NewServer("SMBRPC", "WORKGROUP", accounts{})
	_, err = s.Challenge([]byte("NTLMSSP\x00short"))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	err = s.Authenticate(make([]byte, 100))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestAuthenticateTruncatedFields(t *testing.T) {
	s := NewServer("SMBRPC", "WORKGROUP", accounts{"alice": "secret"})
	c := &Client{User: "alice", Password: "secret"}
	nmsg, _ := c.Negotiate()
	cmsg, err := s.Challenge(nmsg)
	require.NoError(t, err)
	amsg, err := c.Authenticate(cmsg)
	require.NoError(t, err)

	// Point the NT response past the end of the message.
	amsg[24] = 0xff
	amsg[25] = 0xff
	err = s.Authenticate(amsg)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func established(t *testing.T, flags uint32) (*Session, *Session) {
	s := NewServer("SMBRPC", "WORKGROUP", accounts{"alice": "secret"})
	c := &Client{User: "alice", Password: "secret", NegotiateFlags: flags}
	require.NoError(t, handshake(t, c, s))
	return c.Session(), s.Session()
}

func TestSignVerify(t *testing.T) {
	for _, tt := range []struct {
		name  string
		flags uint32
	}{
		{"extended session security", 0},
		{"legacy", defaultFlags &^ NTLMSSP_NEGOTIATE_EXTENDED_SESSIONSECURITY},
	} {
		t.Run(tt.name, func(t *testing.T) {
			client, server := established(t, tt.flags)

			for i := 0; i < 3; i++ {
				pdu := []byte("header....stub data....trailer.")
				body := pdu[10:23]

				sig, err := client.SignPDU(body, pdu)
				require.NoError(t, err)
				require.Len(t, sig, SignatureSize)
				require.NoError(t, server.VerifyPDU(body, pdu, sig))

				reply := []byte("response header and data")
				sig, err = server.SignPDU(reply[8:], reply)
				require.NoError(t, err)
				require.NoError(t, client.VerifyPDU(reply[8:], reply, sig))
			}

			pdu := []byte("some protected request")
			sig, err := client.SignPDU(pdu[5:], pdu)
			require.NoError(t, err)
			pdu[6] ^= 1
			assert.ErrorIs(t, server.VerifyPDU(pdu[5:], pdu, sig), ErrSignatureMismatch)
		})
	}
}

func TestSealUnseal(t *testing.T) {
	client, server := established(t, 0)

	for i := 0; i < 3; i++ {
		plain := []byte("hdr-confidential payload-trl")
		pdu := append([]byte(nil), plain...)
		body := pdu[4:24]

		sig, err := client.SealPDU(body, pdu)
		require.NoError(t, err)
		assert.NotEqual(t, plain[4:24], body)

		require.NoError(t, server.UnsealPDU(body, pdu, sig))
		assert.Equal(t, plain, pdu)

		reply := []byte("server reply data")
		sig, err = server.SealPDU(reply, reply)
		require.NoError(t, err)
		require.NoError(t, client.UnsealPDU(reply, reply, sig))
		assert.Equal(t, []byte("server reply data"), reply)
	}

	pdu := []byte("hdr-confidential payload-trl")
	sig, err := client.SealPDU(pdu[4:24], pdu)
	require.NoError(t, err)
	pdu[10] ^= 0x80
	assert.ErrorIs(t, server.UnsealPDU(pdu[4:24], pdu, sig), ErrSignatureMismatch)
}

func TestSealNotNegotiated(t *testing.T) {
	client, server := established(t, defaultFlags&^NTLMSSP_NEGOTIATE_SEAL)
	assert.True(t, server.CanSign())
	assert.False(t, server.CanSeal())

	_, err := client.SealPDU([]byte("x"), []byte("x"))
	assert.ErrorIs(t, err, ErrNotNegotiated)
	assert.ErrorIs(t, server.UnsealPDU([]byte("x"), []byte("x"), make([]byte, 16)), ErrNotNegotiated)
}
