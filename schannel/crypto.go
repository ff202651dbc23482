package schannel

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
)

var (
	signHeader = []byte{0x77, 0x00, 0xff, 0xff, 0xff, 0xff, 0x00, 0x00}
	sealHeader = []byte{0x77, 0x00, 0x7a, 0x00, 0xff, 0xff, 0x00, 0x00}
)

var zeros [4]byte

//       NL_AUTH_SIGNATURE
//  0-8: SignatureAlgorithm, SealAlgorithm, Pad, Flags
// 8-16: SequenceNumber
// 16-24: Checksum
// 24-32: Confounder

// Encode computes the auth value for data, sealing data in place when sealed is set.
// initiator tells whether the sender is the client.
func Encode(key []byte, seq uint32, sealed, initiator bool, data []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeyLength
	}

	verifier := make([]byte, SignatureSize)
	if sealed {
		copy(verifier[:8], sealHeader)
		if _, err := rand.Read(verifier[24:32]); err != nil {
			return nil, err
		}
	} else {
		copy(verifier[:8], signHeader)
	}

	seqNum := verifier[8:16]
	putSeqNum(seqNum, seq, initiator)

	copy(verifier[16:24], digest(key, verifier[:8], verifier[24:32], sealed, data))

	if sealed {
		sealKey := sealingKey(key, seqNum)
		confounder, err := rc4.NewCipher(sealKey)
		if err != nil {
			return nil, err
		}
		confounder.XORKeyStream(verifier[24:32], verifier[24:32])
		payload, err := rc4.NewCipher(sealKey)
		if err != nil {
			return nil, err
		}
		payload.XORKeyStream(data, data)
	}

	if err := cryptSeqNum(key, verifier[16:24], seqNum); err != nil {
		return nil, err
	}

	return verifier, nil
}

// Decode checks verifier against data, unsealing data in place when sealed is set.
// seq and initiator are the values the peer is expected to have used.
func Decode(key []byte, seq uint32, sealed, initiator bool, data, verifier []byte) error {
	if len(key) != KeySize {
		return ErrKeyLength
	}
	if len(verifier) != SignatureSize {
		return fmt.Errorf("%w: auth value of %d bytes", ErrBadSignature, len(verifier))
	}

	header := signHeader
	if sealed {
		header = sealHeader
	}
	if !hmac.Equal(verifier[:8], header) {
		return fmt.Errorf("%w: unexpected algorithm", ErrBadSignature)
	}

	seqNum := make([]byte, 8)
	copy(seqNum, verifier[8:16])
	if err := cryptSeqNum(key, verifier[16:24], seqNum); err != nil {
		return err
	}
	expected := make([]byte, 8)
	putSeqNum(expected, seq, initiator)
	if !hmac.Equal(seqNum, expected) {
		return ErrSequenceMismatch
	}

	confounder := make([]byte, 8)
	copy(confounder, verifier[24:32])
	if sealed {
		sealKey := sealingKey(key, seqNum)
		c, err := rc4.NewCipher(sealKey)
		if err != nil {
			return err
		}
		c.XORKeyStream(confounder, confounder)
		payload, err := rc4.NewCipher(sealKey)
		if err != nil {
			return err
		}
		payload.XORKeyStream(data, data)
	}

	if !hmac.Equal(verifier[16:24], digest(key, header, confounder, sealed, data)) {
		return fmt.Errorf("%w: checksum", ErrBadSignature)
	}

	return nil
}

func putSeqNum(dst []byte, seq uint32, initiator bool) {
	binary.BigEndian.PutUint32(dst[:4], seq)
	binary.LittleEndian.PutUint32(dst[4:8], 0)
	if initiator {
		dst[4] = 0x80
	}
}

func digest(key, header, confounder []byte, sealed bool, data []byte) []byte {
	h := md5.New()
	h.Write(zeros[:])
	h.Write(header)
	if sealed {
		h.Write(confounder)
	}
	h.Write(data)

	m := hmac.New(md5.New, key)
	m.Write(h.Sum(nil))
	return m.Sum(nil)[:8]
}

func sealingKey(key, seqNum []byte) []byte {
	xored := make([]byte, len(key))
	for i := range key {
		xored[i] = key[i] ^ 0xf0
	}
	m := hmac.New(md5.New, xored)
	m.Write(zeros[:])
	m = hmac.New(md5.New, m.Sum(nil))
	m.Write(seqNum)
	return m.Sum(nil)
}

// cryptSeqNum encrypts or decrypts the sequence number keyed by the checksum.
func cryptSeqNum(key, checksum, seqNum []byte) error {
	m := hmac.New(md5.New, key)
	m.Write(zeros[:])
	m = hmac.New(md5.New, m.Sum(nil))
	m.Write(checksum)
	c, err := rc4.NewCipher(m.Sum(nil))
	if err != nil {
		return err
	}
	c.XORKeyStream(seqNum, seqNum)
	return nil
}

// State holds the session key and the sequence counters of one secure channel.
// Outgoing packets are protected as the acceptor, incoming packets are
// expected from the initiator.
type State struct {
	key     []byte
	sendSeq uint32
	recvSeq uint32
}

// NewState returns a State for key with both counters at zero.
func NewState(key []byte) (*State, error) {
	if len(key) != KeySize {
		return nil, ErrKeyLength
	}
	return &State{key: append([]byte(nil), key...)}, nil
}

// Sign returns the auth value of an outgoing integrity-protected body.
func (s *State) Sign(data []byte) ([]byte, error) {
	return s.encode(false, data)
}

// Seal encrypts an outgoing body in place and returns its auth value.
func (s *State) Seal(data []byte) ([]byte, error) {
	return s.encode(true, data)
}

func (s *State) encode(sealed bool, data []byte) ([]byte, error) {
	v, err := Encode(s.key, s.sendSeq, sealed, false, data)
	if err != nil {
		return nil, err
	}
	s.sendSeq++
	return v, nil
}

// Verify checks the auth value of an incoming integrity-protected body.
func (s *State) Verify(data, verifier []byte) error {
	return s.decode(false, data, verifier)
}

// Unseal decrypts an incoming body in place and checks its auth value.
func (s *State) Unseal(data, verifier []byte) error {
	return s.decode(true, data, verifier)
}

func (s *State) decode(sealed bool, data, verifier []byte) error {
	if err := Decode(s.key, s.recvSeq, sealed, true, data, verifier); err != nil {
		return err
	}
	s.recvSeq++
	return nil
}
