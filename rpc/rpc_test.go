package rpc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHeader(t *testing.T) {
	valid := NewHeader(PACKET_TYPE_REQUEST, PFC_FIRST_FRAG|PFC_LAST_FRAG, 7)
	valid.FragLength = 40
	valid.AuthLength = 16
	pdu := append(valid.Bytes(), make([]byte, 24)...)

	h, err := ParseHeader(pdu)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), h.CallID)
	assert.True(t, h.First())
	assert.True(t, h.Last())

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
		err    error
	}{
		{"short", func(b []byte) []byte { return b[:10] }, ErrMalformedHeader},
		{"version", func(b []byte) []byte { b[0] = 4; return b }, ErrMalformedHeader},
		{"minor", func(b []byte) []byte { b[1] = 1; return b }, ErrMalformedHeader},
		{"big endian", func(b []byte) []byte { b[4] = 0x00; return b }, ErrMalformedHeader},
		{"frag too small", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[8:10], 12); return b }, ErrMalformedHeader},
		{"auth too long", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[10:12], 17); return b }, ErrAuthLengthInconsistent},
		{"truncated", func(b []byte) []byte { return b[:30] }, ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), pdu...))
			_, err := ParseHeader(b)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBindDecode(t *testing.T) {
	lsa := SyntaxID{UUID: uuid.MustParse("12345778-1234-abcd-ef00-0123456789ab")}
	in := &Bind{
		MaxXmitFrag:  4280,
		MaxRecvFrag:  4280,
		AssocGroupID: 0,
		ContextList: []*Context{
			{ContextID: 0, AbstractSyntax: lsa, TransferSyntaxes: []SyntaxID{NDR32}},
			{ContextID: 1, AbstractSyntax: lsa, TransferSyntaxes: []SyntaxID{NDR64, BindTimeFeatures}},
		},
	}

	var buf bytes.Buffer
	in.Encode(&buf)
	assert.Equal(t, 12+2*(4+20+20)+20, buf.Len())

	// The NDR32 UUID is stored with its first three fields little-endian.
	assert.Equal(t, []byte{0x04, 0x5d, 0x88, 0x8a, 0xeb, 0x1c, 0xc9, 0x11}, buf.Bytes()[12+4+20:12+4+20+8])

	var out Bind
	require.NoError(t, out.Decode(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, in, &out)
	assert.True(t, out.ContextList[1].TransferSyntaxes[1].IsBindTimeFeatures())
	assert.False(t, out.ContextList[0].TransferSyntaxes[0].IsBindTimeFeatures())

	err := out.Decode(bytes.NewReader(buf.Bytes()[:40]))
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestBindAckEncoding(t *testing.T) {
	ack := &BindAck{
		MaxXmitFrag:  4280,
		MaxRecvFrag:  4280,
		AssocGroupID: 0x53f0,
		PortSpec:     `\PIPE\lsass`,
		ResultList: []*Result{
			{TransferSyntax: NDR32},
			{DefResult: RESULT_PROVIDER_REJECTION, ProviderReason: REASON_ABSTRACT_SYNTAX_NOT_SUPPORTED},
		},
	}

	var buf bytes.Buffer
	ack.Encode(&buf)
	// 10 fixed bytes + 12 address bytes, padded to 24, then 4 + 2*24.
	assert.Equal(t, 24+4+48, buf.Len())

	var out BindAck
	require.NoError(t, out.Decode(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, ack, &out)

	ack.PortSpec = ""
	buf.Reset()
	ack.Encode(&buf)
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(buf.Bytes()[8:10]))
	assert.Equal(t, 12+4+48, buf.Len())
}

func TestRequestObjectUUID(t *testing.T) {
	obj := uuid.New()
	in := &Request{AllocHint: 10, ContextID: 1, OpNum: 0x2c, ObjectUUID: &obj}

	var buf bytes.Buffer
	in.Encode(&buf)
	require.Equal(t, RequestHeaderSize+ObjectUUIDSize, buf.Len())

	out := Request{ObjectUUID: &uuid.UUID{}}
	require.NoError(t, out.Decode(bytes.NewReader(buf.Bytes())))
	assert.Equal(t, obj, *out.ObjectUUID)
	assert.Equal(t, uint16(0x2c), out.OpNum)
}

func TestFault(t *testing.T) {
	pdu := NewFault(9, 3, NCA_S_OP_RNG_ERROR)
	require.Len(t, pdu, 32)

	h, err := ParseHeader(pdu)
	require.NoError(t, err)
	assert.Equal(t, uint8(PACKET_TYPE_FAULT), h.PacketType)
	assert.Equal(t, uint8(PFC_FIRST_FRAG|PFC_LAST_FRAG|PFC_DID_NOT_EXECUTE), h.PacketFlags)
	assert.Equal(t, uint32(9), h.CallID)
	assert.Equal(t, uint16(0), h.AuthLength)

	status, ok := FaultStatus(pdu)
	assert.True(t, ok)
	assert.Equal(t, uint32(NCA_S_OP_RNG_ERROR), status)

	nak := NewBindNak(1, BIND_NAK_REASON_NOT_SPECIFIED)
	assert.Len(t, nak, 18)
	assert.Equal(t, uint8(PACKET_TYPE_BIND_NAK), nak[2])
	assert.Equal(t, uint16(18), binary.LittleEndian.Uint16(nak[8:10]))
}

func TestOutboundPacketAuth(t *testing.T) {
	op := &OutboundPacket{
		Header:    NewHeader(PACKET_TYPE_BIND, PFC_FIRST_FRAG|PFC_LAST_FRAG, 1),
		Body:      RawBody{1, 2, 3, 4, 5},
		Auth:      &AuthTrailer{AuthType: AUTH_TYPE_NTLMSSP, AuthLevel: AUTH_LEVEL_INTEGRITY, AuthContextID: 77},
		AuthValue: []byte("NTLMSSP\x00"),
	}
	pdu := op.Bytes()

	h, err := ParseHeader(pdu)
	require.NoError(t, err)
	assert.Equal(t, uint16(8), h.AuthLength)
	assert.Equal(t, len(pdu), int(h.FragLength))

	at, value, off, err := ParseAuth(pdu, h)
	require.NoError(t, err)
	assert.Equal(t, 24, off)
	assert.Equal(t, uint8(3), at.PadLength)
	assert.Equal(t, uint32(77), at.AuthContextID)
	assert.Equal(t, []byte("NTLMSSP\x00"), value)
}

type fragment struct {
	header    *Header
	allocHint uint32
	data      []byte
}

func collect(t *testing.T, s *OutgoingStream, capacity int, p Protector) []fragment {
	var frags []fragment
	for s.Pending() {
		pdu, err := s.NextFragment(capacity, p)
		require.NoError(t, err)
		require.LessOrEqual(t, len(pdu), capacity)

		h, err := ParseHeader(pdu)
		require.NoError(t, err)
		require.Equal(t, len(pdu), int(h.FragLength))

		end := int(h.FragLength)
		if h.AuthLength > 0 {
			at, _, off, err := ParseAuth(pdu, h)
			require.NoError(t, err)
			end = off - int(at.PadLength)
		}
		frags = append(frags, fragment{
			header:    h,
			allocHint: binary.LittleEndian.Uint32(pdu[16:20]),
			data:      pdu[HeaderSize+ResponseHeaderSize : end],
		})
	}
	return frags
}

func TestFragmentationRoundTrip(t *testing.T) {
	for _, capacity := range []int{64, 1432, 4096, 4280} {
		for _, size := range []int{0, 1, 7, 8, 4071, 4072, 4073, 100000} {
			payload := make([]byte, size)
			for i := range payload {
				payload[i] = byte(i * 31)
			}

			var s OutgoingStream
			s.Begin(5, 1, payload)
			frags := collect(t, &s, capacity, nil)

			var joined []byte
			lasts := 0
			for i, f := range frags {
				assert.Equal(t, i == 0, f.header.First(), "first flag on fragment %d", i)
				if f.header.Last() {
					lasts++
				}
				assert.Equal(t, uint32(5), f.header.CallID)
				joined = append(joined, f.data...)
			}
			assert.Equal(t, 1, lasts)
			assert.True(t, frags[len(frags)-1].header.Last())
			assert.Equal(t, payload, append([]byte{}, joined...), "capacity %d size %d", capacity, size)
		}
	}
}

func TestFragmentationLargeReply(t *testing.T) {
	payload := make([]byte, 100000)
	var s OutgoingStream
	s.Begin(42, 0, payload)

	frags := collect(t, &s, 4096, nil)
	require.Len(t, frags, 25)

	remaining := 100000
	for _, f := range frags {
		assert.Equal(t, uint32(remaining), f.allocHint)
		remaining -= len(f.data)
	}
	assert.Len(t, frags[0].data, 4072)
	assert.Equal(t, 0, remaining)

	_, err := s.NextFragment(4096, nil)
	assert.ErrorIs(t, err, ErrNoResponse)
}

type xorProtector struct {
	calls int
}

func (p *xorProtector) AuthType() uint8       { return AUTH_TYPE_NTLMSSP }
func (p *xorProtector) AuthLevel() uint8      { return AUTH_LEVEL_PRIVACY }
func (p *xorProtector) AuthContextID() uint32 { return 1 }
func (p *xorProtector) SignatureSize() int    { return 16 }

func (p *xorProtector) Protect(body, pdu []byte) ([]byte, error) {
	p.calls++
	for i := range body {
		body[i] ^= 0xff
	}
	sig := make([]byte, 16)
	binary.LittleEndian.PutUint32(sig, uint32(len(pdu)))
	return sig, nil
}

func TestFragmentationProtected(t *testing.T) {
	payload := make([]byte, 5000)
	for i := range payload {
		payload[i] = byte(i)
	}

	var s OutgoingStream
	s.Begin(3, 0, payload)
	p := &xorProtector{}
	frags := collect(t, &s, 1432, p)

	var joined []byte
	for _, f := range frags {
		assert.Equal(t, uint16(16), f.header.AuthLength)
		if !f.header.Last() {
			assert.Zero(t, len(f.data)%8)
		}
		for _, b := range f.data {
			joined = append(joined, b^0xff)
		}
	}
	assert.Equal(t, len(frags), p.calls)
	assert.Equal(t, payload, joined)
	// 1432 - 16 - 8 - 8 - 16 = 1384, already a multiple of 8.
	assert.Len(t, frags[0].data, 1384)
}

func TestFragmentationCapacityExceeded(t *testing.T) {
	var s OutgoingStream
	s.Begin(1, 0, []byte{1})
	_, err := s.NextFragment(40, &xorProtector{})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	s.SetPDU([]byte{0xde, 0xad})
	pdu, err := s.NextFragment(40, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, pdu)
	assert.False(t, s.Pending())
}

type failingProtector struct{ xorProtector }

func (p *failingProtector) Protect(body, pdu []byte) ([]byte, error) {
	return nil, errors.New("boom")
}

func TestFragmentationProtectError(t *testing.T) {
	var s OutgoingStream
	s.Begin(1, 0, []byte{1, 2, 3})
	_, err := s.NextFragment(4280, &failingProtector{})
	assert.Error(t, err)
}
