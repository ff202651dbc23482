package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbrpc/utils"
)

// Encoder is an interface for encoding outbound MS-RPC packets.
type Encoder interface {
	Encode(w io.Writer)
}

// Decoder is an interface for decoding inbound MS-RPC packets.
type Decoder interface {
	Decode(r io.Reader) error
}

var (
	// NDR32 is the NDR transfer syntax.
	NDR32 = SyntaxID{UUID: uuid.MustParse("8a885d04-1ceb-11c9-9fe8-08002b104860"), VersionMajor: 2}

	// NDR64 is the NDR64 transfer syntax.
	NDR64 = SyntaxID{UUID: uuid.MustParse("71710533-beba-4937-8319-b5dbef9ccc36"), VersionMajor: 1}

	// BindTimeFeatures is the bind time feature negotiation syntax with
	// security context multiplexing and keep-connection-on-orphan bits set.
	BindTimeFeatures = SyntaxID{UUID: uuid.MustParse("6cb71c2c-9812-4540-0300-000000000000"), VersionMajor: 1}
)

// SyntaxID represents an interface or transfer syntax identifier.
type SyntaxID struct {
	UUID         uuid.UUID
	VersionMajor uint16
	VersionMinor uint16
}

// SyntaxIDSize is the wire length of a SyntaxID.
const SyntaxIDSize = 20

// Encode implements Encoder interface.
func (sid *SyntaxID) Encode(w io.Writer) {
	buf := make([]byte, SyntaxIDSize)
	PutUUID(buf, sid.UUID)
	binary.LittleEndian.PutUint16(buf[16:18], sid.VersionMajor)
	binary.LittleEndian.PutUint16(buf[18:20], sid.VersionMinor)
	w.Write(buf)
}

// Decode implements Decoder interface.
func (sid *SyntaxID) Decode(r io.Reader) error {
	buf := make([]byte, SyntaxIDSize)
	if err := readFull(r, buf); err != nil {
		return err
	}

	sid.UUID = GetUUID(buf)
	sid.VersionMajor = binary.LittleEndian.Uint16(buf[16:18])
	sid.VersionMinor = binary.LittleEndian.Uint16(buf[18:20])
	return nil
}

func (sid SyntaxID) String() string {
	return fmt.Sprintf("%s v%d.%d", sid.UUID, sid.VersionMajor, sid.VersionMinor)
}

// IsBindTimeFeatures reports whether sid is a bind time feature negotiation
// syntax. The last eight octets of such a UUID carry the feature bitmask.
func (sid SyntaxID) IsBindTimeFeatures() bool {
	return bytes.Equal(sid.UUID[:8], BindTimeFeatures.UUID[:8])
}

// PutUUID writes u into dst[:16] in the DCE byte order, where the first
// three fields are little-endian.
func PutUUID(dst []byte, u uuid.UUID) {
	binary.LittleEndian.PutUint32(dst[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(dst[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(dst[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(dst[8:16], u[8:16])
}

// GetUUID reads a UUID stored in the DCE byte order from src[:16].
func GetUUID(src []byte) (u uuid.UUID) {
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(src[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(src[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(src[6:8]))
	copy(u[8:16], src[8:16])
	return
}

// Context represents a presentation context item of a bind or alter_context.
type Context struct {
	ContextID        uint16
	AbstractSyntax   SyntaxID
	TransferSyntaxes []SyntaxID
}

// Encode implements Encoder interface.
func (c *Context) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint16(buf, c.ContextID)
	buf = append(buf, uint8(len(c.TransferSyntaxes)), 0)
	w.Write(buf)
	c.AbstractSyntax.Encode(w)
	for _, ts := range c.TransferSyntaxes {
		ts.Encode(w)
	}
}

// Decode implements Decoder interface.
func (c *Context) Decode(r io.Reader) error {
	buf := make([]byte, 4)
	if err := readFull(r, buf); err != nil {
		return err
	}

	c.ContextID = binary.LittleEndian.Uint16(buf[:2])
	if err := c.AbstractSyntax.Decode(r); err != nil {
		return err
	}

	c.TransferSyntaxes = make([]SyntaxID, buf[2])
	for i := range c.TransferSyntaxes {
		if err := c.TransferSyntaxes[i].Decode(r); err != nil {
			return err
		}
	}
	return nil
}

// Bind represents the body of an MS-RPC bind or alter_context PDU.
type Bind struct {
	MaxXmitFrag  uint16
	MaxRecvFrag  uint16
	AssocGroupID uint32
	ContextList  []*Context
}

// Encode implements Encoder interface.
func (b *Bind) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint16(buf, b.MaxXmitFrag)
	buf = binary.LittleEndian.AppendUint16(buf, b.MaxRecvFrag)
	buf = binary.LittleEndian.AppendUint32(buf, b.AssocGroupID)
	buf = append(buf, uint8(len(b.ContextList)), 0, 0, 0)
	w.Write(buf)
	for _, c := range b.ContextList {
		c.Encode(w)
	}
}

// Decode implements Decoder interface.
func (b *Bind) Decode(r io.Reader) error {
	buf := make([]byte, 12)
	if err := readFull(r, buf); err != nil {
		return err
	}

	b.MaxXmitFrag = binary.LittleEndian.Uint16(buf[:2])
	b.MaxRecvFrag = binary.LittleEndian.Uint16(buf[2:4])
	b.AssocGroupID = binary.LittleEndian.Uint32(buf[4:8])
	b.ContextList = make([]*Context, buf[8])
	for i := range b.ContextList {
		b.ContextList[i] = &Context{}
		if err := b.ContextList[i].Decode(r); err != nil {
			return err
		}
	}
	return nil
}

// Result represents an MS-RPC presentation context result.
type Result struct {
	DefResult      uint16
	ProviderReason uint16
	TransferSyntax SyntaxID
}

// Encode implements Encoder interface.
func (res *Result) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint16(buf, res.DefResult)
	buf = binary.LittleEndian.AppendUint16(buf, res.ProviderReason)
	w.Write(buf)
	res.TransferSyntax.Encode(w)
}

// Decode implements Decoder interface.
func (res *Result) Decode(r io.Reader) error {
	buf := make([]byte, 4)
	if err := readFull(r, buf); err != nil {
		return err
	}

	res.DefResult = binary.LittleEndian.Uint16(buf[:2])
	res.ProviderReason = binary.LittleEndian.Uint16(buf[2:4])
	return res.TransferSyntax.Decode(r)
}

// BindAck represents the body of a bind_ack or alter_context_resp PDU.
type BindAck struct {
	MaxXmitFrag  uint16
	MaxRecvFrag  uint16
	AssocGroupID uint32
	PortSpec     string
	ResultList   []*Result
}

// Encode implements Encoder interface.
func (ba *BindAck) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint16(buf, ba.MaxXmitFrag)
	buf = binary.LittleEndian.AppendUint16(buf, ba.MaxRecvFrag)
	buf = binary.LittleEndian.AppendUint32(buf, ba.AssocGroupID)
	if ba.PortSpec == "" {
		buf = binary.LittleEndian.AppendUint16(buf, 0)
	} else {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(ba.PortSpec)+1))
		buf = append(buf, []byte(ba.PortSpec)...)
		buf = append(buf, 0)
	}
	padLen := utils.Roundup(len(buf), 4)
	padding := make([]byte, padLen-len(buf))
	buf = append(buf, padding...)
	buf = append(buf, uint8(len(ba.ResultList)), 0, 0, 0)
	w.Write(buf)
	for _, res := range ba.ResultList {
		res.Encode(w)
	}
}

// Decode implements Decoder interface.
func (ba *BindAck) Decode(r io.Reader) error {
	buf := make([]byte, 10)
	if err := readFull(r, buf); err != nil {
		return err
	}

	ba.MaxXmitFrag = binary.LittleEndian.Uint16(buf[:2])
	ba.MaxRecvFrag = binary.LittleEndian.Uint16(buf[2:4])
	ba.AssocGroupID = binary.LittleEndian.Uint32(buf[4:8])
	addrLen := int(binary.LittleEndian.Uint16(buf[8:]))
	addr := make([]byte, addrLen)
	if err := readFull(r, addr); err != nil {
		return err
	}

	if addrLen > 0 {
		ba.PortSpec = string(addr[:addrLen-1])
	}
	padLen := utils.Roundup(len(buf)+addrLen, 4)
	padding := make([]byte, padLen-len(buf)-addrLen+4)
	if err := readFull(r, padding); err != nil {
		return err
	}

	ba.ResultList = make([]*Result, padding[len(padding)-4])
	for i := range ba.ResultList {
		ba.ResultList[i] = &Result{}
		if err := ba.ResultList[i].Decode(r); err != nil {
			return err
		}
	}
	return nil
}

// Request represents the body header of an MS-RPC request PDU.
// ObjectUUID is decoded only when it is non-nil before Decode is called.
type Request struct {
	AllocHint  uint32
	ContextID  uint16
	OpNum      uint16
	ObjectUUID *uuid.UUID
}

// Encode implements Encoder interface.
func (req *Request) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, req.AllocHint)
	buf = binary.LittleEndian.AppendUint16(buf, req.ContextID)
	buf = binary.LittleEndian.AppendUint16(buf, req.OpNum)
	if req.ObjectUUID != nil {
		obj := make([]byte, ObjectUUIDSize)
		PutUUID(obj, *req.ObjectUUID)
		buf = append(buf, obj...)
	}
	w.Write(buf)
}

// Decode implements Decoder interface.
func (req *Request) Decode(r io.Reader) error {
	buf := make([]byte, RequestHeaderSize)
	if err := readFull(r, buf); err != nil {
		return err
	}

	req.AllocHint = binary.LittleEndian.Uint32(buf[:4])
	req.ContextID = binary.LittleEndian.Uint16(buf[4:6])
	req.OpNum = binary.LittleEndian.Uint16(buf[6:8])
	if req.ObjectUUID != nil {
		obj := make([]byte, ObjectUUIDSize)
		if err := readFull(r, obj); err != nil {
			return err
		}

		*req.ObjectUUID = GetUUID(obj)
	}
	return nil
}

// Response represents the body header of an MS-RPC response PDU.
type Response struct {
	AllocHint   uint32
	ContextID   uint16
	CancelCount uint8
}

// Encode implements Encoder interface.
func (resp *Response) Encode(w io.Writer) {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, resp.AllocHint)
	buf = binary.LittleEndian.AppendUint16(buf, resp.ContextID)
	buf = append(buf, resp.CancelCount, 0)
	w.Write(buf)
}

// Decode implements Decoder interface.
func (resp *Response) Decode(r io.Reader) error {
	buf := make([]byte, ResponseHeaderSize)
	if err := readFull(r, buf); err != nil {
		return err
	}

	resp.AllocHint = binary.LittleEndian.Uint32(buf[:4])
	resp.ContextID = binary.LittleEndian.Uint16(buf[4:6])
	resp.CancelCount = buf[6]
	return nil
}

// AuthTrailer is the sec_trailer that precedes the auth value of a PDU.
type AuthTrailer struct {
	AuthType      uint8
	AuthLevel     uint8
	PadLength     uint8
	Reserved      uint8
	AuthContextID uint32
}

// Encode implements Encoder interface.
func (at *AuthTrailer) Encode(w io.Writer) {
	buf := make([]byte, AuthTrailerSize)
	at.put(buf)
	w.Write(buf)
}

func (at *AuthTrailer) put(buf []byte) {
	buf[0] = at.AuthType
	buf[1] = at.AuthLevel
	buf[2] = at.PadLength
	buf[3] = at.Reserved
	binary.LittleEndian.PutUint32(buf[4:8], at.AuthContextID)
}

// Decode implements Decoder interface.
func (at *AuthTrailer) Decode(r io.Reader) error {
	buf := make([]byte, AuthTrailerSize)
	if err := readFull(r, buf); err != nil {
		return err
	}

	at.AuthType = buf[0]
	at.AuthLevel = buf[1]
	at.PadLength = buf[2]
	at.Reserved = buf[3]
	at.AuthContextID = binary.LittleEndian.Uint32(buf[4:8])
	return nil
}

// ParseAuth locates the auth trailer of pdu. It returns the trailer, the auth
// value and the offset at which the trailer starts. The header must have come
// from ParseHeader and carry a non-zero auth length.
func ParseAuth(pdu []byte, h *Header) (at AuthTrailer, value []byte, off int, err error) {
	if h.AuthLength == 0 {
		return at, nil, int(h.FragLength), ErrAuthLengthInconsistent
	}

	end := int(h.FragLength)
	off = end - int(h.AuthLength) - AuthTrailerSize
	if off < HeaderSize || end > len(pdu) {
		return at, nil, 0, ErrAuthLengthInconsistent
	}

	if err = at.Decode(bytes.NewReader(pdu[off : off+AuthTrailerSize])); err != nil {
		return at, nil, 0, err
	}
	return at, pdu[end-int(h.AuthLength) : end], off, nil
}

// OutboundPacket represents a single-fragment MS-RPC PDU.
type OutboundPacket struct {
	Header    *Header
	Body      Encoder
	Auth      *AuthTrailer
	AuthValue []byte
}

// Write encodes the PDU and writes it to the provided stream.
func (op *OutboundPacket) Write(w io.Writer) {
	w.Write(op.Bytes())
}

// Bytes encodes the PDU, filling in the fragment and auth lengths.
// If an auth trailer is present, the body is padded to a multiple of 4.
func (op *OutboundPacket) Bytes() []byte {
	if op == nil || op.Header == nil {
		return nil
	}

	var body bytes.Buffer
	if op.Body != nil {
		op.Body.Encode(&body)
	}

	if op.Auth != nil {
		pad := utils.Roundup(body.Len(), 4) - body.Len()
		body.Write(make([]byte, pad))
		op.Auth.PadLength = uint8(pad)
		op.Auth.Encode(&body)
		body.Write(op.AuthValue)
		op.Header.AuthLength = uint16(len(op.AuthValue))
	} else {
		op.Header.AuthLength = 0
	}

	op.Header.FragLength = uint16(body.Len()) + HeaderSize
	return append(op.Header.Bytes(), body.Bytes()...)
}

// RawBody is an Encoder for already serialized bytes.
type RawBody []byte

// Encode implements Encoder interface.
func (rb RawBody) Encode(w io.Writer) {
	w.Write(rb)
}
