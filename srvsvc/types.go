package srvsvc

import (
	"context"
	"encoding/binary"

	"github.com/mike76-dev/smbrpc/utils"
	"github.com/oiweiwei/go-msrpc/ndr"
)

// NetShareGetInfoRequest represents an MS-SRVS NetrShareGetInfo request.
type NetShareGetInfoRequest struct {
	Server string
	Share  string
	Level  uint32
}

// Unmarshal decodes the NetrShareGetInfo request.
func (req *NetShareGetInfoRequest) Unmarshal(buf []byte) error {
	r := utils.NewNDRReader(buf)
	req.Server = r.UniqueString()
	req.Share = r.String()
	req.Level = r.Uint32()
	return r.Err()
}

// NetShareInfo1 represents an MS-SRVS SHARE_INFO_1 structure.
type NetShareInfo1 struct {
	Share   string
	Type    uint32
	Comment string
}

// NetShareInfo1Response represents an MS-SRVS NetrShareGetInfo response at level 1.
type NetShareInfo1Response struct {
	NetShareInfo1
	Result uint32
}

// MarshalNDR implements ndr.Marshaler interface.
func (resp *NetShareInfo1Response) MarshalNDR(ctx context.Context, w ndr.Writer) error {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020004)
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020008)
	buf = binary.LittleEndian.AppendUint32(buf, resp.Type)
	buf = binary.LittleEndian.AppendUint32(buf, 0x0002000c)
	buf = utils.AppendNDRString(buf, resp.Share)
	buf = utils.AppendNDRString(buf, resp.Comment)
	buf = binary.LittleEndian.AppendUint32(buf, resp.Result)
	_, err := w.Write(buf)
	return err
}

// NetShareEnumAllRequest represents an MS-SRVS NetrShareEnum request.
type NetShareEnumAllRequest struct {
	Server       string
	Level        uint32
	MaxBuffer    uint32
	ResumeHandle uint32
}

// Unmarshal decodes the NetrShareEnum request.
func (req *NetShareEnumAllRequest) Unmarshal(buf []byte) error {
	r := utils.NewNDRReader(buf)
	req.Server = r.UniqueString()
	req.Level = r.Uint32()
	r.Uint32() // union switch
	if r.Uint32() != 0 {
		r.Uint32() // entries read
		r.Uint32() // buffer
	}
	req.MaxBuffer = r.Uint32()
	if r.Uint32() != 0 {
		req.ResumeHandle = r.Uint32()
	}
	return r.Err()
}

// NetShareEnumAllResponse represents an MS-SRVS NetrShareEnum response at level 1.
type NetShareEnumAllResponse struct {
	Shares []NetShareInfo1
	Result uint32
}

// MarshalNDR implements ndr.Marshaler interface.
func (resp *NetShareEnumAllResponse) MarshalNDR(ctx context.Context, w ndr.Writer) error {
	n := uint32(len(resp.Shares))
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 0x0002000c)
	buf = binary.LittleEndian.AppendUint32(buf, n)
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020010)
	buf = binary.LittleEndian.AppendUint32(buf, n)
	for i, share := range resp.Shares {
		buf = binary.LittleEndian.AppendUint32(buf, 0x00020014+uint32(i)*8)
		buf = binary.LittleEndian.AppendUint32(buf, share.Type)
		buf = binary.LittleEndian.AppendUint32(buf, 0x00020018+uint32(i)*8)
	}

	for _, share := range resp.Shares {
		buf = utils.AppendNDRString(buf, share.Share)
		buf = utils.AppendNDRString(buf, share.Comment)
	}

	buf = binary.LittleEndian.AppendUint32(buf, n)
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020014+n*8)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, resp.Result)
	_, err := w.Write(buf)
	return err
}

// NetServerGetInfoRequest represents an MS-SRVS NetrServerGetInfo request.
type NetServerGetInfoRequest struct {
	Server string
	Level  uint32
}

// Unmarshal decodes the NetrServerGetInfo request.
func (req *NetServerGetInfoRequest) Unmarshal(buf []byte) error {
	r := utils.NewNDRReader(buf)
	req.Server = r.UniqueString()
	req.Level = r.Uint32()
	return r.Err()
}

// NetServerInfo101 represents an MS-SRVS SERVER_INFO_101 structure.
// Level 100 carries only the platform and the name.
type NetServerInfo101 struct {
	PlatformID   uint32
	Name         string
	VersionMajor uint32
	VersionMinor uint32
	Type         uint32
	Comment      string
}

// NetServerGetInfoResponse represents an MS-SRVS NetrServerGetInfo response.
type NetServerGetInfoResponse struct {
	Level uint32
	NetServerInfo101
	Result uint32
}

// MarshalNDR implements ndr.Marshaler interface.
func (resp *NetServerGetInfoResponse) MarshalNDR(ctx context.Context, w ndr.Writer) error {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, resp.Level)
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020000)
	buf = binary.LittleEndian.AppendUint32(buf, resp.PlatformID)
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020004)
	if resp.Level == 101 {
		buf = binary.LittleEndian.AppendUint32(buf, resp.VersionMajor)
		buf = binary.LittleEndian.AppendUint32(buf, resp.VersionMinor)
		buf = binary.LittleEndian.AppendUint32(buf, resp.Type)
		buf = binary.LittleEndian.AppendUint32(buf, 0x00020008)
	}
	buf = utils.AppendNDRString(buf, resp.Name)
	if resp.Level == 101 {
		buf = utils.AppendNDRString(buf, resp.Comment)
	}
	buf = binary.LittleEndian.AppendUint32(buf, resp.Result)
	_, err := w.Write(buf)
	return err
}

// errorResponse is an empty union of the given level followed by a status.
type errorResponse struct {
	Level  uint32
	Enum   bool
	Result uint32
}

// MarshalNDR implements ndr.Marshaler interface.
func (resp *errorResponse) MarshalNDR(ctx context.Context, w ndr.Writer) error {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, resp.Level)
	if resp.Enum {
		buf = binary.LittleEndian.AppendUint32(buf, resp.Level)
	}
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	if resp.Enum {
		buf = binary.LittleEndian.AppendUint32(buf, 0) // total entries
		buf = binary.LittleEndian.AppendUint32(buf, 0) // resume handle
	}
	buf = binary.LittleEndian.AppendUint32(buf, resp.Result)
	_, err := w.Write(buf)
	return err
}
