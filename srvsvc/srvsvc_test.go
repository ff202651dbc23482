package srvsvc

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/mike76-dev/smbrpc/pipe"
	"github.com/mike76-dev/smbrpc/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer() *Server {
	return New("SMBRPC", "test server", ShareFunc(func() []NetShareInfo1 {
		return []NetShareInfo1{{Share: "data", Type: STYPE_DISKTREE, Comment: "Shared data"}}
	}), nil)
}

func invoke(t *testing.T, opnum uint16, input []byte) []byte {
	t.Helper()
	cmd, ok := newServer().Table(false).Lookup(opnum)
	require.True(t, ok)
	out, err := cmd.Handler(context.Background(), &pipe.Call{OpNum: opnum, Input: input})
	require.NoError(t, err)
	return out
}

func serverName(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020000)
	return utils.AppendNDRString(buf, `\\SMBRPC`)
}

func enumStub(level uint32) []byte {
	buf := serverName(nil)
	buf = binary.LittleEndian.AppendUint32(buf, level)
	buf = binary.LittleEndian.AppendUint32(buf, level)
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020004)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 0)
	buf = binary.LittleEndian.AppendUint32(buf, 0xffffffff)
	buf = binary.LittleEndian.AppendUint32(buf, 0x00020008)
	return binary.LittleEndian.AppendUint32(buf, 7)
}

func getInfoStub(share string, level uint32) []byte {
	buf := serverName(nil)
	buf = utils.AppendNDRString(buf, share)
	return binary.LittleEndian.AppendUint32(buf, level)
}

func status(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b[len(b)-4:])
}

func TestEnumRequestDecode(t *testing.T) {
	var req NetShareEnumAllRequest
	require.NoError(t, req.Unmarshal(enumStub(1)))
	assert.Equal(t, `\\SMBRPC`, req.Server)
	assert.Equal(t, uint32(1), req.Level)
	assert.Equal(t, uint32(0xffffffff), req.MaxBuffer)
	assert.Equal(t, uint32(7), req.ResumeHandle)

	assert.ErrorIs(t, req.Unmarshal(enumStub(1)[:30]), utils.ErrNDRTruncated)
}

func TestShareEnum(t *testing.T) {
	out := invoke(t, SRVSVC_NET_SHARE_ENUM_ALL, enumStub(1))
	assert.Equal(t, uint32(ERROR_SUCCESS), status(out))
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(out[12:16]))
	assert.True(t, bytes.Contains(out, utils.EncodeStringToBytes("data")))
	assert.True(t, bytes.Contains(out, utils.EncodeStringToBytes("IPC$")))
	assert.Equal(t, uint32(STYPE_IPC|STYPE_SPECIAL), binary.LittleEndian.Uint32(out[24+12+4:]))

	out = invoke(t, SRVSVC_NET_SHARE_ENUM_ALL, enumStub(2))
	assert.Equal(t, uint32(ERROR_INVALID_LEVEL), status(out))
	assert.Len(t, out, 24)
}

func TestShareGetInfo(t *testing.T) {
	var req NetShareGetInfoRequest
	require.NoError(t, req.Unmarshal(getInfoStub("DATA", 1)))
	assert.Equal(t, "DATA", req.Share)

	out := invoke(t, SRVSVC_NET_SHARE_GET_INFO, getInfoStub("DATA", 1))
	assert.Equal(t, uint32(ERROR_SUCCESS), status(out))
	assert.Equal(t, uint32(STYPE_DISKTREE), binary.LittleEndian.Uint32(out[12:16]))
	assert.True(t, bytes.Contains(out, utils.EncodeStringToBytes("Shared data")))

	out = invoke(t, SRVSVC_NET_SHARE_GET_INFO, getInfoStub("ipc$", 1))
	assert.Equal(t, uint32(STYPE_IPC|STYPE_SPECIAL), binary.LittleEndian.Uint32(out[12:16]))

	out = invoke(t, SRVSVC_NET_SHARE_GET_INFO, getInfoStub("missing", 1))
	assert.Equal(t, uint32(NERR_NetNameNotFound), status(out))

	out = invoke(t, SRVSVC_NET_SHARE_GET_INFO, getInfoStub("data", 502))
	assert.Equal(t, uint32(ERROR_INVALID_LEVEL), status(out))
}

func TestShareGetInfoTruncated(t *testing.T) {
	cmd, ok := newServer().Table(false).Lookup(SRVSVC_NET_SHARE_GET_INFO)
	require.True(t, ok)
	_, err := cmd.Handler(context.Background(), &pipe.Call{Input: getInfoStub("data", 1)[:40]})
	assert.ErrorIs(t, err, utils.ErrNDRTruncated)
}

func TestServerGetInfo(t *testing.T) {
	stub := func(level uint32) []byte {
		return binary.LittleEndian.AppendUint32(serverName(nil), level)
	}

	out := invoke(t, SRVSVC_NET_SERVER_GET_INFO, stub(101))
	assert.Equal(t, uint32(ERROR_SUCCESS), status(out))
	assert.Equal(t, uint32(PLATFORM_ID_NT), binary.LittleEndian.Uint32(out[8:12]))
	assert.Equal(t, uint32(serverVersionMajor), binary.LittleEndian.Uint32(out[16:20]))
	assert.True(t, bytes.Contains(out, utils.EncodeStringToBytes("test server")))

	out = invoke(t, SRVSVC_NET_SERVER_GET_INFO, stub(100))
	assert.Equal(t, uint32(ERROR_SUCCESS), status(out))
	assert.False(t, bytes.Contains(out, utils.EncodeStringToBytes("test server")))

	out = invoke(t, SRVSVC_NET_SERVER_GET_INFO, stub(102))
	assert.Equal(t, uint32(ERROR_INVALID_LEVEL), status(out))
}
