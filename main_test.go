package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/mike76-dev/smbrpc/pipe"
	"github.com/mike76-dev/smbrpc/rpc"
	"github.com/mike76-dev/smbrpc/srvsvc"
	"github.com/mike76-dev/smbrpc/stores"
	"github.com/mike76-dev/smbrpc/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, maxConnections int) (*server, string) {
	t.Helper()
	registry := pipe.NewRegistry()
	require.NoError(t, registry.Register(srvsvc.New("SMBRPC", "", nil, nil).Table(false)))
	registry.Freeze()

	bs, err := stores.NewJSONBansStore(t.TempDir())
	require.NoError(t, err)

	s := newServer(pipe.Options{Registry: registry}, bs, maxConnections, zap.NewNop())
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s.start(context.Background(), l, srvsvc.PipeName)
	t.Cleanup(s.shutdown)
	return s, l.Addr().String()
}

func bind(t *testing.T, conn net.Conn) {
	t.Helper()
	op := &rpc.OutboundPacket{
		Header: rpc.NewHeader(rpc.PACKET_TYPE_BIND, rpc.PFC_FIRST_FRAG|rpc.PFC_LAST_FRAG, 1),
		Body: &rpc.Bind{
			MaxXmitFrag: rpc.DefaultMaxFragLength,
			MaxRecvFrag: rpc.DefaultMaxFragLength,
			ContextList: []*rpc.Context{{AbstractSyntax: srvsvc.Syntax, TransferSyntaxes: []rpc.SyntaxID{rpc.NDR32}}},
		},
	}
	require.NoError(t, writePDU(conn, op.Bytes()))

	pdu, err := readPDU(conn)
	require.NoError(t, err)
	h, err := rpc.ParseHeader(pdu)
	require.NoError(t, err)
	require.Equal(t, uint8(rpc.PACKET_TYPE_BIND_ACK), h.PacketType)
	var ack rpc.BindAck
	require.NoError(t, ack.Decode(bytes.NewReader(pdu[rpc.HeaderSize:])))
	require.Len(t, ack.ResultList, 1)
	require.Equal(t, uint16(rpc.RESULT_ACCEPTANCE), ack.ResultList[0].DefResult)
}

func shareEnumPDU(callID uint32) []byte {
	var stub []byte
	stub = binary.LittleEndian.AppendUint32(stub, 0)
	stub = binary.LittleEndian.AppendUint32(stub, 1)
	stub = binary.LittleEndian.AppendUint32(stub, 1)
	stub = binary.LittleEndian.AppendUint32(stub, 0)
	stub = binary.LittleEndian.AppendUint32(stub, 0xffffffff)
	stub = binary.LittleEndian.AppendUint32(stub, 0)

	hdr := rpc.NewHeader(rpc.PACKET_TYPE_REQUEST, rpc.PFC_FIRST_FRAG|rpc.PFC_LAST_FRAG, callID)
	req := &rpc.Request{AllocHint: uint32(len(stub)), OpNum: srvsvc.SRVSVC_NET_SHARE_ENUM_ALL}
	var buf bytes.Buffer
	hdr.FragLength = uint16(rpc.HeaderSize + rpc.RequestHeaderSize + len(stub))
	hdr.Encode(&buf)
	req.Encode(&buf)
	buf.Write(stub)
	return buf.Bytes()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestServeShareEnum(t *testing.T) {
	s, addr := newTestServer(t, 10)
	conn := dial(t, addr)
	bind(t, conn)

	require.NoError(t, writePDU(conn, shareEnumPDU(2)))
	pdu, err := readPDU(conn)
	require.NoError(t, err)
	h, err := rpc.ParseHeader(pdu)
	require.NoError(t, err)
	require.Equal(t, uint8(rpc.PACKET_TYPE_RESPONSE), h.PacketType)
	assert.Equal(t, uint32(2), h.CallID)
	assert.True(t, bytes.Contains(pdu, utils.EncodeStringToBytes("IPC$")))
	assert.Zero(t, binary.LittleEndian.Uint32(pdu[len(pdu)-4:]))

	require.Eventually(t, func() bool {
		conns := s.Connections()
		return len(conns) == 1 && conns[0].State == pipe.StateBound.String()
	}, time.Second, 10*time.Millisecond)

	status := s.Status()
	assert.Equal(t, 1, status.Connections)
	assert.NotZero(t, status.BytesReceived)
	assert.NotZero(t, status.BytesSent)

	ifaces := s.Interfaces()
	require.Len(t, ifaces, 1)
	assert.Equal(t, srvsvc.PipeName, ifaces[0].Pipe)
	assert.Contains(t, ifaces[0].Operations, "NetrShareEnum")
}

func TestRequestBeforeBindFaults(t *testing.T) {
	_, addr := newTestServer(t, 10)
	conn := dial(t, addr)

	require.NoError(t, writePDU(conn, shareEnumPDU(5)))
	pdu, err := readPDU(conn)
	require.NoError(t, err)
	status, ok := rpc.FaultStatus(pdu)
	require.True(t, ok)
	assert.Equal(t, uint32(rpc.NCA_S_PROTO_ERROR), status)
}

func TestMalformedHeaderClosesConnection(t *testing.T) {
	_, addr := newTestServer(t, 10)
	conn := dial(t, addr)

	bad := make([]byte, rpc.HeaderSize)
	bad[0] = 5
	binary.LittleEndian.PutUint16(bad[8:10], 4)
	require.NoError(t, writePDU(conn, bad))

	_, err := readPDU(conn)
	assert.Error(t, err)
}

func TestTooManyConnections(t *testing.T) {
	s, addr := newTestServer(t, 1)
	first := dial(t, addr)
	bind(t, first)

	second := dial(t, addr)
	_, err := readPDU(second)
	assert.Error(t, err)

	require.Eventually(t, func() bool { return s.bs.IsBanned("127.0.0.1") }, time.Second, 10*time.Millisecond)
	_, err = readPDU(first)
	assert.Error(t, err)

	assert.True(t, s.Unban("127.0.0.1"))
	assert.False(t, s.Unban("127.0.0.1"))
}
