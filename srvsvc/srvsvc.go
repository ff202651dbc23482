// Package srvsvc serves share and server enumeration over the srvsvc pipe.
package srvsvc

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbrpc/pipe"
	"github.com/mike76-dev/smbrpc/rpc"
	"github.com/oiweiwei/go-msrpc/ndr"
	"go.uber.org/zap"
)

const (
	PipeName   = "srvsvc"
	ServerName = "ntsvcs"
)

// Syntax is the srvsvc interface identifier, version 3.0.
var Syntax = rpc.SyntaxID{UUID: uuid.MustParse("4b324fc8-1670-01d3-1278-5a47bf6ee188"), VersionMajor: 3}

const (
	SRVSVC_NET_SHARE_ENUM_ALL  = 0x000f
	SRVSVC_NET_SHARE_GET_INFO  = 0x0010
	SRVSVC_NET_SERVER_GET_INFO = 0x0015
)

const (
	STYPE_DISKTREE = 0x00000000
	STYPE_IPC      = 0x00000003
	STYPE_SPECIAL  = 0x80000000
)

const (
	ERROR_SUCCESS        = 0
	ERROR_INVALID_LEVEL  = 124
	NERR_NetNameNotFound = 2310
	PLATFORM_ID_NT       = 500
	SV_TYPE_WORKSTATION  = 0x00000001
	SV_TYPE_SERVER       = 0x00000002
	SV_TYPE_SERVER_NT    = 0x00008000
	defaultServerType    = SV_TYPE_WORKSTATION | SV_TYPE_SERVER | SV_TYPE_SERVER_NT
	ipcShare             = "IPC$"
	ipcComment           = "Remote IPC"
	serverVersionMajor   = 10
	serverVersionMinor   = 0
)

// ShareSource lists the disk shares to advertise.
type ShareSource interface {
	List() []NetShareInfo1
}

// ShareFunc adapts a function to a ShareSource.
type ShareFunc func() []NetShareInfo1

// List implements ShareSource.
func (f ShareFunc) List() []NetShareInfo1 { return f() }

// Server answers srvsvc calls.
type Server struct {
	name    string
	comment string
	shares  ShareSource
	log     *zap.Logger
}

// New returns a Server advertising the shares of src under the given NetBIOS name.
func New(name, comment string, src ShareSource, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		name:    name,
		comment: comment,
		shares:  src,
		log:     log.Named("srvsvc"),
	}
}

// Table returns the command table to register with a pipe.Registry.
func (s *Server) Table(requireAuth bool) *pipe.CommandTable {
	return &pipe.CommandTable{
		PipeName:       PipeName,
		ServerName:     ServerName,
		AbstractSyntax: Syntax,
		RequireAuth:    requireAuth,
		Commands: []pipe.Command{
			{OpNum: SRVSVC_NET_SHARE_ENUM_ALL, Name: "NetrShareEnum", Handler: s.shareEnum},
			{OpNum: SRVSVC_NET_SHARE_GET_INFO, Name: "NetrShareGetInfo", Handler: s.shareGetInfo},
			{OpNum: SRVSVC_NET_SERVER_GET_INFO, Name: "NetrServerGetInfo", Handler: s.serverGetInfo},
		},
	}
}

// list returns the disk shares followed by IPC$.
func (s *Server) list() []NetShareInfo1 {
	var shares []NetShareInfo1
	if s.shares != nil {
		shares = s.shares.List()
	}
	return append(shares, NetShareInfo1{
		Share:   ipcShare,
		Type:    STYPE_IPC | STYPE_SPECIAL,
		Comment: ipcComment,
	})
}

func (s *Server) shareEnum(ctx context.Context, call *pipe.Call) ([]byte, error) {
	var req NetShareEnumAllRequest
	if err := req.Unmarshal(call.Input); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Level != 1 {
		return ndr.Marshal(&errorResponse{Level: req.Level, Enum: true, Result: ERROR_INVALID_LEVEL})
	}

	shares := s.list()
	s.log.Debug("shares enumerated", zap.String("server", req.Server), zap.Int("count", len(shares)))
	return ndr.Marshal(&NetShareEnumAllResponse{Shares: shares, Result: ERROR_SUCCESS})
}

func (s *Server) shareGetInfo(ctx context.Context, call *pipe.Call) ([]byte, error) {
	var req NetShareGetInfoRequest
	if err := req.Unmarshal(call.Input); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Level != 1 {
		return ndr.Marshal(&errorResponse{Level: req.Level, Result: ERROR_INVALID_LEVEL})
	}

	for _, share := range s.list() {
		if strings.EqualFold(share.Share, req.Share) {
			return ndr.Marshal(&NetShareInfo1Response{NetShareInfo1: share, Result: ERROR_SUCCESS})
		}
	}
	s.log.Debug("share not found", zap.String("share", req.Share))
	return ndr.Marshal(&errorResponse{Level: req.Level, Result: NERR_NetNameNotFound})
}

func (s *Server) serverGetInfo(ctx context.Context, call *pipe.Call) ([]byte, error) {
	var req NetServerGetInfoRequest
	if err := req.Unmarshal(call.Input); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if req.Level != 100 && req.Level != 101 {
		return ndr.Marshal(&errorResponse{Level: req.Level, Result: ERROR_INVALID_LEVEL})
	}

	return ndr.Marshal(&NetServerGetInfoResponse{
		Level: req.Level,
		NetServerInfo101: NetServerInfo101{
			PlatformID:   PLATFORM_ID_NT,
			Name:         s.name,
			VersionMajor: serverVersionMajor,
			VersionMinor: serverVersionMinor,
			Type:         defaultServerType,
			Comment:      s.comment,
		},
		Result: ERROR_SUCCESS,
	})
}
