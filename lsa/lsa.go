// Package lsa serves the subset of the Local Security Authority interface
// that SMB clients call while mapping a share: opening a policy handle,
// resolving the caller's name and translating names to SIDs.
package lsa

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbrpc/pipe"
	"github.com/mike76-dev/smbrpc/rpc"
	"github.com/oiweiwei/go-msrpc/msrpc/dtyp"
	"github.com/oiweiwei/go-msrpc/msrpc/lsat/lsarpc/v0"
	"github.com/oiweiwei/go-msrpc/ndr"
	"go.uber.org/zap"
)

const (
	// PipeName is the pipe the interface is served on.
	PipeName = "lsarpc"

	// ServerName is the secondary address reported in bind acknowledgements.
	ServerName = "lsass"
)

// Syntax is the lsarpc interface identifier, version 0.0.
var Syntax = rpc.SyntaxID{UUID: uuid.MustParse("12345778-1234-abcd-ef00-0123456789ab")}

const (
	LSA_CLOSE         = 0x0000
	LSA_LOOKUP_NAMES  = 0x000e
	LSA_OPEN_POLICY_2 = 0x002c
	LSA_GET_USER_NAME = 0x002d
)

const (
	STATUS_SUCCESS         = 0x00000000
	STATUS_SOME_NOT_MAPPED = 0x00000107
	STATUS_NONE_MAPPED     = 0xc0000073
)

const (
	maxLookupNames = 1000

	anonymousUser      = "ANONYMOUS LOGON"
	anonymousAuthority = "NT AUTHORITY"
)

// Value of SidTypeUnknown in the SID_NAME_USE enumeration.
var sidTypeUnknown = lsarpc.SIDNameUseTypeUser + 7

// Directory resolves account names to relative identifiers.
type Directory interface {
	RID(user string) (uint32, bool)
}

// policy is the value behind an open policy handle.
type policy struct {
	access uint32
}

// Server answers lsarpc calls for one domain.
type Server struct {
	domain    string
	domainSID *dtyp.SID
	dir       Directory
	log       *zap.Logger
}

// New returns a Server for the given domain.
func New(domain string, domainSID *dtyp.SID, dir Directory, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		domain:    domain,
		domainSID: domainSID,
		dir:       dir,
		log:       log.Named("lsa"),
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
			{OpNum: LSA_CLOSE, Name: "LsarClose", Handler: s.close},
			{OpNum: LSA_LOOKUP_NAMES, Name: "LsarLookupNames", Handler: s.lookupNames},
			{OpNum: LSA_OPEN_POLICY_2, Name: "LsarOpenPolicy2", Handler: s.openPolicy2},
			{OpNum: LSA_GET_USER_NAME, Name: "LsarGetUserName", Handler: s.getUserName},
		},
	}
}

func (s *Server) close(ctx context.Context, call *pipe.Call) ([]byte, error) {
	var req lsarpc.CloseRequest
	if err := ndr.Unmarshal(call.Input, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	key, err := handleKey(req.Object)
	if err != nil {
		return nil, err
	}
	if err := call.Handles.Close(key); err != nil {
		return nil, err
	}
	return ndr.Marshal(&lsarpc.CloseResponse{Return: STATUS_SUCCESS})
}

func (s *Server) openPolicy2(ctx context.Context, call *pipe.Call) ([]byte, error) {
	var req lsarpc.OpenPolicy2Request
	if err := ndr.Unmarshal(call.Input, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}

	key, err := call.Handles.Open(&policy{access: req.DesiredAccess})
	if err != nil {
		return nil, err
	}
	h, err := newHandle(key)
	if err != nil {
		return nil, err
	}
	s.log.Debug("policy opened", zap.String("system", req.SystemName), zap.Uint32("access", req.DesiredAccess))
	return ndr.Marshal(&lsarpc.OpenPolicy2Response{Policy: h, Return: STATUS_SUCCESS})
}

func (s *Server) getUserName(ctx context.Context, call *pipe.Call) ([]byte, error) {
	user, authority := call.Identity.User, call.Identity.Domain
	if user == "" {
		user, authority = anonymousUser, anonymousAuthority
	}

	return ndr.Marshal(&lsarpc.GetUserNameResponse{
		UserName:   unicodeString(user),
		DomainName: unicodeString(authority),
		Return:     STATUS_SUCCESS,
	})
}

func (s *Server) lookupNames(ctx context.Context, call *pipe.Call) ([]byte, error) {
	var req lsarpc.LookupNamesRequest
	if err := ndr.Unmarshal(call.Input, &req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	if len(req.Names) > maxLookupNames {
		return nil, fmt.Errorf("lookup of %d names not supported", len(req.Names))
	}
	names := make([]string, 0, len(req.Names))
	for _, name := range req.Names {
		if name == nil {
			names = append(names, "")
			continue
		}
		names = append(names, name.Buffer)
	}

	key, err := handleKey(req.Policy)
	if err != nil {
		return nil, err
	}
	v, err := call.Handles.Get(key)
	if err != nil {
		return nil, err
	}
	if _, ok := v.(*policy); !ok {
		return nil, pipe.ErrBadHandle
	}

	sids := make([]*lsarpc.TranslatedSID, 0, len(names))
	var mapped uint32
	for _, name := range names {
		rid, ok := s.resolve(name)
		if !ok {
			sids = append(sids, &lsarpc.TranslatedSID{Use: sidTypeUnknown, DomainIndex: -1})
			continue
		}
		mapped++
		sids = append(sids, &lsarpc.TranslatedSID{
			Use:         lsarpc.SIDNameUseTypeUser,
			RelativeID:  rid,
			DomainIndex: 0,
		})
	}

	status := uint32(STATUS_SUCCESS)
	switch {
	case mapped == 0:
		status = STATUS_NONE_MAPPED
	case int(mapped) < len(names):
		status = STATUS_SOME_NOT_MAPPED
	}
	s.log.Debug("names looked up", zap.Strings("names", names), zap.Uint32("mapped", mapped))

	return ndr.Marshal(&lsarpc.LookupNamesResponse{
		ReferencedDomains: &lsarpc.ReferencedDomainList{
			Entries:    1,
			MaxEntries: 32,
			Domains: []*lsarpc.TrustInformation{
				{
					Name: unicodeString(s.domain),
					SID:  s.domainSID,
				},
			},
		},
		TranslatedSIDs: &lsarpc.TranslatedSIDs{
			Entries: uint32(len(sids)),
			SIDs:    sids,
		},
		MappedCount: mapped,
		Return:      ntstatus(status),
	})
}

// resolve maps an optionally domain-qualified name to its RID.
func (s *Server) resolve(name string) (uint32, bool) {
	if domain, user, found := strings.Cut(name, `\`); found {
		if !strings.EqualFold(domain, s.domain) {
			return 0, false
		}
		name = user
	}
	if name == "" || s.dir == nil {
		return 0, false
	}
	return s.dir.RID(name)
}
