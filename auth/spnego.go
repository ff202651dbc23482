package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/mike76-dev/smbrpc/kerberos"
	"github.com/mike76-dev/smbrpc/rpc"
	"github.com/mike76-dev/smbrpc/spnego"
)

var errKerberosLevel = errors.New("kerberos supports connect level only")

// spnegoProvider negotiates NTLMSSP or, when the client prefers it and a
// keytab is configured, Kerberos.
type spnegoProvider struct {
	backends *Backends
	level    uint8

	ntlm     *ntlmProvider
	kerberos *kerberos.Result
}

func newSPNEGOProvider(b *Backends, level uint8) *spnegoProvider {
	return &spnegoProvider{backends: b, level: level}
}

func (p *spnegoProvider) advance(ctx context.Context, token []byte) (Step, error) {
	if p.ntlm == nil {
		return p.init(ctx, token)
	}

	if len(token) == 0 || token[0] != 0xa1 {
		return Step{}, fmt.Errorf("%w: expected negTokenResp", errUnexpectedToken)
	}
	resp, err := spnego.DecodeNegTokenResp(token)
	if err != nil {
		return Step{}, err
	}
	if _, err := p.ntlm.advance(ctx, resp.ResponseToken); err != nil {
		return Step{}, err
	}

	out, err := spnego.EncodeNegTokenResp(spnego.AcceptCompleted, nil, nil, nil)
	if err != nil {
		return Step{}, err
	}
	return Step{Done: true, Token: out}, nil
}

func (p *spnegoProvider) init(ctx context.Context, token []byte) (Step, error) {
	if len(token) == 0 || token[0] != 0x60 {
		return Step{}, fmt.Errorf("%w: expected negTokenInit", errUnexpectedToken)
	}
	init, err := spnego.DecodeNegTokenInit(token)
	if err != nil {
		return Step{}, err
	}
	if len(init.MechTypes) == 0 {
		return Step{}, fmt.Errorf("%w: no mechanisms offered", errUnexpectedToken)
	}

	if spnego.IsKerberos(init.MechTypes[0]) && p.backends.Kerberos != nil {
		if p.level != rpc.AUTH_LEVEL_CONNECT {
			return Step{}, errKerberosLevel
		}
		res, err := p.backends.Kerberos.Verify(init.MechToken)
		if err != nil {
			return Step{}, err
		}
		out, err := spnego.EncodeNegTokenResp(spnego.AcceptCompleted, init.MechTypes[0], res.ResponseToken, nil)
		if err != nil {
			return Step{}, err
		}
		p.kerberos = res
		return Step{Done: true, Token: out}, nil
	}

	offered := false
	for _, oid := range init.MechTypes {
		if oid.Equal(spnego.NlmpOid) {
			offered = true
			break
		}
	}
	if !offered {
		return Step{}, fmt.Errorf("%w: NTLMSSP not offered", errUnexpectedToken)
	}

	p.ntlm = newNTLMProvider(p.backends)
	step, err := p.ntlm.advance(ctx, init.MechToken)
	if err != nil {
		return Step{}, err
	}

	out, err := spnego.EncodeNegTokenResp(spnego.AcceptIncomplete, spnego.NlmpOid, step.Token, nil)
	if err != nil {
		return Step{}, err
	}
	return Step{Token: out}, nil
}

func (p *spnegoProvider) sign(body, pdu []byte) ([]byte, error) {
	if p.ntlm == nil {
		return nil, errKerberosLevel
	}
	return p.ntlm.sign(body, pdu)
}

func (p *spnegoProvider) verify(body, pdu, sig []byte) error {
	if p.ntlm == nil {
		return errKerberosLevel
	}
	return p.ntlm.verify(body, pdu, sig)
}

func (p *spnegoProvider) seal(body, pdu []byte) ([]byte, error) {
	if p.ntlm == nil {
		return nil, errKerberosLevel
	}
	return p.ntlm.seal(body, pdu)
}

func (p *spnegoProvider) unseal(body, pdu, sig []byte) error {
	if p.ntlm == nil {
		return errKerberosLevel
	}
	return p.ntlm.unseal(body, pdu, sig)
}

func (p *spnegoProvider) signatureSize() int {
	if p.ntlm == nil {
		return 0
	}
	return p.ntlm.signatureSize()
}

func (p *spnegoProvider) identity() Identity {
	if p.kerberos != nil {
		return Identity{
			User:      p.kerberos.Principal,
			Domain:    p.kerberos.Realm,
			Principal: p.kerberos.Principal + "@" + p.kerberos.Realm,
		}
	}
	if p.ntlm != nil {
		return p.ntlm.identity()
	}
	return Identity{}
}

func (p *spnegoProvider) capabilities() Capabilities {
	if p.ntlm != nil {
		return p.ntlm.capabilities()
	}
	return Capabilities{}
}
