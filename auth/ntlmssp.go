package auth

import (
	"bytes"
	"context"
	"errors"

	"github.com/mike76-dev/smbrpc/ntlm"
)

var errUnexpectedToken = errors.New("unexpected token")

type ntlmProvider struct {
	server  *ntlm.Server
	session *ntlm.Session
	leg     int
}

func newNTLMProvider(b *Backends) *ntlmProvider {
	return &ntlmProvider{server: ntlm.NewServer(b.ServerName, b.Domain, b.Accounts)}
}

func (p *ntlmProvider) advance(_ context.Context, token []byte) (Step, error) {
	switch p.leg {
	case 0:
		if !bytes.HasPrefix(token, []byte("NTLMSSP\x00")) {
			return Step{}, errUnexpectedToken
		}
		cmsg, err := p.server.Challenge(token)
		if err != nil {
			return Step{}, err
		}
		p.leg++
		return Step{Token: cmsg}, nil

	case 1:
		if err := p.server.Authenticate(token); err != nil {
			return Step{}, err
		}
		p.session = p.server.Session()
		p.leg++
		return Step{Done: true}, nil

	default:
		return Step{}, errUnexpectedToken
	}
}

func (p *ntlmProvider) sign(body, pdu []byte) ([]byte, error) {
	return p.session.SignPDU(body, pdu)
}

func (p *ntlmProvider) verify(body, pdu, sig []byte) error {
	return p.session.VerifyPDU(body, pdu, sig)
}

func (p *ntlmProvider) seal(body, pdu []byte) ([]byte, error) {
	return p.session.SealPDU(body, pdu)
}

func (p *ntlmProvider) unseal(body, pdu, sig []byte) error {
	return p.session.UnsealPDU(body, pdu, sig)
}

func (p *ntlmProvider) signatureSize() int {
	return ntlm.SignatureSize
}

func (p *ntlmProvider) identity() Identity {
	if p.session == nil {
		return Identity{}
	}
	return Identity{User: p.session.User(), Domain: p.session.Domain()}
}

func (p *ntlmProvider) capabilities() Capabilities {
	if p.session == nil {
		return Capabilities{}
	}
	return Capabilities{Sign: p.session.CanSign(), Seal: p.session.CanSeal()}
}
