package auth

import (
	"context"
	"fmt"

	"github.com/mike76-dev/smbrpc/schannel"
)

type schannelProvider struct {
	store    schannel.KeyStore
	neg      schannel.Negotiate
	state    *schannel.State
	finished bool
}

func (p *schannelProvider) advance(ctx context.Context, token []byte) (Step, error) {
	if p.finished {
		return Step{}, errUnexpectedToken
	}

	neg, err := schannel.ParseNegotiate(token)
	if err != nil {
		return Step{}, err
	}

	key, err := p.store.SessionKey(ctx, neg.Computer)
	if err != nil {
		return Step{}, fmt.Errorf("computer %q: %w", neg.Computer, err)
	}

	state, err := schannel.NewState(key)
	if err != nil {
		return Step{}, err
	}

	p.neg = neg
	p.state = state
	p.finished = true
	return Step{Done: true, Token: schannel.ReplyVerifier()}, nil
}

func (p *schannelProvider) sign(body, _ []byte) ([]byte, error) {
	return p.state.Sign(body)
}

func (p *schannelProvider) verify(body, _, sig []byte) error {
	return p.state.Verify(body, sig)
}

func (p *schannelProvider) seal(body, _ []byte) ([]byte, error) {
	return p.state.Seal(body)
}

func (p *schannelProvider) unseal(body, _, sig []byte) error {
	return p.state.Unseal(body, sig)
}

func (p *schannelProvider) signatureSize() int {
	return schannel.SignatureSize
}

func (p *schannelProvider) identity() Identity {
	return Identity{User: p.neg.Computer + "$", Domain: p.neg.Domain}
}

func (p *schannelProvider) capabilities() Capabilities {
	return Capabilities{Sign: true, Seal: true}
}
