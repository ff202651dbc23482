// Package auth adapts the security providers used on RPC pipes to a single
// per-connection security context.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/mike76-dev/smbrpc/kerberos"
	"github.com/mike76-dev/smbrpc/ntlm"
	"github.com/mike76-dev/smbrpc/rpc"
	"github.com/mike76-dev/smbrpc/schannel"
	"go.uber.org/zap"
)

var (
	// ErrAuthFailed is returned when a handshake leg is rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrVerifyFailed is returned when an incoming signature does not verify.
	ErrVerifyFailed = errors.New("signature verification failed")

	// ErrUnsealFailed is returned when an incoming sealed fragment cannot be unsealed.
	ErrUnsealFailed = errors.New("unseal failed")

	// ErrUnsupported is returned for auth types and levels no backend provides.
	ErrUnsupported = errors.New("unsupported authentication")
)

// Mechanism identifies the security provider of a Context.
type Mechanism int

const (
	MechNone Mechanism = iota
	MechNTLMSSP
	MechSPNEGONTLMSSP
	MechSPNEGOKerberos
	MechSchannel
)

func (m Mechanism) String() string {
	switch m {
	case MechNone:
		return "none"
	case MechNTLMSSP:
		return "ntlmssp"
	case MechSPNEGONTLMSSP:
		return "spnego-ntlmssp"
	case MechSPNEGOKerberos:
		return "spnego-kerberos"
	case MechSchannel:
		return "schannel"
	default:
		return fmt.Sprintf("mechanism(%d)", int(m))
	}
}

// Backends holds what the providers need to authenticate clients.
// It is shared by all connections and never modified after startup.
type Backends struct {
	ServerName string
	Domain     string

	Accounts ntlm.AccountStore
	Schannel schannel.KeyStore
	Kerberos *kerberos.Verifier

	Logger *zap.Logger
}

// Identity is the authenticated client.
type Identity struct {
	User      string
	Domain    string
	Principal string
}

// Capabilities tells which protections the handshake made available.
type Capabilities struct {
	Sign bool
	Seal bool
}

// Step is the outcome of a handshake leg. Token, if any, goes back to the client.
type Step struct {
	Done  bool
	Token []byte
}

type provider interface {
	advance(ctx context.Context, token []byte) (Step, error)
	sign(body, pdu []byte) ([]byte, error)
	verify(body, pdu, sig []byte) error
	seal(body, pdu []byte) ([]byte, error)
	unseal(body, pdu, sig []byte) error
	signatureSize() int
	identity() Identity
	capabilities() Capabilities
}

// Context is the security state of one pipe connection. The zero value
// after NewContext is mechanism None at level None.
type Context struct {
	backends *Backends

	mech      Mechanism
	prov      provider
	authType  uint8
	level     uint8
	contextID uint32
	done      bool
}

// NewContext returns a Context using b.
func NewContext(b *Backends) *Context {
	if b == nil {
		b = &Backends{}
	}
	if b.Logger == nil {
		b.Logger = zap.NewNop()
	}
	c := &Context{backends: b}
	c.Reset()
	return c
}

// Reset returns the context to mechanism None, dropping all provider state.
func (c *Context) Reset() {
	c.mech = MechNone
	c.prov = nil
	c.authType = rpc.AUTH_TYPE_NONE
	c.level = rpc.AUTH_LEVEL_NONE
	c.contextID = 0
	c.done = true
}

// Start begins a handshake for authType at level, replacing any previous state.
func (c *Context) Start(authType, level uint8, contextID uint32) error {
	c.Reset()

	if authType == rpc.AUTH_TYPE_NONE {
		return nil
	}

	switch level {
	case rpc.AUTH_LEVEL_CONNECT, rpc.AUTH_LEVEL_INTEGRITY, rpc.AUTH_LEVEL_PRIVACY:
	default:
		return fmt.Errorf("%w: level %d", ErrUnsupported, level)
	}

	var (
		mech Mechanism
		prov provider
	)
	switch authType {
	case rpc.AUTH_TYPE_NTLMSSP:
		mech, prov = MechNTLMSSP, newNTLMProvider(c.backends)
	case rpc.AUTH_TYPE_SPNEGO:
		mech, prov = MechSPNEGONTLMSSP, newSPNEGOProvider(c.backends, level)
	case rpc.AUTH_TYPE_SCHANNEL:
		if c.backends.Schannel == nil {
			return fmt.Errorf("%w: no schannel key store", ErrUnsupported)
		}
		mech, prov = MechSchannel, &schannelProvider{store: c.backends.Schannel}
	default:
		return fmt.Errorf("%w: auth type %d", ErrUnsupported, authType)
	}

	c.mech = mech
	c.prov = prov
	c.authType = authType
	c.level = level
	c.contextID = contextID
	c.done = false
	return nil
}

// Advance feeds a client token to the provider. On failure the context is
// reset to None and the error wraps ErrAuthFailed.
func (c *Context) Advance(ctx context.Context, token []byte) (Step, error) {
	if c.prov == nil || c.done {
		c.Reset()
		return Step{}, fmt.Errorf("%w: no handshake in progress", ErrAuthFailed)
	}

	step, err := c.prov.advance(ctx, token)
	if err != nil {
		mech := c.mech
		c.Reset()
		c.backends.Logger.Debug("auth leg rejected", zap.Stringer("mechanism", mech), zap.Error(err))
		return Step{}, fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}

	if sp, ok := c.prov.(*spnegoProvider); ok && sp.kerberos != nil {
		c.mech = MechSPNEGOKerberos
	}
	c.done = step.Done
	return step, nil
}

// Mechanism returns the provider in use.
func (c *Context) Mechanism() Mechanism {
	return c.mech
}

// Level returns the negotiated authentication level.
func (c *Context) Level() uint8 {
	return c.level
}

// Done reports whether the handshake completed.
func (c *Context) Done() bool {
	return c.done
}

// AwaitingLeg reports whether the provider expects another client token.
func (c *Context) AwaitingLeg() bool {
	return c.prov != nil && !c.done
}

// Identity returns the authenticated client, or the zero Identity.
func (c *Context) Identity() Identity {
	if c.prov == nil || !c.done {
		return Identity{}
	}
	return c.prov.identity()
}

// Capabilities returns the protections available after the handshake.
func (c *Context) Capabilities() Capabilities {
	if c.prov == nil || !c.done {
		return Capabilities{}
	}
	return c.prov.capabilities()
}

// AuthType implements rpc.Protector.
func (c *Context) AuthType() uint8 {
	return c.authType
}

// AuthLevel implements rpc.Protector.
func (c *Context) AuthLevel() uint8 {
	return c.level
}

// AuthContextID implements rpc.Protector.
func (c *Context) AuthContextID() uint32 {
	return c.contextID
}

// SignatureSize implements rpc.Protector. Fragments carry no auth value
// unless the level is integrity or privacy.
func (c *Context) SignatureSize() int {
	if c.prov == nil || !c.done {
		return 0
	}
	if c.level != rpc.AUTH_LEVEL_INTEGRITY && c.level != rpc.AUTH_LEVEL_PRIVACY {
		return 0
	}
	return c.prov.signatureSize()
}

// Sign returns the signature of an outgoing fragment. With mechanism None it returns nothing.
func (c *Context) Sign(body, pdu []byte) ([]byte, error) {
	if c.prov == nil {
		return nil, nil
	}
	return c.prov.sign(body, pdu)
}

// Verify checks the signature of an incoming fragment.
func (c *Context) Verify(body, pdu, sig []byte) error {
	if c.prov == nil {
		return nil
	}
	if err := c.prov.verify(body, pdu, sig); err != nil {
		return fmt.Errorf("%w: %w", ErrVerifyFailed, err)
	}
	return nil
}

// Seal encrypts body in place and returns the signature of the fragment.
func (c *Context) Seal(body, pdu []byte) ([]byte, error) {
	if c.prov == nil {
		return nil, nil
	}
	return c.prov.seal(body, pdu)
}

// Unseal decrypts body in place and checks the signature of the fragment.
func (c *Context) Unseal(body, pdu, sig []byte) error {
	if c.prov == nil {
		return nil
	}
	if err := c.prov.unseal(body, pdu, sig); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsealFailed, err)
	}
	return nil
}

// Protect implements rpc.Protector, signing or sealing according to the level.
func (c *Context) Protect(body, pdu []byte) ([]byte, error) {
	switch c.level {
	case rpc.AUTH_LEVEL_INTEGRITY:
		return c.Sign(body, pdu)
	case rpc.AUTH_LEVEL_PRIVACY:
		return c.Seal(body, pdu)
	default:
		return nil, nil
	}
}

// Unprotect checks, and for privacy decrypts, an incoming fragment.
func (c *Context) Unprotect(body, pdu, sig []byte) error {
	switch c.level {
	case rpc.AUTH_LEVEL_INTEGRITY:
		return c.Verify(body, pdu, sig)
	case rpc.AUTH_LEVEL_PRIVACY:
		return c.Unseal(body, pdu, sig)
	default:
		return nil
	}
}

var _ rpc.Protector = (*Context)(nil)
