// Package kerberos accepts Kerberos 5 AP-REQ tokens carried inside SPNEGO
// and builds the AP-REP returned for mutual authentication.
package kerberos

import (
	"encoding/asn1"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jcmturner/gokrb5/v8/asn1tools"
	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/types"
	"go.uber.org/zap"
)

var (
	// ErrMalformedToken is returned when the GSS wrapper or the AP-REQ cannot be parsed.
	ErrMalformedToken = errors.New("kerberos: malformed token")

	// ErrVerifyFailed is returned when the ticket or the authenticator is rejected.
	ErrVerifyFailed = errors.New("kerberos: AP-REQ verification failed")
)

// DefaultMaxClockSkew is used when no clock skew is configured.
const DefaultMaxClockSkew = 5 * time.Minute

const (
	tokenIDAPReq = 0x0100
	tokenIDAPRep = 0x0200

	keyUsageAPRepEncPart = 12
)

// 1.2.840.113554.1.2.2
var krb5OID = []byte{0x06, 0x09, 0x2a, 0x86, 0x48, 0x86, 0xf7, 0x12, 0x01, 0x02, 0x02}

// Result describes an accepted AP-REQ.
type Result struct {
	Principal     string
	Realm         string
	SessionKey    types.EncryptionKey
	ResponseToken []byte
}

// Verifier checks AP-REQ tokens against a service keytab.
type Verifier struct {
	keytab       *keytab.Keytab
	principal    string
	maxClockSkew time.Duration
	logger       *zap.Logger
}

// LoadKeytab reads a keytab file.
func LoadKeytab(path string) (*keytab.Keytab, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	kt := keytab.New()
	if err := kt.Unmarshal(b); err != nil {
		return nil, fmt.Errorf("couldn't parse keytab: %w", err)
	}
	return kt, nil
}

// NewVerifier returns a Verifier for the service principal found in kt.
func NewVerifier(kt *keytab.Keytab, principal string, maxClockSkew time.Duration, logger *zap.Logger) *Verifier {
	if maxClockSkew <= 0 {
		maxClockSkew = DefaultMaxClockSkew
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		keytab:       kt,
		principal:    principal,
		maxClockSkew: maxClockSkew,
		logger:       logger,
	}
}

// Principal returns the service principal name.
func (v *Verifier) Principal() string {
	return v.principal
}

// Verify accepts a GSS-wrapped or raw AP-REQ. When the client asked for
// mutual authentication, the result carries a GSS-wrapped AP-REP.
func (v *Verifier) Verify(token []byte) (*Result, error) {
	raw, err := extractAPReq(token)
	if err != nil {
		return nil, err
	}

	var apReq messages.APReq
	if err := apReq.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	settings := service.NewSettings(
		v.keytab,
		service.MaxClockSkew(v.maxClockSkew),
		service.DecodePAC(false),
		service.KeytabPrincipal(v.principal),
	)
	ok, _, err := service.VerifyAPREQ(&apReq, settings)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}
	if !ok {
		return nil, ErrVerifyFailed
	}

	sessionKey := apReq.Ticket.DecryptedEncPart.Key
	if err := apReq.DecryptAuthenticator(sessionKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerifyFailed, err)
	}

	res := &Result{
		Principal:  apReq.Ticket.DecryptedEncPart.CName.PrincipalNameString(),
		Realm:      apReq.Ticket.DecryptedEncPart.CRealm,
		SessionKey: sessionKey,
	}
	if hasSubkey(apReq) {
		res.SessionKey = apReq.Authenticator.SubKey
	}

	// AP options: bit 2 is mutual-required.
	if len(apReq.APOptions.Bytes) > 0 && apReq.APOptions.Bytes[0]&0x20 != 0 {
		res.ResponseToken, err = buildAPRep(apReq, sessionKey)
		if err != nil {
			return nil, err
		}
	}

	v.logger.Debug("AP-REQ accepted",
		zap.String("principal", res.Principal),
		zap.String("realm", res.Realm),
		zap.Bool("mutual", res.ResponseToken != nil),
	)

	return res, nil
}

func hasSubkey(apReq messages.APReq) bool {
	return apReq.Authenticator.SubKey.KeyType != 0 && len(apReq.Authenticator.SubKey.KeyValue) > 0
}

func buildAPRep(apReq messages.APReq, sessionKey types.EncryptionKey) ([]byte, error) {
	part := messages.EncAPRepPart{
		CTime: apReq.Authenticator.CTime,
		Cusec: apReq.Authenticator.Cusec,
	}
	if hasSubkey(apReq) {
		part.Subkey = apReq.Authenticator.SubKey
	}

	b, err := asn1.Marshal(part)
	if err != nil {
		return nil, fmt.Errorf("couldn't marshal EncAPRepPart: %w", err)
	}
	b = asn1tools.AddASNAppTag(b, 27)

	encPart, err := crypto.GetEncryptedData(b, sessionKey, keyUsageAPRepEncPart, 0)
	if err != nil {
		return nil, fmt.Errorf("couldn't encrypt EncAPRepPart: %w", err)
	}

	b, err = asn1.Marshal(messages.APRep{
		PVNO:    5,
		MsgType: 15,
		EncPart: encPart,
	})
	if err != nil {
		return nil, fmt.Errorf("couldn't marshal AP-REP: %w", err)
	}

	return wrapToken(asn1tools.AddASNAppTag(b, 15), tokenIDAPRep), nil
}
