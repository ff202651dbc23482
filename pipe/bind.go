package pipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/mike76-dev/smbrpc/auth"
	"github.com/mike76-dev/smbrpc/rpc"
	"go.uber.org/zap"
)

const (
	defaultAssocGroupID = 0x53f0
	ntlmAssocGroupID    = 0x7a77
)

var (
	errAlreadyBound     = errors.New("connection already bound")
	errUnknownPipe      = errors.New("no interface registered for pipe")
	errNotBinding       = errors.New("no bind in progress")
	errMechanismMissing = errors.New("handshake did not complete as expected")
	errLevelUnsupported = errors.New("mechanism cannot provide the requested level")
)

// parseBind decodes a bind or alter_context body and its auth trailer, if any.
func parseBind(h *rpc.Header, pdu []byte) (*rpc.Bind, *rpc.AuthTrailer, []byte, error) {
	end := int(h.FragLength)
	var (
		at    *rpc.AuthTrailer
		token []byte
	)
	if h.AuthLength > 0 {
		trailer, value, off, err := rpc.ParseAuth(pdu, h)
		if err != nil {
			return nil, nil, nil, err
		}
		at, token, end = &trailer, value, off
	}

	b := &rpc.Bind{}
	if err := b.Decode(bytes.NewReader(pdu[rpc.HeaderSize:end])); err != nil {
		return nil, nil, nil, err
	}
	return b, at, token, nil
}

func (c *Conn) handleBind(ctx context.Context, h *rpc.Header, pdu []byte) error {
	if c.state == StateBound {
		return c.bindNak(h.CallID, rpc.BIND_NAK_REASON_NOT_SPECIFIED, errAlreadyBound)
	}

	tables := c.opts.Registry.Tables(c.name)
	if len(tables) == 0 {
		return c.bindNak(h.CallID, rpc.BIND_NAK_REASON_NOT_SPECIFIED, errUnknownPipe)
	}

	b, at, token, err := parseBind(h, pdu)
	if err != nil {
		return c.bindNak(h.CallID, rpc.BIND_NAK_REASON_NOT_SPECIFIED, err)
	}

	c.state = StateUnbound
	c.contexts = nil
	c.auth.Reset()

	var reply []byte
	if at != nil && at.AuthType != rpc.AUTH_TYPE_NONE {
		if err := c.auth.Start(at.AuthType, at.AuthLevel, at.AuthContextID); err != nil {
			return c.bindNak(h.CallID, rpc.BIND_NAK_REASON_AUTH_TYPE_UNSUPPORTED, err)
		}

		mech := c.auth.Mechanism()
		step, err := c.auth.Advance(ctx, token)
		c.opts.Metrics.recordAuthLeg(mech.String(), err == nil)
		if err != nil {
			return c.bindNak(h.CallID, rpc.BIND_NAK_REASON_NOT_SPECIFIED, err)
		}

		switch mech {
		case auth.MechNTLMSSP:
			if step.Done {
				err = errMechanismMissing
			}
		case auth.MechSchannel:
			if !step.Done {
				err = errMechanismMissing
			}
		}
		if err == nil && step.Done {
			err = c.checkCapabilities()
		}
		if err != nil {
			return c.bindNak(h.CallID, rpc.BIND_NAK_REASON_NOT_SPECIFIED, err)
		}
		reply = step.Token
	}

	results, accepted := c.negotiate(b.ContextList, tables)
	c.contexts = accepted

	c.capacity = max(min(c.opts.MaxFragLength, int(b.MaxRecvFrag)), rpc.MinFragLength)

	assocGroup := b.AssocGroupID
	if assocGroup == 0 {
		assocGroup = defaultAssocGroupID
		if c.auth.Mechanism() == auth.MechNTLMSSP {
			assocGroup = ntlmAssocGroupID
		}
	}

	c.updateState()
	c.logger.Debug("bind",
		zap.Uint32("callID", h.CallID),
		zap.Stringer("mechanism", c.auth.Mechanism()),
		zap.Int("accepted", len(accepted)),
		zap.Int("capacity", c.capacity),
		zap.Stringer("state", c.state),
	)

	ack := &rpc.BindAck{
		MaxXmitFrag:  uint16(c.capacity),
		MaxRecvFrag:  uint16(c.capacity),
		AssocGroupID: assocGroup,
		PortSpec:     `\PIPE\` + c.serverName,
		ResultList:   results,
	}
	c.queueAck(rpc.PACKET_TYPE_BIND_ACK, h.CallID, ack, reply)
	return nil
}

func (c *Conn) handleAlterContext(ctx context.Context, h *rpc.Header, pdu []byte) error {
	if c.state == StateUnbound {
		return c.bindNak(h.CallID, rpc.BIND_NAK_REASON_NOT_SPECIFIED, errNotBinding)
	}

	b, at, token, err := parseBind(h, pdu)
	if err != nil {
		return c.bindNak(h.CallID, rpc.BIND_NAK_REASON_NOT_SPECIFIED, err)
	}

	var reply []byte
	if at != nil {
		mech := c.auth.Mechanism()
		if c.state != StateAwaitingAuth || !continuesHandshake(mech, at.AuthType) {
			return c.bindNak(h.CallID, rpc.BIND_NAK_REASON_NOT_SPECIFIED, errNotBinding)
		}

		step, err := c.auth.Advance(ctx, token)
		c.opts.Metrics.recordAuthLeg(mech.String(), err == nil)
		if err == nil && !step.Done {
			err = errMechanismMissing
		}
		if err == nil {
			err = c.checkCapabilities()
		}
		if err != nil {
			return c.bindNak(h.CallID, rpc.BIND_NAK_REASON_NOT_SPECIFIED, err)
		}
		reply = step.Token
	}

	results, accepted := c.negotiate(b.ContextList, c.opts.Registry.Tables(c.name))
	for _, ic := range accepted {
		c.addContext(ic)
	}

	c.updateState()
	c.logger.Debug("alter context",
		zap.Uint32("callID", h.CallID),
		zap.Int("accepted", len(accepted)),
		zap.Stringer("state", c.state),
	)

	ack := &rpc.BindAck{
		MaxXmitFrag:  uint16(c.capacity),
		MaxRecvFrag:  uint16(c.capacity),
		AssocGroupID: b.AssocGroupID,
		ResultList:   results,
	}
	c.queueAck(rpc.PACKET_TYPE_ALTER_CONTEXT_RESPONSE, h.CallID, ack, reply)
	return nil
}

// continuesHandshake reports whether an alter_context trailer of authType
// carries the final leg of mech. NTLMSSP accepts its AUTHENTICATE message
// here as well as in auth3.
func continuesHandshake(mech auth.Mechanism, authType uint8) bool {
	switch mech {
	case auth.MechSPNEGONTLMSSP:
		return authType == rpc.AUTH_TYPE_SPNEGO
	case auth.MechNTLMSSP:
		return authType == rpc.AUTH_TYPE_NTLMSSP
	}
	return false
}

func (c *Conn) handleAuth3(ctx context.Context, h *rpc.Header, pdu []byte) error {
	err := c.completeAuth3(ctx, h, pdu)
	if err != nil {
		c.auth.Reset()
		c.state = StateUnbound
		c.contexts = nil
		c.logger.Warn("auth3 rejected", zap.Uint32("callID", h.CallID), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrAuthLegFailed, err)
	}

	c.updateState()
	id := c.auth.Identity()
	c.logger.Debug("authenticated",
		zap.String("user", id.User),
		zap.String("domain", id.Domain),
		zap.Stringer("state", c.state),
	)
	return nil
}

func (c *Conn) completeAuth3(ctx context.Context, h *rpc.Header, pdu []byte) error {
	if h.AuthLength == 0 || c.state != StateAwaitingAuth || c.auth.Mechanism() != auth.MechNTLMSSP {
		return errNotBinding
	}

	at, token, _, err := rpc.ParseAuth(pdu, h)
	if err != nil {
		return err
	}
	if at.AuthType != rpc.AUTH_TYPE_NTLMSSP {
		return fmt.Errorf("%w: auth type %d", errNotBinding, at.AuthType)
	}

	step, err := c.auth.Advance(ctx, token)
	c.opts.Metrics.recordAuthLeg(auth.MechNTLMSSP.String(), err == nil)
	if err != nil {
		return err
	}
	if !step.Done {
		return errMechanismMissing
	}
	return c.checkCapabilities()
}

// checkCapabilities ensures the finished handshake can protect packets at
// the requested level.
func (c *Conn) checkCapabilities() error {
	caps := c.auth.Capabilities()
	switch c.auth.Level() {
	case rpc.AUTH_LEVEL_INTEGRITY:
		if !caps.Sign {
			return errLevelUnsupported
		}
	case rpc.AUTH_LEVEL_PRIVACY:
		if !caps.Seal {
			return errLevelUnsupported
		}
	}
	return nil
}

func (c *Conn) updateState() {
	switch {
	case !c.auth.Done():
		c.state = StateAwaitingAuth
		c.opts.Metrics.recordBind("awaiting_auth")
	case len(c.contexts) == 0:
		c.state = StateContextRejected
		c.opts.Metrics.recordBind("rejected")
	default:
		c.state = StateBound
		c.opts.Metrics.recordBind("ack")
	}
}

func (c *Conn) addContext(ic InterfaceContext) {
	for i := range c.contexts {
		if c.contexts[i].ContextID == ic.ContextID {
			c.contexts[i] = ic
			return
		}
	}
	c.contexts = append(c.contexts, ic)
}

// negotiate produces one result per offered context. Contexts whose abstract
// and transfer syntax both match a table are accepted.
func (c *Conn) negotiate(offered []*rpc.Context, tables []*CommandTable) ([]*rpc.Result, []InterfaceContext) {
	results := make([]*rpc.Result, 0, len(offered))
	var accepted []InterfaceContext

	for _, pc := range offered {
		res := &rpc.Result{
			DefResult:      rpc.RESULT_PROVIDER_REJECTION,
			ProviderReason: rpc.REASON_ABSTRACT_SYNTAX_NOT_SUPPORTED,
		}

		if ts := pc.TransferSyntaxes; len(ts) > 0 && ts[0].IsBindTimeFeatures() {
			res.DefResult = rpc.RESULT_NEGOTIATE_ACK
			res.ProviderReason = 0
			results = append(results, res)
			continue
		}

	tables:
		for _, t := range tables {
			if t.AbstractSyntax != pc.AbstractSyntax {
				continue
			}
			res.ProviderReason = rpc.REASON_TRANSFER_SYNTAXES_NOT_SUPPORTED
			for _, ts := range pc.TransferSyntaxes {
				if ts == t.TransferSyntax {
					res.DefResult = rpc.RESULT_ACCEPTANCE
					res.ProviderReason = rpc.REASON_NOT_SPECIFIED
					res.TransferSyntax = ts
					accepted = append(accepted, InterfaceContext{ContextID: pc.ContextID, Table: t})
					break tables
				}
			}
		}

		results = append(results, res)
	}

	return results, accepted
}

func (c *Conn) queueAck(ptype uint8, callID uint32, ack *rpc.BindAck, token []byte) {
	op := &rpc.OutboundPacket{
		Header: rpc.NewHeader(ptype, rpc.PFC_FIRST_FRAG|rpc.PFC_LAST_FRAG, callID),
		Body:   ack,
	}
	if token != nil {
		op.Auth = &rpc.AuthTrailer{
			AuthType:      c.auth.AuthType(),
			AuthLevel:     c.auth.AuthLevel(),
			AuthContextID: c.auth.AuthContextID(),
		}
		op.AuthValue = token
	}
	c.out.SetPDU(op.Bytes())
}
