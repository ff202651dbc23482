package pipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mike76-dev/smbrpc/auth"
	"github.com/mike76-dev/smbrpc/rpc"
	"github.com/mike76-dev/smbrpc/schannel"
	"go.uber.org/zap"
)

func (c *Conn) handleRequest(ctx context.Context, h *rpc.Header, pdu []byte) error {
	if c.state != StateBound {
		c.setFault(rpc.NCA_S_PROTO_ERROR, h.CallID)
		return nil
	}

	req := rpc.Request{}
	stubStart := rpc.HeaderSize + rpc.RequestHeaderSize
	if h.PacketFlags&rpc.PFC_OBJECT_UUID != 0 {
		req.ObjectUUID = &uuid.UUID{}
		stubStart += rpc.ObjectUUIDSize
	}
	if err := req.Decode(bytes.NewReader(pdu[rpc.HeaderSize:])); err != nil {
		c.setFault(rpc.NCA_S_PROTO_ERROR, h.CallID)
		return nil
	}

	stubEnd, status := c.unprotect(h, pdu, stubStart)
	if status != 0 {
		c.setFault(status, h.CallID)
		return nil
	}
	stub := pdu[stubStart:stubEnd]

	if h.First() {
		c.call = &Call{
			CallID:     h.CallID,
			ContextID:  req.ContextID,
			OpNum:      req.OpNum,
			ObjectUUID: req.ObjectUUID,
		}
		c.in = make([]byte, 0, min(int(req.AllocHint), c.capacity, c.opts.MaxRequestSize))
	} else if c.call == nil || c.call.CallID != h.CallID {
		c.logger.Debug("fragment outside of a call", zap.Uint32("callID", h.CallID))
		c.setFault(rpc.NCA_S_PROTO_ERROR, h.CallID)
		return nil
	}

	if len(c.in)+len(stub) > c.opts.MaxRequestSize {
		c.logger.Warn("request too large", zap.Uint32("callID", h.CallID), zap.Int("size", len(c.in)+len(stub)))
		c.setFault(rpc.NCA_S_PROTO_ERROR, h.CallID)
		return nil
	}
	c.in = append(c.in, stub...)

	if !h.Last() {
		return nil
	}

	call := c.call
	call.Input = c.in
	c.call = nil
	c.in = nil
	return c.dispatch(ctx, call)
}

// unprotect checks the auth trailer of a request fragment, unsealing the
// stub in place when needed. It returns the end of the stub data or a
// non-zero fault status.
func (c *Conn) unprotect(h *rpc.Header, pdu []byte, stubStart int) (int, uint32) {
	fragLen := int(h.FragLength)
	if stubStart > fragLen {
		return 0, rpc.NCA_S_PROTO_ERROR
	}

	mech := c.auth.Mechanism()
	if mech == auth.MechNone {
		if h.AuthLength > 0 {
			return 0, rpc.NCA_S_PROTO_ERROR
		}
		return fragLen, 0
	}

	level := c.auth.Level()
	if level != rpc.AUTH_LEVEL_INTEGRITY && level != rpc.AUTH_LEVEL_PRIVACY {
		if h.AuthLength == 0 {
			return fragLen, 0
		}
		at, _, off, err := rpc.ParseAuth(pdu, h)
		if err != nil || off < stubStart+int(at.PadLength) {
			return 0, rpc.NCA_S_PROTO_ERROR
		}
		return off - int(at.PadLength), 0
	}

	if h.AuthLength == 0 {
		return 0, rpc.RPC_S_SEC_PKG_ERROR
	}
	switch mech {
	case auth.MechSchannel:
		if h.AuthLength != schannel.SignatureSize {
			return 0, rpc.NCA_S_PROTO_ERROR
		}
	default:
		if h.AuthLength > rpc.MaxSignSize || rpc.HeaderSize+rpc.RequestHeaderSize+rpc.AuthTrailerSize+int(h.AuthLength) > fragLen {
			return 0, rpc.NCA_S_PROTO_ERROR
		}
	}

	at, sig, off, err := rpc.ParseAuth(pdu, h)
	if err != nil || off < stubStart {
		return 0, rpc.NCA_S_PROTO_ERROR
	}
	if at.AuthType != c.auth.AuthType() || at.AuthLevel != level {
		return 0, rpc.RPC_S_SEC_PKG_ERROR
	}

	body := pdu[stubStart:off]
	if err := c.auth.Unprotect(body, pdu[:fragLen-int(h.AuthLength)], sig); err != nil {
		c.logger.Warn("request failed verification", zap.Uint32("callID", h.CallID), zap.Error(err))
		return 0, rpc.RPC_S_SEC_PKG_ERROR
	}

	if int(at.PadLength) > len(body) {
		return 0, rpc.NCA_S_PROTO_ERROR
	}
	return off - int(at.PadLength), 0
}

func (c *Conn) dispatch(ctx context.Context, call *Call) error {
	ic, ok := c.lookupContext(call.ContextID)
	if !ok {
		c.callFault(call.CallID, call.ContextID, rpc.NCA_S_CONTEXT_MISMATCH)
		return nil
	}

	if ic.Table.RequireAuth && c.auth.Mechanism() == auth.MechNone {
		c.callFault(call.CallID, call.ContextID, rpc.STATUS_ACCESS_DENIED)
		return nil
	}

	cmd, ok := ic.Table.Lookup(call.OpNum)
	if !ok {
		c.callFault(call.CallID, call.ContextID, rpc.NCA_S_OP_RNG_ERROR)
		return nil
	}

	c.opts.Metrics.recordRequest(c.name, call.OpNum)
	c.logger.Debug("dispatch",
		zap.Uint32("callID", call.CallID),
		zap.String("op", cmd.Name),
		zap.Uint16("opnum", call.OpNum),
		zap.Int("size", len(call.Input)),
	)
	c.dump(".in", call.OpNum, call.Input)

	call.Identity = c.auth.Identity()
	call.Handles = c.handles
	reply, err := cmd.Handler(ctx, call)
	if errors.Is(err, ErrBadHandle) {
		c.callFault(call.CallID, call.ContextID, rpc.NCA_S_CONTEXT_MISMATCH)
		return nil
	}
	if err != nil {
		c.setFault(rpc.RPC_S_CANNOT_PERFORM, call.CallID)
		return fmt.Errorf("%s (opnum %d): %w", cmd.Name, call.OpNum, err)
	}

	c.dump(".out", call.OpNum, reply)
	c.out.Begin(call.CallID, call.ContextID, reply)
	return nil
}

func (c *Conn) dump(suffix string, opnum uint16, data []byte) {
	if c.opts.Dumper == nil {
		return
	}
	if err := c.opts.Dumper.Dump(c.name+suffix, opnum, data); err != nil {
		c.logger.Warn("failed to dump payload", zap.Error(err))
	}
}
