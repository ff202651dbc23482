package pipe

import (
	"errors"
	"fmt"

	"github.com/mike76-dev/smbrpc/rpc"
	"go.uber.org/zap"
)

var (
	// ErrAuthLegFailed is returned when an auth3 leg is rejected.
	ErrAuthLegFailed = errors.New("authentication leg failed")
)

// BindRejectedError is returned by Process after a bind_nak was queued.
type BindRejectedError struct {
	Reason uint16
	Err    error
}

func (e *BindRejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bind rejected (reason %d): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("bind rejected (reason %d)", e.Reason)
}

func (e *BindRejectedError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err leaves the byte stream unusable.
func IsFatal(err error) bool {
	return errors.Is(err, rpc.ErrMalformedHeader) ||
		errors.Is(err, rpc.ErrAuthLengthInconsistent) ||
		errors.Is(err, rpc.ErrTruncated)
}

// setFault latches the connection. The first status wins and the latch is
// never cleared.
func (c *Conn) setFault(status uint32, callID uint32) {
	if !c.faulted {
		c.faulted = true
		c.faultStatus = status
		c.logger.Warn("connection faulted", zap.Uint32("callID", callID), zap.String("status", fmt.Sprintf("0x%08x", status)))
	}
	c.faultCallID = callID
	c.faultDue = true
	c.out.Reset()
	c.call = nil
	c.in = nil
}

func (c *Conn) faultPDU() []byte {
	c.faultDue = false
	c.opts.Metrics.recordFault(c.faultStatus)
	return rpc.NewFault(c.faultCallID, 0, c.faultStatus)
}

// callFault answers a single call with a fault and leaves the connection usable.
func (c *Conn) callFault(callID uint32, contextID uint16, status uint32) {
	c.logger.Debug("call faulted", zap.Uint32("callID", callID), zap.String("status", fmt.Sprintf("0x%08x", status)))
	c.opts.Metrics.recordFault(status)
	c.out.SetPDU(rpc.NewFault(callID, contextID, status))
}

// bindNak queues a bind_nak. A connection that is not yet bound loses any
// partial handshake and every accepted context.
func (c *Conn) bindNak(callID uint32, reason uint16, err error) error {
	if c.state != StateBound {
		c.auth.Reset()
		c.state = StateUnbound
		c.contexts = nil
	}
	c.logger.Warn("bind rejected", zap.Uint16("reason", reason), zap.Error(err))
	c.opts.Metrics.recordBind("nak")
	c.out.SetPDU(rpc.NewBindNak(callID, reason))
	return &BindRejectedError{Reason: reason, Err: err}
}
