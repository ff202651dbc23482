package pipe

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/mike76-dev/smbrpc/auth"
	"github.com/mike76-dev/smbrpc/rpc"
	"go.uber.org/zap"
)

// DefaultMaxRequestSize caps a reassembled request.
const DefaultMaxRequestSize = 15 * 1024 * 1024

// State is the binding state of a Conn.
type State int

const (
	StateUnbound State = iota
	StateAwaitingAuth
	StateContextRejected
	StateBound
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateAwaitingAuth:
		return "awaiting auth"
	case StateContextRejected:
		return "context rejected"
	case StateBound:
		return "bound"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// InterfaceContext is an accepted presentation context.
type InterfaceContext struct {
	ContextID uint16
	Table     *CommandTable
}

// Dumper records request and response payloads.
type Dumper interface {
	Dump(name string, opnum uint16, data []byte) error
}

// Options configures a Conn.
type Options struct {
	Registry *Registry
	Backends *auth.Backends
	Logger   *zap.Logger
	Metrics  *Metrics
	Dumper   Dumper

	// MaxFragLength is the PDU capacity offered at bind time.
	MaxFragLength int

	// MaxRequestSize caps a reassembled request.
	MaxRequestSize int
}

// Conn is the server side of one named pipe instance. It is owned by a
// single goroutine and does no locking.
type Conn struct {
	name       string
	serverName string
	opts       Options
	logger     *zap.Logger

	state    State
	hdr      *rpc.Header
	auth     *auth.Context
	contexts []InterfaceContext
	capacity int
	out      rpc.OutgoingStream
	handles  *Handles

	// Request reassembly.
	call *Call
	in   []byte

	faulted     bool
	faultStatus uint32
	faultCallID uint32
	faultDue    bool

	// Byte-stream adapter buffers.
	inbuf  []byte
	outbuf []byte
}

// NewConn returns a Conn for the named pipe. An unknown pipe name is not an
// error here; every bind on it is rejected.
func NewConn(pipeName string, opts Options) *Conn {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxFragLength <= 0 {
		opts.MaxFragLength = rpc.DefaultMaxFragLength
	}
	opts.MaxFragLength = min(max(opts.MaxFragLength, rpc.MinFragLength), math.MaxUint16)
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = DefaultMaxRequestSize
	}

	backends := opts.Backends
	if backends == nil {
		backends = &auth.Backends{}
	}
	if backends.Logger == nil {
		b := *backends
		b.Logger = opts.Logger
		backends = &b
	}

	name := NormalizePipeName(pipeName)
	serverName, _ := opts.Registry.Lookup(name)

	return &Conn{
		name:       name,
		serverName: serverName,
		opts:       opts,
		logger:     opts.Logger.With(zap.String("pipe", name)),
		auth:       auth.NewContext(backends),
		capacity:   opts.MaxFragLength,
		handles:    NewHandles(),
	}
}

// Process consumes one complete PDU. pdu may be modified in place when the
// request is sealed. Errors satisfying IsFatal mean the connection must be
// closed; other errors are informational and any answer is already queued.
func (c *Conn) Process(ctx context.Context, pdu []byte) error {
	h, err := rpc.ParseHeader(pdu)
	if err != nil {
		return fmt.Errorf("parse header: %w", err)
	}
	pdu = pdu[:h.FragLength]
	c.hdr = h

	if c.faulted {
		c.faultCallID = h.CallID
		c.faultDue = true
		return nil
	}

	switch h.PacketType {
	case rpc.PACKET_TYPE_BIND:
		return c.handleBind(ctx, h, pdu)
	case rpc.PACKET_TYPE_ALTER_CONTEXT:
		return c.handleAlterContext(ctx, h, pdu)
	case rpc.PACKET_TYPE_AUTH3:
		return c.handleAuth3(ctx, h, pdu)
	case rpc.PACKET_TYPE_REQUEST:
		return c.handleRequest(ctx, h, pdu)
	case rpc.PACKET_TYPE_SHUTDOWN, rpc.PACKET_TYPE_CANCEL:
		return nil
	case rpc.PACKET_TYPE_ORPHANED:
		c.call = nil
		c.in = nil
		return nil
	default:
		c.logger.Debug("unexpected packet type", zap.Uint8("type", h.PacketType))
		c.setFault(rpc.NCA_S_PROTO_ERROR, h.CallID)
		return nil
	}
}

// Pending reports whether a PDU is waiting to be sent.
func (c *Conn) Pending() bool {
	if c.faulted {
		return c.faultDue
	}
	return c.out.Pending()
}

// NextFragment returns the next outgoing PDU. Once the connection is
// faulted every call returns a fault PDU.
func (c *Conn) NextFragment() ([]byte, error) {
	if c.faulted {
		return c.faultPDU(), nil
	}

	frag, err := c.out.NextFragment(c.capacity, c.auth)
	if err != nil {
		if errors.Is(err, rpc.ErrNoResponse) {
			return nil, err
		}
		c.logger.Warn("failed to build fragment", zap.Error(err))
		c.setFault(rpc.RPC_S_SEC_PKG_ERROR, c.out.CallID())
		return c.faultPDU(), nil
	}

	c.opts.Metrics.recordFragment()
	return frag, nil
}

// Write feeds raw bytes from a byte-stream transport. Complete PDUs are
// processed as they become available.
func (c *Conn) Write(b []byte) (int, error) {
	return len(b), c.write(context.Background(), b)
}

func (c *Conn) write(ctx context.Context, b []byte) error {
	c.inbuf = append(c.inbuf, b...)
	for len(c.inbuf) >= rpc.HeaderSize {
		fragLen := int(c.inbuf[8]) | int(c.inbuf[9])<<8
		if fragLen < rpc.HeaderSize {
			c.inbuf = nil
			return fmt.Errorf("parse header: %w", rpc.ErrMalformedHeader)
		}
		if len(c.inbuf) < fragLen {
			return nil
		}

		pdu := c.inbuf[:fragLen:fragLen]
		c.inbuf = c.inbuf[fragLen:]
		if err := c.Process(ctx, pdu); err != nil {
			if IsFatal(err) {
				c.inbuf = nil
				return err
			}
			c.logger.Debug("PDU not accepted", zap.Error(err))
		}
	}
	return nil
}

// Read copies pending output into b, fetching the next PDU when the
// previous one was consumed.
func (c *Conn) Read(b []byte) (int, error) {
	if len(c.outbuf) == 0 {
		if !c.Pending() {
			return 0, rpc.ErrNoResponse
		}
		frag, err := c.NextFragment()
		if err != nil {
			return 0, err
		}
		c.outbuf = frag
	}

	n := copy(b, c.outbuf)
	c.outbuf = c.outbuf[n:]
	return n, nil
}

// Buffered returns the number of output bytes of the current PDU not yet read.
func (c *Conn) Buffered() int {
	return len(c.outbuf)
}

// Transact writes in and reads at most maxOut bytes of the answer, as a
// pipe transceive does. Buffered reports whether the answer was cut short.
func (c *Conn) Transact(ctx context.Context, in []byte, maxOut int) ([]byte, error) {
	if err := c.write(ctx, in); err != nil {
		return nil, err
	}

	out := make([]byte, maxOut)
	n, err := c.Read(out)
	if err != nil {
		return nil, err
	}
	return out[:n], nil
}

// Name returns the normalized pipe name.
func (c *Conn) Name() string {
	return c.name
}

// State returns the binding state.
func (c *Conn) State() State {
	return c.state
}

// Bound reports whether requests can be dispatched.
func (c *Conn) Bound() bool {
	return c.state == StateBound
}

// Contexts returns the accepted presentation contexts.
func (c *Conn) Contexts() []InterfaceContext {
	return c.contexts
}

// Auth returns the security context of the connection.
func (c *Conn) Auth() *auth.Context {
	return c.auth
}

// Capacity returns the negotiated PDU capacity.
func (c *Conn) Capacity() int {
	return c.capacity
}

// Header returns the last parsed PDU header.
func (c *Conn) Header() *rpc.Header {
	return c.hdr
}

// Faulted returns the latched fault status, if any.
func (c *Conn) Faulted() (uint32, bool) {
	return c.faultStatus, c.faulted
}

// Close drops all connection state.
func (c *Conn) Close() error {
	c.auth.Reset()
	c.state = StateUnbound
	c.contexts = nil
	c.handles = NewHandles()
	c.out.Reset()
	c.call = nil
	c.in = nil
	c.inbuf = nil
	c.outbuf = nil
	return nil
}

func (c *Conn) lookupContext(id uint16) (InterfaceContext, bool) {
	for _, ic := range c.contexts {
		if ic.ContextID == id {
			return ic, true
		}
	}
	return InterfaceContext{}, false
}
