package main

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mike76-dev/smbrpc/api"
	"github.com/mike76-dev/smbrpc/pipe"
	"github.com/mike76-dev/smbrpc/rpc"
	"go.uber.org/zap"
)

// connection is a client attached to one pipe endpoint.
type connection struct {
	id           uint64
	conn         net.Conn
	pc           *pipe.Conn
	host         string
	pipeName     string
	creationTime time.Time
	lastActive   time.Time
	log          *zap.Logger

	// info is a snapshot of pc taken after every PDU, read by the API.
	info api.ConnectionInfo
	mu   sync.Mutex
}

func (c *connection) snapshot() {
	id := c.pc.Auth().Identity()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActive = time.Now()
	c.info = api.ConnectionInfo{
		ID:        c.id,
		Remote:    c.conn.RemoteAddr().String(),
		Pipe:      c.pipeName,
		State:     c.pc.State().String(),
		Mechanism: c.pc.Auth().Mechanism().String(),
		User:      id.User,
		Domain:    id.Domain,
		Since:     c.creationTime,
	}
}

func (c *connection) connectionInfo() api.ConnectionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

func (c *connection) isStale(timeout time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActive) > timeout
}

// serve runs the request loop until the client leaves or the connection
// must be torn down.
func (c *connection) serve(ctx context.Context, s *server) {
	defer s.closeConnection(c)

	for {
		pdu, err := readPDU(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.log.Debug("connection closed by peer")
			} else {
				c.log.Warn("error reading PDU", zap.Error(err))
			}
			return
		}
		s.addReceived(len(pdu))

		if err := c.pc.Process(ctx, pdu); err != nil {
			if pipe.IsFatal(err) {
				c.log.Warn("closing connection", zap.Error(err))
				return
			}
			c.log.Debug("PDU not accepted", zap.Error(err))
		}

		if err := c.drain(s); err != nil {
			c.log.Warn("error writing response", zap.Error(err))
			return
		}
		c.snapshot()
	}
}

// drain writes every pending fragment to the client.
func (c *connection) drain(s *server) error {
	for c.pc.Pending() {
		frag, err := c.pc.NextFragment()
		if errors.Is(err, rpc.ErrNoResponse) {
			return nil
		} else if err != nil {
			return err
		}
		if err := writePDU(c.conn, frag); err != nil {
			return err
		}
		s.addSent(len(frag))
	}
	return nil
}
