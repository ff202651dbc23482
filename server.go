package main

import (
	"cmp"
	"context"
	"errors"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/mike76-dev/smbrpc/api"
	"github.com/mike76-dev/smbrpc/pipe"
	"github.com/mike76-dev/smbrpc/stores"
	"go.uber.org/zap"
)

type serverStats struct {
	start     time.Time
	bytesSent uint64
	bytesRcvd uint64
}

type server struct {
	enabled         bool
	stats           serverStats
	connectionList  map[uint64]*connection
	connectionCount map[string]int
	nextID          uint64
	maxConnections  int

	opts      pipe.Options
	bs        *stores.BansStore
	listeners []net.Listener
	log       *zap.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

func newServer(opts pipe.Options, bs *stores.BansStore, maxConnections int, log *zap.Logger) *server {
	s := &server{
		enabled:         true,
		connectionList:  make(map[uint64]*connection),
		connectionCount: make(map[string]int),
		maxConnections:  maxConnections,
		opts:            opts,
		bs:              bs,
		log:             log,
	}
	s.stats.start = time.Now()
	return s
}

// start serves the given pipe on l in the background.
func (s *server) start(ctx context.Context, l net.Listener, pipeName string) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	go s.serve(ctx, l, pipeName)
}

// serve accepts connections on l until l is closed.
func (s *server) serve(ctx context.Context, l net.Listener, pipeName string) {
	s.log.Info("listening", zap.String("pipe", pipeName), zap.Stringer("address", l.Addr()))

	for {
		conn, err := l.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		} else if err != nil {
			s.log.Warn("accept failed", zap.Error(err))
			continue
		}

		// Check if the remote host is on the ban list.
		host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
		if s.bs.IsBanned(host) {
			conn.Close()
			continue
		}

		// Ban the remote host if it forms too many connections.
		s.mu.Lock()
		num := s.connectionCount[host]
		s.connectionCount[host] = num + 1
		enabled := s.enabled
		s.mu.Unlock()
		if num >= s.maxConnections {
			conn.Close()
			s.blockHost(host, "too many connections")
			continue
		}
		if !enabled {
			conn.Close()
			return
		}

		c := s.newConnection(conn, host, pipeName)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			c.serve(ctx, s)
		}()
	}
}

func (s *server) newConnection(conn net.Conn, host, pipeName string) *connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++

	log := s.log.With(zap.String("pipe", pipeName), zap.String("remote", conn.RemoteAddr().String()))
	opts := s.opts
	opts.Logger = log

	c := &connection{
		id:           s.nextID,
		conn:         conn,
		pc:           pipe.NewConn(pipeName, opts),
		host:         host,
		pipeName:     pipe.NormalizePipeName(pipeName),
		creationTime: time.Now(),
		log:          log,
	}
	c.snapshot()
	s.connectionList[c.id] = c
	log.Debug("incoming connection")
	return c
}

// closeConnection releases a connection. It is called by the goroutine
// serving c; other goroutines use dropConnection.
func (s *server) closeConnection(c *connection) {
	s.mu.Lock()
	delete(s.connectionList, c.id)
	s.mu.Unlock()
	c.conn.Close()
	c.pc.Close()
}

// dropConnection makes the goroutine serving c exit.
func (s *server) dropConnection(c *connection) {
	c.conn.Close()
}

func (s *server) addReceived(n int) {
	s.mu.Lock()
	s.stats.bytesRcvd += uint64(n)
	s.mu.Unlock()
}

func (s *server) addSent(n int) {
	s.mu.Lock()
	s.stats.bytesSent += uint64(n)
	s.mu.Unlock()
}

// maintain resets the abuse counters, saves the ban list and drops idle
// connections.
func (s *server) maintain(idleTimeout time.Duration) {
	s.mu.Lock()
	s.connectionCount = make(map[string]int)
	var stale []*connection
	for _, c := range s.connectionList {
		if c.isStale(idleTimeout) {
			stale = append(stale, c)
		}
	}
	s.mu.Unlock()

	if err := s.bs.Save(); err != nil {
		s.log.Error("couldn't save bans", zap.Error(err))
	}
	for _, c := range stale {
		c.log.Debug("dropping idle connection")
		s.dropConnection(c)
	}
}

// shutdown stops the listeners, closes every connection and waits for the
// connection goroutines to exit.
func (s *server) shutdown() {
	s.mu.Lock()
	s.enabled = false
	for _, l := range s.listeners {
		l.Close()
	}
	conns := make([]*connection, 0, len(s.connectionList))
	for _, c := range s.connectionList {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.log.Debug("closing connection")
		s.dropConnection(c)
	}
	s.wg.Wait()

	if err := s.bs.Save(); err != nil {
		s.log.Error("couldn't save bans", zap.Error(err))
	}
}

// Status implements api.Server.
func (s *server) Status() api.StatusResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return api.StatusResponse{
		StartedAt:     s.stats.start,
		Uptime:        time.Since(s.stats.start).Round(time.Second).String(),
		Connections:   len(s.connectionList),
		BytesReceived: s.stats.bytesRcvd,
		BytesSent:     s.stats.bytesSent,
		Banned:        len(s.bs.List()),
	}
}

// Connections implements api.Server.
func (s *server) Connections() []api.ConnectionInfo {
	s.mu.Lock()
	conns := make([]*connection, 0, len(s.connectionList))
	for _, c := range s.connectionList {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	infos := make([]api.ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.connectionInfo())
	}
	slices.SortFunc(infos, func(a, b api.ConnectionInfo) int { return cmp.Compare(a.ID, b.ID) })
	return infos
}

// Interfaces implements api.Server.
func (s *server) Interfaces() []api.InterfaceInfo {
	var infos []api.InterfaceInfo
	for _, t := range s.opts.Registry.Interfaces() {
		ops := make([]string, 0, len(t.Commands))
		for _, cmd := range t.Commands {
			ops = append(ops, cmd.Name)
		}
		infos = append(infos, api.InterfaceInfo{
			Pipe:           t.PipeName,
			ServerName:     t.ServerName,
			AbstractSyntax: t.AbstractSyntax.String(),
			TransferSyntax: t.TransferSyntax.String(),
			RequireAuth:    t.RequireAuth,
			Operations:     ops,
		})
	}
	return infos
}

// Ban implements api.Server.
func (s *server) Ban(host, reason string) {
	s.blockHost(host, reason)
}

// Unban implements api.Server.
func (s *server) Unban(host string) bool {
	if !s.bs.Unban(host) {
		return false
	}
	s.mu.Lock()
	delete(s.connectionCount, host)
	s.mu.Unlock()
	return true
}
