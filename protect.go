package main

import "go.uber.org/zap"

// blockHost bans a host and drops its open connections.
func (s *server) blockHost(host, reason string) {
	s.bs.Ban(host)
	s.log.Warn("blocked host", zap.String("host", host), zap.String("reason", reason))

	s.mu.Lock()
	var victims []*connection
	for _, c := range s.connectionList {
		if c.host == host {
			victims = append(victims, c)
		}
	}
	s.mu.Unlock()

	for _, c := range victims {
		s.dropConnection(c)
	}
}
