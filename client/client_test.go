package client

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/mike76-dev/smbrpc/api"
	"github.com/mike76-dev/smbrpc/stores"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type server struct {
	banned map[string]bool
}

func (s *server) Status() api.StatusResponse {
	return api.StatusResponse{Connections: 3, Banned: len(s.banned)}
}
func (s *server) Connections() []api.ConnectionInfo {
	return []api.ConnectionInfo{{ID: 7, Pipe: "srvsvc", State: "bound", Mechanism: "ntlmssp", User: "alice"}}
}
func (s *server) Interfaces() []api.InterfaceInfo {
	return []api.InterfaceInfo{{Pipe: "srvsvc", ServerName: "ntsvcs", Operations: []string{"NetrShareEnum"}}}
}
func (s *server) Ban(host, _ string) { s.banned[host] = true }
func (s *server) Unban(host string) bool {
	ok := s.banned[host]
	delete(s.banned, host)
	return ok
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	keys, err := stores.NewJSONSchannelStore(t.TempDir())
	require.NoError(t, err)
	s := &server{banned: make(map[string]bool)}
	a := api.NewAPI(s, keys, nil, nil)
	srv := httptest.NewServer(a.BasicAuth("secret")(a))
	defer srv.Close()

	c := New(srv.URL, "secret")

	require.NoError(t, c.Ban(ctx, "10.0.0.9"))
	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, status.Connections)
	assert.Equal(t, 1, status.Banned)
	require.NoError(t, c.Unban(ctx, "10.0.0.9"))
	assert.Error(t, c.Unban(ctx, "10.0.0.9"))

	conns, err := c.Connections(ctx)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "alice", conns[0].User)

	ifaces, err := c.Interfaces(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"NetrShareEnum"}, ifaces[0].Operations)

	key := make([]byte, 16)
	require.NoError(t, c.PutSessionKey(ctx, "ws01", key))
	names, err := c.Computers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"WS01"}, names)
	assert.Error(t, c.PutSessionKey(ctx, "ws01", key[:3]))
	require.NoError(t, c.DeleteSessionKey(ctx, "ws01"))
	assert.Error(t, c.DeleteSessionKey(ctx, "ws01"))

	assert.Error(t, New(srv.URL, "wrong").Ban(ctx, "x"))
}
