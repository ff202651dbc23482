package api

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mike76-dev/smbrpc/schannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	bans map[string]bool
}

func (fs *fakeServer) Status() StatusResponse { return StatusResponse{Connections: 2} }
func (fs *fakeServer) Connections() []ConnectionInfo {
	return []ConnectionInfo{{ID: 1, Pipe: "lsarpc"}}
}
func (fs *fakeServer) Interfaces() []InterfaceInfo { return []InterfaceInfo{{Pipe: "lsarpc"}} }
func (fs *fakeServer) Ban(host, reason string)     { fs.bans[host] = true }
func (fs *fakeServer) Unban(host string) bool {
	ok := fs.bans[host]
	delete(fs.bans, host)
	return ok
}

type memoryKeys struct {
	*schannel.MemoryStore
}

func (mk memoryKeys) PutSessionKey(_ context.Context, computer string, key []byte) error {
	return mk.Put(computer, key)
}

func (mk memoryKeys) DeleteSessionKey(ctx context.Context, computer string) error {
	if _, err := mk.SessionKey(ctx, computer); err != nil {
		return err
	}
	mk.Delete(computer)
	return nil
}

func (mk memoryKeys) Computers(context.Context) ([]string, error) {
	return mk.List(), nil
}

func newTestAPI(t *testing.T) (*httptest.Server, *fakeServer, memoryKeys) {
	t.Helper()
	fs := &fakeServer{bans: make(map[string]bool)}
	keys := memoryKeys{schannel.NewMemoryStore()}
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "smbrpc_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	a := NewAPI(fs, keys, reg, nil)
	srv := httptest.NewServer(a.BasicAuth("secret")(a))
	t.Cleanup(srv.Close)
	return srv, fs, keys
}

func do(t *testing.T, method, url, password, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.SetBasicAuth("", password)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestBasicAuth(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/status", "secret", "").StatusCode)
	for range failedLoginBurst {
		assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodGet, srv.URL+"/status", "wrong", "").StatusCode)
	}
	assert.Equal(t, http.StatusTooManyRequests, do(t, http.MethodGet, srv.URL+"/status", "secret", "").StatusCode)
}

func TestBans(t *testing.T) {
	srv, fs, _ := newTestAPI(t)
	assert.Equal(t, http.StatusNoContent, do(t, http.MethodPut, srv.URL+"/bans/10.0.0.1", "secret", "").StatusCode)
	assert.True(t, fs.bans["10.0.0.1"])
	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, srv.URL+"/bans/10.0.0.1", "secret", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, srv.URL+"/bans/10.0.0.1", "secret", "").StatusCode)
}

func TestSessionKeys(t *testing.T) {
	srv, _, keys := newTestAPI(t)
	key := strings.Repeat("5a", schannel.KeySize)
	resp := do(t, http.MethodPut, srv.URL+"/schannel/ws01", "secret", `{"key":"`+key+`"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"WS01"}, keys.List())

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, srv.URL+"/schannel/ws01", "secret", `{"key":"zz"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, srv.URL+"/schannel/ws01", "secret", `{"key":"00"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPut, srv.URL+"/schannel/ws01", "secret", `{`).StatusCode)

	assert.Equal(t, http.StatusNoContent, do(t, http.MethodDelete, srv.URL+"/schannel/ws01", "secret", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, http.MethodDelete, srv.URL+"/schannel/ws01", "secret", "").StatusCode)
}

func TestMetrics(t *testing.T) {
	srv, _, _ := newTestAPI(t)
	resp := do(t, http.MethodGet, srv.URL+"/metrics", "secret", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sb strings.Builder
	_, err := io.Copy(&sb, resp.Body)
	require.NoError(t, err)
	assert.Contains(t, sb.String(), "smbrpc_test_total 1")
}
