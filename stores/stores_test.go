package stores

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mike76-dev/smbrpc/pipe"
	"github.com/mike76-dev/smbrpc/rpc"
	"github.com/mike76-dev/smbrpc/schannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0600))
}

func TestReadConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "smbrpc.yml", `
serverName: SMBRPC
apiPort: 9980
apiPassword: secret
dumpDir: /tmp/dumps
log:
  level: debug
endpoints:
  - pipe: lsarpc
    address: ":4445"
  - pipe: srvsvc
    address: ":4446"
interfaces:
  - pipe: '\PIPE\lsarpc'
    requireAuth: true
kerberos:
  keytab: /etc/krb5.keytab
  servicePrincipal: cifs/smbrpc.example.com
  maxClockSkew: 2m
`)

	cfg, err := ReadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, "SMBRPC", cfg.ServerName)
	assert.Equal(t, "WORKGROUP", cfg.Domain)
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.Equal(t, rpc.DefaultMaxFragLength, cfg.MaxFragLength)
	assert.Equal(t, pipe.DefaultMaxRequestSize, cfg.MaxRequestSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Len(t, cfg.Endpoints, 2)
	assert.True(t, cfg.RequireAuth("lsarpc"))
	assert.False(t, cfg.RequireAuth("srvsvc"))
	assert.True(t, cfg.Kerberos.Enabled())
	assert.Equal(t, 2*time.Minute, cfg.Kerberos.MaxClockSkew)
	assert.False(t, cfg.Database.Enabled())
}

func TestReadConfigErrors(t *testing.T) {
	for name, content := range map[string]string{
		"unknown field":  "serverName: X\nmode: sia\n",
		"no endpoints":   "serverName: X\n",
		"no server name": "endpoints:\n  - pipe: lsarpc\n    address: ':1'\n",
		"small fragment": "serverName: X\nmaxFragLength: 100\nendpoints:\n  - pipe: lsarpc\n    address: ':1'\n",
		"no principal":   "serverName: X\nendpoints:\n  - pipe: lsarpc\n    address: ':1'\nkerberos:\n  keytab: k\n",
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "smbrpc.yml", content)
			_, err := ReadConfig(dir)
			assert.Error(t, err)
		})
	}

	_, err := ReadConfig(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDatabaseConfig(t *testing.T) {
	dc := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "smbrpc", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=smbrpc sslmode=disable", dc.String())
	assert.True(t, dc.Enabled())
}

func TestAccountStore(t *testing.T) {
	dir := t.TempDir()
	as, err := NewJSONAccountStore(dir)
	require.NoError(t, err)
	assert.Zero(t, as.Len())

	writeFile(t, dir, "accounts.json", `{"accounts":[
		{"username":"Alice","password":"secret"},
		{"username":"bob","password":"hunter2","rid":1500}
	]}`)
	as, err = NewJSONAccountStore(dir)
	require.NoError(t, err)

	password, ok := as.Lookup("ALICE")
	assert.True(t, ok)
	assert.Equal(t, "secret", password)
	_, ok = as.Lookup("carol")
	assert.False(t, ok)

	rid, ok := as.RID("alice")
	assert.True(t, ok)
	assert.Equal(t, uint32(1000), rid)
	rid, _ = as.RID("Bob")
	assert.Equal(t, uint32(1500), rid)

	writeFile(t, dir, "accounts.json", "{")
	_, err = NewJSONAccountStore(dir)
	assert.Error(t, err)
}

func TestBansStore(t *testing.T) {
	dir := t.TempDir()
	bs, err := NewJSONBansStore(dir)
	require.NoError(t, err)

	bs.Ban("10.0.0.2")
	bs.Ban("10.0.0.1")
	assert.True(t, bs.IsBanned("10.0.0.1"))
	require.NoError(t, bs.Save())

	bs, err = NewJSONBansStore(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, bs.List())
	assert.True(t, bs.Unban("10.0.0.2"))
	assert.False(t, bs.Unban("10.0.0.2"))
	assert.False(t, bs.IsBanned("10.0.0.2"))
}

func TestSharesStore(t *testing.T) {
	dir := t.TempDir()
	ss, err := NewSharesStore(dir)
	require.NoError(t, err)
	assert.Empty(t, ss.Shares)

	writeFile(t, dir, "shares.yml", `
shares:
  - name: data
    remark: Shared data
  - name: admin$
    hidden: true
`)
	ss, err = NewSharesStore(dir)
	require.NoError(t, err)
	assert.Len(t, ss.Shares, 2)
	assert.Equal(t, []Share{{Name: "data", Remark: "Shared data"}}, ss.Visible())

	writeFile(t, dir, "shares.yml", "shares:\n  - name: x\n    policies: []\n")
	_, err = NewSharesStore(dir)
	assert.Error(t, err)
}

func TestJSONSchannelStore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ss, err := NewJSONSchannelStore(dir)
	require.NoError(t, err)

	var keys SessionKeys = ss
	key := make([]byte, schannel.KeySize)
	key[0] = 0x5a
	require.NoError(t, keys.PutSessionKey(ctx, "ws01", key))
	assert.ErrorIs(t, keys.PutSessionKey(ctx, "ws02", []byte{1}), schannel.ErrKeyLength)

	ss, err = NewJSONSchannelStore(dir)
	require.NoError(t, err)
	got, err := ss.SessionKey(ctx, "WS01")
	require.NoError(t, err)
	assert.Equal(t, key, got)
	names, err := ss.Computers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"WS01"}, names)

	require.NoError(t, ss.DeleteSessionKey(ctx, "ws01"))
	assert.ErrorIs(t, ss.DeleteSessionKey(ctx, "ws01"), schannel.ErrNoSession)

	ss, err = NewJSONSchannelStore(dir)
	require.NoError(t, err)
	_, err = ss.SessionKey(ctx, "ws01")
	assert.ErrorIs(t, err, schannel.ErrNoSession)
}
