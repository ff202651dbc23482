package dump

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDump(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "dumps")
	w, err := New(dir)
	require.NoError(t, err)

	in := bytes.Repeat([]byte("lsarpc"), 1000)
	require.NoError(t, w.Dump("lsarpc.in", 0x2c, in))
	require.NoError(t, w.Dump("lsarpc.out", 0x2c, nil))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	got, err := Load(filepath.Join(dir, "lsarpc.in.44.1.lz4"))
	require.NoError(t, err)
	assert.Equal(t, in, got)

	got, err = Load(filepath.Join(dir, "lsarpc.out.44.2.lz4"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDumpNameIsConfined(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, w.Dump("../../escape", 1, []byte{1}))
	_, err = os.Stat(filepath.Join(dir, "escape.1.1.lz4"))
	assert.NoError(t, err)
}

func TestDecompressLimit(t *testing.T) {
	b, err := Compress(make([]byte, 4096))
	require.NoError(t, err)
	assert.Less(t, len(b), 4096)

	out, err := Decompress(b, 100)
	require.NoError(t, err)
	assert.Len(t, out, 100)

	_, err = Decompress([]byte("not lz4"), 100)
	assert.Error(t, err)
}
