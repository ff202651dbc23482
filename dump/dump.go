// Package dump stores request and response stubs on disk for offline
// inspection. Each payload is written to its own lz4 frame.
package dump

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pierrec/lz4/v4"
)

// Writer writes payload dumps into a directory.
type Writer struct {
	dir string
	seq atomic.Uint64
}

// New returns a Writer for dir, creating the directory if needed.
func New(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create dump directory: %w", err)
	}
	return &Writer{dir: dir}, nil
}

// Dump writes data to <name>.<opnum>.<seq>.lz4.
func (w *Writer) Dump(name string, opnum uint16, data []byte) error {
	seq := w.seq.Add(1)
	path := filepath.Join(w.dir, fmt.Sprintf("%s.%d.%d.lz4", filepath.Base(name), opnum, seq))

	compressed, err := Compress(data)
	if err != nil {
		return err
	}
	return os.WriteFile(path, compressed, 0600)
}

// Compress encodes src as a single lz4 frame.
func Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress decodes an lz4 frame, reading at most limit bytes of output.
func Decompress(src []byte, limit int64) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	dst, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, err
	}
	return dst, nil
}

// Load reads back a dump file.
func Load(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decompress(b, 1<<30)
}
