package sfs

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// imageBytes builds a minimal image: magic, padding, stamp, payload.
func imageBytes(stamp uint32, payload string) []byte {
	b := make([]byte, HeaderSize, HeaderSize+len(payload))
	copy(b, Magic)
	binary.LittleEndian.PutUint32(b[8:], stamp)
	return append(b, payload...)
}

func writeImage(t *testing.T, path string, stamp uint32, payload string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, imageBytes(stamp, payload), 0644))
}

// memImage serves image bytes from memory, optionally failing after
// failAfter bytes.
type memImage struct {
	data      []byte
	failAfter int
}

func (m *memImage) Open(ctx context.Context) (io.ReadCloser, error) {
	var r io.Reader = bytes.NewReader(m.data)
	if m.failAfter > 0 {
		r = io.MultiReader(io.LimitReader(r, int64(m.failAfter)), errReader{})
	}
	return io.NopCloser(r), nil
}

func (m *memImage) Stamp() (uint32, error) { return ParseHeader(m.data) }
func (m *memImage) Size() (int64, error)   { return int64(len(m.data)), nil }
func (m *memImage) String() string         { return "memory" }

var errSourceBroken = errors.New("source broken")

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errSourceBroken }
